package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var running atomic.Int32
	release := make(chan struct{})
	runner := func(ctx context.Context, action Action, at time.Time) error {
		running.Add(1)
		<-release
		return nil
	}

	spec := JobSpec{JobID: "job", Action: ActionSendCards, Hour: 9}
	scheduler := NewScheduler([]JobSpec{spec}, runner, time.Now, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.fire(context.Background(), spec, time.Now())
		}()
	}

	// Give the goroutines a moment to race for the inflight slot.
	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got != 1 {
		t.Fatalf("expected exactly one run in flight, got %d", got)
	}
	close(release)
	wg.Wait()
}

func TestSchedulerAllowsSequentialRuns(t *testing.T) {
	var runs atomic.Int32
	runner := func(ctx context.Context, action Action, at time.Time) error {
		runs.Add(1)
		return nil
	}

	spec := JobSpec{JobID: "job", Action: ActionLunchStats, Hour: 10}
	scheduler := NewScheduler([]JobSpec{spec}, runner, time.Now, nil)

	scheduler.fire(context.Background(), spec, time.Now())
	scheduler.fire(context.Background(), spec, time.Now())
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected 2 sequential runs, got %d", got)
	}
}

func TestSchedulerDistinctJobsRunConcurrently(t *testing.T) {
	var running atomic.Int32
	release := make(chan struct{})
	runner := func(ctx context.Context, action Action, at time.Time) error {
		running.Add(1)
		<-release
		return nil
	}

	first := JobSpec{JobID: "first", Action: ActionLunchStats, Hour: 10}
	second := JobSpec{JobID: "second", Action: ActionDinnerStats, Hour: 16}
	scheduler := NewScheduler([]JobSpec{first, second}, runner, time.Now, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.fire(context.Background(), first, time.Now())
	}()
	go func() {
		defer wg.Done()
		scheduler.fire(context.Background(), second, time.Now())
	}()

	deadline := time.After(2 * time.Second)
	for running.Load() != 2 {
		select {
		case <-deadline:
			t.Fatalf("expected both jobs in flight, got %d", running.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	wg.Wait()
}
