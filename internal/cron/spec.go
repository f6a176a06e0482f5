// Package cron derives concrete trigger events from the daily job
// specifications. The derivation is pure so the live scheduler and the
// dry-run preview tool share one source of truth.
package cron

import (
	"sort"
	"time"

	"github.com/Yikai-Liao/EatBot/internal/config"
)

// Action names a scheduled operation the booking service can execute.
type Action string

const (
	ActionSendCards   Action = "send_cards"
	ActionLunchStats  Action = "lunch_stats"
	ActionDinnerStats Action = "dinner_stats"
	ActionFeeArchive  Action = "fee_archive"
)

const (
	JobDailySendCards   = "daily_send_cards"
	JobDailyLunchStats  = "daily_lunch_stats"
	JobDailyDinnerStats = "daily_dinner_stats"
	JobDailyFeeArchive  = "daily_fee_archive"
)

// JobSpec is one daily job: an action fired at a fixed wall-clock time.
type JobSpec struct {
	JobID  string
	Action Action
	Hour   int
	Minute int
	Second int
}

// At anchors the job's trigger time onto a calendar date.
func (s JobSpec) At(date time.Time) time.Time {
	year, month, day := date.Date()
	return time.Date(year, month, day, s.Hour, s.Minute, s.Second, 0, date.Location())
}

// TriggerEvent is one concrete firing of a job.
type TriggerEvent struct {
	Spec JobSpec
	At   time.Time
}

// BuildJobSpecs derives the daily job table from the schedule
// configuration. Stats jobs fire at the meal cutoff plus the configured
// offset.
func BuildJobSpecs(schedule config.ScheduleConfig) []JobSpec {
	offset := schedule.SendStatOffset.Duration()
	lunchAt := offsetTime(schedule.LunchCutoff, offset)
	dinnerAt := offsetTime(schedule.DinnerCutoff, offset)

	return []JobSpec{
		{JobID: JobDailySendCards, Action: ActionSendCards, Hour: schedule.SendTime.Hour, Minute: schedule.SendTime.Minute, Second: schedule.SendTime.Second},
		{JobID: JobDailyLunchStats, Action: ActionLunchStats, Hour: lunchAt.Hour, Minute: lunchAt.Minute, Second: lunchAt.Second},
		{JobID: JobDailyDinnerStats, Action: ActionDinnerStats, Hour: dinnerAt.Hour, Minute: dinnerAt.Minute, Second: dinnerAt.Second},
		{JobID: JobDailyFeeArchive, Action: ActionFeeArchive, Hour: schedule.FeeArchiveTime.Hour, Minute: schedule.FeeArchiveTime.Minute, Second: schedule.FeeArchiveTime.Second},
	}
}

// TriggerEvents lists every firing of the given specs inside the closed
// window [from, to], ordered by time.
func TriggerEvents(specs []JobSpec, from, to time.Time) []TriggerEvent {
	if to.Before(from) {
		return nil
	}

	events := make([]TriggerEvent, 0)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	for !day.After(to) {
		for _, spec := range specs {
			at := spec.At(day)
			if at.Before(from) || at.After(to) {
				continue
			}
			events = append(events, TriggerEvent{Spec: spec, At: at})
		}
		day = day.AddDate(0, 0, 1)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events
}

func offsetTime(base config.TimeOfDay, offset time.Duration) config.TimeOfDay {
	total := (base.Duration() + offset) % (24 * time.Hour)
	if total < 0 {
		total += 24 * time.Hour
	}
	return config.TimeOfDay{
		Hour:   int(total / time.Hour),
		Minute: int(total % time.Hour / time.Minute),
		Second: int(total % time.Minute / time.Second),
	}
}
