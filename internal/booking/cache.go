package booking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Yikai-Liao/EatBot/internal/domain"
)

// ruleCache holds the schedule rules as a value snapshot with an absolute
// expiry. Readers get a copy; a stale snapshot is replaced wholesale under
// the write lock, never mutated in place.
type ruleCache struct {
	mu        sync.RWMutex
	rules     []domain.MealScheduleRule
	expiresAt time.Time
	loaded    bool
}

func (c *ruleCache) get(now time.Time) ([]domain.MealScheduleRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded || !now.Before(c.expiresAt) {
		return nil, false
	}
	rules := make([]domain.MealScheduleRule, len(c.rules))
	copy(rules, c.rules)
	return rules, true
}

func (c *ruleCache) set(rules []domain.MealScheduleRule, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = rules
	c.expiresAt = expiresAt
	c.loaded = true
}

// CacheState describes the rule cache for diagnostics.
type CacheState struct {
	Loaded    bool
	RuleCount int
	ExpiresAt time.Time
}

func (c *ruleCache) state() CacheState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheState{Loaded: c.loaded, RuleCount: len(c.rules), ExpiresAt: c.expiresAt}
}

// Rules returns the schedule rules, refreshing from the repository when the
// cached snapshot expired or force is set.
func (s *Service) Rules(ctx context.Context, force bool) ([]domain.MealScheduleRule, error) {
	now := s.clock()
	if !force {
		if rules, ok := s.cache.get(now); ok {
			return rules, nil
		}
	}

	rules, err := s.repo.ListScheduleRules(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.set(rules, now.Add(s.schedule.RuleCacheTTL))
	s.logger.Debug("schedule rules refreshed",
		zap.Int("count", len(rules)),
		zap.Bool("forced", force))
	return rules, nil
}

// RuleCacheState reports the cache snapshot for the admin surface.
func (s *Service) RuleCacheState() CacheState {
	return s.cache.state()
}
