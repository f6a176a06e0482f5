package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserProfile is a roster entry. The roster table is owned by administrators
// and is read-only to the core.
type UserProfile struct {
	OpenID      string
	DisplayName string
	Enabled     bool
	LunchPrice  decimal.Decimal
	DinnerPrice decimal.Decimal
	Preferences MealSet
}

// Price returns the per-unit price for the given meal.
func (u UserProfile) Price(meal Meal) decimal.Decimal {
	switch meal {
	case MealLunch:
		return u.LunchPrice
	case MealDinner:
		return u.DinnerPrice
	default:
		return decimal.Zero
	}
}

// MealScheduleRule overrides the offered meals for an inclusive date range.
type MealScheduleRule struct {
	StartDate time.Time
	EndDate   time.Time
	Meals     MealSet
	Remark    string
}

// Matches reports whether the rule's range contains the date.
func (r MealScheduleRule) Matches(date time.Time) bool {
	day := DateOnly(date)
	return !day.Before(DateOnly(r.StartDate)) && !day.After(DateOnly(r.EndDate))
}

// DailyMealPlan is the resolved set of offered meals for a date. Derived,
// never persisted.
type DailyMealPlan struct {
	Date  time.Time
	Meals MealSet
}

// MealRecordRow is one reservation attempt in the record store. Duplicates
// for the same (user, date, meal) key can exist; the logically-last row wins.
type MealRecordRow struct {
	RecordID string
	Date     time.Time
	OpenID   string
	MealType Meal
	Status   bool
	Price    decimal.Decimal
}

// MealFeeSummary aggregates one user's reservation costs over a closed date
// interval.
type MealFeeSummary struct {
	OpenID      string
	TotalFee    decimal.Decimal
	LunchCount  int
	DinnerCount int
}

// CronPreviewSnapshot explains why a scheduled action would or would not
// fire, without side effects.
type CronPreviewSnapshot struct {
	ScheduleRuleCount     int
	EnabledUserCount      int
	StatsReceiverCount    int
	MealsByDate           map[string]MealSet
	MatchedRuleCountByDay map[string]int
}

// DateOnly truncates a timestamp to its calendar date, preserving location.
func DateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// DateKey formats a date as its ISO calendar-day string.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
