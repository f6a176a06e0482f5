package domain

import "time"

// MatchRules returns the rules whose inclusive range contains the date, in
// the order they were supplied.
func MatchRules(date time.Time, rules []MealScheduleRule) []MealScheduleRule {
	matched := make([]MealScheduleRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Matches(date) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// Decide resolves the offered meals for a date. When rules match, each
// matching rule overwrites the running result in supplied order, so the last
// matching rule is authoritative. Without a matching rule, weekdays offer
// both meals and weekends offer none.
func Decide(date time.Time, rules []MealScheduleRule) DailyMealPlan {
	matched := MatchRules(date, rules)
	if len(matched) > 0 {
		meals := MealSet{}
		for _, rule := range matched {
			meals = rule.Meals.Intersect(NewMealSet(MealLunch, MealDinner))
		}
		return DailyMealPlan{Date: DateOnly(date), Meals: meals}
	}

	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return DailyMealPlan{Date: DateOnly(date), Meals: MealSet{}}
	default:
		return DailyMealPlan{Date: DateOnly(date), Meals: NewMealSet(MealLunch, MealDinner)}
	}
}
