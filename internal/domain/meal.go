package domain

import "strings"

// Meal identifies one reservable unit of a day.
type Meal string

const (
	MealLunch  Meal = "lunch"
	MealDinner Meal = "dinner"
	// MealCancelled is a historical record marker; the effective state of a
	// reservation is its status flag, not this value.
	MealCancelled Meal = "cancelled"
)

var mealOrder = map[Meal]int{MealLunch: 0, MealDinner: 1}

// Label returns the human-readable meal name used in cards and messages.
func (m Meal) Label() string {
	switch m {
	case MealLunch:
		return "Lunch"
	case MealDinner:
		return "Dinner"
	case MealCancelled:
		return "Cancelled"
	default:
		return string(m)
	}
}

// ParseMeal maps a wire value to a reservable meal. Unknown values and the
// cancelled marker yield false.
func ParseMeal(value string) (Meal, bool) {
	switch Meal(strings.TrimSpace(value)) {
	case MealLunch:
		return MealLunch, true
	case MealDinner:
		return MealDinner, true
	default:
		return "", false
	}
}

// MealSet is an unordered set of meals.
type MealSet map[Meal]struct{}

func NewMealSet(meals ...Meal) MealSet {
	set := make(MealSet, len(meals))
	for _, meal := range meals {
		set[meal] = struct{}{}
	}
	return set
}

func (s MealSet) Contains(meal Meal) bool {
	_, ok := s[meal]
	return ok
}

func (s MealSet) Add(meal Meal) {
	s[meal] = struct{}{}
}

func (s MealSet) Remove(meal Meal) {
	delete(s, meal)
}

// Intersect returns the meals present in both sets.
func (s MealSet) Intersect(other MealSet) MealSet {
	result := MealSet{}
	for meal := range s {
		if other.Contains(meal) {
			result.Add(meal)
		}
	}
	return result
}

// Clone returns an independent copy of the set.
func (s MealSet) Clone() MealSet {
	result := make(MealSet, len(s))
	for meal := range s {
		result.Add(meal)
	}
	return result
}

// Equal reports whether both sets hold the same meals.
func (s MealSet) Equal(other MealSet) bool {
	if len(s) != len(other) {
		return false
	}
	for meal := range s {
		if !other.Contains(meal) {
			return false
		}
	}
	return true
}

// Sorted returns the meals in canonical lunch-before-dinner order.
func (s MealSet) Sorted() []Meal {
	ordered := make([]Meal, 0, len(s))
	if s.Contains(MealLunch) {
		ordered = append(ordered, MealLunch)
	}
	if s.Contains(MealDinner) {
		ordered = append(ordered, MealDinner)
	}
	return ordered
}

// ParseMeals filters arbitrary wire values down to the reservable meals.
func ParseMeals(values []string) MealSet {
	set := MealSet{}
	for _, value := range values {
		if meal, ok := ParseMeal(value); ok {
			set.Add(meal)
		}
	}
	return set
}

// FormatMeals renders a meal set as a short display string.
func FormatMeals(meals MealSet) string {
	ordered := meals.Sorted()
	if len(ordered) == 0 {
		return "-"
	}
	labels := make([]string, 0, len(ordered))
	for _, meal := range ordered {
		labels = append(labels, meal.Label())
	}
	return strings.Join(labels, ", ")
}
