package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CardInput carries everything needed to render one user's reservation card.
type CardInput struct {
	Date      time.Time
	OpenID    string
	Allowed   MealSet
	Defaults  MealSet
	Selected  MealSet
	Prices    map[Meal]decimal.Decimal
	RecordIDs map[Meal]string
}

// BuildReservationCard renders the interactive card document. Every button
// carries a callback value the transport echoes back verbatim on the next
// interaction; record ids ride along so the next write can try a direct
// update before falling back to a scan.
func BuildReservationCard(input CardInput) map[string]any {
	defaults := input.Defaults.Intersect(input.Allowed)
	selected := input.Selected.Intersect(input.Allowed)

	defaultText := FormatMeals(defaults)
	selectedText := FormatMeals(selected)

	elements := []any{
		map[string]any{
			"tag": "markdown",
			"content": fmt.Sprintf(
				"Tap a meal to toggle it; changes save immediately.\nDefault preference: %s\nCurrent selection: %s",
				defaultText, selectedText,
			),
		},
	}
	for _, button := range buildCardButtons(input, defaults, selected) {
		elements = append(elements, button)
	}

	return map[string]any{
		"schema": "2.0",
		"config": map[string]any{"update_multi": true},
		"header": map[string]any{
			"template": "blue",
			"title": map[string]any{
				"tag":     "plain_text",
				"content": "Meal reservation " + DateKey(input.Date),
			},
		},
		"body": map[string]any{
			"direction": "vertical",
			"padding":   "12px 12px 12px 12px",
			"elements":  elements,
		},
	}
}

func buildCardButtons(input CardInput, defaults, selected MealSet) []map[string]any {
	allowedValues := mealValues(input.Allowed)
	defaultValues := mealValues(defaults)
	selectedValues := mealValues(selected)

	priceValues := make(map[string]string, len(input.Allowed))
	recordIDValues := make(map[string]string, len(input.Allowed))
	for _, meal := range input.Allowed.Sorted() {
		priceValues[string(meal)] = input.Prices[meal].String()
		recordIDValues[string(meal)] = input.RecordIDs[meal]
	}

	callback := func(action string, toggle Meal) map[string]any {
		value := map[string]any{
			"action":          action,
			"target_date":     DateKey(input.Date),
			"target_open_id":  input.OpenID,
			"allowed_meals":   allowedValues,
			"default_meals":   defaultValues,
			"selected_meals":  selectedValues,
			"meal_prices":     priceValues,
			"meal_record_ids": recordIDValues,
		}
		if toggle != "" {
			value["toggle_meal"] = string(toggle)
		}
		return value
	}

	buttons := make([]map[string]any, 0, len(input.Allowed)+1)
	for _, meal := range input.Allowed.Sorted() {
		buttonType := "default"
		if selected.Contains(meal) {
			buttonType = "primary"
		}
		buttons = append(buttons, map[string]any{
			"tag":  "button",
			"text": map[string]any{"tag": "plain_text", "content": meal.Label()},
			"type": buttonType,
			"behaviors": []any{
				map[string]any{"type": "callback", "value": callback("toggle_meal", meal)},
			},
		})
	}
	buttons = append(buttons, map[string]any{
		"tag":  "button",
		"text": map[string]any{"tag": "plain_text", "content": "Refresh"},
		"type": "default",
		"behaviors": []any{
			map[string]any{"type": "callback", "value": callback("refresh_state", "")},
		},
	})
	return buttons
}

func mealValues(meals MealSet) []string {
	values := make([]string, 0, len(meals))
	for _, meal := range meals.Sorted() {
		values = append(values, string(meal))
	}
	return values
}
