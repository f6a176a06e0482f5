package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Yikai-Liao/EatBot/internal/domain"
)

const (
	actionToggleMeal        = "toggle_meal"
	actionSubmitReservation = "submit_reservation"
	actionRefreshState      = "refresh_state"
)

var errUnknownAction = errors.New("unknown card action")

// cardAction is the decoded intent of one card button press. The callback
// value is parsed exactly once at the boundary; everything past this point
// works with typed data.
type cardAction interface {
	isCardAction()
}

// toggleAction flips one meal on or off.
type toggleAction struct {
	Meal domain.Meal
}

// submitAction replaces the whole selection, the legacy bulk-form flow.
type submitAction struct {
	Selection domain.MealSet
}

// refreshAction re-renders the card from current state without writing.
type refreshAction struct{}

func (toggleAction) isCardAction()  {}
func (submitAction) isCardAction()  {}
func (refreshAction) isCardAction() {}

// cardCallbackState is the shared state every card button carries: whose card
// it is, which date it covers, and the record id hints from the last render.
type cardCallbackState struct {
	Action       cardAction
	Date         time.Time
	TargetOpenID string
	Defaults     domain.MealSet
	Selected     domain.MealSet
	Prices       map[domain.Meal]decimal.Decimal
	RecordIDs    map[domain.Meal]string
}

func parseCardValue(value, formValue map[string]any, loc *time.Location) (cardCallbackState, error) {
	actionName, _ := value["action"].(string)
	rawDate, _ := value["target_date"].(string)
	targetOpenID, _ := value["target_open_id"].(string)

	date, err := time.ParseInLocation("2006-01-02", rawDate, loc)
	if err != nil {
		return cardCallbackState{}, fmt.Errorf("invalid target date %q", rawDate)
	}

	state := cardCallbackState{
		Date:         date,
		TargetOpenID: targetOpenID,
		Defaults:     domain.ParseMeals(anyStrings(value["default_meals"])),
		Selected:     domain.ParseMeals(anyStrings(value["selected_meals"])),
		Prices:       parsePriceValues(value["meal_prices"]),
		RecordIDs:    parseRecordIDValues(value["meal_record_ids"]),
	}

	switch actionName {
	case actionToggleMeal:
		rawMeal, _ := value["toggle_meal"].(string)
		meal, ok := domain.ParseMeal(rawMeal)
		if !ok {
			return cardCallbackState{}, fmt.Errorf("invalid toggle meal %q", rawMeal)
		}
		state.Action = toggleAction{Meal: meal}
	case actionSubmitReservation:
		// An explicit list in the payload wins over the submitted form.
		selection, ok := value["submit_meals"]
		if !ok {
			selection = formValue["meals"]
		}
		state.Action = submitAction{Selection: domain.ParseMeals(anyStrings(selection))}
	case actionRefreshState:
		state.Action = refreshAction{}
	default:
		return cardCallbackState{}, fmt.Errorf("%w %q", errUnknownAction, actionName)
	}
	return state, nil
}

func anyStrings(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func parsePriceValues(value any) map[domain.Meal]decimal.Decimal {
	raw, ok := value.(map[string]any)
	if !ok {
		return map[domain.Meal]decimal.Decimal{}
	}
	prices := make(map[domain.Meal]decimal.Decimal, len(raw))
	for key, item := range raw {
		meal, ok := domain.ParseMeal(key)
		if !ok {
			continue
		}
		text, ok := item.(string)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(text)
		if err != nil {
			continue
		}
		prices[meal] = price
	}
	return prices
}

func parseRecordIDValues(value any) map[domain.Meal]string {
	raw, ok := value.(map[string]any)
	if !ok {
		return map[domain.Meal]string{}
	}
	ids := make(map[domain.Meal]string, len(raw))
	for key, item := range raw {
		meal, ok := domain.ParseMeal(key)
		if !ok {
			continue
		}
		if s, ok := item.(string); ok && s != "" {
			ids[meal] = s
		}
	}
	return ids
}
