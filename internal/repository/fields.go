package repository

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Yikai-Liao/EatBot/internal/domain"
)

// The record store returns loosely typed field values: person fields are
// lists of objects, dates arrive as epoch millis, seconds, or ISO strings,
// and numbers may be strings. These helpers normalize them.

func extractOpenID(value any) string {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return ""
	}
	if raw, ok := first["id"].(string); ok && raw != "" {
		return raw
	}
	if raw, ok := first["open_id"].(string); ok && raw != "" {
		return raw
	}
	return ""
}

func extractPersonName(value any) string {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := first["name"].(string)
	return name
}

func extractDisplayName(value any) string {
	wrapper, ok := value.(map[string]any)
	if !ok {
		return ""
	}
	users, ok := wrapper["users"].([]any)
	if !ok || len(users) == 0 {
		return ""
	}
	first, ok := users[0].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := first["name"].(string)
	return name
}

// toDate interprets a field value as a calendar date in the given location.
// The zero time signals absence.
func toDate(value any, loc *time.Location) time.Time {
	switch v := value.(type) {
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return time.Time{}
		}
		if isDigits(text) {
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return time.Time{}
			}
			return timestampToDate(n, loc)
		}
		if len(text) >= 10 {
			if parsed, err := time.ParseInLocation("2006-01-02", text[:10], loc); err == nil {
				return parsed
			}
		}
		return time.Time{}
	case float64:
		return timestampToDate(v, loc)
	case int:
		return timestampToDate(float64(v), loc)
	case int64:
		return timestampToDate(float64(v), loc)
	case []any:
		if len(v) > 0 {
			return toDate(v[0], loc)
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

func timestampToDate(ts float64, loc *time.Location) time.Time {
	if ts > 10_000_000_000 {
		ts = ts / 1000
	}
	return domain.DateOnly(time.Unix(int64(ts), 0).In(loc))
}

// dateMillis encodes midnight of the date in the given location as epoch
// milliseconds, the representation the store expects for date fields.
func dateMillis(date time.Time, loc *time.Location) int64 {
	year, month, day := date.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc).UnixMilli()
}

func toDecimal(value any) decimal.Decimal {
	switch v := value.(type) {
	case nil:
		return decimal.Zero
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero
		}
		return parsed
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	default:
		return decimal.Zero
	}
}

func toBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}

func toStringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if text, ok := item.(string); ok {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}

func isDigits(text string) bool {
	for _, r := range text {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(text) > 0
}
