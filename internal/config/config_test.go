package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestParseTimeOfDay(t *testing.T) {
	testCases := []struct {
		input    string
		expected TimeOfDay
		wantErr  bool
	}{
		{input: "09:00", expected: TimeOfDay{Hour: 9}},
		{input: "16:30", expected: TimeOfDay{Hour: 16, Minute: 30}},
		{input: "10:30:30", expected: TimeOfDay{Hour: 10, Minute: 30, Second: 30}},
		{input: " 21:00 ", expected: TimeOfDay{Hour: 21}},
		{input: "24:00", wantErr: true},
		{input: "10:60", wantErr: true},
		{input: "10", wantErr: true},
		{input: "aa:bb", wantErr: true},
	}

	for _, testCase := range testCases {
		parsed, err := ParseTimeOfDay(testCase.input)
		if testCase.wantErr {
			if err == nil {
				t.Fatalf("ParseTimeOfDay(%q): expected error", testCase.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q): unexpected error %v", testCase.input, err)
		}
		if parsed != testCase.expected {
			t.Fatalf("ParseTimeOfDay(%q): expected %+v, got %+v", testCase.input, testCase.expected, parsed)
		}
	}
}

func TestTimeOfDayAtAnchorsDate(t *testing.T) {
	loc := time.FixedZone("test", 8*3600)
	anchor := TimeOfDay{Hour: 10, Minute: 30}.At(time.Date(2026, 2, 12, 23, 59, 0, 0, loc))
	expected := time.Date(2026, 2, 12, 10, 30, 0, 0, loc)
	if !anchor.Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, anchor)
	}
}

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	configViper := viper.New()
	ApplyDefaults(configViper)

	configViper.Set("app.id", "cli_test")
	configViper.Set("app.secret", "secret")
	configViper.Set("app.token", "bas_token")
	configViper.Set("tables.user_config", "tbl_users")
	configViper.Set("tables.meal_schedule", "tbl_schedule")
	configViper.Set("tables.meal_record", "tbl_records")
	configViper.Set("tables.stats_receivers", "tbl_receivers")
	configViper.Set("tables.meal_fee_archive", "tbl_archive")
	configViper.Set("fields.user_config", map[string]string{
		"user": "User", "display_name": "Name", "enabled": "Enabled",
		"lunch_price": "Lunch price", "dinner_price": "Dinner price",
		"meal_preference": "Preference",
	})
	configViper.Set("fields.meal_schedule", map[string]string{
		"start_date": "Start", "end_date": "End", "meals": "Meals", "remark": "Remark",
	})
	configViper.Set("fields.meal_record", map[string]string{
		"date": "Date", "user": "User", "meal_type": "Meal",
		"price": "Price", "reservation_status": "Status",
	})
	configViper.Set("fields.stats_receivers", map[string]string{"user": "User"})
	configViper.Set("fields.meal_fee_archive", map[string]string{
		"user": "User", "start_date": "Start", "end_date": "End",
		"fee": "Fee", "lunch_count": "Lunches", "dinner_count": "Dinners",
	})
	return configViper
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(newTestViper(t))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.Schedule.LunchCutoff != (TimeOfDay{Hour: 10, Minute: 30}) {
		t.Fatalf("unexpected lunch cutoff %+v", cfg.Schedule.LunchCutoff)
	}
	if cfg.Schedule.DinnerCutoff != (TimeOfDay{Hour: 16, Minute: 30}) {
		t.Fatalf("unexpected dinner cutoff %+v", cfg.Schedule.DinnerCutoff)
	}
	if cfg.Schedule.FeeArchiveDayOfMonth != 15 {
		t.Fatalf("unexpected archive day %d", cfg.Schedule.FeeArchiveDayOfMonth)
	}
	if cfg.Schedule.RuleCacheTTL != 10*time.Minute {
		t.Fatalf("unexpected cache ttl %v", cfg.Schedule.RuleCacheTTL)
	}
	if cfg.StoreBackend != "feishu" || cfg.TransportMode != "websocket" {
		t.Fatalf("unexpected backend defaults %q %q", cfg.StoreBackend, cfg.TransportMode)
	}
	if _, err := cfg.Schedule.Location(); err != nil {
		t.Fatalf("default timezone must resolve: %v", err)
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	configViper := newTestViper(t)
	configViper.Set("app.secret", "")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing app secret")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	configViper := newTestViper(t)
	configViper.Set("store.backend", "postgres")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestLoadSQLiteBackendSkipsCredentials(t *testing.T) {
	configViper := newTestViper(t)
	configViper.Set("store.backend", "sqlite")
	configViper.Set("app.id", "")
	configViper.Set("app.secret", "")
	configViper.Set("app.token", "")
	if _, err := Load(configViper); err != nil {
		t.Fatalf("sqlite backend must not require platform credentials: %v", err)
	}
}

func TestLoadRejectsMissingTable(t *testing.T) {
	configViper := newTestViper(t)
	configViper.Set("tables.meal_record", "")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing table id")
	}
}

func TestLoadRejectsDuplicateFieldNames(t *testing.T) {
	configViper := newTestViper(t)
	configViper.Set("fields.meal_record", map[string]string{
		"date": "Date", "user": "Date", "meal_type": "Meal",
		"price": "Price", "reservation_status": "Status",
	})
	_, err := Load(configViper)
	if err == nil {
		t.Fatalf("expected error for duplicate field names")
	}
	if !strings.Contains(err.Error(), "duplicate field name") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadRejectsArchiveDayOutOfRange(t *testing.T) {
	configViper := newTestViper(t)
	configViper.Set("schedule.fee_archive_day_of_month", 32)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for archive day out of range")
	}
}

func TestLoadRejectsInvalidTimezone(t *testing.T) {
	configViper := newTestViper(t)
	configViper.Set("schedule.timezone", "Mars/Olympus")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}
