package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "EATBOT"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultLogLevel         = "info"
	defaultTimezone         = "Asia/Shanghai"
	defaultSendTime         = "09:00"
	defaultLunchCutoff      = "10:30"
	defaultDinnerCutoff     = "16:30"
	defaultStatOffset       = "00:00:00"
	defaultFeeArchiveTime   = "21:00"
	defaultFeeArchiveDay    = 15
	defaultRuleCacheTTLMin  = 10
	defaultStoreBackend     = "feishu"
	defaultTransportMode    = "websocket"
	defaultSQLitePath       = "eatbot.db"
	defaultFeishuBaseURL    = "https://open.feishu.cn"
	defaultFeishuWSEndpoint = "wss://open.feishu.cn/callback/ws"
)

// TimeOfDay is a wall-clock trigger or cutoff time.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", value)
	}
	numbers := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q", value)
		}
		numbers[i] = n
	}
	tod := TimeOfDay{Hour: numbers[0], Minute: numbers[1]}
	if len(numbers) == 3 {
		tod.Second = numbers[2]
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 || tod.Second < 0 || tod.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day out of range %q", value)
	}
	return tod, nil
}

// Duration returns the offset from midnight.
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second
}

// At anchors the time of day onto a calendar date.
func (t TimeOfDay) At(date time.Time) time.Time {
	year, month, day := date.Date()
	return time.Date(year, month, day, t.Hour, t.Minute, t.Second, 0, date.Location())
}

func (t TimeOfDay) String() string {
	if t.Second == 0 {
		return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
	}
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// TablesConfig maps each logical table to its remote table id.
type TablesConfig struct {
	UserConfig     string
	MealSchedule   string
	MealRecord     string
	StatsReceivers string
	MealFeeArchive string
}

// FieldNamesConfig maps logical field keys to remote column names, one map
// per table. The logical keys are fixed by the repository layer; the column
// names are deployment specific.
type FieldNamesConfig struct {
	UserConfig     map[string]string
	MealSchedule   map[string]string
	MealRecord     map[string]string
	StatsReceivers map[string]string
	MealFeeArchive map[string]string
}

// ScheduleConfig drives the daily jobs and cutoff checks.
type ScheduleConfig struct {
	Timezone             string
	SendTime             TimeOfDay
	LunchCutoff          TimeOfDay
	DinnerCutoff         TimeOfDay
	SendStatOffset       TimeOfDay
	FeeArchiveTime       TimeOfDay
	FeeArchiveDayOfMonth int
	RuleCacheTTL         time.Duration
}

// Location resolves the configured timezone.
func (s ScheduleConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

// AppConfig captures runtime configuration for the bot.
type AppConfig struct {
	AppID     string
	AppSecret string
	AppToken  string

	FeishuBaseURL    string
	FeishuWSEndpoint string

	StoreBackend  string
	SQLitePath    string
	TransportMode string
	HTTPAddress   string

	AdminSigningSecret string
	LogLevel           string

	Tables     TablesConfig
	FieldNames FieldNamesConfig
	Schedule   ScheduleConfig
}

// NewViper returns a viper instance with defaults and env bindings
// configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("store.sqlite_path", defaultSQLitePath)
	configViper.SetDefault("transport.mode", defaultTransportMode)
	configViper.SetDefault("feishu.base_url", defaultFeishuBaseURL)
	configViper.SetDefault("feishu.ws_endpoint", defaultFeishuWSEndpoint)
	configViper.SetDefault("schedule.timezone", defaultTimezone)
	configViper.SetDefault("schedule.send_time", defaultSendTime)
	configViper.SetDefault("schedule.lunch_cutoff", defaultLunchCutoff)
	configViper.SetDefault("schedule.dinner_cutoff", defaultDinnerCutoff)
	configViper.SetDefault("schedule.send_stat_offset", defaultStatOffset)
	configViper.SetDefault("schedule.fee_archive_time", defaultFeeArchiveTime)
	configViper.SetDefault("schedule.fee_archive_day_of_month", defaultFeeArchiveDay)
	configViper.SetDefault("schedule.rule_cache_ttl_minutes", defaultRuleCacheTTLMin)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	schedule, err := loadSchedule(configViper)
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		AppID:              configViper.GetString("app.id"),
		AppSecret:          configViper.GetString("app.secret"),
		AppToken:           configViper.GetString("app.token"),
		FeishuBaseURL:      configViper.GetString("feishu.base_url"),
		FeishuWSEndpoint:   configViper.GetString("feishu.ws_endpoint"),
		StoreBackend:       configViper.GetString("store.backend"),
		SQLitePath:         configViper.GetString("store.sqlite_path"),
		TransportMode:      configViper.GetString("transport.mode"),
		HTTPAddress:        configViper.GetString("http.address"),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		LogLevel:           configViper.GetString("log.level"),
		Tables: TablesConfig{
			UserConfig:     configViper.GetString("tables.user_config"),
			MealSchedule:   configViper.GetString("tables.meal_schedule"),
			MealRecord:     configViper.GetString("tables.meal_record"),
			StatsReceivers: configViper.GetString("tables.stats_receivers"),
			MealFeeArchive: configViper.GetString("tables.meal_fee_archive"),
		},
		FieldNames: FieldNamesConfig{
			UserConfig:     configViper.GetStringMapString("fields.user_config"),
			MealSchedule:   configViper.GetStringMapString("fields.meal_schedule"),
			MealRecord:     configViper.GetStringMapString("fields.meal_record"),
			StatsReceivers: configViper.GetStringMapString("fields.stats_receivers"),
			MealFeeArchive: configViper.GetStringMapString("fields.meal_fee_archive"),
		},
		Schedule: schedule,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func loadSchedule(configViper *viper.Viper) (ScheduleConfig, error) {
	schedule := ScheduleConfig{
		Timezone:             configViper.GetString("schedule.timezone"),
		FeeArchiveDayOfMonth: configViper.GetInt("schedule.fee_archive_day_of_month"),
		RuleCacheTTL:         time.Duration(configViper.GetInt("schedule.rule_cache_ttl_minutes")) * time.Minute,
	}

	var err error
	if schedule.SendTime, err = ParseTimeOfDay(configViper.GetString("schedule.send_time")); err != nil {
		return ScheduleConfig{}, fmt.Errorf("schedule.send_time: %w", err)
	}
	if schedule.LunchCutoff, err = ParseTimeOfDay(configViper.GetString("schedule.lunch_cutoff")); err != nil {
		return ScheduleConfig{}, fmt.Errorf("schedule.lunch_cutoff: %w", err)
	}
	if schedule.DinnerCutoff, err = ParseTimeOfDay(configViper.GetString("schedule.dinner_cutoff")); err != nil {
		return ScheduleConfig{}, fmt.Errorf("schedule.dinner_cutoff: %w", err)
	}
	if schedule.SendStatOffset, err = ParseTimeOfDay(configViper.GetString("schedule.send_stat_offset")); err != nil {
		return ScheduleConfig{}, fmt.Errorf("schedule.send_stat_offset: %w", err)
	}
	if schedule.FeeArchiveTime, err = ParseTimeOfDay(configViper.GetString("schedule.fee_archive_time")); err != nil {
		return ScheduleConfig{}, fmt.Errorf("schedule.fee_archive_time: %w", err)
	}
	return schedule, nil
}

func (c AppConfig) validate() error {
	switch c.StoreBackend {
	case "feishu":
		if strings.TrimSpace(c.AppID) == "" || strings.TrimSpace(c.AppSecret) == "" {
			return fmt.Errorf("app.id and app.secret are required for the feishu backend")
		}
		if strings.TrimSpace(c.AppToken) == "" {
			return fmt.Errorf("app.token is required for the feishu backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be feishu or sqlite, got %q", c.StoreBackend)
	}

	switch c.TransportMode {
	case "websocket", "webhook":
	default:
		return fmt.Errorf("transport.mode must be websocket or webhook, got %q", c.TransportMode)
	}

	tables := []struct {
		key string
		id  string
	}{
		{"tables.user_config", c.Tables.UserConfig},
		{"tables.meal_schedule", c.Tables.MealSchedule},
		{"tables.meal_record", c.Tables.MealRecord},
		{"tables.stats_receivers", c.Tables.StatsReceivers},
		{"tables.meal_fee_archive", c.Tables.MealFeeArchive},
	}
	for _, table := range tables {
		if strings.TrimSpace(table.id) == "" {
			return fmt.Errorf("%s is required", table.key)
		}
	}

	fieldSections := []struct {
		key     string
		mapping map[string]string
	}{
		{"fields.user_config", c.FieldNames.UserConfig},
		{"fields.meal_schedule", c.FieldNames.MealSchedule},
		{"fields.meal_record", c.FieldNames.MealRecord},
		{"fields.stats_receivers", c.FieldNames.StatsReceivers},
		{"fields.meal_fee_archive", c.FieldNames.MealFeeArchive},
	}
	for _, section := range fieldSections {
		if err := validateFieldNames(section.key, section.mapping); err != nil {
			return err
		}
	}

	if c.Schedule.FeeArchiveDayOfMonth < 1 || c.Schedule.FeeArchiveDayOfMonth > 31 {
		return fmt.Errorf("schedule.fee_archive_day_of_month must be in 1..31, got %d", c.Schedule.FeeArchiveDayOfMonth)
	}
	if c.Schedule.RuleCacheTTL <= 0 {
		return fmt.Errorf("schedule.rule_cache_ttl_minutes must be positive")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}

	return nil
}

func validateFieldNames(section string, mapping map[string]string) error {
	if len(mapping) == 0 {
		return fmt.Errorf("%s is required", section)
	}
	reverse := map[string]string{}
	for logicalKey, fieldName := range mapping {
		if strings.TrimSpace(fieldName) == "" {
			return fmt.Errorf("%s.%s must not be empty", section, logicalKey)
		}
		if previous, exists := reverse[fieldName]; exists {
			return fmt.Errorf("%s has duplicate field name %q (keys %s, %s)", section, fieldName, previous, logicalKey)
		}
		reverse[fieldName] = logicalKey
	}
	return nil
}
