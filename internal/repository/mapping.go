package repository

import (
	"context"
	"fmt"

	"github.com/Yikai-Liao/EatBot/internal/config"
	"github.com/Yikai-Liao/EatBot/internal/recordstore"
)

// Logical field keys the repository reads and writes, per table.
var requiredFieldKeys = map[string][]string{
	tableUserConfig:     {"user", "display_name", "meal_preference", "lunch_price", "dinner_price", "enabled"},
	tableMealSchedule:   {"start_date", "end_date", "meals", "remark"},
	tableMealRecord:     {"date", "user", "meal_type", "price", "reservation_status"},
	tableStatsReceivers: {"user"},
	tableMealFeeArchive: {"user", "start_date", "end_date", "fee", "lunch_count", "dinner_count"},
}

const (
	tableUserConfig     = "user_config"
	tableMealSchedule   = "meal_schedule"
	tableMealRecord     = "meal_record"
	tableStatsReceivers = "stats_receivers"
	tableMealFeeArchive = "meal_fee_archive"
)

type tableMapping struct {
	alias   string
	tableID string
	fields  map[string]string
}

func (m tableMapping) field(logicalKey string) string {
	return m.fields[logicalKey]
}

func buildMappings(tables config.TablesConfig, names config.FieldNamesConfig) (map[string]tableMapping, error) {
	mappings := map[string]tableMapping{
		tableUserConfig:     {alias: tableUserConfig, tableID: tables.UserConfig, fields: names.UserConfig},
		tableMealSchedule:   {alias: tableMealSchedule, tableID: tables.MealSchedule, fields: names.MealSchedule},
		tableMealRecord:     {alias: tableMealRecord, tableID: tables.MealRecord, fields: names.MealRecord},
		tableStatsReceivers: {alias: tableStatsReceivers, tableID: tables.StatsReceivers, fields: names.StatsReceivers},
		tableMealFeeArchive: {alias: tableMealFeeArchive, tableID: tables.MealFeeArchive, fields: names.MealFeeArchive},
	}
	for alias, mapping := range mappings {
		if mapping.tableID == "" {
			return nil, fmt.Errorf("table id missing for %s", alias)
		}
		for _, key := range requiredFieldKeys[alias] {
			if mapping.fields[key] == "" {
				return nil, fmt.Errorf("field name missing for %s.%s", alias, key)
			}
		}
	}
	return mappings, nil
}

// verifyFieldMappings checks every configured column name against the live
// table schema. Run at bootstrap so a renamed column fails fast instead of
// silently producing empty reads.
func verifyFieldMappings(ctx context.Context, store recordstore.Store, mappings map[string]tableMapping) error {
	for alias, mapping := range mappings {
		metas, err := store.ListFields(ctx, mapping.tableID)
		if err != nil {
			return fmt.Errorf("list fields for %s: %w", alias, err)
		}
		byName := map[string]int{}
		for _, meta := range metas {
			byName[meta.FieldName]++
		}
		for _, key := range requiredFieldKeys[alias] {
			name := mapping.fields[key]
			switch byName[name] {
			case 0:
				return fmt.Errorf("table %s: column %q (logical %s) not found", alias, name, key)
			case 1:
			default:
				return fmt.Errorf("table %s: column %q (logical %s) is ambiguous", alias, name, key)
			}
		}
	}
	return nil
}
