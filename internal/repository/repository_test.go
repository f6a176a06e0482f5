package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Yikai-Liao/EatBot/internal/config"
	"github.com/Yikai-Liao/EatBot/internal/domain"
	"github.com/Yikai-Liao/EatBot/internal/recordstore"
)

const (
	usersTable     = "tbl_users"
	scheduleTable  = "tbl_schedule"
	recordsTable   = "tbl_records"
	receiversTable = "tbl_receivers"
	archiveTable   = "tbl_archive"
)

func newTestRepository(t *testing.T) (*Repository, *recordstore.Memory) {
	t.Helper()
	store := recordstore.NewMemory()
	repo, err := New(Config{
		Store: store,
		Tables: config.TablesConfig{
			UserConfig:     usersTable,
			MealSchedule:   scheduleTable,
			MealRecord:     recordsTable,
			StatsReceivers: receiversTable,
			MealFeeArchive: archiveTable,
		},
		FieldNames: config.FieldNamesConfig{
			UserConfig: map[string]string{
				"user": "User", "display_name": "Display name", "enabled": "Enabled",
				"lunch_price": "Lunch price", "dinner_price": "Dinner price",
				"meal_preference": "Preference",
			},
			MealSchedule: map[string]string{
				"start_date": "Start", "end_date": "End", "meals": "Meals", "remark": "Remark",
			},
			MealRecord: map[string]string{
				"date": "Date", "user": "User", "meal_type": "Meal",
				"price": "Price", "reservation_status": "Status",
			},
			StatsReceivers: map[string]string{"user": "User"},
			MealFeeArchive: map[string]string{
				"user": "User", "start_date": "Start", "end_date": "End",
				"fee": "Fee", "lunch_count": "Lunches", "dinner_count": "Dinners",
			},
		},
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("unexpected repository error: %v", err)
	}
	return repo, store
}

func person(openID, name string) []any {
	return []any{map[string]any{"id": openID, "name": name}}
}

func dayMillis(value string) int64 {
	parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		panic(err)
	}
	return parsed.UnixMilli()
}

func seedUser(store *recordstore.Memory, recordID, openID, name string, enabled bool, lunchPrice, dinnerPrice string, prefs ...string) {
	prefValues := make([]any, 0, len(prefs))
	for _, pref := range prefs {
		prefValues = append(prefValues, pref)
	}
	store.Seed(usersTable, recordID, map[string]any{
		"User":         person(openID, name),
		"Enabled":      enabled,
		"Lunch price":  lunchPrice,
		"Dinner price": dinnerPrice,
		"Preference":   prefValues,
	})
}

func seedRecord(store *recordstore.Memory, recordID, date, openID, meal string, status bool, price string) {
	store.Seed(recordsTable, recordID, map[string]any{
		"Date":   dayMillis(date),
		"User":   person(openID, ""),
		"Meal":   meal,
		"Price":  price,
		"Status": status,
	})
}

func TestListUserProfilesLastRowWins(t *testing.T) {
	repo, store := newTestRepository(t)
	seedUser(store, "rec_a1", "ou_alice", "Alice", true, "15", "20", "lunch")
	seedUser(store, "rec_b1", "ou_bob", "Bob", true, "15", "20", "dinner")
	seedUser(store, "rec_a2", "ou_alice", "Alice v2", false, "16", "21", "lunch", "dinner")

	profiles, err := repo.ListUserProfiles(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	// First occurrence fixes the position, the later row supplies the data.
	if profiles[0].OpenID != "ou_alice" || profiles[1].OpenID != "ou_bob" {
		t.Fatalf("unexpected profile order %q, %q", profiles[0].OpenID, profiles[1].OpenID)
	}
	alice := profiles[0]
	if alice.DisplayName != "Alice v2" || alice.Enabled {
		t.Fatalf("expected last roster row to win, got %+v", alice)
	}
	if !alice.LunchPrice.Equal(decimal.RequireFromString("16")) {
		t.Fatalf("unexpected lunch price %s", alice.LunchPrice)
	}
	if !alice.Preferences.Equal(domain.NewMealSet(domain.MealLunch, domain.MealDinner)) {
		t.Fatalf("unexpected preferences %v", alice.Preferences.Sorted())
	}
}

func TestListUserProfilesDisplayNameFallbacks(t *testing.T) {
	repo, store := newTestRepository(t)
	store.Seed(usersTable, "rec_1", map[string]any{
		"User":         person("ou_carol", "Carol From Person"),
		"Display name": map[string]any{"users": []any{map[string]any{"name": "Carol Display"}}},
		"Enabled":      true,
	})
	store.Seed(usersTable, "rec_2", map[string]any{
		"User":    person("ou_dave", "Dave From Person"),
		"Enabled": true,
	})
	store.Seed(usersTable, "rec_3", map[string]any{
		"User":    person("ou_erin", ""),
		"Enabled": true,
	})

	profiles, err := repo.ListUserProfiles(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(profiles))
	}
	if profiles[0].DisplayName != "Carol Display" {
		t.Fatalf("expected display column to win, got %q", profiles[0].DisplayName)
	}
	if profiles[1].DisplayName != "Dave From Person" {
		t.Fatalf("expected person name fallback, got %q", profiles[1].DisplayName)
	}
	if profiles[2].DisplayName != "ou_erin" {
		t.Fatalf("expected open id fallback, got %q", profiles[2].DisplayName)
	}
}

func TestListScheduleRulesDropsInvalidRows(t *testing.T) {
	repo, store := newTestRepository(t)
	store.Seed(scheduleTable, "rec_ok", map[string]any{
		"Start":  dayMillis("2026-02-10"),
		"End":    dayMillis("2026-02-12"),
		"Meals":  []any{"lunch"},
		"Remark": "half day",
	})
	store.Seed(scheduleTable, "rec_no_dates", map[string]any{
		"Meals": []any{"dinner"},
	})
	store.Seed(scheduleTable, "rec_inverted", map[string]any{
		"Start": dayMillis("2026-02-20"),
		"End":   dayMillis("2026-02-10"),
		"Meals": []any{"dinner"},
	})

	rules, err := repo.ListScheduleRules(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected only the valid rule, got %d", len(rules))
	}
	if rules[0].Remark != "half day" {
		t.Fatalf("unexpected rule %+v", rules[0])
	}
	if !rules[0].Meals.Equal(domain.NewMealSet(domain.MealLunch)) {
		t.Fatalf("unexpected meals %v", rules[0].Meals.Sorted())
	}
}

func TestListStatsReceiversDeduplicatesKeepingLastPosition(t *testing.T) {
	repo, store := newTestRepository(t)
	store.Seed(receiversTable, "rec_1", map[string]any{"User": person("ou_1", "")})
	store.Seed(receiversTable, "rec_2", map[string]any{"User": person("ou_2", "")})
	store.Seed(receiversTable, "rec_3", map[string]any{"User": person("ou_1", "")})

	receivers, err := repo.ListStatsReceivers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(receivers) != 2 || receivers[0] != "ou_2" || receivers[1] != "ou_1" {
		t.Fatalf("expected [ou_2 ou_1], got %v", receivers)
	}
}

func TestListUserRowsResolvesDuplicates(t *testing.T) {
	repo, store := newTestRepository(t)
	seedRecord(store, "rec_old", "2026-02-12", "ou_alice", "lunch", true, "15")
	seedRecord(store, "rec_new", "2026-02-12", "ou_alice", "lunch", false, "16")
	seedRecord(store, "rec_din", "2026-02-12", "ou_alice", "dinner", true, "20")
	seedRecord(store, "rec_other_day", "2026-02-13", "ou_alice", "lunch", true, "15")
	seedRecord(store, "rec_other_user", "2026-02-12", "ou_bob", "lunch", true, "15")

	rows, err := repo.ListUserRows(context.Background(), dateUTC("2026-02-12"), "ou_alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected lunch and dinner rows, got %d", len(rows))
	}
	if rows[0].MealType != domain.MealLunch || rows[0].RecordID != "rec_new" || rows[0].Status {
		t.Fatalf("expected last lunch row to win, got %+v", rows[0])
	}
	if rows[1].MealType != domain.MealDinner || rows[1].RecordID != "rec_din" {
		t.Fatalf("unexpected dinner row %+v", rows[1])
	}
}

func dateUTC(value string) time.Time {
	parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC)
	if err != nil {
		panic(err)
	}
	return parsed
}

func TestUpsertReservationDirectUpdate(t *testing.T) {
	repo, store := newTestRepository(t)
	seedRecord(store, "rec_hint", "2026-02-12", "ou_alice", "lunch", false, "15")

	recordID, err := repo.UpsertReservation(context.Background(), dateUTC("2026-02-12"),
		"ou_alice", domain.MealLunch, decimal.RequireFromString("15"), "rec_hint", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recordID != "rec_hint" {
		t.Fatalf("expected direct update onto the hint, got %q", recordID)
	}

	rows, err := store.ListRows(context.Background(), recordsTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected no new rows, got %d", len(rows))
	}
	if rows[0].Fields["Status"] != true {
		t.Fatalf("expected status true after upsert, got %v", rows[0].Fields["Status"])
	}
}

func TestUpsertReservationStaleHintFallsBackToScan(t *testing.T) {
	repo, store := newTestRepository(t)
	seedRecord(store, "rec_live", "2026-02-12", "ou_alice", "lunch", false, "15")
	store.FailUpdate["rec_gone"] = true

	recordID, err := repo.UpsertReservation(context.Background(), dateUTC("2026-02-12"),
		"ou_alice", domain.MealLunch, decimal.RequireFromString("15"), "rec_gone", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recordID != "rec_live" {
		t.Fatalf("expected fallback onto the effective row, got %q", recordID)
	}
}

func TestUpsertReservationCreatesWhenMissing(t *testing.T) {
	repo, _ := newTestRepository(t)

	recordID, err := repo.UpsertReservation(context.Background(), dateUTC("2026-02-12"),
		"ou_alice", domain.MealDinner, decimal.RequireFromString("20"), "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recordID == "" {
		t.Fatalf("expected a created record id")
	}

	rows, err := repo.ListUserRows(context.Background(), dateUTC("2026-02-12"), "ou_alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].MealType != domain.MealDinner || !rows[0].Status {
		t.Fatalf("unexpected rows after create: %+v", rows)
	}
}

func TestCancelReservationPreservesPrice(t *testing.T) {
	repo, store := newTestRepository(t)
	seedRecord(store, "rec_1", "2026-02-12", "ou_alice", "lunch", true, "15.5")

	recordID, err := repo.CancelReservation(context.Background(), dateUTC("2026-02-12"),
		"ou_alice", domain.MealLunch, "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recordID != "rec_1" {
		t.Fatalf("expected cancel to land on rec_1, got %q", recordID)
	}

	rows, err := store.ListRows(context.Background(), recordsTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0].Fields["Status"] != false {
		t.Fatalf("expected status false, got %v", rows[0].Fields["Status"])
	}
	if rows[0].Fields["Price"] != "15.5" {
		t.Fatalf("cancel must not touch the price, got %v", rows[0].Fields["Price"])
	}
}

func TestCancelReservationWithoutRowIsNoOp(t *testing.T) {
	repo, _ := newTestRepository(t)

	recordID, err := repo.CancelReservation(context.Background(), dateUTC("2026-02-12"),
		"ou_alice", domain.MealLunch, "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recordID != "" {
		t.Fatalf("expected empty record id when nothing to cancel, got %q", recordID)
	}
}

func TestCountReservationsDeduplicates(t *testing.T) {
	repo, store := newTestRepository(t)
	seedRecord(store, "rec_1", "2026-02-12", "ou_alice", "lunch", true, "15")
	seedRecord(store, "rec_2", "2026-02-12", "ou_alice", "lunch", true, "15")
	seedRecord(store, "rec_3", "2026-02-12", "ou_bob", "lunch", true, "15")
	seedRecord(store, "rec_4", "2026-02-12", "ou_bob", "lunch", false, "15")
	seedRecord(store, "rec_5", "2026-02-12", "ou_carol", "dinner", true, "20")

	count, err := repo.CountReservations(context.Background(), dateUTC("2026-02-12"), domain.MealLunch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Alice's duplicates collapse to one; Bob's last row is a cancellation.
	if count != 1 {
		t.Fatalf("expected 1 lunch reservation, got %d", count)
	}
}

func TestListFeeSummariesWindow(t *testing.T) {
	repo, store := newTestRepository(t)
	seedRecord(store, "rec_1", "2026-01-16", "ou_alice", "lunch", true, "15")
	seedRecord(store, "rec_2", "2026-02-15", "ou_alice", "dinner", true, "20")
	seedRecord(store, "rec_3", "2026-02-16", "ou_alice", "lunch", true, "15")
	seedRecord(store, "rec_4", "2026-01-15", "ou_alice", "lunch", true, "15")
	seedRecord(store, "rec_5", "2026-02-01", "ou_bob", "lunch", true, "12")
	seedRecord(store, "rec_6", "2026-02-01", "ou_bob", "lunch", false, "12")

	summaries, err := repo.ListFeeSummaries(context.Background(),
		dateUTC("2026-01-16"), dateUTC("2026-02-15"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected only alice in the window, got %d summaries", len(summaries))
	}
	alice := summaries[0]
	if alice.OpenID != "ou_alice" {
		t.Fatalf("unexpected open id %q", alice.OpenID)
	}
	if !alice.TotalFee.Equal(decimal.RequireFromString("35")) {
		t.Fatalf("expected boundary days included and outside days excluded, got %s", alice.TotalFee)
	}
	if alice.LunchCount != 1 || alice.DinnerCount != 1 {
		t.Fatalf("unexpected counts %d/%d", alice.LunchCount, alice.DinnerCount)
	}
}

func TestUpsertFeeArchiveRecord(t *testing.T) {
	repo, store := newTestRepository(t)

	first, err := repo.UpsertFeeArchiveRecord(context.Background(), "ou_alice",
		dateUTC("2026-01-16"), dateUTC("2026-02-15"),
		decimal.RequireFromString("35"), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := repo.UpsertFeeArchiveRecord(context.Background(), "ou_alice",
		dateUTC("2026-01-16"), dateUTC("2026-02-15"),
		decimal.RequireFromString("40"), 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected matching interval to update in place, got %q then %q", first, second)
	}

	other, err := repo.UpsertFeeArchiveRecord(context.Background(), "ou_alice",
		dateUTC("2026-02-16"), dateUTC("2026-03-15"),
		decimal.Zero, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other == first {
		t.Fatalf("expected a new row for a different interval")
	}

	rows, err := store.ListRows(context.Background(), archiveTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 archive rows, got %d", len(rows))
	}
	if rows[0].Fields["Fee"] != "40" {
		t.Fatalf("expected updated fee, got %v", rows[0].Fields["Fee"])
	}
}

func TestVerifySchemaDetectsMissingAndAmbiguousColumns(t *testing.T) {
	repo, store := newTestRepository(t)

	setFields := func(tableID string, names ...string) {
		metas := make([]recordstore.FieldMeta, 0, len(names))
		for i, name := range names {
			metas = append(metas, recordstore.FieldMeta{
				FieldID:   name,
				FieldName: name,
				FieldType: i + 1,
			})
		}
		store.SetFields(tableID, metas)
	}

	setFields(usersTable, "User", "Display name", "Enabled", "Lunch price", "Dinner price", "Preference")
	setFields(scheduleTable, "Start", "End", "Meals", "Remark")
	setFields(recordsTable, "Date", "User", "Meal", "Price", "Status")
	setFields(receiversTable, "User")
	setFields(archiveTable, "User", "Start", "End", "Fee", "Lunches", "Dinners")

	if err := repo.VerifySchema(context.Background()); err != nil {
		t.Fatalf("expected schema to verify: %v", err)
	}

	setFields(recordsTable, "Date", "User", "Meal", "Price")
	if err := repo.VerifySchema(context.Background()); err == nil {
		t.Fatalf("expected error for missing column")
	}

	setFields(recordsTable, "Date", "User", "Meal", "Price", "Status", "Status")
	if err := repo.VerifySchema(context.Background()); err == nil {
		t.Fatalf("expected error for ambiguous column")
	}
}
