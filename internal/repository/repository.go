// Package repository translates domain operations into record-store calls.
// The store offers no transactions and no uniqueness, so every write path
// tolerates stale cached record ids and duplicate rows: the last row the
// store returns for a logical key is ground truth, and writes self-heal
// forward onto it.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yikai-Liao/EatBot/internal/config"
	"github.com/Yikai-Liao/EatBot/internal/domain"
	"github.com/Yikai-Liao/EatBot/internal/recordstore"
)

var (
	errMissingStore    = errors.New("record store is required")
	errMissingLocation = errors.New("time location is required")
)

// Config describes the dependencies for a Repository.
type Config struct {
	Store      recordstore.Store
	Tables     config.TablesConfig
	FieldNames config.FieldNamesConfig
	Location   *time.Location
	Logger     *zap.Logger
}

// Repository reads and writes the roster, schedule, reservation, and fee
// archive tables.
type Repository struct {
	store    recordstore.Store
	mappings map[string]tableMapping
	loc      *time.Location
	logger   *zap.Logger
}

func New(cfg Config) (*Repository, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Location == nil {
		return nil, errMissingLocation
	}
	mappings, err := buildMappings(cfg.Tables, cfg.FieldNames)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		store:    cfg.Store,
		mappings: mappings,
		loc:      cfg.Location,
		logger:   logger,
	}, nil
}

// VerifySchema validates the configured field names against the live table
// schemas.
func (r *Repository) VerifySchema(ctx context.Context) error {
	return verifyFieldMappings(ctx, r.store, r.mappings)
}

// ListUserProfiles returns the roster. When the roster holds several rows
// for one open id, the last row wins.
func (r *Repository) ListUserProfiles(ctx context.Context) ([]domain.UserProfile, error) {
	mapping := r.mappings[tableUserConfig]
	rows, err := r.store.ListRows(ctx, mapping.tableID)
	if err != nil {
		return nil, fmt.Errorf("list user profiles: %w", err)
	}

	order := make([]string, 0, len(rows))
	byOpenID := map[string]domain.UserProfile{}
	for _, row := range rows {
		personValue := row.Fields[mapping.field("user")]
		openID := extractOpenID(personValue)
		if openID == "" {
			continue
		}

		displayName := extractDisplayName(row.Fields[mapping.field("display_name")])
		if displayName == "" {
			displayName = extractPersonName(personValue)
		}
		if displayName == "" {
			displayName = openID
		}

		profile := domain.UserProfile{
			OpenID:      openID,
			DisplayName: displayName,
			Enabled:     toBool(row.Fields[mapping.field("enabled")]),
			LunchPrice:  toDecimal(row.Fields[mapping.field("lunch_price")]),
			DinnerPrice: toDecimal(row.Fields[mapping.field("dinner_price")]),
			Preferences: domain.ParseMeals(toStringList(row.Fields[mapping.field("meal_preference")])),
		}
		if _, seen := byOpenID[openID]; !seen {
			order = append(order, openID)
		}
		byOpenID[openID] = profile
	}

	profiles := make([]domain.UserProfile, 0, len(order))
	for _, openID := range order {
		profiles = append(profiles, byOpenID[openID])
	}
	return profiles, nil
}

// FindUserProfile returns the roster entry for an open id, or nil.
func (r *Repository) FindUserProfile(ctx context.Context, openID string) (*domain.UserProfile, error) {
	profiles, err := r.ListUserProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if profiles[i].OpenID == openID {
			return &profiles[i], nil
		}
	}
	return nil, nil
}

// ListScheduleRules returns the schedule override rules in storage order.
// Rows missing a date or with end before start are silently dropped.
func (r *Repository) ListScheduleRules(ctx context.Context) ([]domain.MealScheduleRule, error) {
	mapping := r.mappings[tableMealSchedule]
	rows, err := r.store.ListRows(ctx, mapping.tableID)
	if err != nil {
		return nil, fmt.Errorf("list schedule rules: %w", err)
	}

	rules := make([]domain.MealScheduleRule, 0, len(rows))
	for _, row := range rows {
		startDate := toDate(row.Fields[mapping.field("start_date")], r.loc)
		endDate := toDate(row.Fields[mapping.field("end_date")], r.loc)
		if startDate.IsZero() || endDate.IsZero() {
			continue
		}
		if endDate.Before(startDate) {
			continue
		}

		remark, _ := row.Fields[mapping.field("remark")].(string)
		rules = append(rules, domain.MealScheduleRule{
			StartDate: startDate,
			EndDate:   endDate,
			Meals:     domain.ParseMeals(toStringList(row.Fields[mapping.field("meals")])),
			Remark:    remark,
		})
	}
	return rules, nil
}

// ListStatsReceivers returns the deduplicated stats receiver open ids; a
// repeated id keeps its last position.
func (r *Repository) ListStatsReceivers(ctx context.Context) ([]string, error) {
	mapping := r.mappings[tableStatsReceivers]
	rows, err := r.store.ListRows(ctx, mapping.tableID)
	if err != nil {
		return nil, fmt.Errorf("list stats receivers: %w", err)
	}

	openIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		openID := extractOpenID(row.Fields[mapping.field("user")])
		if openID == "" {
			continue
		}
		for i, existing := range openIDs {
			if existing == openID {
				openIDs = append(openIDs[:i], openIDs[i+1:]...)
				break
			}
		}
		openIDs = append(openIDs, openID)
	}
	return openIDs, nil
}

// ListUserRows returns the effective reservation row per meal for one user
// and date. Duplicate rows for the same meal resolve to the last row the
// store returned.
func (r *Repository) ListUserRows(ctx context.Context, date time.Time, openID string) ([]domain.MealRecordRow, error) {
	rows, err := r.scanMealRows(ctx, date, openID)
	if err != nil {
		return nil, err
	}
	effective := effectiveRowsByMeal(rows)
	ordered := make([]domain.MealRecordRow, 0, len(effective))
	for _, meal := range []domain.Meal{domain.MealLunch, domain.MealDinner} {
		if row, ok := effective[meal]; ok {
			ordered = append(ordered, row)
		}
	}
	return ordered, nil
}

// CountReservations counts users whose effective row for the meal on the
// date has reservation status true.
func (r *Repository) CountReservations(ctx context.Context, date time.Time, meal domain.Meal) (int, error) {
	rows, err := r.scanMealRows(ctx, date, "")
	if err != nil {
		return 0, err
	}

	effectiveByUser := map[string]domain.MealRecordRow{}
	for _, row := range rows {
		if row.MealType != meal {
			continue
		}
		effectiveByUser[row.OpenID] = row
	}

	count := 0
	for _, row := range effectiveByUser {
		if row.Status {
			count++
		}
	}
	return count, nil
}

// UpsertReservation writes an active reservation. With preferDirect and a
// record id hint it updates that record in place; a failed direct update is
// a recoverable signal that the hint went stale, and the write falls back to
// a scan of the date's rows, updating the effective row for the key or
// creating a fresh one. Returns the record id the reservation now lives in.
func (r *Repository) UpsertReservation(
	ctx context.Context,
	date time.Time,
	openID string,
	meal domain.Meal,
	price decimal.Decimal,
	recordIDHint string,
	preferDirect bool,
) (string, error) {
	mapping := r.mappings[tableMealRecord]
	payload := r.mealRecordPayload(mapping, date, openID, meal, price, true)

	if preferDirect && recordIDHint != "" {
		err := r.store.UpdateRow(ctx, mapping.tableID, recordIDHint, payload)
		if err == nil {
			return recordIDHint, nil
		}
		r.logger.Debug("direct reservation update failed, falling back to scan",
			zap.String("record_id", recordIDHint),
			zap.String("open_id", openID),
			zap.Error(err))
	}

	rows, err := r.scanMealRows(ctx, date, openID)
	if err != nil {
		return "", err
	}
	if row, ok := effectiveRowsByMeal(rows)[meal]; ok {
		if err := r.store.UpdateRow(ctx, mapping.tableID, row.RecordID, payload); err != nil {
			return "", fmt.Errorf("update reservation: %w", err)
		}
		return row.RecordID, nil
	}

	recordID, err := r.store.CreateRow(ctx, mapping.tableID, payload)
	if err != nil {
		return "", fmt.Errorf("create reservation: %w", err)
	}
	return recordID, nil
}

// CancelReservation flips the effective row's status to false. Only the
// status field is written so historical price data survives cancellation.
// Returns the record id that now holds the cancelled state, or "" when no
// row exists for the key.
func (r *Repository) CancelReservation(
	ctx context.Context,
	date time.Time,
	openID string,
	meal domain.Meal,
	recordIDHint string,
	preferDirect bool,
) (string, error) {
	mapping := r.mappings[tableMealRecord]
	payload := map[string]any{mapping.field("reservation_status"): false}

	if preferDirect && recordIDHint != "" {
		err := r.store.UpdateRow(ctx, mapping.tableID, recordIDHint, payload)
		if err == nil {
			return recordIDHint, nil
		}
		r.logger.Debug("direct cancel failed, falling back to scan",
			zap.String("record_id", recordIDHint),
			zap.String("open_id", openID),
			zap.Error(err))
	}

	rows, err := r.scanMealRows(ctx, date, openID)
	if err != nil {
		return "", err
	}
	row, ok := effectiveRowsByMeal(rows)[meal]
	if !ok {
		return "", nil
	}
	if err := r.store.UpdateRow(ctx, mapping.tableID, row.RecordID, payload); err != nil {
		return "", fmt.Errorf("cancel reservation: %w", err)
	}
	return row.RecordID, nil
}

// ListFeeSummaries aggregates reservation fees per user over the closed
// interval [start, end]. Cancelled rows contribute nothing; users without
// rows in range do not appear (callers merge the roster for zero-fee
// entries).
func (r *Repository) ListFeeSummaries(ctx context.Context, start, end time.Time) ([]domain.MealFeeSummary, error) {
	mapping := r.mappings[tableMealRecord]
	rows, err := r.store.ListRows(ctx, mapping.tableID)
	if err != nil {
		return nil, fmt.Errorf("list fee summaries: %w", err)
	}

	startDay := domain.DateOnly(start)
	endDay := domain.DateOnly(end)

	type logicalKey struct {
		openID string
		date   string
		meal   domain.Meal
	}
	effective := map[logicalKey]domain.MealRecordRow{}
	for _, row := range rows {
		record, ok := r.parseMealRow(mapping, row)
		if !ok {
			continue
		}
		day := domain.DateOnly(record.Date)
		if day.Before(startDay) || day.After(endDay) {
			continue
		}
		effective[logicalKey{record.OpenID, domain.DateKey(day), record.MealType}] = record
	}

	byUser := map[string]*domain.MealFeeSummary{}
	for key, record := range effective {
		if !record.Status {
			continue
		}
		summary, ok := byUser[key.openID]
		if !ok {
			summary = &domain.MealFeeSummary{OpenID: key.openID, TotalFee: decimal.Zero}
			byUser[key.openID] = summary
		}
		summary.TotalFee = summary.TotalFee.Add(record.Price)
		switch record.MealType {
		case domain.MealLunch:
			summary.LunchCount++
		case domain.MealDinner:
			summary.DinnerCount++
		}
	}

	summaries := make([]domain.MealFeeSummary, 0, len(byUser))
	for _, summary := range byUser {
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].OpenID < summaries[j].OpenID })
	return summaries, nil
}

// UpsertFeeArchiveRecord writes one archive row keyed by (user, start, end),
// updating the last matching row or creating a new one.
func (r *Repository) UpsertFeeArchiveRecord(
	ctx context.Context,
	openID string,
	start, end time.Time,
	fee decimal.Decimal,
	lunchCount, dinnerCount int,
) (string, error) {
	mapping := r.mappings[tableMealFeeArchive]
	rows, err := r.store.ListRows(ctx, mapping.tableID)
	if err != nil {
		return "", fmt.Errorf("list fee archive: %w", err)
	}

	startDay := domain.DateOnly(start)
	endDay := domain.DateOnly(end)
	matchID := ""
	for _, row := range rows {
		rowOpenID := extractOpenID(row.Fields[mapping.field("user")])
		rowStart := toDate(row.Fields[mapping.field("start_date")], r.loc)
		rowEnd := toDate(row.Fields[mapping.field("end_date")], r.loc)
		if rowOpenID == openID && rowStart.Equal(startDay) && rowEnd.Equal(endDay) {
			matchID = row.ID
		}
	}

	payload := map[string]any{
		mapping.field("user"):         []any{map[string]any{"id": openID}},
		mapping.field("start_date"):   dateMillis(startDay, r.loc),
		mapping.field("end_date"):     dateMillis(endDay, r.loc),
		mapping.field("fee"):          fee.String(),
		mapping.field("lunch_count"):  lunchCount,
		mapping.field("dinner_count"): dinnerCount,
	}
	if matchID != "" {
		if err := r.store.UpdateRow(ctx, mapping.tableID, matchID, payload); err != nil {
			return "", fmt.Errorf("update fee archive: %w", err)
		}
		return matchID, nil
	}
	recordID, err := r.store.CreateRow(ctx, mapping.tableID, payload)
	if err != nil {
		return "", fmt.Errorf("create fee archive: %w", err)
	}
	return recordID, nil
}

func (r *Repository) scanMealRows(ctx context.Context, date time.Time, openID string) ([]domain.MealRecordRow, error) {
	mapping := r.mappings[tableMealRecord]
	rows, err := r.store.ListRows(ctx, mapping.tableID)
	if err != nil {
		return nil, fmt.Errorf("list meal records: %w", err)
	}

	targetDay := domain.DateOnly(date)
	records := make([]domain.MealRecordRow, 0, len(rows))
	for _, row := range rows {
		record, ok := r.parseMealRow(mapping, row)
		if !ok {
			continue
		}
		if !domain.DateOnly(record.Date).Equal(targetDay) {
			continue
		}
		if openID != "" && record.OpenID != openID {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *Repository) parseMealRow(mapping tableMapping, row recordstore.Row) (domain.MealRecordRow, bool) {
	recordDate := toDate(row.Fields[mapping.field("date")], r.loc)
	if recordDate.IsZero() {
		return domain.MealRecordRow{}, false
	}
	rawMeal, _ := row.Fields[mapping.field("meal_type")].(string)
	meal, ok := domain.ParseMeal(rawMeal)
	if !ok {
		// Legacy cancelled-marker rows are superseded by the status flag.
		return domain.MealRecordRow{}, false
	}
	return domain.MealRecordRow{
		RecordID: row.ID,
		Date:     recordDate,
		OpenID:   extractOpenID(row.Fields[mapping.field("user")]),
		MealType: meal,
		Status:   toBool(row.Fields[mapping.field("reservation_status")]),
		Price:    toDecimal(row.Fields[mapping.field("price")]),
	}, true
}

func (r *Repository) mealRecordPayload(
	mapping tableMapping,
	date time.Time,
	openID string,
	meal domain.Meal,
	price decimal.Decimal,
	status bool,
) map[string]any {
	return map[string]any{
		mapping.field("date"):               dateMillis(date, r.loc),
		mapping.field("user"):               []any{map[string]any{"id": openID}},
		mapping.field("meal_type"):          string(meal),
		mapping.field("price"):              price.String(),
		mapping.field("reservation_status"): status,
	}
}

// effectiveRowsByMeal resolves duplicates: the last row in storage order
// wins for each meal.
func effectiveRowsByMeal(rows []domain.MealRecordRow) map[domain.Meal]domain.MealRecordRow {
	effective := map[domain.Meal]domain.MealRecordRow{}
	for _, row := range rows {
		effective[row.MealType] = row
	}
	return effective
}
