// Package booking implements the reservation workflows: daily card sends,
// card interaction handling, reservation statistics, and the monthly fee
// archive. All writes honor the per-meal edit cutoffs and repair reservation
// rows that drifted out of sync with the schedule.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Yikai-Liao/EatBot/internal/config"
	"github.com/Yikai-Liao/EatBot/internal/cron"
	"github.com/Yikai-Liao/EatBot/internal/domain"
	"github.com/Yikai-Liao/EatBot/internal/feishu"
	"github.com/Yikai-Liao/EatBot/internal/repository"
)

var (
	errMissingRepository = errors.New("repository is required")
	errMissingMessenger  = errors.New("messenger is required")
	errMissingLocation   = errors.New("time location is required")
)

var cardTriggerPhrases = []string{"订餐", "/eatbot today"}

// Config describes the dependencies for a Service.
type Config struct {
	Repository *repository.Repository
	Messenger  feishu.Messenger
	Schedule   config.ScheduleConfig
	Location   *time.Location
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service coordinates reservations between the record store and the chat
// surface. It implements feishu.EventHandler.
type Service struct {
	repo      *repository.Repository
	messenger feishu.Messenger
	schedule  config.ScheduleConfig
	loc       *time.Location
	clock     func() time.Time
	logger    *zap.Logger
	cache     ruleCache
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Messenger == nil {
		return nil, errMissingMessenger
	}
	if cfg.Location == nil {
		return nil, errMissingLocation
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      cfg.Repository,
		messenger: cfg.Messenger,
		schedule:  cfg.Schedule,
		loc:       cfg.Location,
		clock:     clock,
		logger:    logger,
	}, nil
}

// PlanFor resolves the offered meals for a date. When several override rules
// cover the date the last one wins; the conflict is logged so administrators
// can clean up the table.
func (s *Service) PlanFor(ctx context.Context, date time.Time, forceRefresh bool) (domain.MealSet, error) {
	rules, err := s.Rules(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	if matched := domain.MatchRules(date, rules); len(matched) > 1 {
		s.logger.Warn("multiple schedule rules match date, last rule wins",
			zap.String("date", domain.DateKey(date)),
			zap.Int("matched", len(matched)))
	}
	return domain.Decide(date, rules).Meals, nil
}

// HandleMessage serves the chat entry point: recognized trigger phrases get
// today's reservation card, anything else gets a short usage hint.
func (s *Service) HandleMessage(ctx context.Context, event feishu.MessageEvent) error {
	text := strings.TrimSpace(event.Text)
	for _, phrase := range cardTriggerPhrases {
		if strings.EqualFold(text, phrase) {
			return s.SendCardToUser(ctx, event.SenderOpenID, s.clock().In(s.loc))
		}
	}

	_, err := s.messenger.SendText(ctx, event.SenderOpenID,
		"Send \"订餐\" or \"/eatbot today\" to get today's reservation card.")
	return err
}

// HandleCardAction processes one card button press: verify the operator,
// repair any drift between stored rows and the current schedule, apply the
// requested change if every affected meal is still editable, and re-render
// the card from the state that actually landed in the store.
func (s *Service) HandleCardAction(ctx context.Context, request feishu.CardActionRequest) (feishu.CardActionResponse, error) {
	state, err := parseCardValue(request.Value, request.FormValue, s.loc)
	if err != nil {
		s.logger.Warn("rejecting malformed card action",
			zap.String("operator", request.OperatorOpenID),
			zap.Error(err))
		return errorToast("This card is out of date; request a new one."), nil
	}

	if request.OperatorOpenID != state.TargetOpenID {
		return errorToast("only the card owner may submit."), nil
	}

	profile, err := s.repo.FindUserProfile(ctx, state.TargetOpenID)
	if err != nil {
		return feishu.CardActionResponse{}, err
	}
	if profile == nil {
		return errorToast("You are not on the meal roster."), nil
	}

	allowed, err := s.PlanFor(ctx, state.Date, false)
	if err != nil {
		return feishu.CardActionResponse{}, err
	}

	rows, err := s.repo.ListUserRows(ctx, state.Date, state.TargetOpenID)
	if err != nil {
		return feishu.CardActionResponse{}, err
	}
	repaired, err := s.repairDrift(ctx, state.Date, state.TargetOpenID, allowed, rows)
	if err != nil {
		return feishu.CardActionResponse{}, err
	}
	if repaired {
		if rows, err = s.repo.ListUserRows(ctx, state.Date, state.TargetOpenID); err != nil {
			return feishu.CardActionResponse{}, err
		}
	}

	selectedBefore := domain.MealSet{}
	recordIDs := make(map[domain.Meal]string, len(state.RecordIDs))
	for meal, id := range state.RecordIDs {
		recordIDs[meal] = id
	}
	for _, row := range rows {
		recordIDs[row.MealType] = row.RecordID
		if row.Status && allowed.Contains(row.MealType) {
			selectedBefore.Add(row.MealType)
		}
	}

	render := func(selected domain.MealSet, recordIDs map[domain.Meal]string) map[string]any {
		return domain.BuildReservationCard(domain.CardInput{
			Date:      state.Date,
			OpenID:    state.TargetOpenID,
			Allowed:   allowed,
			Defaults:  profile.Preferences.Intersect(allowed),
			Selected:  selected,
			Prices:    s.priceMap(*profile, allowed),
			RecordIDs: recordIDs,
		})
	}

	desired := selectedBefore.Clone()
	toastText := "Up to date."
	switch action := state.Action.(type) {
	case toggleAction:
		if !allowed.Contains(action.Meal) {
			// The card the user pressed was rendered against an older
			// schedule. Nothing is written; the refreshed card is the answer.
			return feishu.CardActionResponse{
				ToastType: "info",
				ToastText: fmt.Sprintf("%s is no longer offered on %s; the card has been refreshed.",
					action.Meal.Label(), domain.DateKey(state.Date)),
				Card: render(selectedBefore, recordIDs),
			}, nil
		}
		if desired.Contains(action.Meal) {
			desired.Remove(action.Meal)
			toastText = action.Meal.Label() + " cancelled."
		} else {
			desired.Add(action.Meal)
			toastText = action.Meal.Label() + " reserved."
		}
	case submitAction:
		desired = action.Selection.Intersect(allowed)
		toastText = "Reservation saved: " + domain.FormatMeals(desired)
	case refreshAction:
		if repaired {
			toastText = "Schedule changed; your reservation was updated."
		}
	}

	changed := changedMeals(selectedBefore, desired)
	now := s.clock().In(s.loc)
	for _, meal := range changed {
		if !s.editAllowed(now, state.Date, meal) {
			return errorToast(fmt.Sprintf("The %s cutoff for %s has passed.",
				strings.ToLower(meal.Label()), domain.DateKey(state.Date))), nil
		}
	}

	for _, meal := range changed {
		hint := recordIDs[meal]
		if desired.Contains(meal) {
			recordID, err := s.repo.UpsertReservation(ctx, state.Date, state.TargetOpenID,
				meal, profile.Price(meal), hint, hint != "")
			if err != nil {
				return feishu.CardActionResponse{}, err
			}
			recordIDs[meal] = recordID
		} else {
			recordID, err := s.repo.CancelReservation(ctx, state.Date, state.TargetOpenID,
				meal, hint, hint != "")
			if err != nil {
				return feishu.CardActionResponse{}, err
			}
			if recordID != "" {
				recordIDs[meal] = recordID
			}
		}
	}

	return feishu.CardActionResponse{
		ToastType: "success",
		ToastText: toastText,
		Card:      render(desired, recordIDs),
	}, nil
}

// SendDailyCards sends every enabled user their reservation card for the
// date and persists their default selections. One user's failure never
// blocks the rest.
func (s *Service) SendDailyCards(ctx context.Context, date time.Time) error {
	allowed, err := s.PlanFor(ctx, date, true)
	if err != nil {
		return err
	}
	if len(allowed) == 0 {
		s.logger.Info("no meals offered, skipping card send",
			zap.String("date", domain.DateKey(date)))
		return nil
	}

	profiles, err := s.repo.ListUserProfiles(ctx)
	if err != nil {
		return err
	}

	sent, failed := 0, 0
	for _, profile := range profiles {
		if !profile.Enabled {
			continue
		}
		if err := s.sendCard(ctx, profile, date, allowed); err != nil {
			failed++
			s.logger.Error("card send failed",
				zap.String("open_id", profile.OpenID),
				zap.String("date", domain.DateKey(date)),
				zap.Error(err))
			continue
		}
		sent++
	}
	s.logger.Info("daily cards sent",
		zap.String("date", domain.DateKey(date)),
		zap.Int("sent", sent),
		zap.Int("failed", failed))
	return nil
}

// SendCardToUser sends one user their card for the date, replying with plain
// text when no card applies.
func (s *Service) SendCardToUser(ctx context.Context, openID string, date time.Time) error {
	profile, err := s.repo.FindUserProfile(ctx, openID)
	if err != nil {
		return err
	}
	if profile == nil || !profile.Enabled {
		_, err := s.messenger.SendText(ctx, openID,
			"You are not on the meal roster; ask an administrator to add you.")
		return err
	}

	allowed, err := s.PlanFor(ctx, date, false)
	if err != nil {
		return err
	}
	if len(allowed) == 0 {
		_, err := s.messenger.SendText(ctx, openID,
			fmt.Sprintf("No meals are offered on %s.", domain.DateKey(date)))
		return err
	}
	return s.sendCard(ctx, *profile, date, allowed)
}

func (s *Service) sendCard(ctx context.Context, profile domain.UserProfile, date time.Time, allowed domain.MealSet) error {
	defaults := profile.Preferences.Intersect(allowed)

	rows, err := s.repo.ListUserRows(ctx, date, profile.OpenID)
	if err != nil {
		return err
	}
	selected := domain.MealSet{}
	recordIDs := map[domain.Meal]string{}
	for _, row := range rows {
		recordIDs[row.MealType] = row.RecordID
		if row.Status && allowed.Contains(row.MealType) {
			selected.Add(row.MealType)
		}
	}

	// Persist defaults for meals the user has no row for yet, so the count
	// jobs see them without requiring a button press.
	for _, meal := range defaults.Sorted() {
		if _, exists := recordIDs[meal]; exists {
			continue
		}
		recordID, err := s.repo.UpsertReservation(ctx, date, profile.OpenID,
			meal, profile.Price(meal), "", false)
		if err != nil {
			return err
		}
		recordIDs[meal] = recordID
		selected.Add(meal)
	}

	card := domain.BuildReservationCard(domain.CardInput{
		Date:      date,
		OpenID:    profile.OpenID,
		Allowed:   allowed,
		Defaults:  defaults,
		Selected:  selected,
		Prices:    s.priceMap(profile, allowed),
		RecordIDs: recordIDs,
	})
	_, err = s.messenger.SendInteractiveCard(ctx, profile.OpenID, card)
	return err
}

// SendStats sends the reservation count for one meal to the configured
// receivers. No receivers means the job is a logged no-op.
func (s *Service) SendStats(ctx context.Context, meal domain.Meal, date time.Time) error {
	receivers, err := s.repo.ListStatsReceivers(ctx)
	if err != nil {
		return err
	}
	if len(receivers) == 0 {
		s.logger.Info("no stats receivers configured, skipping",
			zap.String("meal", string(meal)),
			zap.String("date", domain.DateKey(date)))
		return nil
	}

	count, err := s.repo.CountReservations(ctx, date, meal)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("%s reservations for %s (%s): %d",
		meal.Label(), domain.DateKey(date), date.Weekday(), count)
	var firstErr error
	for _, openID := range receivers {
		if _, err := s.messenger.SendText(ctx, openID, text); err != nil {
			s.logger.Error("stats send failed",
				zap.String("open_id", openID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ArchiveMealFees archives each user's fees for the billing interval ending
// on the configured day of month, clamped to short months. Outside the
// archive day the job is a logged no-op.
func (s *Service) ArchiveMealFees(ctx context.Context, asOf time.Time) error {
	today := domain.DateOnly(asOf.In(s.loc))
	end := archiveAnchor(today.Year(), today.Month(), s.schedule.FeeArchiveDayOfMonth, s.loc)
	if !today.Equal(end) {
		s.logger.Info("not the archive day, skipping fee archive",
			zap.String("date", domain.DateKey(today)),
			zap.String("archive_day", domain.DateKey(end)))
		return nil
	}

	// The previous interval ended on the prior month's anchor, so this one
	// starts the day after it.
	lastOfPrevMonth := end.AddDate(0, 0, -end.Day())
	start := archiveAnchor(lastOfPrevMonth.Year(), lastOfPrevMonth.Month(),
		s.schedule.FeeArchiveDayOfMonth, s.loc).AddDate(0, 0, 1)

	summaries, err := s.repo.ListFeeSummaries(ctx, start, end)
	if err != nil {
		return err
	}
	profiles, err := s.repo.ListUserProfiles(ctx)
	if err != nil {
		return err
	}

	byOpenID := map[string]domain.MealFeeSummary{}
	order := make([]string, 0, len(summaries)+len(profiles))
	for _, summary := range summaries {
		byOpenID[summary.OpenID] = summary
		order = append(order, summary.OpenID)
	}
	// Enabled users without reservations still get a zero-fee archive row.
	for _, profile := range profiles {
		if !profile.Enabled {
			continue
		}
		if _, exists := byOpenID[profile.OpenID]; exists {
			continue
		}
		byOpenID[profile.OpenID] = domain.MealFeeSummary{OpenID: profile.OpenID, TotalFee: decimal.Zero}
		order = append(order, profile.OpenID)
	}

	interval := fmt.Sprintf("%s to %s", domain.DateKey(start), domain.DateKey(end))
	total := decimal.Zero
	archived, failed := 0, 0
	for _, openID := range order {
		summary := byOpenID[openID]
		if _, err := s.repo.UpsertFeeArchiveRecord(ctx, openID, start, end,
			summary.TotalFee, summary.LunchCount, summary.DinnerCount); err != nil {
			failed++
			s.logger.Error("fee archive write failed",
				zap.String("open_id", openID),
				zap.Error(err))
			continue
		}
		archived++
		total = total.Add(summary.TotalFee)

		text := fmt.Sprintf("Meal fees for %s: %s (lunch %d, dinner %d)",
			interval, summary.TotalFee.String(), summary.LunchCount, summary.DinnerCount)
		if _, err := s.messenger.SendText(ctx, openID, text); err != nil {
			s.logger.Error("fee notification failed",
				zap.String("open_id", openID),
				zap.Error(err))
		}
	}

	receivers, err := s.repo.ListStatsReceivers(ctx)
	if err != nil {
		return err
	}
	summaryText := fmt.Sprintf("Fee archive for %s: %d users archived, total %s",
		interval, archived, total.String())
	for _, openID := range receivers {
		if _, err := s.messenger.SendText(ctx, openID, summaryText); err != nil {
			s.logger.Error("fee summary send failed",
				zap.String("open_id", openID),
				zap.Error(err))
		}
	}

	s.logger.Info("fee archive completed",
		zap.String("interval", interval),
		zap.Int("archived", archived),
		zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("fee archive: %d of %d users failed", failed, archived+failed)
	}
	return nil
}

// ExecuteCronAction dispatches a scheduled action. It is the scheduler's
// Runner.
func (s *Service) ExecuteCronAction(ctx context.Context, action cron.Action, at time.Time) error {
	switch action {
	case cron.ActionSendCards:
		return s.SendDailyCards(ctx, at.In(s.loc))
	case cron.ActionLunchStats:
		return s.SendStats(ctx, domain.MealLunch, at.In(s.loc))
	case cron.ActionDinnerStats:
		return s.SendStats(ctx, domain.MealDinner, at.In(s.loc))
	case cron.ActionFeeArchive:
		return s.ArchiveMealFees(ctx, at.In(s.loc))
	default:
		return fmt.Errorf("unknown cron action %q", action)
	}
}

// CronActionPreview explains what a scheduled action would do without running
// it.
type CronActionPreview struct {
	Action   cron.Action `json:"action"`
	At       string      `json:"at"`
	WouldRun bool        `json:"would_run"`
	Reason   string      `json:"reason"`
}

// PreviewCronAction reports whether the action would do real work at the
// given instant, judged purely against the snapshot. Nothing is sent or
// written.
func (s *Service) PreviewCronAction(action cron.Action, at time.Time, snapshot domain.CronPreviewSnapshot) CronActionPreview {
	day := domain.DateOnly(at.In(s.loc))
	preview := CronActionPreview{Action: action, At: at.In(s.loc).Format(time.RFC3339)}

	switch action {
	case cron.ActionSendCards:
		meals := snapshot.MealsByDate[domain.DateKey(day)]
		if len(meals) == 0 {
			preview.Reason = fmt.Sprintf("no meals offered on %s", domain.DateKey(day))
			return preview
		}
		preview.WouldRun = true
		preview.Reason = fmt.Sprintf("would send %s cards to %d enabled users",
			domain.FormatMeals(meals), snapshot.EnabledUserCount)
	case cron.ActionLunchStats, cron.ActionDinnerStats:
		meal := domain.MealLunch
		if action == cron.ActionDinnerStats {
			meal = domain.MealDinner
		}
		if snapshot.StatsReceiverCount == 0 {
			preview.Reason = "no stats receivers configured"
			return preview
		}
		preview.WouldRun = true
		preview.Reason = fmt.Sprintf("would send the %s count to %d receivers",
			strings.ToLower(meal.Label()), snapshot.StatsReceiverCount)
	case cron.ActionFeeArchive:
		anchor := archiveAnchor(day.Year(), day.Month(), s.schedule.FeeArchiveDayOfMonth, s.loc)
		if !day.Equal(anchor) {
			preview.Reason = fmt.Sprintf("archive day for %s is %s",
				day.Month(), domain.DateKey(anchor))
			return preview
		}
		preview.WouldRun = true
		preview.Reason = fmt.Sprintf("would archive fees for %d enabled users",
			snapshot.EnabledUserCount)
	default:
		preview.Reason = fmt.Sprintf("unknown action %q", action)
	}
	return preview
}

// BuildCronPreviewSnapshot reports, without side effects, what the scheduled
// jobs would see for each day in the closed window.
func (s *Service) BuildCronPreviewSnapshot(ctx context.Context, from, to time.Time) (domain.CronPreviewSnapshot, error) {
	rules, err := s.Rules(ctx, false)
	if err != nil {
		return domain.CronPreviewSnapshot{}, err
	}
	profiles, err := s.repo.ListUserProfiles(ctx)
	if err != nil {
		return domain.CronPreviewSnapshot{}, err
	}
	receivers, err := s.repo.ListStatsReceivers(ctx)
	if err != nil {
		return domain.CronPreviewSnapshot{}, err
	}

	enabled := 0
	for _, profile := range profiles {
		if profile.Enabled {
			enabled++
		}
	}

	snapshot := domain.CronPreviewSnapshot{
		ScheduleRuleCount:     len(rules),
		EnabledUserCount:      enabled,
		StatsReceiverCount:    len(receivers),
		MealsByDate:           map[string]domain.MealSet{},
		MatchedRuleCountByDay: map[string]int{},
	}
	for day := domain.DateOnly(from); !day.After(domain.DateOnly(to)); day = day.AddDate(0, 0, 1) {
		key := domain.DateKey(day)
		snapshot.MealsByDate[key] = domain.Decide(day, rules).Meals
		snapshot.MatchedRuleCountByDay[key] = len(domain.MatchRules(day, rules))
	}
	return snapshot, nil
}

// repairDrift cancels active reservations the current schedule no longer
// offers, keeping stored rows consistent with the plan.
func (s *Service) repairDrift(ctx context.Context, date time.Time, openID string, allowed domain.MealSet, rows []domain.MealRecordRow) (bool, error) {
	repaired := false
	for _, row := range rows {
		if !row.Status || allowed.Contains(row.MealType) {
			continue
		}
		if _, err := s.repo.CancelReservation(ctx, date, openID, row.MealType, row.RecordID, true); err != nil {
			return repaired, err
		}
		repaired = true
		s.logger.Info("cancelled reservation no longer offered by schedule",
			zap.String("open_id", openID),
			zap.String("date", domain.DateKey(date)),
			zap.String("meal", string(row.MealType)))
	}
	return repaired, nil
}

// editAllowed reports whether the meal on the date can still be changed at
// the given instant: future dates always, past dates never, the current date
// only strictly before the meal's cutoff.
func (s *Service) editAllowed(now, date time.Time, meal domain.Meal) bool {
	today := domain.DateOnly(now)
	day := domain.DateOnly(date)
	if day.After(today) {
		return true
	}
	if day.Before(today) {
		return false
	}
	return now.Before(s.cutoffFor(meal).At(now))
}

func (s *Service) cutoffFor(meal domain.Meal) config.TimeOfDay {
	if meal == domain.MealDinner {
		return s.schedule.DinnerCutoff
	}
	return s.schedule.LunchCutoff
}

func (s *Service) priceMap(profile domain.UserProfile, allowed domain.MealSet) map[domain.Meal]decimal.Decimal {
	prices := make(map[domain.Meal]decimal.Decimal, len(allowed))
	for _, meal := range allowed.Sorted() {
		prices[meal] = profile.Price(meal)
	}
	return prices
}

func changedMeals(before, after domain.MealSet) []domain.Meal {
	changed := make([]domain.Meal, 0, 2)
	for _, meal := range []domain.Meal{domain.MealLunch, domain.MealDinner} {
		if before.Contains(meal) != after.Contains(meal) {
			changed = append(changed, meal)
		}
	}
	return changed
}

// archiveAnchor returns the archive day for a month, clamping the configured
// day of month to the month's length.
func archiveAnchor(year int, month time.Month, day int, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func errorToast(text string) feishu.CardActionResponse {
	return feishu.CardActionResponse{ToastType: "error", ToastText: text}
}
