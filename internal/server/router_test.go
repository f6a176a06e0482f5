package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Yikai-Liao/EatBot/internal/auth"
	"github.com/Yikai-Liao/EatBot/internal/booking"
	"github.com/Yikai-Liao/EatBot/internal/config"
	"github.com/Yikai-Liao/EatBot/internal/recordstore"
	"github.com/Yikai-Liao/EatBot/internal/repository"
)

type nopMessenger struct{}

func (nopMessenger) SendText(context.Context, string, string) (string, error) {
	return "msg_text", nil
}

func (nopMessenger) SendInteractiveCard(context.Context, string, map[string]any) (string, error) {
	return "msg_card", nil
}

func newTestHandler(t *testing.T) (http.Handler, *auth.TokenIssuer, *recordstore.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := recordstore.NewMemory()
	repo, err := repository.New(repository.Config{
		Store: store,
		Tables: config.TablesConfig{
			UserConfig:     "tbl_users",
			MealSchedule:   "tbl_schedule",
			MealRecord:     "tbl_records",
			StatsReceivers: "tbl_receivers",
			MealFeeArchive: "tbl_archive",
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

	service, err := booking.NewService(booking.Config{
		Repository: repo,
		Messenger:  nopMessenger{},
		Schedule: config.ScheduleConfig{
			Timezone:             "UTC",
			SendTime:             config.TimeOfDay{Hour: 9},
			LunchCutoff:          config.TimeOfDay{Hour: 10, Minute: 30},
			DinnerCutoff:         config.TimeOfDay{Hour: 16, Minute: 30},
			FeeArchiveTime:       config.TimeOfDay{Hour: 21},
			FeeArchiveDayOfMonth: 15,
			RuleCacheTTL:         10 * time.Minute,
		},
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-secret")})
	handler, err := NewHTTPHandler(Dependencies{
		BookingService: service,
		TokenManager:   issuer,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return handler, issuer, store
}

func TestAdminEndpointsRequireBearerToken(t *testing.T) {
	handler, issuer, _ := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/admin/rules/cache", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/admin/rules/cache", nil)
	request.Header.Set("Authorization", "Bearer bogus")
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid token, got %d", recorder.Code)
	}

	token, _, err := issuer.IssueAdminToken("ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/admin/rules/cache", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", recorder.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if payload["loaded"] != false {
		t.Fatalf("expected an unloaded cache initially, got %v", payload)
	}
}

func TestAdminRuleRefresh(t *testing.T) {
	handler, issuer, store := newTestHandler(t)
	store.Seed("tbl_schedule", "rec_rule", map[string]any{
		"Start": time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC).UnixMilli(),
		"End":   time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC).UnixMilli(),
		"Meals": []any{"dinner"},
	})

	token, _, err := issuer.IssueAdminToken("ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/admin/rules/refresh", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"rule_count":1`) {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestAdminCronPreview(t *testing.T) {
	handler, issuer, _ := newTestHandler(t)

	token, _, err := issuer.IssueAdminToken("ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet,
		"/admin/cron/preview?from=2026-02-12&to=2026-02-14", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var payload cronPreviewPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if len(payload.Days) != 3 {
		t.Fatalf("expected 3 days, got %d", len(payload.Days))
	}
	if payload.Days[0].Date != "2026-02-12" || len(payload.Days[0].Meals) != 2 {
		t.Fatalf("unexpected first day %+v", payload.Days[0])
	}
	if len(payload.Days[0].Actions) != 4 || !payload.Days[0].Actions[0].WouldRun {
		t.Fatalf("expected the weekday card send to run, got %+v", payload.Days[0].Actions)
	}
	// 2026-02-14 is a Saturday.
	if len(payload.Days[2].Meals) != 0 {
		t.Fatalf("expected an empty weekend plan, got %+v", payload.Days[2])
	}
	if payload.Days[2].Actions[0].WouldRun {
		t.Fatalf("expected no weekend card send, got %+v", payload.Days[2].Actions[0])
	}
}

func TestAdminCronPreviewRejectsInvalidWindow(t *testing.T) {
	handler, issuer, _ := newTestHandler(t)

	token, _, err := issuer.IssueAdminToken("ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet,
		"/admin/cron/preview?from=2026-02-14&to=2026-02-12", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an inverted window, got %d", recorder.Code)
	}
}

func TestWebhookURLVerification(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/webhook/event",
		strings.NewReader(`{"type":"url_verification","challenge":"abc123"}`))
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "abc123") {
		t.Fatalf("expected the challenge echoed, got %s", recorder.Body.String())
	}
}

func TestWebhookCardActionReturnsToast(t *testing.T) {
	handler, _, store := newTestHandler(t)
	store.Seed("tbl_users", "rec_user", map[string]any{
		"User":         []any{map[string]any{"id": "ou_alice", "name": "Alice"}},
		"Enabled":      true,
		"Lunch price":  "15",
		"Dinner price": "20",
		"Preference":   []any{"lunch"},
	})

	body := `{
		"header": {"event_type": "card.action.trigger"},
		"event": {
			"operator": {"open_id": "ou_mallory"},
			"action": {"value": {
				"action": "toggle_meal", "toggle_meal": "lunch",
				"target_date": "2026-02-12", "target_open_id": "ou_alice"
			}}
		}
	}`
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/webhook/card", strings.NewReader(body))
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "only the card owner may submit.") {
		t.Fatalf("expected owner rejection toast, got %s", recorder.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}
