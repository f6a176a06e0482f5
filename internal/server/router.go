// Package server exposes the webhook transport and the admin HTTP surface.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Yikai-Liao/EatBot/internal/booking"
	"github.com/Yikai-Liao/EatBot/internal/cron"
	"github.com/Yikai-Liao/EatBot/internal/domain"
	"github.com/Yikai-Liao/EatBot/internal/feishu"
)

const adminSubjectContextKey = "eatbot_admin_subject"

var (
	errMissingBookingService = errors.New("booking service dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// AdminTokenManager validates admin bearer tokens.
type AdminTokenManager interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	BookingService *booking.Service
	TokenManager   AdminTokenManager
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.BookingService == nil {
		return nil, errMissingBookingService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	handler := &httpHandler{
		booking: deps.BookingService,
		tokens:  deps.TokenManager,
		logger:  logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhook/event", handler.handleEvent)
	router.POST("/webhook/card", handler.handleCardAction)

	admin := router.Group("/admin")
	admin.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	admin.Use(handler.authorizeRequest)
	admin.GET("/cron/preview", handler.handleCronPreview)
	admin.GET("/rules/cache", handler.handleRuleCacheState)
	admin.POST("/rules/refresh", handler.handleRuleRefresh)

	return router, nil
}

type httpHandler struct {
	booking *booking.Service
	tokens  AdminTokenManager
	logger  *zap.Logger
}

func (h *httpHandler) handleEvent(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	parsed, err := feishu.ParseEvent(raw)
	if err != nil {
		h.logger.Warn("undecodable webhook event", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}

	switch {
	case parsed.Challenge != "":
		c.JSON(http.StatusOK, gin.H{"challenge": parsed.Challenge})
	case parsed.Message != nil:
		if err := h.booking.HandleMessage(c.Request.Context(), *parsed.Message); err != nil {
			h.logger.Error("message handling failed",
				zap.String("open_id", parsed.Message.SenderOpenID),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	default:
		c.JSON(http.StatusOK, gin.H{})
	}
}

func (h *httpHandler) handleCardAction(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	parsed, err := feishu.ParseEvent(raw)
	if err != nil || parsed.CardAction == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_action"})
		return
	}

	response, err := h.booking.HandleCardAction(c.Request.Context(), *parsed.CardAction)
	if err != nil {
		h.logger.Error("card action failed",
			zap.String("open_id", parsed.CardAction.OperatorOpenID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "card_action_failed"})
		return
	}
	c.JSON(http.StatusOK, response.Payload())
}

type cronPreviewDay struct {
	Date         string                      `json:"date"`
	Meals        []string                    `json:"meals"`
	MatchedRules int                         `json:"matched_rules"`
	Actions      []booking.CronActionPreview `json:"actions"`
}

type cronPreviewPayload struct {
	From               string           `json:"from"`
	To                 string           `json:"to"`
	ScheduleRuleCount  int              `json:"schedule_rule_count"`
	EnabledUserCount   int              `json:"enabled_user_count"`
	StatsReceiverCount int              `json:"stats_receiver_count"`
	Days               []cronPreviewDay `json:"days"`
}

func (h *httpHandler) handleCronPreview(c *gin.Context) {
	now := time.Now()
	from, ok := parseDateParam(c.DefaultQuery("from", domain.DateKey(now)))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from"})
		return
	}
	to, ok := parseDateParam(c.DefaultQuery("to", domain.DateKey(now)))
	if !ok || to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to"})
		return
	}

	snapshot, err := h.booking.BuildCronPreviewSnapshot(c.Request.Context(), from, to)
	if err != nil {
		h.logger.Error("cron preview failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "preview_failed"})
		return
	}

	payload := cronPreviewPayload{
		From:               domain.DateKey(from),
		To:                 domain.DateKey(to),
		ScheduleRuleCount:  snapshot.ScheduleRuleCount,
		EnabledUserCount:   snapshot.EnabledUserCount,
		StatsReceiverCount: snapshot.StatsReceiverCount,
		Days:               make([]cronPreviewDay, 0, len(snapshot.MealsByDate)),
	}
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		key := domain.DateKey(day)
		meals := make([]string, 0, 2)
		for _, meal := range snapshot.MealsByDate[key].Sorted() {
			meals = append(meals, string(meal))
		}
		actions := make([]booking.CronActionPreview, 0, 4)
		for _, action := range []cron.Action{
			cron.ActionSendCards, cron.ActionLunchStats,
			cron.ActionDinnerStats, cron.ActionFeeArchive,
		} {
			actions = append(actions, h.booking.PreviewCronAction(action, day, snapshot))
		}
		payload.Days = append(payload.Days, cronPreviewDay{
			Date:         key,
			Meals:        meals,
			MatchedRules: snapshot.MatchedRuleCountByDay[key],
			Actions:      actions,
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleRuleCacheState(c *gin.Context) {
	state := h.booking.RuleCacheState()
	c.JSON(http.StatusOK, gin.H{
		"loaded":     state.Loaded,
		"rule_count": state.RuleCount,
		"expires_at": state.ExpiresAt,
	})
}

func (h *httpHandler) handleRuleRefresh(c *gin.Context) {
	rules, err := h.booking.Rules(c.Request.Context(), true)
	if err != nil {
		h.logger.Error("rule refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule_count": len(rules)})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}

func parseDateParam(value string) (time.Time, bool) {
	parsed, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(value), time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
