package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"claimcare/internal/analysis"
	"claimcare/internal/audit"
	"claimcare/internal/auth"
	"claimcare/internal/billing"
	"claimcare/internal/metrics"
	"claimcare/internal/models"
	"claimcare/internal/ratelimit"
	"claimcare/internal/report"
	"claimcare/internal/users"
)

// maxWebhookBytes bounds webhook bodies; Stripe events are small.
const maxWebhookBytes = 1 << 20

// eventsTimeout caps how long one status stream stays open;
// eventsPollInterval is the store-poll backstop for missed notifications.
const (
	eventsTimeout      = 10 * time.Minute
	eventsPollInterval = 15 * time.Second
)

// Analyzer runs one bill audit against the AI service.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.AnalyzeInput) (*models.AnalysisResult, error)
}

// AuditStore is the slice of audit.Store the handlers need.
type AuditStore interface {
	CreatePending(ctx context.Context, rec *models.AuditRecord) error
	Get(ctx context.Context, id string) (*models.AuditRecord, error)
}

// CheckoutService creates payment sessions for unlocking audits.
type CheckoutService interface {
	CreateSession(userID int64, rec *models.AuditRecord) (string, error)
}

// WebhookProcessor verifies and applies payment webhook deliveries.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, sigHeader string) error
}

// StatusSubscriber streams audit status transitions for the event feed.
type StatusSubscriber interface {
	SubscribeStatus(ctx context.Context, auditID string) <-chan models.AuditStatus
}

// Handler wires HTTP routes to the audit services.
type Handler struct {
	users      *users.Service
	auth       *auth.Service
	analyzer   Analyzer
	store      AuditStore
	checkout   CheckoutService
	webhook    WebhookProcessor
	subscriber StatusSubscriber
	limiter    *ratelimit.Limiter
	log        *logrus.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(
	userSvc *users.Service,
	authSvc *auth.Service,
	analyzer Analyzer,
	store AuditStore,
	checkout CheckoutService,
	webhook WebhookProcessor,
	subscriber StatusSubscriber,
	limiter *ratelimit.Limiter,
	log *logrus.Logger,
) *Handler {
	return &Handler{
		users:      userSvc,
		auth:       authSvc,
		analyzer:   analyzer,
		store:      store,
		checkout:   checkout,
		webhook:    webhook,
		subscriber: subscriber,
		limiter:    limiter,
		log:        log,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.POST("/users/logout", h.auth.Middleware(), h.auth.CSRFMiddleware(), h.logoutUser)

	// Analysis and report reads work for anonymous visitors; only
	// checkout requires an account.
	optionalAuth := h.auth.OptionalMiddleware()
	api.POST("/analyze", optionalAuth, h.analyzeBill)
	api.GET("/audits/:id", optionalAuth, h.getAudit)
	api.GET("/audits/:id/events", h.auditEvents)

	api.POST("/checkout", h.auth.Middleware(), h.auth.CSRFMiddleware(), h.createCheckout)
	api.POST("/webhooks/stripe", h.stripeWebhook)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.users.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, users.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if token, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), token)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) analyzeBill(c *gin.Context) {
	// The limiter runs before anything that costs AI quota.
	if h.limiter != nil && !h.limiter.Allow(c.Request.Context(), c.ClientIP()) {
		metrics.RateLimitedTotal.Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, please try again later"})
		return
	}

	var req analysis.AnalyzeInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	start := time.Now()
	result, err := h.analyzer.Analyze(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, analysis.ErrValidation):
			metrics.AnalysesTotal.WithLabelValues(metrics.OutcomeValidation).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, analysis.ErrBusy):
			metrics.AnalysesTotal.WithLabelValues(metrics.OutcomeBusy).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		default:
			metrics.AnalysesTotal.WithLabelValues(metrics.OutcomeUpstream).Inc()
			if h.log != nil {
				h.log.WithError(err).Error("bill analysis failed")
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "analysis service unavailable, please retry"})
		}
		return
	}
	metrics.AnalysesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	rec := &models.AuditRecord{
		ID:             audit.NewID(),
		Status:         models.AuditStatusPending,
		BilledAmount:   result.BilledTotal,
		ExpectedAmount: result.ExpectedTotal,
		AnalysisTable:  result.AnalysisMarkdown,
		PatientName:    result.PatientName,
		Reasoning:      result.Reasoning,
	}
	if userID, ok := auth.UserIDFromContext(c); ok {
		rec.UserID = userID
	}
	if err := h.store.CreatePending(c.Request.Context(), rec); err != nil {
		// An audit id the store never saw would dead-end at checkout,
		// so fail the request rather than hand one out.
		if h.log != nil {
			h.log.WithError(err).WithField("audit_id", rec.ID).Error("stage pending audit failed")
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "analysis service unavailable, please retry"})
		return
	}

	resp := gin.H{
		"success":           true,
		"audit_id":          rec.ID,
		"analysis_markdown": result.AnalysisMarkdown,
		"table":             report.ParseTable(result.AnalysisMarkdown),
		"billed_total":      result.BilledTotal,
		"expected_total":    result.ExpectedTotal,
		"patient_name":      result.PatientName,
		"reasoning":         result.Reasoning,
		"has_overcharge":    result.HasOvercharge(),
	}
	if result.Discrepancy != nil {
		resp["discrepancy_details"] = result.Discrepancy
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getAudit(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	rec, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load audit failed"})
		return
	}

	// The success redirect from checkout unlocks the view before the
	// webhook lands; the durable flip follows moments later.
	unlocked := rec.Unlocked() || c.Query("success") == "true"

	resp := gin.H{
		"id":              rec.ID,
		"status":          rec.Status,
		"is_unlocked":     unlocked,
		"billed_amount":   rec.BilledAmount,
		"expected_amount": rec.ExpectedAmount,
		"patient_name":    rec.PatientName,
		"created_at":      rec.CreatedAt,
		"updated_at":      rec.UpdatedAt,
	}
	if unlocked {
		resp["analysis_table"] = rec.AnalysisTable
		resp["table"] = report.ParseTable(rec.AnalysisTable)
		resp["reasoning"] = rec.Reasoning
	}
	c.JSON(http.StatusOK, resp)
}

// auditEvents streams status transitions for one audit as server-sent
// events so the report page can flip to unlocked without polling.
func (h *Handler) auditEvents(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	rec, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load audit failed"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("status", gin.H{"id": rec.ID, "status": rec.Status, "is_unlocked": rec.Unlocked()}); err != nil {
		return
	}
	if rec.Unlocked() || h.subscriber == nil {
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), eventsTimeout)
	defer cancel()
	updates := h.subscriber.SubscribeStatus(streamCtx, id)

	// The publish side is best effort, so a slow poll against the store
	// backstops a dropped notification.
	poll := time.NewTicker(eventsPollInterval)
	defer poll.Stop()

	emit := func(status models.AuditStatus) (done bool, err error) {
		unlocked := status == models.AuditStatusPaid || status == models.AuditStatusActive
		if err := sendEvent("status", gin.H{"id": id, "status": status, "is_unlocked": unlocked}); err != nil {
			return true, err
		}
		return unlocked, nil
	}

	for {
		select {
		case <-streamCtx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			if done, _ := emit(status); done {
				return
			}
		case <-poll.C:
			current, err := h.store.Get(streamCtx, id)
			if err != nil {
				continue
			}
			if !current.Unlocked() {
				continue
			}
			if done, _ := emit(current.Status); done {
				return
			}
		}
	}
}

type checkoutRequest struct {
	AuditID string `json:"audit_id"`
}

func (h *Handler) createCheckout(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	auditID := strings.TrimSpace(req.AuditID)
	if auditID == "" || auditID == "undefined" || auditID == "null" {
		metrics.CheckoutSessionsTotal.WithLabelValues(metrics.OutcomeValidation).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "audit id is required"})
		return
	}
	rec, err := h.store.Get(c.Request.Context(), auditID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			metrics.CheckoutSessionsTotal.WithLabelValues(metrics.OutcomeValidation).Inc()
			c.JSON(http.StatusNotFound, gin.H{"error": "audit not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load audit failed"})
		return
	}

	url, err := h.checkout.CreateSession(userID, rec)
	if err != nil {
		if errors.Is(err, billing.ErrBadRequest) {
			metrics.CheckoutSessionsTotal.WithLabelValues(metrics.OutcomeValidation).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		metrics.CheckoutSessionsTotal.WithLabelValues(metrics.OutcomeUpstream).Inc()
		if h.log != nil {
			h.log.WithError(err).WithField("audit_id", rec.ID).Error("create checkout session failed")
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable, please retry"})
		return
	}
	metrics.CheckoutSessionsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	err = h.webhook.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, billing.ErrSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
	default:
		if h.log != nil {
			h.log.WithError(err).Error("webhook processing failed")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
	}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
