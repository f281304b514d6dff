// Package http provides the HTTP surface of the metering engine: admission
// checks, event lifecycle, per-user usage queries, and plan administration.
package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/summeter/summeter/adapters/metrics"
	"github.com/summeter/summeter/app"
	"github.com/summeter/summeter/domain/admission"
	"github.com/summeter/summeter/domain/plan"
	"github.com/summeter/summeter/domain/usage"
	"github.com/summeter/summeter/ports"
)

// Handler exposes the meter service over HTTP.
type Handler struct {
	meter   *app.MeterService
	catalog *app.Catalog
	plans   ports.PlanStore
	logger  zerolog.Logger
	version string
}

// HandlerConfig contains dependencies for Handler.
type HandlerConfig struct {
	Meter   *app.MeterService
	Catalog *app.Catalog
	Plans   ports.PlanStore
	Logger  zerolog.Logger
	Version string
}

// NewHandler creates an HTTP handler backed by the meter service.
func NewHandler(cfg HandlerConfig) *Handler {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		meter:   cfg.Meter,
		catalog: cfg.Catalog,
		plans:   cfg.Plans,
		logger:  cfg.Logger.With().Str("component", "http").Logger(),
		version: version,
	}
}

// RouterConfig holds server-level options around the API handler.
type RouterConfig struct {
	// ServiceToken guards the /v1 API when non-empty. Health, version and
	// metrics endpoints are always open.
	ServiceToken string
	Metrics      *metrics.Collector
}

// NewRouter builds the full route tree with middleware.
func NewRouter(h *Handler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/healthz", h.Healthz)
	r.Get("/version", h.Version)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.ServiceToken != "" {
			r.Use(NewServiceTokenMiddleware(cfg.ServiceToken))
		}

		r.Post("/admit", h.Admit)
		r.Post("/events", h.OpenEvent)
		r.Post("/events/{id}/complete", h.CompleteEvent)
		r.Post("/events/{id}/fail", h.FailEvent)

		r.Get("/users/{id}/quota", h.UserQuota)
		r.Get("/users/{id}/events", h.UserEvents)
		r.Get("/users/{id}/summary", h.UserSummary)

		r.Get("/plans", h.ListPlans)
		r.Get("/plans/{code}", h.GetPlan)
		r.Put("/plans/{code}", h.PutPlan)
		r.Delete("/plans/{code}", h.DeletePlan)
	})

	return r
}

// meterRequest is the body for both admission checks and event opens.
type meterRequest struct {
	UserID   string `json:"user_id"`
	PlanCode string `json:"plan_code"`
	Units    int64  `json:"units"`
}

// closeRequest is the body for complete and fail calls.
type closeRequest struct {
	TokensUsed     int64  `json:"tokens_used"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	ErrorClass     string `json:"error_class"`
}

// Admit answers an advisory admission check without recording usage.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMeterRequest(w, r)
	if !ok {
		return
	}

	d, err := h.admit(r, req)
	if err != nil {
		h.writeMeterError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toDecisionJSON(d))
}

// OpenEvent checks admission and, if allowed, records a pending usage event.
func (h *Handler) OpenEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeMeterRequest(w, r)
	if !ok {
		return
	}

	d, err := h.admit(r, req)
	if err != nil {
		h.writeMeterError(w, err)
		return
	}
	if !d.Allow {
		writeError(w, http.StatusConflict, d.Reason, reasonMessage(d.Reason))
		return
	}

	ev, _, err := h.meter.Open(r.Context(), req.UserID, req.PlanCode, req.Units)
	if err != nil {
		var le *ports.LimitError
		switch {
		case errors.Is(err, ports.ErrRaceLost):
			writeError(w, http.StatusConflict, admission.ReasonRaceLost, reasonMessage(admission.ReasonRaceLost))
		case errors.As(err, &le):
			writeError(w, http.StatusConflict, le.Reason, reasonMessage(le.Reason))
		case errors.Is(err, ports.ErrNotFound):
			writeError(w, http.StatusConflict, admission.ReasonPlanNotFound, reasonMessage(admission.ReasonPlanNotFound))
		default:
			h.writeMeterError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, openResponse{
		Event:    toEventJSON(ev),
		Decision: toDecisionJSON(d),
	})
}

func (h *Handler) admit(r *http.Request, req meterRequest) (admission.Decision, error) {
	if req.Units > 1 {
		return h.meter.AdmitBatch(r.Context(), req.UserID, req.PlanCode, req.Units)
	}
	return h.meter.Admit(r.Context(), req.UserID, req.PlanCode, req.Units)
}

func (h *Handler) decodeMeterRequest(w http.ResponseWriter, r *http.Request) (meterRequest, bool) {
	var req meterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "Invalid JSON body")
		return req, false
	}
	if req.Units == 0 {
		// An omitted unit count means a single call.
		req.Units = 1
	}
	return req, true
}

// CompleteEvent closes a pending event as completed.
func (h *Handler) CompleteEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCloseRequest(w, r)
	if !ok {
		return
	}

	ev, err := h.meter.Complete(r.Context(), chi.URLParam(r, "id"), usage.Closure{
		TokensUsed:     req.TokensUsed,
		ResponseTimeMs: req.ResponseTimeMs,
	})
	if err != nil {
		h.writeEventError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventJSON(ev))
}

// FailEvent closes a pending event as failed.
func (h *Handler) FailEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCloseRequest(w, r)
	if !ok {
		return
	}

	ev, err := h.meter.Fail(r.Context(), chi.URLParam(r, "id"), req.ErrorClass)
	if err != nil {
		h.writeEventError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventJSON(ev))
}

func decodeCloseRequest(w http.ResponseWriter, r *http.Request) (closeRequest, bool) {
	var req closeRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid-request", "Invalid JSON body")
		return req, false
	}
	return req, true
}

// UserQuota reports current consumption and headroom for a user.
func (h *Handler) UserQuota(w http.ResponseWriter, r *http.Request) {
	q, err := h.meter.Quota(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("plan_code"))
	if err != nil {
		h.writeMeterError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, quotaJSON{
		UserID:      q.UserID,
		PlanCode:    q.PlanCode,
		MonthlyUsed: q.MonthlyUsed,
		Remaining:   toRemainingJSON(q.Remaining),
		UnitPrice:   q.UnitPrice.String(),
		ResetAt:     q.ResetAt,
	})
}

// UserEvents lists a user's most recent usage events.
func (h *Handler) UserEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)

	events, err := h.meter.RecentEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeMeterError(w, err)
		return
	}

	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventJSON(ev))
	}
	writeJSON(w, http.StatusOK, eventListResponse{Events: out, Count: len(out)})
}

// UserSummary aggregates a user's events over a time window.
func (h *Handler) UserSummary(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "Query parameter 'start' must be RFC 3339")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "Query parameter 'end' must be RFC 3339")
		return
	}

	sum, err := h.meter.Summarize(r.Context(), chi.URLParam(r, "id"), start, end)
	if err != nil {
		h.writeMeterError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summaryJSON{
		UserID:         sum.UserID,
		PeriodStart:    sum.PeriodStart,
		PeriodEnd:      sum.PeriodEnd,
		TotalEvents:    sum.TotalEvents,
		CompletedCalls: sum.CompletedCalls,
		FailedCalls:    sum.FailedCalls,
		PendingCalls:   sum.PendingCalls,
		UnitCount:      sum.UnitCount,
		TotalCost:      sum.TotalCost.String(),
		TokensUsed:     sum.TokensUsed,
		AvgResponseMs:  sum.AvgResponseMs,
	})
}

// ListPlans returns every stored plan, active or not.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		h.writeMeterError(w, err)
		return
	}

	out := make([]planJSON, 0, len(plans))
	for _, p := range plans {
		out = append(out, toPlanJSON(p))
	}
	writeJSON(w, http.StatusOK, planListResponse{Plans: out, Count: len(out)})
}

// GetPlan returns a single plan by code.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.plans.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "plan-not-found", "Plan not found")
			return
		}
		h.writeMeterError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPlanJSON(p))
}

// PutPlan creates or replaces a plan and invalidates the catalog cache.
func (h *Handler) PutPlan(w http.ResponseWriter, r *http.Request) {
	var req planJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request", "Invalid JSON body")
		return
	}

	code := chi.URLParam(r, "code")
	if req.Code == "" {
		req.Code = code
	}
	if req.Code != code {
		writeError(w, http.StatusBadRequest, "invalid-request", "Plan code in body does not match URL")
		return
	}

	p, err := fromPlanJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-plan", err.Error())
		return
	}
	p.UpdatedAt = time.Now().UTC()
	if err := plan.Validate(p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-plan", err.Error())
		return
	}

	if err := h.plans.Put(r.Context(), p); err != nil {
		h.writeMeterError(w, err)
		return
	}
	h.catalog.Invalidate()

	h.logger.Info().Str("plan", p.Code).Msg("plan stored")
	writeJSON(w, http.StatusOK, toPlanJSON(p))
}

// DeletePlan removes a plan and invalidates the catalog cache.
func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.plans.Delete(r.Context(), code); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "plan-not-found", "Plan not found")
			return
		}
		h.writeMeterError(w, err)
		return
	}
	h.catalog.Invalidate()

	h.logger.Info().Str("plan", code).Msg("plan deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Healthz reports process liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Version reports build information.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{
		Service: "summeter",
		Version: h.version,
	})
}

// writeMeterError maps service errors that are not endpoint-specific.
func (h *Handler) writeMeterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ports.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid-request", err.Error())
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, ports.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store-unavailable", "Storage backend unavailable")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal-error", "Internal server error")
	}
}

// writeEventError maps errors from event close operations.
func (h *Handler) writeEventError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ports.ErrAlreadyClosed):
		writeError(w, http.StatusConflict, "already-closed", "Event is already closed")
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "event-not-found", "Event not found")
	default:
		h.writeMeterError(w, err)
	}
}

// reasonMessage renders a denial reason as a human-readable message.
func reasonMessage(reason string) string {
	switch reason {
	case admission.ReasonMonthlyExceeded:
		return "Monthly call limit exceeded"
	case admission.ReasonDailyExceeded:
		return "Daily call limit exceeded"
	case admission.ReasonRateLimited:
		return "Per-minute rate limit exceeded"
	case admission.ReasonBatchNotSupported:
		return "Plan does not include batch processing"
	case admission.ReasonBatchTooLarge:
		return "Batch exceeds the plan's batch size limit"
	case admission.ReasonPlanNotFound:
		return "Plan not found or inactive"
	case admission.ReasonRaceLost:
		return "Admission lost a concurrent race, retry"
	default:
		return "Request denied"
	}
}

type openResponse struct {
	Event    eventJSON    `json:"event"`
	Decision decisionJSON `json:"decision"`
}

type eventListResponse struct {
	Events []eventJSON `json:"events"`
	Count  int         `json:"count"`
}

type planListResponse struct {
	Plans []planJSON `json:"plans"`
	Count int        `json:"count"`
}

type versionResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

type decisionJSON struct {
	Allow     bool          `json:"allow"`
	Reason    string        `json:"reason,omitempty"`
	Remaining remainingJSON `json:"remaining"`
	UnitPrice string        `json:"unit_price"`
	Cost      string        `json:"cost"`
	ResetAt   time.Time     `json:"reset_at"`
}

type remainingJSON struct {
	Monthly   int64 `json:"monthly"`
	Daily     int64 `json:"daily"`
	PerMinute int64 `json:"per_minute"`
}

func toDecisionJSON(d admission.Decision) decisionJSON {
	return decisionJSON{
		Allow:     d.Allow,
		Reason:    d.Reason,
		Remaining: toRemainingJSON(d.Remaining),
		UnitPrice: d.UnitPrice.String(),
		Cost:      d.Cost.String(),
		ResetAt:   d.ResetAt,
	}
}

func toRemainingJSON(rem admission.Remaining) remainingJSON {
	return remainingJSON{
		Monthly:   rem.Monthly,
		Daily:     rem.Daily,
		PerMinute: rem.PerMinute,
	}
}

type eventJSON struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	PlanCode       string     `json:"plan_code"`
	UnitCount      int64      `json:"unit_count"`
	State          string     `json:"state"`
	Cost           string     `json:"cost"`
	TokensUsed     int64      `json:"tokens_used,omitempty"`
	ResponseTimeMs int64      `json:"response_time_ms,omitempty"`
	ErrorClass     string     `json:"error_class,omitempty"`
	RequestedAt    time.Time  `json:"requested_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func toEventJSON(ev usage.Event) eventJSON {
	out := eventJSON{
		ID:             ev.ID,
		UserID:         ev.UserID,
		PlanCode:       ev.PlanCode,
		UnitCount:      ev.UnitCount,
		State:          string(ev.State),
		Cost:           ev.Cost.String(),
		TokensUsed:     ev.TokensUsed,
		ResponseTimeMs: ev.ResponseTimeMs,
		ErrorClass:     ev.ErrorClass,
		RequestedAt:    ev.RequestedAt,
	}
	if !ev.CompletedAt.IsZero() {
		at := ev.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

type quotaJSON struct {
	UserID      string        `json:"user_id"`
	PlanCode    string        `json:"plan_code"`
	MonthlyUsed int64         `json:"monthly_used"`
	Remaining   remainingJSON `json:"remaining"`
	UnitPrice   string        `json:"unit_price"`
	ResetAt     time.Time     `json:"reset_at"`
}

type summaryJSON struct {
	UserID         string    `json:"user_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	TotalEvents    int64     `json:"total_events"`
	CompletedCalls int64     `json:"completed_calls"`
	FailedCalls    int64     `json:"failed_calls"`
	PendingCalls   int64     `json:"pending_calls"`
	UnitCount      int64     `json:"unit_count"`
	TotalCost      string    `json:"total_cost"`
	TokensUsed     int64     `json:"tokens_used"`
	AvgResponseMs  int64     `json:"avg_response_ms"`
}

type planJSON struct {
	Code             string         `json:"code"`
	Name             string         `json:"name"`
	MonthlyCallLimit int64          `json:"monthly_call_limit"`
	DailyCallLimit   int64          `json:"daily_call_limit"`
	PerMinuteLimit   int64          `json:"per_minute_limit"`
	BatchSizeLimit   int            `json:"batch_size_limit"`
	PricePerCall     string         `json:"price_per_call"`
	VolumeDiscounts  []discountJSON `json:"volume_discounts,omitempty"`
	Features         []string       `json:"features,omitempty"`
	Active           bool           `json:"active"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type discountJSON struct {
	CallThreshold int64  `json:"call_threshold"`
	Multiplier    string `json:"multiplier"`
}

func toPlanJSON(p plan.Plan) planJSON {
	out := planJSON{
		Code:             p.Code,
		Name:             p.Name,
		MonthlyCallLimit: p.MonthlyCallLimit,
		DailyCallLimit:   p.DailyCallLimit,
		PerMinuteLimit:   p.PerMinuteLimit,
		BatchSizeLimit:   p.BatchSizeLimit,
		PricePerCall:     p.PricePerCall.String(),
		Active:           p.Active,
		UpdatedAt:        p.UpdatedAt,
	}
	for _, d := range p.VolumeDiscounts {
		out.VolumeDiscounts = append(out.VolumeDiscounts, discountJSON{
			CallThreshold: d.CallThreshold,
			Multiplier:    d.Multiplier.String(),
		})
	}
	for name, on := range p.Features {
		if on {
			out.Features = append(out.Features, name)
		}
	}
	sort.Strings(out.Features)
	return out
}

func fromPlanJSON(in planJSON) (plan.Plan, error) {
	price, err := decimal.NewFromString(in.PricePerCall)
	if err != nil {
		return plan.Plan{}, errors.New("price_per_call must be a decimal string")
	}

	p := plan.Plan{
		Code:             in.Code,
		Name:             in.Name,
		MonthlyCallLimit: in.MonthlyCallLimit,
		DailyCallLimit:   in.DailyCallLimit,
		PerMinuteLimit:   in.PerMinuteLimit,
		BatchSizeLimit:   in.BatchSizeLimit,
		PricePerCall:     price,
		Active:           in.Active,
		UpdatedAt:        in.UpdatedAt,
	}
	for _, d := range in.VolumeDiscounts {
		mult, err := decimal.NewFromString(d.Multiplier)
		if err != nil {
			return plan.Plan{}, errors.New("volume discount multiplier must be a decimal string")
		}
		p.VolumeDiscounts = append(p.VolumeDiscounts, plan.DiscountTier{
			CallThreshold: d.CallThreshold,
			Multiplier:    mult,
		})
	}
	if len(in.Features) > 0 {
		p.Features = make(map[string]bool, len(in.Features))
		for _, name := range in.Features {
			p.Features[name] = true
		}
	}
	return p, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// parseIntQuery parses an integer query parameter with a default.
func parseIntQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// NewServiceTokenMiddleware rejects requests without the expected bearer token.
func NewServiceTokenMiddleware(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing bearer token")
				return
			}
			got := []byte(strings.TrimPrefix(auth, "Bearer "))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid service token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewLoggingMiddleware logs requests with zerolog.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip logging for probe endpoints.
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// NewMetricsMiddleware records request counts, latency, and in-flight gauge.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Don't measure the measurement endpoints.
			if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The matched route pattern keeps label cardinality bounded.
			path := chi.RouteContext(r.Context()).RoutePattern()
			if path == "" {
				path = "unmatched"
			}
			m.RequestsTotal.WithLabelValues(r.Method, path, statusLabel(ww.Status())).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
