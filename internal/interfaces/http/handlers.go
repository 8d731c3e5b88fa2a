package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mtemizkann/borsa-telegram-bot/internal/application"
	"github.com/mtemizkann/borsa-telegram-bot/internal/backtest"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/persistence"
	"github.com/mtemizkann/borsa-telegram-bot/internal/tune"
)

// Refresher runs an evaluation cycle on demand
type Refresher interface {
	RunCycle(ctx context.Context) (*application.CycleReport, error)
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	query     *application.QueryService
	refresher Refresher
	db        persistence.RepositoryHealth
	metrics   http.Handler
	version   string
	started   time.Time
	secret    string

	refreshes singleflight.Group
}

// HandlerDeps are the collaborators of the HTTP handlers. DB and Refresher may be nil.
type HandlerDeps struct {
	Query     *application.QueryService
	Refresher Refresher
	DB        persistence.RepositoryHealth
	Metrics   http.Handler
	Version   string
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps HandlerDeps) *Handlers {
	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}
	return &Handlers{
		query:     deps.Query,
		refresher: deps.Refresher,
		db:        deps.DB,
		metrics:   metricsHandler,
		version:   deps.Version,
		started:   time.Now(),
	}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

// writeQueryError maps query errors to status codes
func (h *Handlers) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, application.ErrInvalidQuery):
		h.writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
	case errors.Is(err, backtest.ErrNotEnoughBars), errors.Is(err, tune.ErrNoSegments):
		h.writeError(w, r, http.StatusUnprocessableEntity, "not_enough_bars", err.Error())
	case errors.Is(err, market.ErrUnavailable):
		h.writeError(w, r, http.StatusBadGateway, "data_unavailable", err.Error())
	case errors.Is(err, backtest.ErrSimulationAborted), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, r, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Query failed")
		h.writeError(w, r, http.StatusInternalServerError, "internal_error", "query failed")
	}
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// intParam reads an optional integer query parameter
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("parameter " + name + " must be an integer")
	}
	return v, nil
}

// floatParam reads an optional float query parameter
func floatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("parameter " + name + " must be a number")
	}
	return v, nil
}

func symbolVar(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(mux.Vars(r)["symbol"]))
}

// Decisions handles GET /decisions/{symbol}?limit=
func (h *Handlers) Decisions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	recs, err := h.query.DecisionLog(r.Context(), symbolVar(r), limit)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	outcomes, err := h.query.OutcomeLog(r.Context(), symbolVar(r), limit)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbolVar(r),
		"count":     len(recs),
		"decisions": recs,
		"outcomes":  outcomes,
	})
}

// Backtest handles GET /backtest/{symbol}?days=&capital=&preset=
func (h *Handlers) Backtest(w http.ResponseWriter, r *http.Request) {
	q := application.BacktestQuery{Symbol: symbolVar(r), Preset: r.URL.Query().Get("preset")}
	var err error
	if q.Days, err = intParam(r, "days"); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	if q.Capital, err = floatParam(r, "capital"); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	res, err := h.query.Backtest(r.Context(), q)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Calibrate handles GET /calibrate/{symbol}?days=&train=&test=&capital=
func (h *Handlers) Calibrate(w http.ResponseWriter, r *http.Request) {
	q := application.CalibrateQuery{Symbol: symbolVar(r)}
	var err error
	for name, dst := range map[string]*int{"days": &q.Days, "train": &q.Train, "test": &q.Test} {
		if *dst, err = intParam(r, name); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_parameter", err.Error())
			return
		}
	}
	if q.Capital, err = floatParam(r, "capital"); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	res, err := h.query.Calibrate(r.Context(), q)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Risk handles GET /risk
func (h *Handlers) Risk(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.query.RiskState())
}

// Performance handles GET /performance
func (h *Handlers) Performance(w http.ResponseWriter, r *http.Request) {
	perf, err := h.query.Performance(r.Context())
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, perf)
}

// State handles GET /api/state, the latest evaluation keyed by symbol
func (h *Handlers) State(w http.ResponseWriter, r *http.Request) {
	states := h.query.LatestState()
	out := make(map[string]application.SymbolState, len(states))
	for _, st := range states {
		out[st.Symbol] = st
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Refresh handles /api/refresh?key=, running one evaluation cycle
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		key := r.URL.Query().Get("key")
		if key == "" {
			key = r.Header.Get("X-Webhook-Secret")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.secret)) != 1 {
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}
	if h.refresher == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "refresh_unavailable", "evaluation loop is not running")
		return
	}

	// concurrent refreshes share one cycle
	v, err, shared := h.refreshes.Do("refresh", func() (interface{}, error) {
		return h.refresher.RunCycle(r.Context())
	})
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "shared": shared, "report": v.(*application.CycleReport)})
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // healthy | degraded
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Checks    map[string]CheckResult `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.version,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
		},
		Checks: make(map[string]CheckResult),
	}

	if h.db == nil {
		resp.Checks["database"] = CheckResult{Status: "warn", Message: "persistence is in memory"}
	} else if hc := h.db.Health(r.Context()); hc.Healthy {
		resp.Checks["database"] = CheckResult{Status: "pass", Message: "responding in " + strconv.FormatInt(hc.ResponseTimeMS, 10) + "ms"}
	} else {
		resp.Status = "degraded"
		resp.Checks["database"] = CheckResult{Status: "fail", Message: strings.Join(hc.Errors, "; ")}
	}

	states := h.query.LatestState()
	if len(states) == 0 {
		resp.Checks["evaluations"] = CheckResult{Status: "warn", Message: "no evaluation cycle completed yet"}
	} else {
		resp.Checks["evaluations"] = CheckResult{Status: "pass", Message: strconv.Itoa(len(states)) + " symbols evaluated"}
	}

	h.writeJSON(w, http.StatusOK, resp)
}
