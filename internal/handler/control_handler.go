package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"waitlist-service/internal/model"
	"waitlist-service/internal/service"
	"waitlist-service/internal/util"
)

const (
	maxControlBody     = 1 << 10
	defaultBlockedPage = 50
	maxBlockedPage     = 100
)

// ControlHandler serves the internal operator routes.
type ControlHandler struct {
	admission *service.AdmissionService
	token     string
	logger    *zap.Logger
}

// ControlResponse wraps internal responses.
type ControlResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type strictLimitRequest struct {
	Address string `json:"address"`
}

// StrictLimitResult is the outcome of one strict-limit check.
type StrictLimitResult struct {
	Address    string    `json:"address"`
	Allowed    bool      `json:"allowed"`
	Scope      string    `json:"scope"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"`
	Fallback   bool      `json:"fallback"`
}

// BlockedResult lists recent blocked requests for one address.
type BlockedResult struct {
	Address string                 `json:"address"`
	Recent  []model.BlockedRequest `json:"recent"`
	Total   int64                  `json:"total"`
}

func NewControlHandler(admission *service.AdmissionService, token string, logger *zap.Logger) *ControlHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlHandler{admission: admission, token: token, logger: logger}
}

// RegisterRoutes mounts the control-plane routes behind the bearer check.
func (h *ControlHandler) RegisterRoutes(r chi.Router) {
	r.Use(h.requireBearer)
	r.Post("/strict-limit", h.StrictLimit)
	r.Get("/blocked/{address}", h.Blocked)
}

// StrictLimit applies the strict per-address limiter
// @Summary Apply the strict limiter to an address
// @Tags control
// @Accept json
// @Produce json
// @Success 200 {object} ControlResponse
// @Failure 400 {object} ControlResponse
// @Failure 401 {object} ControlResponse
// @Failure 429 {object} ControlResponse
// @Router /internal/v1/strict-limit [post]
func (h *ControlHandler) StrictLimit(w http.ResponseWriter, r *http.Request) {
	var req strictLimitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("address is required"), "Invalid request body")
		return
	}

	decision := h.admission.ApplyStrictLimit(r.Context(), address)
	result := StrictLimitResult{
		Address:    address,
		Allowed:    decision.Allowed,
		Scope:      string(decision.Scope),
		Limit:      decision.State.Limit,
		Remaining:  decision.State.Remaining,
		ResetAt:    decision.State.ResetAt,
		RetryAfter: decision.RetryAfter,
		Fallback:   decision.Fallback,
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
	}
	h.respondWithJSON(w, status, ControlResponse{Success: decision.Allowed, Data: result})

	h.logger.Info("Strict limit applied",
		util.String("address", address),
		util.Bool("allowed", decision.Allowed),
		util.Bool("fallback", decision.Fallback),
	)
}

// Blocked lists the recent blocked-request log for an address
// @Summary Recent blocked requests
// @Tags control
// @Produce json
// @Param address path string true "Client address"
// @Param limit query int false "Maximum records (default 50, max 100)"
// @Success 200 {object} ControlResponse
// @Failure 401 {object} ControlResponse
// @Failure 503 {object} ControlResponse
// @Router /internal/v1/blocked/{address} [get]
func (h *ControlHandler) Blocked(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	limit := int64(defaultBlockedPage)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			h.respondWithError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"), "Invalid limit")
			return
		}
		limit = min(n, maxBlockedPage)
	}

	recs, total, err := h.admission.BlockedRequests(r.Context(), address, limit)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Blocked-request log unavailable")
		return
	}
	if recs == nil {
		recs = []model.BlockedRequest{}
	}

	h.respondWithJSON(w, http.StatusOK, ControlResponse{
		Success: true,
		Data:    BlockedResult{Address: address, Recent: recs, Total: total},
	})
}

// requireBearer rejects requests without the control-plane token.
func (h *ControlHandler) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			h.respondWithError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"), "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *ControlHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data, h.logger)
}

// respondWithError sends an error response
func (h *ControlHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, ControlResponse{Success: false, Error: err.Error(), Message: message})
}
