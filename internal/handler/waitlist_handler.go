package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"waitlist-service/internal/model"
	"waitlist-service/internal/service"
	"waitlist-service/internal/util"
)

// WaitlistHandler exposes the admission pipeline over HTTP.
type WaitlistHandler struct {
	admission *service.AdmissionService
	logger    *zap.Logger
}

// Response is the public signup response body.
type Response struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Data    *model.AdmissionData `json:"data,omitempty"`
}

func NewWaitlistHandler(admission *service.AdmissionService, logger *zap.Logger) *WaitlistHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WaitlistHandler{admission: admission, logger: logger}
}

// RegisterRoutes mounts the signup endpoint. Every method is routed to the
// pipeline so that its own method gate answers.
func (h *WaitlistHandler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/waitlist", h.Submit)
}

// Submit handles one signup attempt
// @Summary Join the waitlist
// @Tags waitlist
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 403 {object} Response
// @Failure 409 {object} Response
// @Failure 413 {object} Response
// @Failure 429 {object} Response
// @Failure 500 {object} Response
// @Router /waitlist [post]
func (h *WaitlistHandler) Submit(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	req := &model.SignupRequest{
		Method:        r.Method,
		Origin:        r.Header.Get("Origin"),
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: r.ContentLength,
		ClientAddress: clientAddress(r),
		RequestID:     middleware.GetReqID(r.Context()),
		Body:          r.Body,
	}

	result := h.admission.Process(r.Context(), req)

	if result.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	}
	h.respondWithJSON(w, result.Status, Response{
		Success: result.Success,
		Message: result.Message,
		Data:    result.Data,
	})

	h.logger.Debug("Signup processed",
		util.String("request_id", req.RequestID),
		util.String("stage", result.Stage),
		util.String("outcome", result.Outcome),
		util.Int("status", result.Status),
		util.Duration("duration", time.Since(startTime)),
	)
}

// respondWithJSON sends a JSON response
func (h *WaitlistHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data, h.logger)
}

// clientAddress strips the port from RemoteAddr. RealIP, when enabled, has
// already replaced RemoteAddr with the forwarded address.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
