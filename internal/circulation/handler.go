// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circulation_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "circulation_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const (
	endpointLoans        = "/loans"
	endpointLoanReturn   = "/loans/{id}/return"
	endpointApprove      = "/reservations/{id}/approve"
	endpointReject       = "/reservations/{id}/reject"
	endpointCopy         = "/copies/{id}"
	endpointCopyAvail    = "/copies/{id}/availability"
	endpointReconcile    = "/admin/reconcile"
	defaultApprovePerMin = 60
)

type Handler struct {
	service        Service
	approveLimiter *rate.Limiter
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithApproveRate limits reservation approvals to perMinute requests with a matching burst.
func WithApproveRate(perMinute int) HandlerOption {
	return func(h *Handler) {
		if perMinute > 0 {
			h.approveLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		}
	}
}

func NewHandler(service Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:        service,
		approveLimiter: rate.NewLimiter(rate.Every(time.Minute/defaultApprovePerMin), defaultApprovePerMin),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the circulation endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post(endpointLoans, h.HandleCreateLoan)
	r.Post(endpointLoanReturn, h.HandleCloseLoan)
	r.Post(endpointApprove, h.HandleApproveReservation)
	r.Post(endpointReject, h.HandleRejectReservation)
	r.Get(endpointCopy, h.HandleInspectCopy)
	r.Get(endpointCopyAvail, h.HandleCopyAvailability)
	r.Post(endpointReconcile, h.HandleReconcile)
}

func (h *Handler) HandleCreateLoan(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(http.MethodPost, endpointLoans))
	defer timer.ObserveDuration()

	var req struct {
		BorrowerID uuid.UUID `json:"borrower_id"`
		CopyID     uuid.UUID `json:"copy_id"`
		TermDays   int       `json:"term_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON", http.MethodPost, endpointLoans)
		return
	}

	loan, err := h.service.CreateLoan(r.Context(), req.BorrowerID, req.CopyID, req.TermDays)
	if err != nil {
		respondServiceError(w, err, http.MethodPost, endpointLoans)
		return
	}

	respondJSON(w, http.StatusCreated, loan, http.MethodPost, endpointLoans)
}

func (h *Handler) HandleCloseLoan(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(http.MethodPost, endpointLoanReturn))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, http.MethodPost, endpointLoanReturn)
	if !ok {
		return
	}

	loan, err := h.service.CloseLoan(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, http.MethodPost, endpointLoanReturn)
		return
	}

	respondJSON(w, http.StatusOK, loan, http.MethodPost, endpointLoanReturn)
}

func (h *Handler) HandleApproveReservation(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(http.MethodPost, endpointApprove))
	defer timer.ObserveDuration()

	if !h.approveLimiter.Allow() {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded", http.MethodPost, endpointApprove)
		return
	}

	id, ok := pathID(w, r, http.MethodPost, endpointApprove)
	if !ok {
		return
	}

	approval, err := h.service.ApproveReservation(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, http.MethodPost, endpointApprove)
		return
	}

	respondJSON(w, http.StatusOK, approval, http.MethodPost, endpointApprove)
}

func (h *Handler) HandleRejectReservation(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(http.MethodPost, endpointReject))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, http.MethodPost, endpointReject)
	if !ok {
		return
	}

	res, err := h.service.RejectReservation(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, http.MethodPost, endpointReject)
		return
	}

	respondJSON(w, http.StatusOK, res, http.MethodPost, endpointReject)
}

func (h *Handler) HandleInspectCopy(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(http.MethodGet, endpointCopy))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, http.MethodGet, endpointCopy)
	if !ok {
		return
	}

	state, err := h.service.InspectCopy(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, http.MethodGet, endpointCopy)
		return
	}

	respondJSON(w, http.StatusOK, struct {
		*CopyState
		AvailableByHistory bool `json:"available_by_history"`
		Drifted            bool `json:"drifted"`
	}{state, state.AvailableByHistory(), state.Drifted()}, http.MethodGet, endpointCopy)
}

func (h *Handler) HandleCopyAvailability(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(http.MethodGet, endpointCopyAvail))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, http.MethodGet, endpointCopyAvail)
	if !ok {
		return
	}

	available, err := h.service.IsCopyAvailable(r.Context(), id)
	if err != nil {
		respondServiceError(w, err, http.MethodGet, endpointCopyAvail)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"available": available}, http.MethodGet, endpointCopyAvail)
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(http.MethodPost, endpointReconcile))
	defer timer.ObserveDuration()

	report, err := h.service.ReconcileCopies(r.Context())
	if err != nil {
		respondServiceError(w, err, http.MethodPost, endpointReconcile)
		return
	}

	respondJSON(w, http.StatusOK, report, http.MethodPost, endpointReconcile)
}

func pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ID", method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

// respondServiceError translates the typed circulation errors into status codes.
func respondServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	var noCopy *NoCopyAvailableError

	switch {
	case errors.As(err, &noCopy):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":       err.Error(),
			"diagnostics": noCopy,
		}, method, endpoint)
	case errors.Is(err, ErrInternalInconsistency):
		respondError(w, http.StatusInternalServerError, err.Error(), method, endpoint)
	case errors.Is(err, ErrLoanNotFound),
		errors.Is(err, ErrReservationNotFound),
		errors.Is(err, ErrCopyNotFound):
		respondError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.Is(err, ErrCopyUnavailable),
		errors.Is(err, ErrBorrowerHasOverdueLoans),
		errors.Is(err, ErrLoanAlreadyReturned),
		errors.Is(err, ErrReservationAlreadyProcessed),
		errors.Is(err, ErrNoCopiesExist),
		errors.Is(err, ErrInvalidTerm):
		respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
	case errors.Is(err, ErrLockTimeout):
		respondError(w, http.StatusServiceUnavailable, err.Error(), method, endpoint)
	default:
		respondError(w, http.StatusInternalServerError, "internal server error", method, endpoint)
	}
}

func respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
