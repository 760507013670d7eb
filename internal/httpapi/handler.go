package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"

	"qms/waitlist-service/internal/models"
	"qms/waitlist-service/internal/store"
	"qms/waitlist-service/internal/waitlist"
)

// Service is the queue surface the HTTP layer drives. *waitlist.Waitlist implements it.
type Service interface {
	Snapshot() waitlist.Snapshot
	Subscribe(fn func(waitlist.Snapshot)) func()
	Entry(id string) (models.QueueEntry, error)
	Operation(id string) (waitlist.Operation, bool)
	Register(ctx context.Context, input waitlist.RegisterInput) (waitlist.Result, error)
	CallNext(ctx context.Context) (waitlist.Result, error)
	Call(ctx context.Context, id string) (waitlist.Result, error)
	ConfirmPresence(ctx context.Context, id, phone string) (waitlist.Result, error)
	Leave(ctx context.Context, id, phone string) (waitlist.Result, error)
	ReportTimeout(ctx context.Context, id, phone string) (waitlist.Result, error)
	FinishServing(ctx context.Context, id string) (waitlist.Result, error)
	Remove(ctx context.Context, id string) (waitlist.Result, error)
	UpdateStatus(ctx context.Context, id, status string) (waitlist.Result, error)
	UpdateInfo(ctx context.Context, id string, partySize int, prefs models.Preferences) (waitlist.Result, error)
	DailyStats(ctx context.Context, date string) (models.DailyStatistics, error)
}

type Handler struct {
	service  Service
	auth     *Authenticator
	realtime http.Handler
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type customerResponse struct {
	Customer  models.QueueEntry   `json:"customer"`
	Operation *waitlist.Operation `json:"operation,omitempty"`
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

type waitStatsResponse struct {
	AverageWaitMinutes *int `json:"average_wait_minutes"`
	Waiting            int  `json:"waiting"`
	Stale              bool `json:"stale"`
}

type Options struct {
	Auth *Authenticator
	// Realtime is mounted under /realtime/ when set.
	Realtime http.Handler
}

func NewHandler(service Service, options Options) *Handler {
	return &Handler{
		service:  service,
		auth:     options.Auth,
		realtime: options.Realtime,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/customers", h.handleRegister)
	mux.HandleFunc("/api/customers/", h.handleCustomer)
	mux.HandleFunc("/api/queue", h.handlePublicQueue)
	mux.HandleFunc("/api/stats/wait", h.handleWaitStats)
	h.adminRoutes(mux)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req waitlist.RegisterInput
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), req)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, message)
		return
	}
	writeJSON(w, http.StatusCreated, h.customerResult(result))
}

// handleCustomer serves /api/customers/{id} and /api/customers/{id}/actions/{action}.
func (h *Handler) handleCustomer(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/customers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	customerID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleGetCustomer(w, r, customerID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleSelfAction(w, r, customerID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetCustomer(w http.ResponseWriter, r *http.Request, customerID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entry, err := h.service.Entry(customerID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, message)
		return
	}
	entry.Customer = entry.Customer.Redacted()
	writeJSON(w, http.StatusOK, customerResponse{Customer: entry})
}

func (h *Handler) handleSelfAction(w http.ResponseWriter, r *http.Request, customerID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var run func(ctx context.Context, id, phone string) (waitlist.Result, error)
	switch action {
	case "leave":
		run = h.service.Leave
	case "confirm":
		run = h.service.ConfirmPresence
	case "timeout":
		run = h.service.ReportTimeout
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req phoneRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "phone is required")
		return
	}

	result, err := run(r.Context(), customerID, req.Phone)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, message)
		return
	}
	response := h.customerResult(result)
	response.Customer.Customer = response.Customer.Customer.Redacted()
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handlePublicQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot().Public())
}

func (h *Handler) handleWaitStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := h.service.Snapshot()
	waiting := 0
	for _, entry := range snap.Customers {
		if entry.Status == models.StatusWaiting {
			waiting++
		}
	}
	writeJSON(w, http.StatusOK, waitStatsResponse{
		AverageWaitMinutes: snap.AverageWaitMinutes,
		Waiting:            waiting,
		Stale:              snap.Stale,
	})
}

// customerResult pairs the mutated customer with its current queue position.
// Customers that left the queue are returned without one.
func (h *Handler) customerResult(result waitlist.Result) customerResponse {
	op := result.Operation
	entry, err := h.service.Entry(result.Customer.ID)
	if err != nil {
		entry = models.QueueEntry{Customer: result.Customer, Priority: result.Customer.Priority()}
	}
	return customerResponse{Customer: entry, Operation: &op}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var validation *store.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, store.ErrCustomerNotFound):
		return http.StatusNotFound, "customer_not_found", "customer not found"
	case errors.Is(err, store.ErrAuthorization):
		return http.StatusForbidden, "phone_mismatch", "phone number does not match"
	case errors.Is(err, store.ErrOutsideGeofence):
		return http.StatusForbidden, "outside_geofence", "registration is only possible at the restaurant"
	case errors.Is(err, store.ErrAlreadyCalled):
		return http.StatusConflict, "already_calling", "another customer is currently called"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no customers waiting"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "customer state does not allow this action"
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "invalid credentials"
	case errors.Is(err, waitlist.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable", "service is shutting down"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}
