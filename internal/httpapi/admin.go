package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"qms/waitlist-service/internal/models"
	"qms/waitlist-service/internal/waitlist"

	"github.com/rs/zerolog/log"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type updateInfoRequest struct {
	PartySize   *int                `json:"party_size"`
	Preferences *models.Preferences `json:"preferences"`
}

func (h *Handler) adminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/admin/login", h.handleLogin)
	if h.auth == nil {
		return
	}
	mux.Handle("/api/admin/queue", h.auth.Middleware(http.HandlerFunc(h.handleAdminQueue)))
	mux.Handle("/api/admin/queue/actions/call-next", h.auth.Middleware(http.HandlerFunc(h.handleCallNext)))
	mux.Handle("/api/admin/customers/", h.auth.Middleware(http.HandlerFunc(h.handleAdminCustomer)))
	mux.Handle("/api/admin/stats/daily", h.auth.Middleware(http.HandlerFunc(h.handleDailyStats)))
	mux.Handle("/api/admin/operations/", h.auth.Middleware(http.HandlerFunc(h.handleOperation)))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.auth == nil {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "admin login is disabled")
		return
	}
	var req loginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	token, expiresAt, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		log.Warn().Str("username", req.Username).Msg("admin login failed")
		status, code, message := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, message)
		return
	}
	log.Info().Str("username", req.Username).Msg("admin logged in")
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (h *Handler) handleAdminQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	result, err := h.service.CallNext(r.Context())
	h.writeResult(w, r, result, err)
}

// handleAdminCustomer serves PATCH /api/admin/customers/{id},
// POST /api/admin/customers/{id}/status and
// POST /api/admin/customers/{id}/actions/{call|finish|remove}.
func (h *Handler) handleAdminCustomer(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/admin/customers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	customerID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleUpdateInfo(w, r, customerID)
	case len(parts) == 2 && parts[1] == "status":
		h.handleUpdateStatus(w, r, customerID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleAdminAction(w, r, customerID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleAdminAction(w http.ResponseWriter, r *http.Request, customerID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var run func(ctx context.Context, id string) (waitlist.Result, error)
	switch action {
	case "call":
		run = h.service.Call
	case "finish":
		run = h.service.FinishServing
	case "remove":
		run = h.service.Remove
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	result, err := run(r.Context(), customerID)
	if err == nil {
		log.Info().
			Str("admin", adminFromContext(r.Context())).
			Str("customer_id", customerID).
			Str("action", action).
			Msg("admin action")
	}
	h.writeResult(w, r, result, err)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request, customerID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req statusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	if req.Status == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "status is required")
		return
	}
	result, err := h.service.UpdateStatus(r.Context(), customerID, req.Status)
	h.writeResult(w, r, result, err)
}

// handleUpdateInfo keeps the current party size or preferences when a field is omitted.
func (h *Handler) handleUpdateInfo(w http.ResponseWriter, r *http.Request, customerID string) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req updateInfoRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.PartySize == nil && req.Preferences == nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "party_size or preferences is required")
		return
	}

	current, err := h.service.Entry(customerID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, message)
		return
	}
	partySize := current.PartySize
	if req.PartySize != nil {
		partySize = *req.PartySize
	}
	prefs := current.Preferences
	if req.Preferences != nil {
		prefs = *req.Preferences
	}

	result, err := h.service.UpdateInfo(r.Context(), customerID, partySize, prefs)
	h.writeResult(w, r, result, err)
}

func (h *Handler) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	stats, err := h.service.DailyStats(r.Context(), date)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	opID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/operations/"), "/")
	if opID == "" || strings.Contains(opID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	op, ok := h.service.Operation(opID)
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusNotFound, "operation_not_found", "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, result waitlist.Result, err error) {
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, h.customerResult(result))
}
