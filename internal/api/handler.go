package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Jaymayes/scholarship-credits/internal/domain"
	"github.com/Jaymayes/scholarship-credits/internal/ledger"
	"github.com/Jaymayes/scholarship-credits/internal/requestid"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credits_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Actor identity headers. The platform's gateway validates the JWT and
// forwards the verified claims in these headers; the ledger trusts them the
// way it would trust any in-process authorization decision.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
)

type Handler struct {
	coordinator *ledger.Coordinator
	logger      zerolog.Logger
}

func NewHandler(c *ledger.Coordinator, logger zerolog.Logger) *Handler {
	return &Handler{coordinator: c, logger: logger}
}

// Routes mounts the ledger endpoints on r.
func (h *Handler) Routes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/credits", h.Credit).Methods("POST")
	api.HandleFunc("/debits", h.Debit).Methods("POST")
	api.HandleFunc("/balances/{user_id}", h.GetBalance).Methods("GET")
	api.HandleFunc("/balances/{user_id}/entries", h.ListEntries).Methods("GET")
}

type mutationBody struct {
	UserID  string          `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
	Purpose string          `json:"purpose"`
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/credits"))
	defer timer.ObserveDuration()

	body, actor, role, ok := h.decodeMutation(w, r, "/credits")
	if !ok {
		return
	}

	res, err := h.coordinator.Credit(r.Context(), domain.CreditRequest{
		UserID:         body.UserID,
		Amount:         body.Amount,
		Reason:         body.Reason,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		ActorID:        actor,
		ActorRole:      role,
	})
	if err != nil {
		h.respondDomainError(w, r, err, "POST", "/credits")
		return
	}
	h.respondMutation(w, res, "POST", "/credits")
}

func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/debits"))
	defer timer.ObserveDuration()

	body, actor, role, ok := h.decodeMutation(w, r, "/debits")
	if !ok {
		return
	}

	res, err := h.coordinator.Debit(r.Context(), domain.DebitRequest{
		UserID:         body.UserID,
		Amount:         body.Amount,
		Purpose:        body.Purpose,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		ActorID:        actor,
		ActorRole:      role,
	})
	if err != nil {
		h.respondDomainError(w, r, err, "POST", "/debits")
		return
	}
	h.respondMutation(w, res, "POST", "/debits")
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	actor, role, ok := h.actor(w, r, "GET", "/balances/{user_id}")
	if !ok {
		return
	}

	b, err := h.coordinator.GetBalance(r.Context(), userID, actor, role)
	if err != nil {
		h.respondDomainError(w, r, err, "GET", "/balances/{user_id}")
		return
	}
	h.respondJSON(w, http.StatusOK, struct {
		Amount    decimal.Decimal `json:"amount"`
		UpdatedAt time.Time       `json:"updated_at"`
		RequestID string          `json:"request_id,omitempty"`
	}{b.Amount, b.UpdatedAt, requestid.FromContext(r.Context())}, "GET", "/balances/{user_id}")
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	actor, role, ok := h.actor(w, r, "GET", "/balances/{user_id}/entries")
	if !ok {
		return
	}

	q := ledger.EntryQuery{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.From = ts
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.To = ts
		}
	}

	entries, err := h.coordinator.ListEntries(r.Context(), userID, actor, role, q)
	if err != nil {
		h.respondDomainError(w, r, err, "GET", "/balances/{user_id}/entries")
		return
	}
	h.respondJSON(w, http.StatusOK, struct {
		Entries   []domain.Entry `json:"entries"`
		RequestID string         `json:"request_id,omitempty"`
	}{entries, requestid.FromContext(r.Context())}, "GET", "/balances/{user_id}/entries")
}

func (h *Handler) decodeMutation(w http.ResponseWriter, r *http.Request, endpoint string) (mutationBody, string, domain.Role, bool) {
	actor, role, ok := h.actor(w, r, "POST", endpoint)
	if !ok {
		return mutationBody{}, "", "", false
	}
	var body mutationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, r, http.StatusBadRequest, domain.CodeValidation, "malformed JSON body", "POST", endpoint)
		return mutationBody{}, "", "", false
	}
	return body, actor, role, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request, method, endpoint string) (string, domain.Role, bool) {
	role, err := domain.ParseRole(r.Header.Get(ActorRoleHeader))
	if err != nil {
		h.respondError(w, r, http.StatusForbidden, domain.CodeForbidden, "missing or unknown actor role", method, endpoint)
		return "", "", false
	}
	return r.Header.Get(ActorIDHeader), role, true
}

func (h *Handler) respondMutation(w http.ResponseWriter, res *domain.MutationResult, method, endpoint string) {
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/entries/%s", res.TransactionID))
	h.respondJSON(w, status, res, method, endpoint)
}

type errorBody struct {
	Code      domain.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	RequestID string           `json:"request_id,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
}

func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error, method, endpoint string) {
	var de *domain.Error
	if !errors.As(err, &de) {
		h.logger.Error().Err(err).Str("endpoint", endpoint).Msg("unclassified handler error")
		h.respondError(w, r, http.StatusInternalServerError, domain.CodeInternal, "internal error", method, endpoint)
		return
	}

	body := errorBody{Code: de.Code, Message: de.Message, RequestID: de.RequestID}
	status := http.StatusInternalServerError
	switch de.Code {
	case domain.CodeValidation:
		status = http.StatusBadRequest
	case domain.CodeForbidden:
		status = http.StatusForbidden
	case domain.CodeConflict:
		status = http.StatusConflict
		if de.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(de.RetryAfter.Seconds())))
		}
	case domain.CodeInsufficientFunds:
		status = http.StatusUnprocessableEntity
		available, shortfall := de.Available, de.Shortfall
		body.Available = &available
		body.Shortfall = &shortfall
	case domain.CodeInternal:
		h.logger.Error().Err(de).Str("request_id", de.RequestID).Str("endpoint", endpoint).Msg("internal error")
		body.Message = "internal error"
	}

	h.respondJSON(w, status, body, method, endpoint)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, code domain.ErrorCode, msg, method, endpoint string) {
	h.respondJSON(w, status, errorBody{
		Code:      code,
		Message:   msg,
		RequestID: requestid.FromContext(r.Context()),
	}, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
