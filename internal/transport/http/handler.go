package http

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"seerpay/internal/model"
	"seerpay/internal/repository"
	"seerpay/internal/service"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seerpay_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seerpay_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	engine *service.Engine
	ledger *repository.LedgerRepo
	log    *zap.Logger
}

func NewHandler(engine *service.Engine, ledger *repository.LedgerRepo, log *zap.Logger) *Handler {
	return &Handler{engine: engine, ledger: ledger, log: log}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/wallets", h.CreateWallet).Methods(http.MethodPost)
	v1.HandleFunc("/wallets/{id}/balance", h.GetBalance).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{id}/payout-destination", h.SetPayoutDestination).Methods(http.MethodPut)

	v1.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/activate", h.ActivateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/disconnect", h.DisconnectSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/reconnect", h.ReconnectSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/end", h.EndSession).Methods(http.MethodPost)

	v1.HandleFunc("/payments/events", h.PaymentEvent).Methods(http.MethodPost)
	v1.HandleFunc("/gifts", h.SendGift).Methods(http.MethodPost)
	v1.HandleFunc("/bookings", h.BookSlot).Methods(http.MethodPost)
	v1.HandleFunc("/bookings/cancel", h.CancelBooking).Methods(http.MethodPost)
	v1.HandleFunc("/replies/charge", h.ChargePaidReply).Methods(http.MethodPost)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/wallets")()

	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/wallets") {
		return
	}
	if req.OwnerID == "" {
		h.respondError(w, http.StatusBadRequest, "owner_id is required", "POST", "/v1/wallets")
		return
	}

	wallet, err := h.ledger.CreateWallet(r.Context(), req.OwnerID)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/wallets")
		return
	}
	h.respondJSON(w, http.StatusCreated, wallet, "POST", "/v1/wallets")
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	defer h.observe("GET", "/v1/wallets/balance")()

	balance, err := h.ledger.Balance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/v1/wallets/balance")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"balance": balance.String()}, "GET", "/v1/wallets/balance")
}

func (h *Handler) SetPayoutDestination(w http.ResponseWriter, r *http.Request) {
	defer h.observe("PUT", "/v1/wallets/payout-destination")()

	var req struct {
		Destination string `json:"destination"`
	}
	if !h.decode(w, r, &req, "PUT", "/v1/wallets/payout-destination") {
		return
	}

	if err := h.ledger.SetPayoutDestination(r.Context(), mux.Vars(r)["id"], req.Destination); err != nil {
		h.respondDomainError(w, err, "PUT", "/v1/wallets/payout-destination")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "updated"}, "PUT", "/v1/wallets/payout-destination")
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/sessions")()

	var req struct {
		ClientID      string          `json:"client_id"`
		ReaderID      string          `json:"reader_id"`
		Modality      string          `json:"modality"`
		RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/sessions") {
		return
	}

	session, err := h.engine.CreateSession(r.Context(), req.ClientID, req.ReaderID, model.Modality(req.Modality), req.RatePerMinute)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/sessions")
		return
	}
	h.respondJSON(w, http.StatusCreated, session, "POST", "/v1/sessions")
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	defer h.observe("GET", "/v1/sessions")()

	session, err := h.engine.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/v1/sessions")
		return
	}
	h.respondJSON(w, http.StatusOK, session, "GET", "/v1/sessions")
}

func (h *Handler) ActivateSession(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/sessions/activate")()

	var req struct {
		PartyID string `json:"party_id"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/sessions/activate") {
		return
	}

	handle, err := h.engine.ActivateSession(r.Context(), mux.Vars(r)["id"], req.PartyID)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/sessions/activate")
		return
	}
	h.respondJSON(w, http.StatusOK, handle, "POST", "/v1/sessions/activate")
}

func (h *Handler) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/sessions/disconnect")()

	var req struct {
		PartyID string `json:"party_id"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/sessions/disconnect") {
		return
	}

	session, err := h.engine.DisconnectSession(r.Context(), mux.Vars(r)["id"], req.PartyID)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/sessions/disconnect")
		return
	}
	h.respondJSON(w, http.StatusOK, session, "POST", "/v1/sessions/disconnect")
}

func (h *Handler) ReconnectSession(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/sessions/reconnect")()

	var req struct {
		PartyID string `json:"party_id"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/sessions/reconnect") {
		return
	}

	handle, err := h.engine.ReconnectSession(r.Context(), mux.Vars(r)["id"], req.PartyID)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/sessions/reconnect")
		return
	}
	h.respondJSON(w, http.StatusOK, handle, "POST", "/v1/sessions/reconnect")
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/sessions/end")()

	var req struct {
		PartyID string `json:"party_id"`
		Summary string `json:"summary"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/sessions/end") {
		return
	}

	session, err := h.engine.EndSession(r.Context(), mux.Vars(r)["id"], req.PartyID, req.Summary)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/sessions/end")
		return
	}
	h.respondJSON(w, http.StatusOK, session, "POST", "/v1/sessions/end")
}

// PaymentEvent ingests a payment provider webhook. Events are deduplicated
// by event_id, so provider retries respond with applied=false.
func (h *Handler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/payments/events")()

	var req struct {
		Type       string          `json:"type"`
		EventID    string          `json:"event_id"`
		OwnerID    string          `json:"owner_id"`
		Amount     decimal.Decimal `json:"amount"`
		PaymentRef string          `json:"payment_ref"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/payments/events") {
		return
	}
	if req.EventID == "" {
		h.respondError(w, http.StatusBadRequest, "event_id is required", "POST", "/v1/payments/events")
		return
	}

	event := model.PaymentEvent{
		EventID:    req.EventID,
		OwnerID:    req.OwnerID,
		Amount:     req.Amount,
		PaymentRef: req.PaymentRef,
	}

	var (
		out *model.Outcome
		err error
	)
	switch req.Type {
	case "top_up":
		out, err = h.engine.TopUp(r.Context(), event)
	case "refund":
		out, err = h.engine.Refund(r.Context(), event)
	default:
		h.respondError(w, http.StatusBadRequest, "unknown event type", "POST", "/v1/payments/events")
		return
	}
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/payments/events")
		return
	}
	h.respondOutcome(w, out, "POST", "/v1/payments/events")
}

func (h *Handler) SendGift(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/gifts")()

	var req struct {
		SenderID  string          `json:"sender_id"`
		ReaderID  string          `json:"reader_id"`
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/gifts") {
		return
	}
	if req.Reference == "" {
		h.respondError(w, http.StatusBadRequest, "reference is required", "POST", "/v1/gifts")
		return
	}

	result, err := h.engine.SendGift(r.Context(), req.SenderID, req.ReaderID, req.Amount, req.Reference)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/gifts")
		return
	}
	h.respondJSON(w, http.StatusOK, result, "POST", "/v1/gifts")
}

func (h *Handler) BookSlot(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/bookings")()

	var req struct {
		ClientID string          `json:"client_id"`
		SlotRef  string          `json:"slot_ref"`
		Amount   decimal.Decimal `json:"amount"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/bookings") {
		return
	}

	out, err := h.engine.BookSlot(r.Context(), req.ClientID, req.SlotRef, req.Amount)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/bookings")
		return
	}
	h.respondOutcome(w, out, "POST", "/v1/bookings")
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/bookings/cancel")()

	var req struct {
		ClientID string          `json:"client_id"`
		SlotRef  string          `json:"slot_ref"`
		Amount   decimal.Decimal `json:"amount"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/bookings/cancel") {
		return
	}

	out, err := h.engine.CancelBooking(r.Context(), req.ClientID, req.SlotRef, req.Amount)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/bookings/cancel")
		return
	}
	h.respondOutcome(w, out, "POST", "/v1/bookings/cancel")
}

func (h *Handler) ChargePaidReply(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/replies/charge")()

	var req struct {
		ClientID        string          `json:"client_id"`
		ConversationRef string          `json:"conversation_ref"`
		Seq             int             `json:"seq"`
		Amount          decimal.Decimal `json:"amount"`
	}
	if !h.decode(w, r, &req, "POST", "/v1/replies/charge") {
		return
	}

	out, err := h.engine.ChargePaidReply(r.Context(), req.ClientID, req.ConversationRef, req.Seq, req.Amount)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/v1/replies/charge")
		return
	}
	h.respondOutcome(w, out, "POST", "/v1/replies/charge")
}

func (h *Handler) observe(method, endpoint string) func() {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
	return func() { timer.ObserveDuration() }
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, method, endpoint string) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", method, endpoint)
		return false
	}
	return true
}

func (h *Handler) respondOutcome(w http.ResponseWriter, out *model.Outcome, method, endpoint string) {
	status := http.StatusCreated
	if !out.Applied {
		// Replay of an already processed request.
		status = http.StatusOK
	}
	h.respondJSON(w, status, out, method, endpoint)
}

// respondDomainError maps ledger and session errors onto HTTP statuses.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	var status int
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, model.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrAccountNotFound), errors.Is(err, model.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, model.ErrGraceExpired):
		status = http.StatusGone
	case errors.Is(err, model.ErrInvalidAmount):
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
		h.log.Error("request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(err))
	}
	h.respondError(w, status, err.Error(), method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any, method, endpoint string) {
	httpRequests.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message, method, endpoint string) {
	h.respondJSON(w, status, map[string]string{"error": message}, method, endpoint)
}
