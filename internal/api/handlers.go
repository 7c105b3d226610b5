// Package api exposes the trade and settlement services over HTTP and
// pushes committed events to WebSocket clients. Handlers only decode,
// call one service operation and encode; all rules live in the services.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/opinion-engine/internal/model"
	"github.com/atmx/opinion-engine/internal/money"
	"github.com/atmx/opinion-engine/internal/settlement"
	"github.com/atmx/opinion-engine/internal/trade"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	trade  *trade.Service
	settle *settlement.Service
	hub    *Hub // optional
}

// NewHandler wires the HTTP layer to its services.
func NewHandler(t *trade.Service, s *settlement.Service, hub *Hub) *Handler {
	return &Handler{trade: t, settle: s, hub: hub}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Post("/accounts", h.OpenAccount)
	r.Get("/users/{userID}", h.GetUser)

	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Route("/markets/{marketID}", func(r chi.Router) {
		r.Get("/", h.GetMarket)
		r.Get("/quote", h.Quote)
		r.Get("/trades", h.GetTrades)
		r.Get("/positions", h.GetPositions)
		r.Get("/positions/{userID}", h.GetPosition)
		r.Get("/fees", h.GetFees)
		r.Post("/close", h.CloseMarket)
		r.Post("/resolve", h.Resolve)
		r.Post("/claim", h.Claim)
		r.Get("/eligibility/{userID}", h.CheckEligibility)
	})

	r.Post("/trades", h.PlaceTrade)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// --- Accounts ---

type openAccountRequest struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.trade.OpenAccount(r.Context(), req.UserID, req.Balance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.trade.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req trade.CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.trade.CreateMarket(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.trade.GetMarket(r.Context(), m.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListMarkets handles GET /api/v1/markets?page=&limit=&creator_id=&status=
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, ok := intParam(w, q.Get("page"), "page")
	if !ok {
		return
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}

	res, err := h.trade.ListMarkets(r.Context(), trade.ListMarketsRequest{
		Page:      page,
		Limit:     limit,
		CreatorID: q.Get("creator_id"),
		Status:    model.Status(q.Get("status")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		badRequest(w, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	v, err := h.trade.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (h *Handler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.trade.CloseMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Quote handles GET /api/v1/markets/{marketID}/quote?side=&action=&amount=
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := money.Parse(q.Get("amount"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.trade.Quote(r.Context(), chi.URLParam(r, "marketID"),
		model.Side(q.Get("side")), model.Action(q.Get("action")), amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTrades handles GET /api/v1/markets/{marketID}/trades?user_id=
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trade.GetUserTrades(r.Context(), chi.URLParam(r, "marketID"), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPositions handles GET /api/v1/markets/{marketID}/positions
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.trade.GetPositions(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{userID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.trade.GetPosition(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetFees handles GET /api/v1/markets/{marketID}/fees
func (h *Handler) GetFees(w http.ResponseWriter, r *http.Request) {
	fees, err := h.trade.GetFees(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

// --- Trading ---

// PlaceTrade handles POST /api/v1/trades
func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.TradeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.trade.PlaceTrade(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Settlement ---

type resolveRequest struct {
	Outcome model.Side `json:"outcome"`
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.settle.Resolve(r.Context(), chi.URLParam(r, "marketID"), req.Outcome)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type claimRequest struct {
	UserID string `json:"user_id"`
}

// Claim handles POST /api/v1/markets/{marketID}/claim
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.settle.Claim(r.Context(), chi.URLParam(r, "marketID"), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckEligibility handles GET /api/v1/markets/{marketID}/eligibility/{userID}
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	res, err := h.settle.CheckEligibility(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
