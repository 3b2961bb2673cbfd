// Package api is the HTTP/WebSocket ingress for the exchange core.
package api

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"exchange/internal/engine"
	"exchange/internal/idempotency"
	"exchange/internal/marketdata"
	"exchange/internal/orderbook"
)

const (
	headerClientID       = "X-Client-Id"
	headerIdempotencyKey = "Idempotency-Key"
)

type Server struct {
	pipeline    *engine.Pipeline
	idem        *idempotency.Cache
	fanout      *marketdata.Fanout
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	corsOrigins []string
}

func NewServer(p *engine.Pipeline, idem *idempotency.Cache, fanout *marketdata.Fanout, logger *slog.Logger) *Server {
	s := &Server{
		pipeline: p,
		idem:     idem,
		fanout:   fanout,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins restricts cross-origin access. Empty means allow all,
// which is the development default.
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

func (s *Server) checkOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", headerClientID, headerIdempotencyKey},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", s.submitOrder)
		r.Delete("/orders/{id}", s.cancelOrder)
		r.Get("/orderbook/{symbol}", s.getOrderBook)
		r.Get("/trades", s.getTrades)
		r.Post("/wallets/deposit", s.deposit)
		r.Get("/wallets/balances", s.getBalances)
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

// OrderRequest is the order-submission body. Price is a pointer so a
// market order with an explicit price can be told apart from no price.
type OrderRequest struct {
	Symbol   string           `json:"symbol"`
	Side     string           `json:"side"`
	Type     string           `json:"type"`
	Quantity decimal.Decimal  `json:"quantity"`
	Price    *decimal.Decimal `json:"price"`
}

type errorResponse struct {
	Errors []string `json:"errors"`
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(headerClientID)
	key := r.Header.Get(headerIdempotencyKey)

	// Without both headers there is no identity to cache under; these
	// rejections are never stored.
	if clientID == "" {
		s.writeErrors(w, http.StatusBadRequest, "X-Client-Id header is required")
		return
	}
	if key == "" {
		s.writeErrors(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	if status, payload, ok := s.idem.TryGet(clientID, key); ok {
		s.replay(w, status, payload)
		return
	}

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondCached(w, clientID, key, http.StatusBadRequest, errorResponse{Errors: []string{"invalid request body"}})
		return
	}

	var shapeErrors []string
	var side orderbook.Side
	switch req.Side {
	case "BUY":
		side = orderbook.Buy
	case "SELL":
		side = orderbook.Sell
	default:
		shapeErrors = append(shapeErrors, "side must be BUY or SELL")
	}

	var orderType orderbook.OrderType
	switch req.Type {
	case "LIMIT":
		orderType = orderbook.Limit
	case "MARKET":
		orderType = orderbook.Market
	default:
		shapeErrors = append(shapeErrors, "type must be LIMIT or MARKET")
	}
	if orderType == orderbook.Market && req.Price != nil {
		shapeErrors = append(shapeErrors, engine.ErrMarketOrderWithPrice.Error())
	}

	if len(shapeErrors) > 0 {
		s.respondCached(w, clientID, key, http.StatusBadRequest, errorResponse{Errors: shapeErrors})
		return
	}

	price := decimal.Zero
	if req.Price != nil {
		price = *req.Price
	}

	result, errs := s.pipeline.PlaceOrder(engine.PlaceOrderRequest{
		ClientID: clientID,
		Symbol:   req.Symbol,
		Side:     side,
		Type:     orderType,
		Quantity: req.Quantity,
		Price:    price,
	})
	if len(errs) > 0 {
		messages := make([]string, len(errs))
		for i, err := range errs {
			messages[i] = err.Error()
		}
		s.respondCached(w, clientID, key, http.StatusBadRequest, errorResponse{Errors: messages})
		return
	}

	s.respondCached(w, clientID, key, http.StatusOK, result)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(headerClientID)
	if clientID == "" {
		s.writeErrors(w, http.StatusBadRequest, "X-Client-Id header is required")
		return
	}
	orderID := chi.URLParam(r, "id")

	switch err := s.pipeline.CancelOrder(clientID, orderID); err {
	case nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "CANCELED"})
	case engine.ErrOrderNotFound:
		s.writeErrors(w, http.StatusNotFound, err.Error())
	case engine.ErrNotOrderOwner:
		s.writeErrors(w, http.StatusForbidden, err.Error())
	default:
		s.writeErrors(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) getOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	depth := 0
	if d := r.URL.Query().Get("depth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			depth = n
		}
	}

	snap, err := s.pipeline.Snapshot(symbol, depth)
	if err != nil {
		s.writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	trades, err := s.pipeline.RecentTrades(symbol, limit)
	if err != nil {
		s.writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

// DepositRequest is the wallet-deposit body.
type DepositRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(headerClientID)
	if clientID == "" {
		s.writeErrors(w, http.StatusBadRequest, "X-Client-Id header is required")
		return
	}

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrors(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Asset == "" {
		s.writeErrors(w, http.StatusBadRequest, "asset is required")
		return
	}

	if err := s.pipeline.Deposit(clientID, req.Asset, req.Amount); err != nil {
		s.writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// BalanceEntry is one row of the balances listing.
type BalanceEntry struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(headerClientID)
	if clientID == "" {
		s.writeErrors(w, http.StatusBadRequest, "X-Client-Id header is required")
		return
	}

	balances := s.pipeline.Balances(clientID)
	entries := make([]BalanceEntry, 0, len(balances))
	for asset, b := range balances {
		entries = append(entries, BalanceEntry{Asset: asset, Available: b.Available, Reserved: b.Reserved})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Asset < entries[j].Asset })

	s.writeJSON(w, http.StatusOK, entries)
}

// respondCached marshals once, stores the exact bytes under the client's
// idempotency key, and writes them, so a replay is byte-identical.
func (s *Server) respondCached(w http.ResponseWriter, clientID, key string, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.idem.Store(clientID, key, status, payload)
	s.replay(w, status, payload)
}

func (s *Server) replay(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeErrors(w http.ResponseWriter, status int, messages ...string) {
	s.writeJSON(w, status, errorResponse{Errors: messages})
}
