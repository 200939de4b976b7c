package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/bullion/internal/auth"
	"github.com/xtrntr/bullion/internal/exchange"
	"github.com/xtrntr/bullion/internal/models"
	"github.com/xtrntr/bullion/internal/pricefeed"
	"go.uber.org/zap"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Feed        *pricefeed.Feed
	log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, feed *pricefeed.Feed, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Exchange: ex, AuthService: authService, Feed: feed, log: log}
}

type ctxKey struct{}

func userIDFrom(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(ctxKey{}).(int)
	return id, ok
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind exchange.Kind, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind)})
}

func statusFor(kind exchange.Kind) int {
	switch kind {
	case exchange.KindValidation:
		return http.StatusBadRequest
	case exchange.KindNotFound:
		return http.StatusNotFound
	case exchange.KindInsufficientFunds, exchange.KindInsufficientHoldings:
		return http.StatusUnprocessableEntity
	case exchange.KindConflict:
		return http.StatusConflict
	}
	return http.StatusServiceUnavailable
}

// writeExchangeError maps an exchange error onto its HTTP status. Storage
// failures are logged and reported without driver detail.
func (h *Handler) writeExchangeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := exchange.KindOf(err)
	msg := err.Error()
	var e *exchange.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	if kind == exchange.KindStorage {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "storage unavailable, try again"
	}
	writeError(w, statusFor(kind), kind, msg)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, "Invalid request body")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, exchange.KindValidation, strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error()+": "))
		return
	case errors.Is(err, auth.ErrUsernameTaken):
		writeError(w, http.StatusConflict, exchange.KindConflict, err.Error())
		return
	case err != nil:
		h.writeExchangeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, "Invalid request body")
		return
	}

	token, user, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "", "Invalid credentials")
		return
	}
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// JWTAuthMiddleware verifies JWT tokens and puts the user id on the request context
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "", "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FeedTokenMiddleware admits requests carrying the price feed token in the
// X-Feed-Token header. An empty token disables the route.
func FeedTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "", "Quote push is disabled")
				return
			}
			got := r.Header.Get("X-Feed-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "", "Invalid feed token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type tradeRequest struct {
	Commodity    string           `json:"commodity"`
	Quantity     int64            `json:"quantity"`
	Price        *decimal.Decimal `json:"price"`
	TriggerPrice *decimal.Decimal `json:"trigger_price"`
	Type         *string          `json:"type"`
}

// PlaceTrade executes a market order, or admits a pending order when both
// trigger_price and type are given. The action comes from the route.
func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "", "Unauthorized")
		return
	}

	action, err := models.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusNotFound, exchange.KindNotFound, "unknown trade action")
		return
	}

	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, "Invalid request body")
		return
	}
	commodity, err := models.ParseCommodity(req.Commodity)
	if err != nil {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, "invalid commodity specified")
		return
	}

	if (req.TriggerPrice == nil) != (req.Type == nil) {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, "trigger_price and type must be given together")
		return
	}
	if req.TriggerPrice != nil {
		h.placePendingOrder(w, r, userID, commodity, action, req)
		return
	}
	h.placeMarketOrder(w, r, userID, commodity, action, req)
}

func (h *Handler) placeMarketOrder(w http.ResponseWriter, r *http.Request, userID int, c models.Commodity, a models.Action, req tradeRequest) {
	var price decimal.Decimal
	if req.Price != nil {
		price = *req.Price
	} else {
		q, ok := h.Feed.Board().Get(c)
		if !ok {
			writeError(w, http.StatusBadRequest, exchange.KindValidation, "price is required: no quote available for "+c.String())
			return
		}
		price = q.PriceFor(a)
	}

	exec, err := h.Exchange.Execute(r.Context(), exchange.MarketOrder{
		UserID:    userID,
		Commodity: c,
		Action:    a,
		Quantity:  req.Quantity,
		Price:     price,
	})
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  tradeMessage(a),
		"trade":    exec.Trade,
		"holdings": exec.Holdings,
	})
}

func tradeMessage(a models.Action) string {
	if a == models.Sell {
		return "Sell trade successful."
	}
	return "Buy trade successful."
}

func (h *Handler) placePendingOrder(w http.ResponseWriter, r *http.Request, userID int, c models.Commodity, a models.Action, req tradeRequest) {
	kind, err := models.ParseOrderKind(*req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, "invalid order type specified (must be 'Limit' or 'StopLoss')")
		return
	}

	order, err := h.Exchange.Admit(r.Context(), exchange.PendingOrderRequest{
		UserID:       userID,
		Commodity:    c,
		Action:       a,
		Quantity:     req.Quantity,
		TriggerPrice: *req.TriggerPrice,
		Kind:         kind,
	})
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Order placed successfully.",
		"order":   order,
	})
}

// GetHoldings returns the user's cash and positions
func (h *Handler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "", "Unauthorized")
		return
	}

	holdings, err := h.Exchange.Holdings(r.Context(), userID)
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "", "Unauthorized")
		return
	}

	trades, err := h.Exchange.TradeHistory(r.Context(), userID)
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPendingOrders retrieves the user's orders still waiting for a trigger
func (h *Handler) GetPendingOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "", "Unauthorized")
		return
	}

	orders, err := h.Exchange.PendingOrders(r.Context(), userID)
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder cancels a pending order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "", "Unauthorized")
		return
	}

	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, "Invalid order ID")
		return
	}

	order, err := h.Exchange.Cancel(r.Context(), userID, orderID)
	if err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Order canceled",
		"order":   order,
	})
}

// DeleteAccount removes the user and everything it owns
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "", "Unauthorized")
		return
	}

	if err := h.AuthService.DeleteAccount(r.Context(), userID); err != nil {
		h.writeExchangeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Account deleted"})
}

// PushQuote accepts a quote from the price collaborator and hands it to the feed
func (h *Handler) PushQuote(w http.ResponseWriter, r *http.Request) {
	var q pricefeed.Quote
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, "Invalid request body")
		return
	}

	q, err := h.Feed.Publish(q, "http")
	if err != nil {
		writeError(w, http.StatusBadRequest, exchange.KindValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, q)
}

// GetPrices returns the latest quote per commodity
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Feed.Board().Snapshot())
}
