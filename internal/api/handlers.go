package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/fracex/internal/auth"
	"github.com/xtrntr/fracex/internal/exchange"
	"github.com/xtrntr/fracex/internal/ledger"
	"github.com/xtrntr/fracex/internal/models"
	"github.com/xtrntr/fracex/internal/pricing"
)

const defaultBookDepth = 10

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated caller set by JWTAuthMiddleware
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange *exchange.Exchange
	Pricing  *pricing.Engine
	Verifier *auth.Verifier
	log      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, pricer *pricing.Engine, verifier *auth.Verifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Exchange: ex, Pricing: pricer, Verifier: verifier, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps an exchange error to a status code
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, exchange.ErrInvalidOrder):
		status = http.StatusBadRequest
	case errors.Is(err, exchange.ErrAssetNotFound),
		errors.Is(err, exchange.ErrOrderNotFound),
		errors.Is(err, pricing.ErrAssetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, exchange.ErrInvalidOrderState),
		errors.Is(err, ledger.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, exchange.ErrInsufficientHoldings),
		errors.Is(err, exchange.ErrAssetNotTradable):
		status = http.StatusUnprocessableEntity
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeError(w, status, err.Error())
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.Verifier.UserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

type placeOrderRequest struct {
	AssetID     uuid.UUID          `json:"asset_id"`
	Side        models.Side        `json:"side"`
	Type        models.OrderType   `json:"order_type"`
	Quantity    decimal.Decimal    `json:"quantity"`
	Price       decimal.Decimal    `json:"price"`
	TimeInForce models.TimeInForce `json:"time_in_force"`
}

// PlaceOrder accepts an order; matching runs asynchronously
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.Exchange.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		UserID:      userID,
		AssetID:     req.AssetID,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Price:       req.Price,
		TimeInForce: req.TimeInForce,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.Exchange.UserOrders(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	orderID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.Exchange.UserTrades(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPortfolio lists the caller's positions
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	positions, err := h.Exchange.Portfolio(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []models.Portfolio{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetWallet returns the caller's cash balance
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	wallet, err := h.Exchange.Wallet(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListAssets lists every asset
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.Exchange.Assets(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset returns one asset
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	assetID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	asset, err := h.Exchange.Asset(r.Context(), assetID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// GetOrderBook returns aggregated price levels for an asset
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	assetID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	depth := defaultBookDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid depth")
			return
		}
		depth = n
	}

	snap, err := h.Exchange.GetOrderBook(r.Context(), assetID, depth)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPrice computes the model price for an asset without applying it
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	assetID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	res, err := h.Pricing.CalculatePrice(r.Context(), assetID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
