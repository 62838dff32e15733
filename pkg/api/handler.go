package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	maxUserIDLen   = 255
	maxRequestBody = 4 << 10
)

var intervalOrder = []subsync.BillingInterval{
	subsync.IntervalDay,
	subsync.IntervalWeek,
	subsync.IntervalMonth,
	subsync.IntervalYear,
}

var validate = validator.New()

var (
	errUnauthenticated = errors.New("user ID not found")
	errInvalidUserID   = errors.New("invalid user ID format")
)

// Handler provides the HTTP endpoints a billing page needs
type Handler struct {
	config Config
}

// Routes returns a mux serving every endpoint under /api.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pricing", h.GetPricing)
	mux.HandleFunc("GET /api/subscription", h.GetSubscription)
	mux.HandleFunc("POST /api/subscription/sync", h.SyncSubscription)
	mux.HandleFunc("POST /api/checkout", h.CreateCheckout)
	mux.HandleFunc("POST /api/portal", h.CreatePortal)
	return mux
}

// GetPricing returns active products that have active prices. Prices are
// sorted by unit amount. No user is required.
func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	products, err := h.config.Storage.ListProducts(ctx)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list products: %w", err), http.StatusInternalServerError)
		return
	}
	prices, err := h.config.Storage.ListPrices(ctx)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list prices: %w", err), http.StatusInternalServerError)
		return
	}

	byProduct := make(map[string][]PriceView)
	intervals := make(map[subsync.BillingInterval]bool)
	for _, price := range prices {
		if !price.Active {
			continue
		}
		byProduct[price.ProductID] = append(byProduct[price.ProductID], priceView(price))
		if price.Type == subsync.PriceTypeRecurring && price.Interval != "" {
			intervals[price.Interval] = true
		}
	}

	response := PricingResponse{
		Products:  make([]ProductPricing, 0, len(products)),
		Intervals: make([]subsync.BillingInterval, 0, len(intervals)),
	}
	for _, product := range products {
		views := byProduct[product.ID]
		if !product.Active || len(views) == 0 {
			continue
		}
		sort.SliceStable(views, func(i, j int) bool { return views[i].UnitAmount < views[j].UnitAmount })
		pp := productView(product)
		pp.Prices = views
		response.Products = append(response.Products, pp)
	}
	for _, interval := range intervalOrder {
		if intervals[interval] {
			response.Intervals = append(response.Intervals, interval)
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// GetSubscription returns the caller's entitled subscription with its
// price and product, or 404 when the user has none.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	sub, err := subsync.ActiveSubscription(ctx, h.config.Storage, userID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	response := SubscriptionResponse{
		ID:                sub.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		TrialEnd:          sub.TrialEnd,
	}
	// Catalog lookups are best effort; a subscription whose price was
	// deleted is still returned.
	if ids := sub.PriceIDs(); len(ids) > 0 {
		if price, err := h.config.Storage.GetPrice(ctx, ids[0]); err == nil {
			pv := priceView(price)
			response.Price = &pv
			if product, err := h.config.Storage.GetProduct(ctx, price.ProductID); err == nil {
				pp := productView(product)
				response.Product = &pp
			}
		} else if !subsync.IsNotFound(err) {
			h.config.Logger.Warn("subscription price lookup failed",
				subsync.Field{Key: "subscription_id", Value: sub.ID},
				subsync.ErrorField(err),
			)
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// SyncSubscription re-reads the caller's subscriptions from the provider.
func (h *Handler) SyncSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.config.Provider.SyncCustomer(r.Context(), userID); err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateCheckout starts a checkout session for the requested price.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request: %w", err), http.StatusBadRequest)
		return
	}

	var email string
	if h.config.GetEmail != nil {
		email = h.config.GetEmail(r)
	}

	url, err := h.config.Provider.CheckoutURL(r.Context(), userID, email, req.PriceID,
		h.config.SuccessURL, h.config.CancelURL)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CreatePortal opens a billing portal session for the caller.
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	url, err := h.config.Provider.PortalURL(r.Context(), userID, h.config.ReturnURL)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// userID extracts and checks the caller's id, writing the error response
// when it is unusable.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUnauthenticated, http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, errInvalidUserID, http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func priceView(p *subsync.Price) PriceView {
	return PriceView{
		ID:              p.ID,
		ProductID:       p.ProductID,
		Currency:        p.Currency,
		UnitAmount:      p.UnitAmount,
		Type:            p.Type,
		Interval:        p.Interval,
		IntervalCount:   p.IntervalCount,
		TrialPeriodDays: p.TrialPeriodDays,
	}
}

func productView(p *subsync.Product) ProductPricing {
	return ProductPricing{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Image:       p.Image,
		Metadata:    p.Metadata,
	}
}

// statusFor maps storage and provider errors to a response status.
func statusFor(err error) int {
	switch {
	case subsync.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrPriceInactive):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrProviderNotConfigured), errors.Is(err, subsync.ErrStorageUnavailable),
		errors.Is(err, subsync.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Response already started; nothing useful to do with an encode error
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			subsync.Field{Key: "path", Value: r.URL.Path},
			subsync.Field{Key: "status", Value: statusCode},
			subsync.ErrorField(err),
		)
	}

	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
