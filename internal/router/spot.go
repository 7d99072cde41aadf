// spot.go is the spot-venue adapter (Binance spot style REST). Spot has no
// native reduce-only flag; reduce-only intents become plain limit orders
// capped by the held balance on the venue side. The adapter also carries
// the preferred-quote capability used by the depeg guard.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradekernel/pkg/types"
)

// Spot is the spot venue adapter. Implements VenueClient and QuoteSwitcher.
type Spot struct {
	rest   *restClient
	rl     *RateLimiter
	venue  string
	dryRun bool
	logger *slog.Logger

	quoteMu        sync.RWMutex
	preferredQuote string
}

// NewSpot creates a spot adapter.
func NewSpot(venue, baseURL, apiKey, apiSecret string, timeout time.Duration, dryRun bool, logger *slog.Logger) *Spot {
	return &Spot{
		rest:           newRESTClient(baseURL, apiKey, apiSecret, timeout),
		rl:             NewRateLimiter(),
		venue:          venue,
		dryRun:         dryRun,
		logger:         logger.With("component", "venue_spot", "venue", venue),
		preferredQuote: "USDT",
	}
}

// Venue returns the adapter's venue suffix.
func (s *Spot) Venue() string { return s.venue }

// SetTradingEnabled flips the local trading gate.
func (s *Spot) SetTradingEnabled(enabled bool) {
	s.rest.enabled.Store(enabled)
	s.logger.Info("trading gate changed", "enabled", enabled)
}

// SetPreferredQuote switches the quote asset used for quote-notional
// conversions ("USDT" → "USDC" during a depeg).
func (s *Spot) SetPreferredQuote(asset string) {
	s.quoteMu.Lock()
	s.preferredQuote = asset
	s.quoteMu.Unlock()
	s.logger.Warn("preferred quote switched", "asset", asset)
}

// PreferredQuote returns the current preferred quote asset.
func (s *Spot) PreferredQuote() string {
	s.quoteMu.RLock()
	defer s.quoteMu.RUnlock()
	return s.preferredQuote
}

// GetLastPrice fetches the last traded price for a bare symbol.
func (s *Spot) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	if err := s.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	var out struct {
		Price string `json:"price"`
	}
	resp, err := s.rest.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/api/v3/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("last price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, s.venueErr(resp.StatusCode(), resp.Body())
	}
	return strconv.ParseFloat(out.Price, 64)
}

// PlaceMarket submits a market order, using the venue's native
// quote-notional parameter when the intent is quote-sized.
func (s *Spot) PlaceMarket(ctx context.Context, symbol string, side types.Side, quoteUSD, qty float64, clientOrderID string) (types.OrderResult, error) {
	if !s.rest.enabled.Load() {
		return types.OrderResult{Status: types.OrderRejected, Venue: s.venue}, ErrTradingDisabled
	}
	if clientOrderID == "" {
		clientOrderID = "tk-" + uuid.NewString()
	}

	if s.dryRun {
		px, err := s.GetLastPrice(ctx, symbol)
		if err != nil {
			px = 0
		}
		filled := qty
		if quoteUSD > 0 && px > 0 {
			filled = quoteUSD / px
		}
		s.logger.Info("dry-run market order", "symbol", symbol, "side", side, "qty", filled)
		return types.OrderResult{
			Status: types.OrderFilled, AvgFillPrice: px, FilledQty: filled,
			OrderID: clientOrderID, Venue: s.venue,
		}, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("newClientOrderId", clientOrderID)
	if quoteUSD > 0 {
		params.Set("quoteOrderQty", fmtQty(quoteUSD))
	} else {
		params.Set("quantity", fmtQty(roundToStep(qty, 0.00001)))
	}

	return s.submit(ctx, params)
}

// PlaceReduceOnlyLimit submits a limit order intended to reduce a holding.
// Also used by the fee manager with IOC semantics via PlaceIOCLimit.
func (s *Spot) PlaceReduceOnlyLimit(ctx context.Context, symbol string, side types.Side, qty, limitPx float64) (types.OrderResult, error) {
	return s.placeLimit(ctx, symbol, side, qty, limitPx, "GTC")
}

// PlaceIOCLimit submits an immediate-or-cancel limit order (fee topups).
func (s *Spot) PlaceIOCLimit(ctx context.Context, symbol string, side types.Side, qty, limitPx float64) (types.OrderResult, error) {
	return s.placeLimit(ctx, symbol, side, qty, limitPx, "IOC")
}

func (s *Spot) placeLimit(ctx context.Context, symbol string, side types.Side, qty, limitPx float64, tif string) (types.OrderResult, error) {
	if !s.rest.enabled.Load() {
		return types.OrderResult{Status: types.OrderRejected, Venue: s.venue}, ErrTradingDisabled
	}

	qty = roundToStep(qty, 0.00001)
	limitPx = roundToTick(limitPx, 0.01)

	if s.dryRun {
		s.logger.Info("dry-run limit order", "symbol", symbol, "side", side, "qty", qty, "px", limitPx, "tif", tif)
		return types.OrderResult{
			Status: types.OrderAccepted, OrderID: "tk-" + uuid.NewString(), Venue: s.venue,
		}, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", tif)
	params.Set("quantity", fmtQty(qty))
	params.Set("price", fmtQty(limitPx))

	return s.submit(ctx, params)
}

// AmendStopReduceOnly places a stop-loss-limit order. Spot venues have no
// amend; callers replace by cancelling first when needed.
func (s *Spot) AmendStopReduceOnly(ctx context.Context, symbol string, side types.Side, stopPx, qty float64) (types.OrderResult, error) {
	if !s.rest.enabled.Load() {
		return types.OrderResult{Status: types.OrderRejected, Venue: s.venue}, ErrTradingDisabled
	}

	qty = roundToStep(qty, 0.00001)
	stopPx = roundToTick(stopPx, 0.01)

	if s.dryRun {
		s.logger.Info("dry-run stop order", "symbol", symbol, "side", side, "stop", stopPx)
		return types.OrderResult{
			Status: types.OrderAccepted, OrderID: "tk-" + uuid.NewString(), Venue: s.venue,
		}, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "STOP_LOSS_LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", fmtQty(qty))
	params.Set("stopPrice", fmtQty(stopPx))
	params.Set("price", fmtQty(stopPx))

	return s.submit(ctx, params)
}

// ListPositions reports non-zero balances as positions. Spot has no entry
// price; AvgPrice is zero.
func (s *Spot) ListPositions(ctx context.Context) ([]types.Position, error) {
	if err := s.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	if s.dryRun {
		return nil, nil
	}

	var out struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	resp, err := s.rest.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(s.rest.sign(url.Values{})).
		SetResult(&out).
		Get("/api/v3/account")
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, s.venueErr(resp.StatusCode(), resp.Body())
	}

	var positions []types.Position
	for _, b := range out.Balances {
		qty, _ := strconv.ParseFloat(b.Free, 64)
		if qty == 0 {
			continue
		}
		positions = append(positions, types.Position{Symbol: b.Asset, Qty: qty})
	}
	return positions, nil
}

// Balance returns the free balance of one asset.
func (s *Spot) Balance(ctx context.Context, asset string) (float64, error) {
	positions, err := s.ListPositions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == asset {
			return p.Qty, nil
		}
	}
	return 0, nil
}

// ListOpenOrders returns all resting spot orders.
func (s *Spot) ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if err := s.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	if s.dryRun {
		return nil, nil
	}

	var out []struct {
		Symbol  string `json:"symbol"`
		Side    string `json:"side"`
		Price   string `json:"price"`
		OrigQty string `json:"origQty"`
		OrderID int64  `json:"orderId"`
	}
	resp, err := s.rest.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(s.rest.sign(url.Values{})).
		SetResult(&out).
		Get("/api/v3/openOrders")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, s.venueErr(resp.StatusCode(), resp.Body())
	}

	orders := make([]types.OpenOrder, 0, len(out))
	for _, o := range out {
		px, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQty, 64)
		orders = append(orders, types.OpenOrder{
			Symbol: o.Symbol, Side: types.Side(o.Side),
			Price: px, Qty: qty,
			OrderID: strconv.FormatInt(o.OrderID, 10),
		})
	}
	return orders, nil
}

func (s *Spot) submit(ctx context.Context, params url.Values) (types.OrderResult, error) {
	if err := s.rl.Order.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	var out struct {
		OrderID             int64  `json:"orderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	resp, err := s.rest.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(s.rest.sign(params)).
		SetResult(&out).
		Post("/api/v3/order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{}, s.venueErr(resp.StatusCode(), resp.Body())
	}

	qty, _ := strconv.ParseFloat(out.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(out.CummulativeQuoteQty, 64)
	var avg float64
	if qty > 0 {
		avg = quote / qty
	}

	status := types.OrderAccepted
	if out.Status == "FILLED" {
		status = types.OrderFilled
	}
	return types.OrderResult{
		Status: status, AvgFillPrice: avg, FilledQty: qty,
		OrderID: strconv.FormatInt(out.OrderID, 10), Venue: s.venue,
	}, nil
}

func (s *Spot) venueErr(status int, body []byte) error {
	return &venueError{Venue: s.venue, Status: status, Msg: string(body)}
}
