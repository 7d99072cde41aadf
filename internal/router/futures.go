// futures.go is the futures-venue adapter (Binance USDⓈ-M style REST).
// It supports reduce-only orders natively, which the bracket governor and
// the depeg exit path rely on.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tradekernel/pkg/types"
)

// Futures is the futures venue adapter.
type Futures struct {
	rest   *restClient
	rl     *RateLimiter
	venue  string
	dryRun bool
	logger *slog.Logger
}

// NewFutures creates a futures adapter. In dry-run mode mutating calls
// return synthetic fills without touching the venue.
func NewFutures(venue, baseURL, apiKey, apiSecret string, timeout time.Duration, dryRun bool, logger *slog.Logger) *Futures {
	return &Futures{
		rest:   newRESTClient(baseURL, apiKey, apiSecret, timeout),
		rl:     NewRateLimiter(),
		venue:  venue,
		dryRun: dryRun,
		logger: logger.With("component", "venue_futures", "venue", venue),
	}
}

// Venue returns the adapter's venue suffix.
func (f *Futures) Venue() string { return f.venue }

// SetTradingEnabled flips the local trading gate.
func (f *Futures) SetTradingEnabled(enabled bool) {
	f.rest.enabled.Store(enabled)
	f.logger.Info("trading gate changed", "enabled", enabled)
}

// GetLastPrice fetches the last traded price for a bare symbol.
func (f *Futures) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	if err := f.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	var out struct {
		Price string `json:"price"`
	}
	resp, err := f.rest.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/fapi/v1/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("last price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, f.venueErr(resp.StatusCode(), resp.Body())
	}
	return strconv.ParseFloat(out.Price, 64)
}

// PlaceMarket submits a market order. A quote-notional intent is converted
// to base quantity at the last price before submission.
func (f *Futures) PlaceMarket(ctx context.Context, symbol string, side types.Side, quoteUSD, qty float64, clientOrderID string) (types.OrderResult, error) {
	if !f.rest.enabled.Load() {
		return types.OrderResult{Status: types.OrderRejected, Venue: f.venue}, ErrTradingDisabled
	}

	px, err := f.GetLastPrice(ctx, symbol)
	if err != nil {
		return types.OrderResult{}, err
	}
	if quoteUSD > 0 {
		qty = quoteUSD / px
	}
	qty = roundToStep(qty, 0.001)
	if qty <= 0 {
		return types.OrderResult{}, fmt.Errorf("qty rounds to zero for %s", symbol)
	}
	if clientOrderID == "" {
		clientOrderID = "tk-" + uuid.NewString()
	}

	if f.dryRun {
		f.logger.Info("dry-run market order", "symbol", symbol, "side", side, "qty", qty)
		return types.OrderResult{
			Status: types.OrderFilled, AvgFillPrice: px, FilledQty: qty,
			OrderID: clientOrderID, Venue: f.venue,
		}, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", fmtQty(qty))
	params.Set("newClientOrderId", clientOrderID)
	params.Set("newOrderRespType", "RESULT")

	return f.submit(ctx, params)
}

// PlaceReduceOnlyLimit submits a reduce-only GTC limit order.
func (f *Futures) PlaceReduceOnlyLimit(ctx context.Context, symbol string, side types.Side, qty, limitPx float64) (types.OrderResult, error) {
	if !f.rest.enabled.Load() {
		return types.OrderResult{Status: types.OrderRejected, Venue: f.venue}, ErrTradingDisabled
	}

	qty = roundToStep(qty, 0.001)
	limitPx = roundToTick(limitPx, 0.01)

	if f.dryRun {
		f.logger.Info("dry-run reduce-only limit", "symbol", symbol, "side", side, "qty", qty, "px", limitPx)
		return types.OrderResult{
			Status: types.OrderAccepted, FilledQty: 0,
			OrderID: "tk-" + uuid.NewString(), Venue: f.venue,
		}, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", fmtQty(qty))
	params.Set("price", fmtQty(limitPx))
	params.Set("reduceOnly", "true")

	return f.submit(ctx, params)
}

// AmendStopReduceOnly places (or replaces) the reduce-only stop-market
// order protecting a position.
func (f *Futures) AmendStopReduceOnly(ctx context.Context, symbol string, side types.Side, stopPx, qty float64) (types.OrderResult, error) {
	if !f.rest.enabled.Load() {
		return types.OrderResult{Status: types.OrderRejected, Venue: f.venue}, ErrTradingDisabled
	}

	qty = roundToStep(qty, 0.001)
	stopPx = roundToTick(stopPx, 0.01)

	if f.dryRun {
		f.logger.Info("dry-run stop amend", "symbol", symbol, "side", side, "stop", stopPx)
		return types.OrderResult{
			Status:  types.OrderAccepted,
			OrderID: "tk-" + uuid.NewString(), Venue: f.venue,
		}, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "STOP_MARKET")
	params.Set("stopPrice", fmtQty(stopPx))
	params.Set("quantity", fmtQty(qty))
	params.Set("reduceOnly", "true")

	return f.submit(ctx, params)
}

// ListPositions returns all non-flat positions.
func (f *Futures) ListPositions(ctx context.Context) ([]types.Position, error) {
	if err := f.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	if f.dryRun {
		return nil, nil
	}

	var out []struct {
		Symbol     string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice string `json:"entryPrice"`
	}
	resp, err := f.rest.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(f.rest.sign(url.Values{})).
		SetResult(&out).
		Get("/fapi/v2/positionRisk")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, f.venueErr(resp.StatusCode(), resp.Body())
	}

	var positions []types.Position
	for _, p := range out {
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		avg, _ := strconv.ParseFloat(p.EntryPrice, 64)
		positions = append(positions, types.Position{Symbol: p.Symbol, Qty: qty, AvgPrice: avg})
	}
	return positions, nil
}

// ListOpenOrders returns all resting orders.
func (f *Futures) ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if err := f.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	if f.dryRun {
		return nil, nil
	}

	var out []struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Price    string `json:"price"`
		OrigQty  string `json:"origQty"`
		OrderID  int64  `json:"orderId"`
	}
	resp, err := f.rest.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(f.rest.sign(url.Values{})).
		SetResult(&out).
		Get("/fapi/v1/openOrders")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, f.venueErr(resp.StatusCode(), resp.Body())
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

// submit signs and posts an order, mapping the venue response to OrderResult.
func (f *Futures) submit(ctx context.Context, params url.Values) (types.OrderResult, error) {
	if err := f.rl.Order.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	var out struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
	}
	resp, err := f.rest.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(f.rest.sign(params)).
		SetResult(&out).
		Post("/fapi/v1/order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{}, f.venueErr(resp.StatusCode(), resp.Body())
	}

	avg, _ := strconv.ParseFloat(out.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(out.ExecutedQty, 64)

	status := types.OrderAccepted
	if out.Status == "FILLED" {
		status = types.OrderFilled
	}
	return types.OrderResult{
		Status: status, AvgFillPrice: avg, FilledQty: qty,
		OrderID: strconv.FormatInt(out.OrderID, 10), Venue: f.venue,
	}, nil
}

func (f *Futures) venueErr(status int, body []byte) error {
	e := &venueError{Venue: f.venue, Status: status}
	e.Msg = string(body)
	return e
}
