// Package router defines the venue capability set the kernel depends on
// and the registry that maps qualified symbols to adapters.
//
// Symbols are "qualified" with a venue suffix ("BTCUSDT.BINANCE"); the
// registry strips the suffix, picks the adapter, and the adapter sees the
// bare venue symbol. Optional capabilities (preferred quote) are separate
// interfaces checked by assertion before use.
package router

import (
	"context"
	"errors"
	"strings"

	"tradekernel/pkg/types"
)

// VenueClient is the mandatory capability set of a venue adapter.
type VenueClient interface {
	// GetLastPrice returns the last traded price, or an error when the
	// venue has no mark for the symbol.
	GetLastPrice(ctx context.Context, symbol string) (float64, error)

	// PlaceMarket submits a market order. Exactly one of quoteUSD or qty
	// should be non-zero; quoteUSD wins when both are.
	PlaceMarket(ctx context.Context, symbol string, side types.Side, quoteUSD, qty float64, clientOrderID string) (types.OrderResult, error)

	// PlaceReduceOnlyLimit submits a reduce-only limit order (bracket TP,
	// depeg exits).
	PlaceReduceOnlyLimit(ctx context.Context, symbol string, side types.Side, qty, limitPx float64) (types.OrderResult, error)

	// AmendStopReduceOnly moves (or creates) the reduce-only stop for a
	// position. Callers gate this behind the allow-stop-amend flag.
	AmendStopReduceOnly(ctx context.Context, symbol string, side types.Side, stopPx, qty float64) (types.OrderResult, error)

	ListPositions(ctx context.Context) ([]types.Position, error)
	ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error)

	// SetTradingEnabled flips the adapter's local gate; a disabled adapter
	// rejects mutating calls.
	SetTradingEnabled(enabled bool)

	// Venue returns the adapter's venue suffix.
	Venue() string
}

// QuoteSwitcher is the optional capability to change the preferred quote
// asset (used by the depeg guard).
type QuoteSwitcher interface {
	SetPreferredQuote(asset string)
}

// ErrUnknownVenue is returned when no adapter serves a symbol's venue.
var ErrUnknownVenue = errors.New("router: unknown venue")

// ErrTradingDisabled is returned by adapters whose trading gate is off.
var ErrTradingDisabled = errors.New("router: trading disabled")

// Registry resolves qualified symbols to venue adapters.
type Registry struct {
	adapters     map[string]VenueClient // venue suffix -> adapter
	symbolMap    map[string]string      // bare symbol -> venue suffix
	defaultVenue string
}

// NewRegistry creates a registry. symbolMap overrides the default venue
// per bare symbol; both keys and values are upper-cased.
func NewRegistry(defaultVenue string, symbolMap map[string]string) *Registry {
	sm := make(map[string]string, len(symbolMap))
	for k, v := range symbolMap {
		sm[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return &Registry{
		adapters:     make(map[string]VenueClient),
		symbolMap:    sm,
		defaultVenue: strings.ToUpper(defaultVenue),
	}
}

// Register adds an adapter under its venue suffix.
func (r *Registry) Register(c VenueClient) {
	r.adapters[strings.ToUpper(c.Venue())] = c
}

// Resolve returns the adapter and bare symbol for a possibly-qualified
// symbol.
func (r *Registry) Resolve(symbol string) (VenueClient, string, error) {
	base, venue := SplitQualified(symbol)
	if venue == "" {
		if v, ok := r.symbolMap[base]; ok {
			venue = v
		} else {
			venue = r.defaultVenue
		}
	}
	c, ok := r.adapters[venue]
	if !ok {
		return nil, "", ErrUnknownVenue
	}
	return c, base, nil
}

// Adapters returns all registered adapters.
func (r *Registry) Adapters() []VenueClient {
	out := make([]VenueClient, 0, len(r.adapters))
	for _, c := range r.adapters {
		out = append(out, c)
	}
	return out
}

// SetTradingEnabled flips the gate on every registered adapter.
func (r *Registry) SetTradingEnabled(enabled bool) {
	for _, c := range r.adapters {
		c.SetTradingEnabled(enabled)
	}
}

// SplitQualified splits "BTCUSDT.BINANCE" into ("BTCUSDT", "BINANCE").
// An unqualified symbol returns an empty venue.
func SplitQualified(symbol string) (base, venue string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Qualify joins a bare symbol with a venue suffix.
func Qualify(base, venue string) string {
	return strings.ToUpper(base) + "." + strings.ToUpper(venue)
}
