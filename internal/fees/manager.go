// Package fees keeps the fee-discount asset balance topped up. Each sweep
// values the fee asset at its USD mark; when the value drops under the
// threshold and the minimum interval since the last topup has elapsed, it
// places an immediate-or-cancel limit buy for topup_amount_usd worth.
// Kill-switch and trading-gate enforcement is the router's job — a
// disabled adapter rejects the order.
package fees

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradekernel/pkg/types"
)

// Venue is the adapter surface the sweep needs; the spot adapter
// satisfies it (fee assets live on spot).
type Venue interface {
	PreferredQuote() string
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
	Balance(ctx context.Context, asset string) (float64, error)
	PlaceIOCLimit(ctx context.Context, symbol string, side types.Side, qty, limitPx float64) (types.OrderResult, error)
}

// Config mirrors the fee-manager knobs.
type Config struct {
	Asset             string // e.g. "BNB"
	TopupThresholdUSD float64
	TopupAmountUSD    float64
	MinTopupInterval  time.Duration
}

// Manager runs the periodic balance check.
type Manager struct {
	cfg    Config
	venue  Venue
	logger *slog.Logger

	mu        sync.Mutex
	lastTopup time.Time
	now       func() time.Time
}

// New creates a manager.
func New(cfg Config, venue Venue, logger *slog.Logger) *Manager {
	if cfg.Asset == "" {
		cfg.Asset = "BNB"
	}
	return &Manager{
		cfg:    cfg,
		venue:  venue,
		logger: logger.With("component", "fees"),
		now:    time.Now,
	}
}

// Sweep performs one balance check and topup attempt. Scheduled by cron;
// errors are logged and swallowed so the schedule keeps running.
func (m *Manager) Sweep(ctx context.Context) {
	symbol := m.cfg.Asset + m.venue.PreferredQuote()

	mark, err := m.venue.GetLastPrice(ctx, symbol)
	if err != nil || mark <= 0 {
		m.logger.Warn("fee sweep: no mark", "symbol", symbol, "error", err)
		return
	}

	bal, err := m.venue.Balance(ctx, m.cfg.Asset)
	if err != nil {
		m.logger.Warn("fee sweep: balance fetch failed", "error", err)
		return
	}

	valueUSD := bal * mark
	if valueUSD >= m.cfg.TopupThresholdUSD {
		return
	}

	m.mu.Lock()
	since := m.now().Sub(m.lastTopup)
	m.mu.Unlock()
	if since < m.cfg.MinTopupInterval {
		m.logger.Debug("fee sweep: below threshold but inside min interval",
			"value_usd", valueUSD, "since_last", since)
		return
	}

	qty := m.cfg.TopupAmountUSD / mark
	res, err := m.venue.PlaceIOCLimit(ctx, symbol, types.BUY, qty, mark)
	if err != nil {
		m.logger.Warn("fee topup rejected", "symbol", symbol, "qty", qty, "error", err)
		return
	}

	m.mu.Lock()
	m.lastTopup = m.now()
	m.mu.Unlock()

	m.logger.Info("fee topup placed",
		"symbol", symbol,
		"qty", qty,
		"value_usd", valueUSD,
		"order_id", res.OrderID,
	)
}
