// ws.go is the gorilla/websocket venue stream behind the runner's Factory.
// A read deadline catches silent server failures; a ping loop keeps the
// connection alive. Reconnection is the runner's job — this type represents
// exactly one connection's lifetime.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tradekernel/pkg/types"
)

const (
	pingInterval = 50 * time.Second
	readTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout = 10 * time.Second
	updateBuffer = 256
)

// WSStream is one live websocket connection implementing Stream.
type WSStream struct {
	conn    *websocket.Conn
	updates chan types.OrderUpdate
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// Dial opens a websocket user stream and starts its read loop.
// Use as a Factory: stream.Dial(url, logger).
func Dial(url string, logger *slog.Logger) Factory {
	log := logger.With("component", "ws")
	return func(ctx context.Context) (Stream, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}

		sctx, cancel := context.WithCancel(ctx)
		s := &WSStream{
			conn:    conn,
			updates: make(chan types.OrderUpdate, updateBuffer),
			cancel:  cancel,
			logger:  log,
		}
		go s.readLoop(sctx)
		go s.pingLoop(sctx)
		return s, nil
	}
}

// Updates returns the update channel; closed when the connection dies.
func (s *WSStream) Updates() <-chan types.OrderUpdate { return s.updates }

// Close tears down the connection.
func (s *WSStream) Close() error {
	s.cancel()
	return s.conn.Close()
}

func (s *WSStream) readLoop(ctx context.Context) {
	defer close(s.updates)
	defer s.conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Warn("read failed", "error", err)
			return
		}
		s.dispatch(msg)
	}
}

// dispatch decodes one execution-report message into an OrderUpdate.
func (s *WSStream) dispatch(data []byte) {
	var raw struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Status    string `json:"X"`
		AvgPrice  string `json:"ap"`
		Qty       string `json:"l"`
		OrderID   int64  `json:"i"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Debug("ignoring non-json ws message")
		return
	}
	if raw.EventType != "executionReport" && raw.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	upd := types.OrderUpdate{
		Symbol:   raw.Symbol,
		Side:     types.Side(raw.Side),
		Status:   raw.Status,
		AvgPrice: parseF(raw.AvgPrice),
		Qty:      parseF(raw.Qty),
		OrderID:  fmt.Sprintf("%d", raw.OrderID),
		Ts:       time.UnixMilli(raw.EventTime),
	}

	select {
	case s.updates <- upd:
	default:
		s.logger.Warn("update channel full, dropping event", "symbol", upd.Symbol)
	}
}

func (s *WSStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
