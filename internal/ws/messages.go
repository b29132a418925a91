// Package ws holds WebSocket message types and the Hub implementation.
// messages.go defines every frame exchanged with connected clients.
package ws

import (
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/history"
	"github.com/evetabi/strikemarket/internal/service"
)

// MsgType identifies the kind of WS message so clients can switch on it.
type MsgType string

const (
	// server → client
	MsgTypeSubscribed MsgType = "subscribed"
	MsgTypeState      MsgType = "market_state"
	MsgTypeSeries     MsgType = "position_series"
	MsgTypePosition   MsgType = "position"
	MsgTypeError      MsgType = "error"

	// client → server
	MsgTypeSubscribe   MsgType = "subscribe"
	MsgTypeUnsubscribe MsgType = "unsubscribe"
)

// ──────────────────────────────────────────────────────────────────────────────
// Inbound
// ──────────────────────────────────────────────────────────────────────────────

// ClientMessage is the only frame clients send. A client follows at most
// one market; subscribing to another releases the previous one.
type ClientMessage struct {
	Type     MsgType         `json:"type"`
	MarketID domain.MarketID `json:"market_id,omitempty"`
}

// ──────────────────────────────────────────────────────────────────────────────
// SubscribedMessage: acknowledges a subscription.
// ──────────────────────────────────────────────────────────────────────────────

// SubscribedMessage confirms which market the client now follows and which
// snapshot source feeds its series ("log" or "poll").
type SubscribedMessage struct {
	Type      MsgType         `json:"type"`
	MarketID  domain.MarketID `json:"market_id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// StateMessage: sent whenever the view observes a phase or pool change.
// ──────────────────────────────────────────────────────────────────────────────

// StateMessage carries market details, pool totals, percentages and gates.
type StateMessage struct {
	Type     MsgType              `json:"type"`
	MarketID domain.MarketID      `json:"market_id"`
	Summary  domain.MarketSummary `json:"summary"`
}

// ──────────────────────────────────────────────────────────────────────────────
// SeriesMessage: sent on every history refresh.
// ──────────────────────────────────────────────────────────────────────────────

// SeriesMessage carries the full reconstructed position series.
type SeriesMessage struct {
	Type      MsgType         `json:"type"`
	MarketID  domain.MarketID `json:"market_id"`
	Points    []history.Point `json:"points"`
	Timestamp time.Time       `json:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// PositionMessage: sent once per subscription to authenticated clients.
// ──────────────────────────────────────────────────────────────────────────────

// PositionMessage carries the caller's stake and claim state.
type PositionMessage struct {
	Type     MsgType                `json:"type"`
	MarketID domain.MarketID        `json:"market_id"`
	Report   service.PositionReport `json:"report"`
}

// ──────────────────────────────────────────────────────────────────────────────
// ErrorMessage: sent to a single client on a non-fatal error.
// ──────────────────────────────────────────────────────────────────────────────

// ErrorMessage is sent directly to one client (not broadcast).
type ErrorMessage struct {
	Type    MsgType `json:"type"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
}
