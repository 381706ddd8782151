package core

import (
	"context"

	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
)

// Frame is a raw encoded payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Event names a channel notification. Inbound frames are published under
// EventMessage and under the event named after their wire type.
type Event string

const (
	EventConnected       Event = "connected"
	EventDisconnected    Event = "disconnected"
	EventReconnectFailed Event = "reconnect_failed"
	EventMessage         Event = "message"
)

// EventFor returns the event an inbound frame of type t is published under.
func EventFor(t wire.Type) Event { return Event(t) }

// Listener receives the decoded frame; lifecycle events pass nil.
type Listener func(wire.Message)

// Subscription identifies a registered listener for Off.
type Subscription uint64

// SignalChannel is the client side of the group WebSocket.
type SignalChannel interface {
	// Send reports false when the channel is not open; it never fails loudly.
	Send(wire.Message) bool
	On(Event, Listener) Subscription
	Off(Event, Subscription)
}

type ChannelState int32

const (
	ChannelIdle ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is a SignalChannel with a connection lifecycle.
type Transport interface {
	SignalChannel
	Connect(ctx context.Context, group domain.GroupID)
	WaitOpen(ctx context.Context) error
	State() ChannelState
	Disconnect()
}

// TokenProvider returns the bearer credential used on the channel and REST calls.
type TokenProvider func(ctx context.Context) (string, error)
