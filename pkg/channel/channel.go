// Package channel defines the adapter contract every transport implements
// and the shared connection-resilience core adapters embed. Each adapter
// instance exclusively owns its connection, timers, and caches; the
// gateway interacts with it only through these methods and the registered
// handler callbacks.
package channel

import (
	"context"
	"time"

	"chatrelay/pkg/bus"
)

// Status is the connection lifecycle state of one adapter.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

func (s Status) String() string {
	return string(s)
}

// Info is the diagnostic snapshot exposed by one adapter.
type Info struct {
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	LastError   string            `json:"last_error,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
	Detail      map[string]string `json:"detail,omitempty"`
}

// StatusHandler observes adapter status transitions. Handlers run
// synchronously with the transition; panics are caught and logged so one
// misbehaving observer cannot break the adapter.
type StatusHandler func(Status, error)

// ErrorHandler observes adapter-level errors.
type ErrorHandler func(error)

// Adapter is the uniform contract between the gateway core and one
// platform transport.
//
// Connect is idempotent: calling it while connecting or connected is a
// no-op. Disconnect is idempotent, suppresses auto-reconnect, cancels all
// timers, and drains in-memory state. Send and the other outbound
// operations fail with ErrNotConnected unless the adapter is connected;
// operations a platform cannot perform fail with ErrNotSupported rather
// than silently succeeding.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect()

	Send(ctx context.Context, msg bus.Outgoing) (string, error)
	Edit(ctx context.Context, chatID, messageID, text string) error
	Delete(ctx context.Context, chatID, messageID string) error
	SendPhoto(ctx context.Context, chatID string, photo bus.Attachment, caption string) (string, error)
	SendDocument(ctx context.Context, chatID string, doc bus.Attachment, caption string) (string, error)

	OnMessage(handler bus.MessageHandler)
	OnError(handler ErrorHandler)
	OnStatusChange(handler StatusHandler)

	Info() Info
}
