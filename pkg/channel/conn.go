package channel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatrelay/pkg/backoff"
	"chatrelay/pkg/bus"
)

// Conn is the connection-resilience core shared by every adapter. It owns
// the status state machine, the observer lists, and the reconnect
// scheduling; the adapter supplies transport hooks.
//
// The dial hook performs full bring-up (open the transport and start its
// read loop) and the teardown hook closes it. The transport's read loop
// reports unexpected closure through HandleClose, which drives the
// backoff/flap reconnect path. An explicit Disconnect sets the
// no-reconnect flag before tearing the transport down, so a close event
// racing with the manual disconnect cannot arm an unwanted timer.
type Conn struct {
	name      string
	log       *slog.Logger
	sched     *backoff.Scheduler
	reconnect bool

	dial     func(ctx context.Context) error
	teardown func()
	drain    func()

	mu          sync.Mutex
	ctx         context.Context
	status      Status
	lastErr     error
	connectedAt time.Time
	noReconnect bool

	msgHandlers    []bus.MessageHandler
	errHandlers    []ErrorHandler
	statusHandlers []StatusHandler
}

// NewConn builds the resilience core for one adapter.
func NewConn(name string, cfg backoff.Config, reconnect bool, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}

	return &Conn{
		name:      name,
		log:       log.With("component", "channel."+name),
		sched:     backoff.NewScheduler(cfg, backoff.NewFlapDetector(0, 0, 0)),
		reconnect: reconnect,
		status:    StatusDisconnected,
	}
}

// SetHooks installs the transport callbacks. dial must be safe to call
// again after a failure; teardown and drain must be idempotent.
func (c *Conn) SetHooks(dial func(ctx context.Context) error, teardown, drain func()) {
	c.dial = dial
	c.teardown = teardown
	c.drain = drain
}

// Connect brings the transport up. No-op while connecting or connected.
func (c *Conn) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.noReconnect = false
	c.ctx = ctx
	c.mu.Unlock()

	c.sched.Resume()
	c.setStatus(StatusConnecting, nil)

	if err := c.dial(ctx); err != nil {
		if IsTerminal(err) || !c.reconnect {
			c.setStatus(StatusError, err)
			return err
		}
		c.setStatus(StatusDisconnected, err)
		c.scheduleReconnect()
		return err
	}

	c.MarkConnected()
	return nil
}

// Disconnect tears the transport down and suppresses reconnection.
// Idempotent. The no-reconnect flag is set before teardown on purpose.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	alreadyDown := c.noReconnect && c.status == StatusDisconnected
	c.noReconnect = true
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	c.sched.Stop()
	if alreadyDown {
		return
	}

	if c.teardown != nil {
		c.teardown()
	}
	if c.drain != nil {
		c.drain()
	}
	c.setStatus(StatusDisconnected, nil)
}

// MarkConnected records a successful bring-up.
func (c *Conn) MarkConnected() {
	c.setStatus(StatusConnected, nil)
}

// HandleClose is called by the transport when the connection drops
// unexpectedly. It feeds the flap detector, resets the attempt counter
// when the connection was stable, and schedules a single-flight reconnect
// unless reconnection is disabled or the failure is terminal.
func (c *Conn) HandleClose(err error) {
	c.mu.Lock()
	if c.noReconnect {
		c.mu.Unlock()
		return
	}
	connectedAt := c.connectedAt
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	c.sched.RecordDisconnect(connectedAt)

	if err != nil {
		c.EmitError(err)
	}
	if IsTerminal(err) {
		c.Fail(err)
		return
	}

	c.setStatus(StatusDisconnected, err)
	if c.reconnect {
		c.scheduleReconnect()
	}
}

// Fail moves the adapter to the terminal error state; no timers survive.
func (c *Conn) Fail(err error) {
	c.sched.Stop()
	c.setStatus(StatusError, err)
}

func (c *Conn) scheduleReconnect() {
	delay, armed, err := c.sched.Schedule(c.redial)
	if err != nil {
		c.EmitError(fmt.Errorf("%s: giving up after %d attempts: %w", c.name, c.sched.Attempt(), err))
		c.setStatus(StatusError, err)
		return
	}
	if armed {
		c.log.Info("Reconnect scheduled", "delay", delay, "attempt", c.sched.Attempt())
	}
}

func (c *Conn) redial() {
	c.mu.Lock()
	if c.noReconnect {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	c.setStatus(StatusConnecting, nil)

	if err := c.dial(ctx); err != nil {
		if IsTerminal(err) {
			c.Fail(err)
			return
		}
		c.EmitError(err)
		c.setStatus(StatusDisconnected, err)
		c.scheduleReconnect()
		return
	}

	c.MarkConnected()
}

// OnMessage registers a normalized-message observer. Append-only.
func (c *Conn) OnMessage(handler bus.MessageHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgHandlers = append(c.msgHandlers, handler)
}

// OnError registers an error observer. Append-only.
func (c *Conn) OnError(handler ErrorHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errHandlers = append(c.errHandlers, handler)
}

// OnStatusChange registers a status observer. Append-only.
func (c *Conn) OnStatusChange(handler StatusHandler) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHandlers = append(c.statusHandlers, handler)
}

// EmitMessage fans one normalized message out to every observer. A
// handler error or panic is routed to the error observers instead of
// crashing the read loop.
func (c *Conn) EmitMessage(msg bus.Message) {
	c.mu.Lock()
	handlers := slices.Clone(c.msgHandlers)
	c.mu.Unlock()

	for _, handler := range handlers {
		if err := c.callMessageHandler(handler, msg); err != nil {
			c.EmitError(fmt.Errorf("%s: message handler: %w", c.name, err))
		}
	}
}

func (c *Conn) callMessageHandler(handler bus.MessageHandler, msg bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(msg)
}

// EmitError fans one error out to every error observer.
func (c *Conn) EmitError(err error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	c.lastErr = err
	handlers := slices.Clone(c.errHandlers)
	c.mu.Unlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("Error handler panicked", "panic", r)
				}
			}()
			handler(err)
		}()
	}
}

func (c *Conn) setStatus(status Status, err error) {
	c.mu.Lock()
	if c.status == status && err == nil {
		c.mu.Unlock()
		return
	}
	c.status = status
	if err != nil {
		c.lastErr = err
	}
	if status == StatusConnected {
		c.connectedAt = time.Now()
	}
	handlers := slices.Clone(c.statusHandlers)
	c.mu.Unlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("Status handler panicked", "panic", r)
				}
			}()
			handler(status, err)
		}()
	}
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the most recent adapter error, if any.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConnectedAt returns when the current connection came up.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// RequireConnected gates outbound operations.
func (c *Conn) RequireConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return ErrNotConnected
	}
	return nil
}

// BaseInfo assembles the common Info fields for one adapter.
func (c *Conn) BaseInfo(detail map[string]string) Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		Name:        c.name,
		Status:      c.status,
		ConnectedAt: c.connectedAt,
		Detail:      detail,
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	return info
}
