package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/routing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790
)

// Service is the gateway core: it owns the channel adapters, relays their
// normalized messages over the bus, feeds routed messages to the agent,
// and dispatches replies back to the right adapter.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	agent    Agent
	rules    RuleEvaluator
	pairing  PairingStore
	bus      *bus.MessageBus
	adapters map[string]channel.Adapter

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Status      channel.Status `json:"status"`
	Error       string         `json:"error,omitempty"`
	ConnectedAt string         `json:"connected_at,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Channels      map[string]channelState `json:"channels"`
}

func NewService(cfg *config.Config, adapters []channel.Adapter, agent Agent, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if agent == nil {
		agent = &EchoAgent{}
	}
	if log == nil {
		log = slog.Default()
	}

	byName := make(map[string]channel.Adapter, len(adapters))
	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		if _, dup := byName[adapter.Name()]; dup {
			return nil, fmt.Errorf("duplicate channel adapter %q", adapter.Name())
		}
		byName[adapter.Name()] = adapter
		channelStates[adapter.Name()] = channelState{Status: channel.StatusDisconnected}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		agent:         agent,
		bus:           bus.NewMessageBus(),
		adapters:      byName,
		channelStates: channelStates,
	}, nil
}

// WithRules installs an optional pre-agent rule evaluator. Call before Run.
func (s *Service) WithRules(rules RuleEvaluator) *Service {
	s.rules = rules
	return s
}

// WithPairing installs an optional pairing store. Call before Run.
func (s *Service) WithPairing(store PairingStore) *Service {
	s.pairing = store
	return s
}

// Bus exposes the message bus for observers and tests.
func (s *Service) Bus() *bus.MessageBus {
	return s.bus
}

// Run connects every adapter, starts the relay loops and the health
// server, and blocks until the context is cancelled or the health server
// fails to bind.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	for name, adapter := range s.adapters {
		s.wireAdapter(ctx, name, adapter)
	}

	for name, adapter := range s.adapters {
		// Connect failures are not fatal here: transient ones arm the
		// adapter's own reconnect path, terminal ones surface in /status.
		if err := adapter.Connect(ctx); err != nil {
			s.log.Error("Channel failed to connect", "channel", name, "error", err)
		}
	}

	go s.inboundLoop(ctx)
	go s.outboundLoop(ctx)

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-serverErrors:
		s.shutdown()
		return err
	}
}

func (s *Service) shutdown() {
	for _, adapter := range s.adapters {
		adapter.Disconnect()
	}
	s.bus.Close()
	s.log.Info("Gateway stopped")
}

func (s *Service) wireAdapter(ctx context.Context, name string, adapter channel.Adapter) {
	adapter.OnMessage(func(msg bus.Message) error {
		if !s.bus.PublishInbound(ctx, msg) {
			return errors.New("bus closed")
		}
		s.bus.PublishEvent(ctx, bus.Event{
			Type:       bus.EventMessageReceived,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			SessionKey: msg.SessionKey,
			MessageID:  msg.ID,
		})
		return nil
	})

	adapter.OnStatusChange(func(status channel.Status, err error) {
		state := channelState{Status: status, Error: errorString(err)}
		if status == channel.StatusConnected {
			state.ConnectedAt = time.Now().UTC().Format(time.RFC3339)
		}
		s.setChannelState(name, state)

		s.bus.PublishEvent(ctx, bus.Event{
			Type:    bus.EventChannelStatus,
			Channel: name,
			Payload: map[string]string{"status": string(status)},
			Error:   errorString(err),
		})
	})

	adapter.OnError(func(err error) {
		s.log.Warn("Channel error", "channel", name, "error", err)
	})
}

func (s *Service) inboundLoop(ctx context.Context) {
	for {
		msg, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		s.processInbound(ctx, msg)
	}
}

func (s *Service) processInbound(ctx context.Context, msg bus.Message) {
	// Ingest-only traffic (suppressed group chatter, captured self
	// messages) is recorded but never reaches the agent.
	if msg.IngestOnly || msg.Direction == bus.DirectionOutgoingUser {
		s.bus.PublishEvent(ctx, bus.Event{
			Type:       bus.EventMessageIngested,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			SessionKey: msg.SessionKey,
			MessageID:  msg.ID,
			Payload:    map[string]string{"route_reason": msg.RouteReason},
		})
		return
	}

	if s.tryRedeemPairing(ctx, msg) {
		return
	}

	if s.rules != nil {
		result, err := s.rules.Evaluate(ctx, RuleInput{Message: msg})
		if err != nil {
			// Fail open: a broken evaluator must not silence the agent.
			s.log.Warn("Rule evaluation failed", "channel", msg.Channel, "error", err)
		} else {
			if result.Reply != "" {
				s.publishReply(ctx, msg, result.Reply)
				return
			}
			if !result.Pass {
				s.log.Debug("Message dropped by rules", "channel", msg.Channel, "message_id", msg.ID)
				return
			}
		}
	}

	reply, handled, err := s.agent.Handle(ctx, msg)
	if err != nil {
		s.log.Error("Agent failed on message", "channel", msg.Channel, "message_id", msg.ID, "error", err)
		return
	}

	s.bus.PublishEvent(ctx, bus.Event{
		Type:       bus.EventMessageRouted,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SessionKey: msg.SessionKey,
		MessageID:  msg.ID,
		Payload:    map[string]string{"route_reason": msg.RouteReason},
	})

	if handled {
		s.bus.PublishOutbound(ctx, reply)
	}
}

// tryRedeemPairing intercepts bare pairing codes before they reach the
// agent. Unknown codes fall through; the agent may still make sense of
// them.
func (s *Service) tryRedeemPairing(ctx context.Context, msg bus.Message) bool {
	if s.pairing == nil || !routing.IsPairingCode(msg.Text) {
		return false
	}

	sessionKey, err := s.pairing.Redeem(ctx, msg.Text)
	if err != nil {
		if !errors.Is(err, ErrCodeNotFound) {
			s.log.Warn("Pairing redemption failed", "channel", msg.Channel, "error", err)
		}
		return false
	}

	s.log.Info("Pairing code redeemed", "channel", msg.Channel, "chat_id", msg.ChatID, "session_key", sessionKey)
	s.publishReply(ctx, msg, "Paired. This chat is now linked to your session.")
	return true
}

func (s *Service) publishReply(ctx context.Context, msg bus.Message, text string) {
	s.bus.PublishOutbound(ctx, bus.Outgoing{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Text:       text,
		ReplyToID:  msg.ID,
		SessionKey: msg.SessionKey,
	})
}

func (s *Service) outboundLoop(ctx context.Context) {
	for {
		out, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		s.dispatchOutbound(ctx, out)
	}
}

func (s *Service) dispatchOutbound(ctx context.Context, out bus.Outgoing) {
	adapter, ok := s.adapters[out.Channel]
	if !ok {
		s.log.Error("No adapter for outbound channel", "channel", out.Channel)
		return
	}

	messageID, err := adapter.Send(ctx, out)
	if err == nil {
		s.log.Debug("Delivered reply", "channel", out.Channel, "chat_id", out.ChatID, "message_id", messageID)
		return
	}

	switch {
	case errors.Is(err, channel.ErrNotConnected):
		s.log.Warn("Reply dropped; channel not connected", "channel", out.Channel, "chat_id", out.ChatID)
	case errors.Is(err, channel.ErrNotSupported):
		s.log.Warn("Reply dropped; operation not supported", "channel", out.Channel, "error", err)
	case channel.IsTerminal(err):
		s.log.Error("Reply failed terminally", "channel", out.Channel, "error", err)
	default:
		s.log.Error("Reply failed", "channel", out.Channel, "chat_id", out.ChatID, "error", err)
	}

	s.bus.PublishEvent(ctx, bus.Event{
		Type:       bus.EventSendFailed,
		Channel:    out.Channel,
		ChatID:     out.ChatID,
		SessionKey: out.SessionKey,
		Error:      err.Error(),
	})
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := s.currentStatus()

	w.Header().Set("Content-Type", "application/json")
	statusCode := http.StatusOK
	if payload.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus() statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	anyConnected := false
	for name, state := range s.channelStates {
		channels[name] = state
		if state.Status == channel.StatusConnected {
			anyConnected = true
		}
	}

	status := "ok"
	if !anyConnected {
		status = "degraded"
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Channels:      channels,
	}
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
