package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"

	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name    string
	sendErr error

	mu             sync.Mutex
	sent           []bus.Outgoing
	msgHandlers    []bus.MessageHandler
	statusHandlers []channel.StatusHandler
	errHandlers    []channel.ErrorHandler
	status         channel.Status
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, status: channel.StatusDisconnected}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.setStatus(channel.StatusConnected, nil)
	return nil
}

func (f *fakeAdapter) Disconnect() {
	f.setStatus(channel.StatusDisconnected, nil)
}

func (f *fakeAdapter) setStatus(status channel.Status, err error) {
	f.mu.Lock()
	f.status = status
	handlers := append([]channel.StatusHandler(nil), f.statusHandlers...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(status, err)
	}
}

func (f *fakeAdapter) Send(ctx context.Context, out bus.Outgoing) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, out)
	f.mu.Unlock()
	return "sent-1", nil
}

func (f *fakeAdapter) Edit(ctx context.Context, chatID, messageID, text string) error {
	return channel.NotSupported(f.name, "edit")
}

func (f *fakeAdapter) Delete(ctx context.Context, chatID, messageID string) error {
	return channel.NotSupported(f.name, "delete")
}

func (f *fakeAdapter) SendPhoto(ctx context.Context, chatID string, photo bus.Attachment, caption string) (string, error) {
	return "", channel.NotSupported(f.name, "send_photo")
}

func (f *fakeAdapter) SendDocument(ctx context.Context, chatID string, doc bus.Attachment, caption string) (string, error) {
	return "", channel.NotSupported(f.name, "send_document")
}

func (f *fakeAdapter) OnMessage(handler bus.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgHandlers = append(f.msgHandlers, handler)
}

func (f *fakeAdapter) OnError(handler channel.ErrorHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errHandlers = append(f.errHandlers, handler)
}

func (f *fakeAdapter) OnStatusChange(handler channel.StatusHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHandlers = append(f.statusHandlers, handler)
}

func (f *fakeAdapter) Info() channel.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return channel.Info{Name: f.name, Status: f.status}
}

func (f *fakeAdapter) emit(t *testing.T, msg bus.Message) {
	t.Helper()
	f.mu.Lock()
	handlers := append([]bus.MessageHandler(nil), f.msgHandlers...)
	f.mu.Unlock()
	for _, handler := range handlers {
		require.NoError(t, handler(msg))
	}
}

func (f *fakeAdapter) sentMessages() []bus.Outgoing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.Outgoing(nil), f.sent...)
}

func testServiceConfig() *config.Config {
	return &config.Config{Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: 0}}
}

func startService(t *testing.T, svc *Service) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Run(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		return svc.currentStatus().Channels["fake"].Status == channel.StatusConnected
	}, time.Second, 10*time.Millisecond, "adapter never connected")
	return cancel
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil)
	require.Error(t, err)

	_, err = NewService(testServiceConfig(), nil, nil, nil)
	require.Error(t, err)

	_, err = NewService(testServiceConfig(), []channel.Adapter{newFakeAdapter("fake"), newFakeAdapter("fake")}, nil, nil)
	require.Error(t, err, "duplicate adapter names must be rejected")
}

func TestRoutedMessageReachesAgentAndReplies(t *testing.T) {
	adapter := newFakeAdapter("fake")
	svc, err := NewService(testServiceConfig(), []channel.Adapter{adapter}, &EchoAgent{}, nil)
	require.NoError(t, err)
	startService(t, svc)

	adapter.emit(t, bus.Message{
		ID:         "m1",
		Channel:    "fake",
		ChatID:     "c1",
		Text:       "hello",
		Direction:  bus.DirectionIncoming,
		SessionKey: "fake:c1",
	})

	require.Eventually(t, func() bool {
		sent := adapter.sentMessages()
		return len(sent) == 1 && sent[0].Text == "echo: hello" && sent[0].ReplyToID == "m1"
	}, time.Second, 10*time.Millisecond)
}

func TestIngestOnlyMessageNeverReachesAgent(t *testing.T) {
	adapter := newFakeAdapter("fake")
	svc, err := NewService(testServiceConfig(), []channel.Adapter{adapter}, &EchoAgent{}, nil)
	require.NoError(t, err)
	startService(t, svc)

	events, unsubscribe := svc.Bus().SubscribeEvents(context.Background(), 10)
	defer unsubscribe()

	adapter.emit(t, bus.Message{
		ID:         "m2",
		Channel:    "fake",
		ChatID:     "c1",
		Text:       "group chatter",
		Direction:  bus.DirectionIncoming,
		IngestOnly: true,
	})

	deadline := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == bus.EventMessageIngested {
				require.Empty(t, adapter.sentMessages(), "ingest-only message must not produce a reply")
				return
			}
		case <-deadline:
			t.Fatal("never observed ingest event")
		}
	}
}

func TestPairingCodeShortCircuitsAgent(t *testing.T) {
	adapter := newFakeAdapter("fake")
	store := NewMemoryPairingStore()
	svc, err := NewService(testServiceConfig(), []channel.Adapter{adapter}, &EchoAgent{}, nil)
	require.NoError(t, err)
	svc.WithPairing(store)
	startService(t, svc)

	code, err := store.IssueCode(context.Background(), "session-1")
	require.NoError(t, err)

	adapter.emit(t, bus.Message{
		ID:        "m3",
		Channel:   "fake",
		ChatID:    "c1",
		Text:      code,
		Direction: bus.DirectionIncoming,
	})

	require.Eventually(t, func() bool {
		sent := adapter.sentMessages()
		return len(sent) == 1 && sent[0].Text != "echo: "+code
	}, time.Second, 10*time.Millisecond, "expected pairing confirmation instead of echo")
}

type replyRules struct {
	reply string
	pass  bool
}

func (r replyRules) Evaluate(ctx context.Context, input RuleInput) (RuleResult, error) {
	return RuleResult{Pass: r.pass, Reply: r.reply}, nil
}

func TestRuleEvaluatorReplyShortCircuits(t *testing.T) {
	adapter := newFakeAdapter("fake")
	svc, err := NewService(testServiceConfig(), []channel.Adapter{adapter}, &EchoAgent{}, nil)
	require.NoError(t, err)
	svc.WithRules(replyRules{reply: "rule says hi"})
	startService(t, svc)

	adapter.emit(t, bus.Message{ID: "m4", Channel: "fake", ChatID: "c1", Text: "anything", Direction: bus.DirectionIncoming})

	require.Eventually(t, func() bool {
		sent := adapter.sentMessages()
		return len(sent) == 1 && sent[0].Text == "rule says hi"
	}, time.Second, 10*time.Millisecond)
}

func TestRuleEvaluatorDropSilencesMessage(t *testing.T) {
	adapter := newFakeAdapter("fake")
	svc, err := NewService(testServiceConfig(), []channel.Adapter{adapter}, &EchoAgent{}, nil)
	require.NoError(t, err)
	svc.WithRules(replyRules{pass: false})
	startService(t, svc)

	adapter.emit(t, bus.Message{ID: "m5", Channel: "fake", ChatID: "c1", Text: "anything", Direction: bus.DirectionIncoming})

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, adapter.sentMessages())
}

func TestSendFailurePublishesEvent(t *testing.T) {
	adapter := newFakeAdapter("fake")
	adapter.sendErr = channel.ErrNotConnected
	svc, err := NewService(testServiceConfig(), []channel.Adapter{adapter}, &EchoAgent{}, nil)
	require.NoError(t, err)
	startService(t, svc)

	events, unsubscribe := svc.Bus().SubscribeEvents(context.Background(), 10)
	defer unsubscribe()

	adapter.emit(t, bus.Message{ID: "m6", Channel: "fake", ChatID: "c1", Text: "hello", Direction: bus.DirectionIncoming})

	deadline := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == bus.EventSendFailed {
				require.Equal(t, "fake", event.Channel)
				return
			}
		case <-deadline:
			t.Fatal("never observed send_failed event")
		}
	}
}

func TestStatusReportsDegradedWhenNothingConnected(t *testing.T) {
	adapter := newFakeAdapter("fake")
	svc, err := NewService(testServiceConfig(), []channel.Adapter{adapter}, &EchoAgent{}, nil)
	require.NoError(t, err)

	status := svc.currentStatus()
	require.Equal(t, "degraded", status.Status)

	startService(t, svc)
	require.Equal(t, "ok", svc.currentStatus().Status)
}
