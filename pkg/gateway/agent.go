package gateway

import (
	"context"
	"strings"

	"chatrelay/pkg/bus"
)

// Agent consumes routed messages and may produce a reply. The gateway
// treats it as opaque: handled=false means the message was observed but
// produced no outbound traffic.
type Agent interface {
	Handle(ctx context.Context, msg bus.Message) (reply bus.Outgoing, handled bool, err error)
}

// RuleEvaluator is an optional pre-agent hook. When configured, each
// routed message passes through Evaluate first; a reply action
// short-circuits the agent entirely.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, input RuleInput) (RuleResult, error)
}

// RuleInput is the evaluator's view of one routed message.
type RuleInput struct {
	Message bus.Message
}

// RuleResult is the evaluator's verdict.
type RuleResult struct {
	// Pass lets the message continue to the agent.
	Pass bool
	// Reply, when non-empty, is sent back and stops further processing.
	Reply string
}

// EchoAgent mirrors routed text back to its origin chat. It is the
// default consumer when no external agent is wired in, and doubles as
// the end-to-end test double.
type EchoAgent struct {
	Prefix string
}

func (e *EchoAgent) Handle(ctx context.Context, msg bus.Message) (bus.Outgoing, bool, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return bus.Outgoing{}, false, nil
	}

	prefix := e.Prefix
	if prefix == "" {
		prefix = "echo: "
	}

	return bus.Outgoing{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Text:       prefix + text,
		ReplyToID:  msg.ID,
		SessionKey: msg.SessionKey,
		Metadata:   msg.Metadata,
	}, true, nil
}
