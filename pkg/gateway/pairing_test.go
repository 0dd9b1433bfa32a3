package gateway

import (
	"context"
	"testing"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/routing"

	"github.com/stretchr/testify/require"
)

func TestPairingCodeLifecycle(t *testing.T) {
	store := NewMemoryPairingStore()
	ctx := context.Background()

	code, err := store.IssueCode(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, code, pairingCodeLength)
	require.True(t, routing.IsPairingCode(code), "issued code must match the pairing pattern")

	sessionKey, err := store.Redeem(ctx, code)
	require.NoError(t, err)
	require.Equal(t, "session-1", sessionKey)

	_, err = store.Redeem(ctx, code)
	require.ErrorIs(t, err, ErrCodeNotFound, "codes are single-use")
}

func TestPairingRevoke(t *testing.T) {
	store := NewMemoryPairingStore()
	ctx := context.Background()

	code, err := store.IssueCode(ctx, "session-2")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, code))
	_, err = store.Redeem(ctx, code)
	require.ErrorIs(t, err, ErrCodeNotFound)

	require.ErrorIs(t, store.Revoke(ctx, "UNKNOWN1"), ErrCodeNotFound)
}

func TestPairingRedeemIsCaseInsensitive(t *testing.T) {
	store := NewMemoryPairingStore()
	ctx := context.Background()

	code, err := store.IssueCode(ctx, "session-3")
	require.NoError(t, err)

	sessionKey, err := store.Redeem(ctx, " "+code+" ")
	require.NoError(t, err)
	require.Equal(t, "session-3", sessionKey)
}

func messageWithText(text string) bus.Message {
	return bus.Message{ID: "m1", Channel: "fake", ChatID: "c1", Text: text, SessionKey: "fake:c1"}
}

func TestEchoAgent(t *testing.T) {
	agent := &EchoAgent{}

	reply, handled, err := agent.Handle(context.Background(), messageWithText("hello"))
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, "echo: hello", reply.Text)

	_, handled, err = agent.Handle(context.Background(), messageWithText("   "))
	require.NoError(t, err)
	require.False(t, handled, "blank text produces no reply")
}
