package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// PairingStore issues and redeems the short alphanumeric codes that let a
// new correspondent link their chat to a session. Codes are single-use
// and expire.
type PairingStore interface {
	IssueCode(ctx context.Context, sessionKey string) (string, error)
	Redeem(ctx context.Context, code string) (sessionKey string, err error)
	Revoke(ctx context.Context, code string) error
}

var ErrCodeNotFound = errors.New("pairing code not found or expired")

const (
	pairingCodeLength = 8
	pairingCodeTTL    = 10 * time.Minute
	pairingAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type pairingEntry struct {
	sessionKey string
	expiresAt  time.Time
}

// MemoryPairingStore is the in-process PairingStore used when no external
// store is configured.
type MemoryPairingStore struct {
	mu    sync.Mutex
	codes map[string]pairingEntry
}

func NewMemoryPairingStore() *MemoryPairingStore {
	return &MemoryPairingStore{codes: make(map[string]pairingEntry)}
}

func (s *MemoryPairingStore) IssueCode(ctx context.Context, sessionKey string) (string, error) {
	code, err := randomCode(pairingCodeLength)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}

	s.mu.Lock()
	s.codes[code] = pairingEntry{sessionKey: sessionKey, expiresAt: time.Now().Add(pairingCodeTTL)}
	s.mu.Unlock()

	return code, nil
}

func (s *MemoryPairingStore) Redeem(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.codes, code)
		return "", ErrCodeNotFound
	}

	delete(s.codes, code)
	return entry.sessionKey, nil
}

func (s *MemoryPairingStore) Revoke(ctx context.Context, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; !ok {
		return ErrCodeNotFound
	}
	delete(s.codes, code)
	return nil
}

// randomCode draws length characters from an alphabet without the
// ambiguous 0/O and 1/I glyphs.
func randomCode(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	out := make([]byte, length)
	for i, b := range raw {
		out[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(out), nil
}
