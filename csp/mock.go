package csp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Mock is a small in-memory fixture used for local development when no
// upstream credentials are around. It honors the same contract as the
// HTTP client, including 404-as-success on destroy.
type Mock struct {
	log *slog.Logger

	mu       sync.Mutex
	accounts map[string]Account
}

func NewMock(log *slog.Logger) *Mock {
	m := &Mock{
		log:      log.With("component", "csp", "mode", "mock"),
		accounts: make(map[string]Account),
	}
	now := time.Now().Unix()
	for i := 1; i <= 5; i++ {
		ext := fmt.Sprintf("ext-mock-%d", i)
		m.accounts[ext] = Account{
			SandboxID:  fmt.Sprintf("mock-sandbox-%d", i),
			Name:       fmt.Sprintf("mock-sandbox-%d", i),
			ExternalID: ext,
			CreatedAt:  now - int64(i)*3600,
		}
	}
	m.log.Info("mock upstream enabled", "accounts", len(m.accounts))
	return m
}

func (m *Mock) ListActiveSandboxes(ctx context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		out = append(out, acct)
	}
	return out, nil
}

func (m *Mock) Destroy(ctx context.Context, externalID string) (DestroyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[externalID]; !ok {
		return DestroyGone, nil
	}
	delete(m.accounts, externalID)
	m.log.Info("destroyed mock account", "external_id", externalID)
	return DestroyOk, nil
}
