package auth

import (
	"context"
	"sync"
	"time"
)

// NonceStore remembers which signed requests were already accepted. Claim
// reports false when key was claimed before and has not expired.
type NonceStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryNonces is a NonceStore for a single API process.
type MemoryNonces struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	now    func() time.Time
	claims int
}

func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryNonces) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)

	m.claims++
	if m.claims%1024 == 0 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryNonces) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
