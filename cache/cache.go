// Package cache provides a read-through profile cache in front of the
// store. Entries are invalidated whenever a grant lands.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/paywall/id"
	"github.com/xraph/paywall/profile"
)

// Cache stores profile snapshots. A miss is reported with ok == false.
type Cache interface {
	GetProfile(ctx context.Context, userID id.UserID) (p *profile.Profile, ok bool, err error)
	SetProfile(ctx context.Context, p *profile.Profile, ttl time.Duration) error
	Invalidate(ctx context.Context, userID id.UserID) error
}

var _ Cache = (*Memory)(nil)

type entry struct {
	profile   *profile.Profile
	expiresAt time.Time
}

// Memory is an in-process TTL cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *Memory) GetProfile(_ context.Context, userID id.UserID) (*profile.Profile, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[userID.String()]
	m.mu.RUnlock()

	if !ok || !m.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.profile.Clone(), true, nil
}

func (m *Memory) SetProfile(_ context.Context, p *profile.Profile, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[p.ID.String()] = entry{profile: p.Clone(), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, userID id.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, userID.String())
	return nil
}

// Len returns the number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
