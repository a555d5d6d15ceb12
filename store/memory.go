package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMemorySize = 4096

// Memory keeps the most recently seen clients in process memory. A client
// evicted from the cache starts over with a fresh counter and ePID.
type Memory struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, Client]
	now    func() time.Time
	closed bool
}

// NewMemory returns a store holding up to size clients, DefaultMemorySize
// when size is not positive.
func NewMemory(size int, now func() time.Time) (*Memory, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New[string, Client](size)
	if err != nil {
		return nil, err
	}
	return &Memory{cache: cache, now: now}, nil
}

func (m *Memory) UpsertClient(_ context.Context, c Client) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	return m.upsert(c), nil
}

func (m *Memory) GetOrStoreEpid(_ context.Context, clientID, epid string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	return m.getOrStoreEpid(clientID, epid), nil
}

func (m *Memory) Activate(_ context.Context, c Client, epid string) (Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Activation{}, ErrClosed
	}
	n := m.upsert(c)
	return Activation{Epid: m.getOrStoreEpid(c.ClientMachineID, epid), RequestCount: n}, nil
}

func (m *Memory) Client(_ context.Context, clientID string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cache.Peek(clientID)
	if !ok {
		return Client{}, fmt.Errorf("%s: %w", clientID, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.cache.Purge()
	return nil
}

func (m *Memory) upsert(c Client) int64 {
	now := m.now().UTC()
	prev, ok := m.cache.Get(c.ClientMachineID)
	if ok {
		c.KmsEpid = prev.KmsEpid
		c.RequestCount = prev.RequestCount + 1
		c.CreatedAt = prev.CreatedAt
	} else {
		c.KmsEpid = ""
		c.RequestCount = 1
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.cache.Add(c.ClientMachineID, c)
	return c.RequestCount
}

func (m *Memory) getOrStoreEpid(clientID, epid string) string {
	c, ok := m.cache.Get(clientID)
	if !ok {
		return epid
	}
	if c.KmsEpid != "" {
		return c.KmsEpid
	}
	c.KmsEpid = epid
	c.UpdatedAt = m.now().UTC()
	m.cache.Add(clientID, c)
	return epid
}
