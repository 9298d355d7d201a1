package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore mimics the Redis commands the lease issues.
type memStore struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMemStore() *memStore {
	return &memStore{owners: make(map[string]string)}
}

func (m *memStore) SetNX(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.owners[key]; held {
		return false, nil
	}
	m.owners[key] = token
	return true, nil
}

func (m *memStore) Extend(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[key] == token, nil
}

func (m *memStore) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[key] == token {
		delete(m.owners, key)
	}
	return nil
}

func (m *memStore) steal(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[key] = "intruder"
}

func TestAcquireExclusive(t *testing.T) {
	s := newMemStore()
	first := newLease(s, "writer", 30*time.Millisecond, zerolog.Nop())
	second := newLease(s, "writer", 30*time.Millisecond, zerolog.Nop())

	require.NoError(t, first.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := second.Acquire(ctx)
	assert.True(t, errors.Is(err, ErrLeaseHeld), "got %v", err)

	first.Release()
	require.NoError(t, second.Acquire(context.Background()))
}

func TestReleaseOnlyOwnLease(t *testing.T) {
	s := newMemStore()
	owner := newLease(s, "writer", time.Second, zerolog.Nop())
	other := newLease(s, "writer", time.Second, zerolog.Nop())

	require.NoError(t, owner.Acquire(context.Background()))
	other.Release()

	ok, _ := s.Extend(context.Background(), "writer", owner.token, time.Second)
	assert.True(t, ok, "owner still holds the lease")
}

func TestKeepDetectsLoss(t *testing.T) {
	s := newMemStore()
	l := newLease(s, "writer", 15*time.Millisecond, zerolog.Nop())
	require.NoError(t, l.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() { done <- l.Keep(context.Background()) }()

	s.steal("writer")
	select {
	case err := <-done:
		assert.ErrorContains(t, err, "lost")
	case <-time.After(time.Second):
		t.Fatal("Keep did not notice the lost lease")
	}
}

func TestKeepStopsOnCancel(t *testing.T) {
	l := newLease(newMemStore(), "writer", 15*time.Millisecond, zerolog.Nop())
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Keep(ctx), context.DeadlineExceeded)
}
