package nonce

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	m map[string]any
}

func newMemStore() *memStore { return &memStore{m: make(map[string]any)} }

func (s *memStore) Get(key string) (any, bool) { v, ok := s.m[key]; return v, ok }
func (s *memStore) Set(key string, value any)  { s.m[key] = value }

func TestMonotonicitySameBlock(t *testing.T) {
	// Scenario S6: nonces 1, 3, 2 submitted in that order from one sender.
	store := newMemStore()
	l := New(store)
	sender := "alice"

	require.NoError(t, l.Check(sender, 1))
	l.Advance(sender, 1)

	require.NoError(t, l.Check(sender, 3))
	l.Advance(sender, 3)

	err := l.Check(sender, 2)
	require.Error(t, err)

	l.CommitBlock()
	committed, ok := l.Get(sender)
	require.True(t, ok)
	require.Equal(t, int64(3), committed)
}

func TestCommittedNonceMustIncreaseAcrossBlocks(t *testing.T) {
	store := newMemStore()
	l := New(store)
	require.NoError(t, l.Check("bob", 1))
	l.Advance("bob", 1)
	l.CommitBlock()

	// New logical block: overlay is fresh, but committed nonce persists.
	l2 := New(store)
	require.Error(t, l2.Check("bob", 1))
	require.NoError(t, l2.Check("bob", 2))
}

func TestPeekNextStartsAtOne(t *testing.T) {
	l := New(newMemStore())
	require.Equal(t, int64(1), l.PeekNext("fresh-sender"))
}
