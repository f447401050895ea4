package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAliasingInvariant(t *testing.T) {
	// Quantified invariant 8: after v = get(k); mutate(v) without a
	// subsequent set(k, v), a subsequent get(k) still returns the
	// pre-mutation value.
	s := New(NewMemDurable())
	s.Set("nested.k", map[string]any{"count": int64(1), "items": []any{int64(1)}})
	s.PromoteExec()
	s.CommitTx()
	s.HardApply(1)

	v, ok := s.Get("nested.k")
	require.True(t, ok)
	m := v.(map[string]any)
	m["count"] = int64(999)
	m["items"].([]any)[0] = int64(999)

	got, _ := s.Get("nested.k")
	require.Equal(t, map[string]any{"count": int64(1), "items": []any{int64(1)}}, got)
}

func TestMutateInPlaceAndFailRollsBack(t *testing.T) {
	// Scenario S3.
	s := New(NewMemDurable())
	s.Set("nested.k", map[string]any{"count": int64(1), "items": []any{int64(1)}})
	s.PromoteExec()
	s.CommitTx()
	s.HardApply(1)

	// Simulate a contract call that reads, mutates in place, then fails.
	v, _ := s.Get("nested.k")
	m := v.(map[string]any)
	m["count"] = int64(2)
	s.Set("nested.k", m) // executor-local write, staged but not promoted
	s.FlushCache()        // call failed: discard exec-local writes

	got, _ := s.Get("nested.k")
	require.Equal(t, map[string]any{"count": int64(1), "items": []any{int64(1)}}, got)
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	s := New(NewMemDurable())
	s.Set("a", int64(1))
	s.PromoteExec()
	s.CommitTx()
	s.HardApply(1)

	s.Set("a", int64(2))
	s.PromoteExec()
	s.RollbackTx()

	v, _ := s.Get("a")
	require.Equal(t, int64(1), v)
}

func TestBlockPendingVisibleWithinBlockButNotDurableUntilHardApply(t *testing.T) {
	s := New(NewMemDurable())
	s.Set("b", int64(1))
	s.PromoteExec()
	s.CommitTx()

	v, ok := s.Get("b")
	require.True(t, ok)
	require.Equal(t, int64(1), v)

	// Not yet durable.
	_, ok = s.durable.Get("b")
	require.False(t, ok)

	s.HardApply(100)
	v, ok = s.durable.Get("b")
	require.True(t, ok)
	require.Equal(t, int64(1), v)
}

func TestItemsPrefixScanOrdersAndMasksDeletes(t *testing.T) {
	s := New(NewMemDurable())
	s.Set("c.a", int64(1))
	s.Set("c.b", int64(2))
	s.Set("c.c", int64(3))
	s.PromoteExec()
	s.CommitTx()
	s.HardApply(1)

	s.Delete("c.b")
	s.PromoteExec()
	s.CommitTx()

	items := s.Items("c.")
	require.Len(t, items, 2)
	require.Equal(t, "c.a", items[0].Key)
	require.Equal(t, "c.c", items[1].Key)
}

func TestHardApplyTagIsMonotonic(t *testing.T) {
	s := New(NewMemDurable())
	s.HardApply(5)
	require.Equal(t, int64(5), s.Tag())
	s.HardApply(3) // out-of-order tag must not regress
	require.Equal(t, int64(5), s.Tag())
	s.HardApply(10)
	require.Equal(t, int64(10), s.Tag())
}
