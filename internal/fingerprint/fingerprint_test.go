package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealIsDeterministicForSameInputs(t *testing.T) {
	build := func() string {
		a := New("genesis")
		a.AddTransaction("tx1", map[string]any{"currency.balances:alice": int64(900)}, 0)
		a.AddTransaction("tx2", map[string]any{"currency.balances:bob": int64(100)}, 0)
		a.AddStatePatch("token.balances:alice", int64(42), "fix")
		return a.Seal()
	}
	require.Equal(t, build(), build())
}

func TestSealDiffersOnOrder(t *testing.T) {
	a := New("genesis")
	a.AddTransaction("tx1", map[string]any{"k": int64(1)}, 0)
	a.AddTransaction("tx2", map[string]any{"k": int64(2)}, 0)
	first := a.Seal()

	b := New("genesis")
	b.AddTransaction("tx2", map[string]any{"k": int64(2)}, 0)
	b.AddTransaction("tx1", map[string]any{"k": int64(1)}, 0)
	second := b.Seal()

	require.NotEqual(t, first, second)
}

func TestEmptyBlockStillAdvancesAppHashFromPrior(t *testing.T) {
	a := New("prior-hash-A")
	b := New("prior-hash-B")
	require.True(t, a.Empty())
	require.NotEqual(t, a.Seal(), b.Seal())
}

func TestCategoryOrderMatters(t *testing.T) {
	a := New("genesis")
	a.AddTransaction("tx", map[string]any{"k": int64(1)}, 0)
	a.AddValidatorUpdate("pub1", 10)
	withBothInOrder := a.Seal()

	b := New("genesis")
	b.AddValidatorUpdate("pub1", 10)
	b.AddTransaction("tx", map[string]any{"k": int64(1)}, 0)
	reversedAdditionOrder := b.Seal()

	// Category order is fixed regardless of call order, since contributions
	// are bucketed by kind, not interleaved.
	require.Equal(t, withBothInOrder, reversedAdditionOrder)
}
