package lifecycle

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xian-network/abci-core/internal/canon"
	"github.com/xian-network/abci-core/internal/executor"
	"github.com/xian-network/abci-core/internal/nonce"
	"github.com/xian-network/abci-core/internal/store"
	"github.com/xian-network/abci-core/internal/txn"
)

const testChainID = "test-chain"

func signedWire(t *testing.T, priv ed25519.PrivateKey, sender, contract, function string, kwargs map[string]any, n, stamps int64) string {
	t.Helper()
	payload := map[string]any{
		"sender":          sender,
		"chain_id":        testChainID,
		"contract":        contract,
		"function":        function,
		"kwargs":          kwargs,
		"nonce":           n,
		"stamps_supplied": stamps,
	}
	canonicalPayload, err := canon.Encode(payload)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, canonicalPayload)
	wire, err := txn.EncodeWire(payload, hex.EncodeToString(sig))
	require.NoError(t, err)
	return wire
}

type fixture struct {
	s     *store.Store
	coord *Coordinator
	alice string
	priv  ed25519.PrivateKey
}

func newFixture(t *testing.T, seed map[string]any) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	alice := hex.EncodeToString(pub)

	durable := store.NewMemDurable()
	s := store.New(durable)
	for k, v := range seed {
		s.Set(k, v)
	}
	for k, v := range map[string]any{
		"currency.balances:" + alice: canon.NewDecimalFromInt(1000),
		"stamp_cost.S:value":         canon.NewDecimalFromInt(20),
	} {
		if _, already := seed[k]; !already {
			s.Set(k, v)
		}
	}
	s.PromoteExec()
	s.CommitTx()
	s.HardApply(1)

	validator := txn.NewValidator(txn.Config{ChainID: testChainID, DefaultStampRate: 20, EnableTxFee: false})
	ledger := nonce.New(s)
	coord := New(s, ledger, validator, executor.NewRegistry(), Config{
		GenesisAppHash: "genesis",
		StampCosts:     executor.DefaultStampCosts,
	})

	return &fixture{s: s, coord: coord, alice: alice, priv: priv}
}

func bal(t *testing.T, s *store.Store, who string) canon.Decimal {
	t.Helper()
	v, ok := s.Get("currency.balances:" + who)
	require.True(t, ok)
	d, ok := v.(canon.Decimal)
	require.True(t, ok)
	return d
}

// TestFinalizeBlockSingleTransfer covers scenario S1.
func TestFinalizeBlockSingleTransfer(t *testing.T) {
	f := newFixture(t, map[string]any{"currency.balances:bob": canon.NewDecimalFromInt(0)})

	wire := signedWire(t, f.priv, f.alice, "currency", "transfer",
		map[string]any{"amount": canon.NewDecimalFromInt(100), "to": "bob"}, 1, 100)

	result := f.coord.FinalizeBlock(2, "blockhash-2", 2000, []string{wire}, nil, nil)
	require.Len(t, result.TxResults, 1)
	require.Equal(t, 0, result.TxResults[0].StatusCode)
	require.NotEmpty(t, result.AppHash)

	require.NoError(t, f.coord.Commit(2, result.AppHash))

	require.True(t, bal(t, f.s, f.alice).Cmp(canon.NewDecimalFromInt(900)) == 0)
	require.True(t, bal(t, f.s, "bob").Cmp(canon.NewDecimalFromInt(100)) == 0)

	committed, ok := nonce.New(f.s).Get(f.alice)
	require.True(t, ok)
	require.Equal(t, int64(1), committed)
}

// TestFinalizeBlockFailingTransfer covers scenario S2.
func TestFinalizeBlockFailingTransfer(t *testing.T) {
	f := newFixture(t, map[string]any{"currency.balances:bob": canon.NewDecimalFromInt(0)})

	wire := signedWire(t, f.priv, f.alice, "currency", "transfer",
		map[string]any{"amount": canon.NewDecimalFromInt(10000), "to": "bob"}, 1, 100)

	result := f.coord.FinalizeBlock(2, "blockhash-2", 2000, []string{wire}, nil, nil)
	require.Len(t, result.TxResults, 1)
	require.NotEqual(t, 0, result.TxResults[0].StatusCode)

	require.NoError(t, f.coord.Commit(2, result.AppHash))

	require.True(t, bal(t, f.s, "bob").Cmp(canon.NewDecimalFromInt(0)) == 0)

	// alice = 1000 - stamps_used/20, and nonce(alice) still advances to 1.
	aliceBalance := bal(t, f.s, f.alice)
	require.True(t, aliceBalance.Cmp(canon.NewDecimalFromInt(1000)) < 0)

	committed, ok := nonce.New(f.s).Get(f.alice)
	require.True(t, ok)
	require.Equal(t, int64(1), committed)
}

// TestStatePatchAppliedAtHeight covers scenario S5: a state patch registered
// for a given height is applied during that height's finalize_block and
// contributes to the fingerprint, regardless of whether any transactions are
// present.
func TestStatePatchAppliedAtHeight(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.RegisterStatePatch(10, StatePatch{
		Key:     "token.balances:alice",
		Value:   canon.NewDecimalFromInt(42),
		Comment: "remediation",
	})

	// Heights before 10 are unaffected.
	before := f.coord.FinalizeBlock(9, "h9", 9000, nil, nil, nil)
	require.NoError(t, f.coord.Commit(9, before.AppHash))
	_, ok := f.s.Get("token.balances:alice")
	require.False(t, ok)

	at10 := f.coord.FinalizeBlock(10, "h10", 10000, nil, nil, nil)
	require.NoError(t, f.coord.Commit(10, at10.AppHash))

	v, ok := f.s.Get("token.balances:alice")
	require.True(t, ok)
	require.True(t, v.(canon.Decimal).Cmp(canon.NewDecimalFromInt(42)) == 0)

	// The patch is applied exactly once; a later height at the same number
	// sees nothing queued.
	after := f.coord.FinalizeBlock(11, "h11", 11000, nil, nil, nil)
	require.NoError(t, f.coord.Commit(11, after.AppHash))
}

// TestNonceMonotonicityWithinBlock covers scenario S6: nonces 1, 3, 2 from
// the same sender in one block — 1 and 3 accepted, 2 rejected, committed
// nonce ends at 3.
func TestNonceMonotonicityWithinBlock(t *testing.T) {
	f := newFixture(t, map[string]any{"currency.balances:bob": canon.NewDecimalFromInt(0)})

	mk := func(n int64) string {
		return signedWire(t, f.priv, f.alice, "currency", "transfer",
			map[string]any{"amount": canon.NewDecimalFromInt(1), "to": "bob"}, n, 100)
	}

	result := f.coord.FinalizeBlock(2, "h2", 2000, []string{mk(1), mk(3), mk(2)}, nil, nil)
	require.Len(t, result.TxResults, 3)
	require.Equal(t, 0, result.TxResults[0].StatusCode)
	require.Equal(t, 0, result.TxResults[1].StatusCode)
	require.NotEqual(t, 0, result.TxResults[2].StatusCode)

	require.NoError(t, f.coord.Commit(2, result.AppHash))

	committed, ok := nonce.New(f.s).Get(f.alice)
	require.True(t, ok)
	require.Equal(t, int64(3), committed)
}

// TestInitChainSealsGenesisRecordsDeterministically covers §4.8 step 1: two
// independently-built coordinators applying the same genesis records at the
// same tag converge on the same application hash.
func TestInitChainSealsGenesisRecordsDeterministically(t *testing.T) {
	build := func() string {
		durable := store.NewMemDurable()
		s := store.New(durable)
		validator := txn.NewValidator(txn.Config{ChainID: testChainID, DefaultStampRate: 20})
		coord := New(s, nonce.New(s), validator, executor.NewRegistry(), Config{GenesisAppHash: ""})
		hash, err := coord.InitChain([]StatePatch{
			{Key: "currency.balances:alice", Value: canon.NewDecimalFromInt(1000), Comment: "seed"},
			{Key: "stamp_cost.S:value", Value: canon.NewDecimalFromInt(20), Comment: "seed"},
		}, 1)
		require.NoError(t, err)
		return hash
	}
	require.Equal(t, build(), build())
}
