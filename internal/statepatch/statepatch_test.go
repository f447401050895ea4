package statepatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xian-network/abci-core/internal/executor"
	"github.com/xian-network/abci-core/internal/lifecycle"
	"github.com/xian-network/abci-core/internal/nonce"
	"github.com/xian-network/abci-core/internal/store"
	"github.com/xian-network/abci-core/internal/txn"
)

func writeDoc(t *testing.T, body map[string]any) string {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "state_patches.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadMissingFileYieldsEmptyDocument(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Empty(t, doc.Heights())
}

func TestLoadParsesHeightKeyedRecords(t *testing.T) {
	path := writeDoc(t, map[string]any{
		"10": []map[string]any{
			{"key": "token.balances:alice", "value": 42, "comment": "fix"},
		},
	})
	doc, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []int64{10}, doc.Heights())
}

func TestRegisterAllAppliesPatchAtRightHeight(t *testing.T) {
	path := writeDoc(t, map[string]any{
		"10": []map[string]any{
			{"key": "token.balances:alice", "value": 42, "comment": "fix"},
		},
	})
	doc, err := Load(path)
	require.NoError(t, err)

	durable := store.NewMemDurable()
	s := store.New(durable)
	validator := txn.NewValidator(txn.Config{ChainID: "test-chain", DefaultStampRate: 20})
	coord := lifecycle.New(s, nonce.New(s), validator, executor.NewRegistry(), lifecycle.Config{
		GenesisAppHash: "genesis",
		StampCosts:     executor.DefaultStampCosts,
	})

	require.NoError(t, doc.RegisterAll(coord, s))

	before := coord.FinalizeBlock(9, "h9", 9000, nil, nil, nil)
	require.NoError(t, coord.Commit(9, before.AppHash))
	_, ok := s.Get("token.balances:alice")
	require.False(t, ok)

	at10 := coord.FinalizeBlock(10, "h10", 10000, nil, nil, nil)
	require.NoError(t, coord.Commit(10, at10.AppHash))
	v, ok := s.Get("token.balances:alice")
	require.True(t, ok)
	require.Equal(t, int64(42), v.(int64))
}

func TestResolveValueMergesObjectPatchesIntoExisting(t *testing.T) {
	durable := store.NewMemDurable()
	s := store.New(durable)
	s.Set("contract.metadata", map[string]any{"a": int64(1), "b": int64(2)})
	s.PromoteExec()
	s.CommitTx()
	s.HardApply(1)

	merged, err := resolveValue(s, "contract.metadata", json.RawMessage(`{"b":3,"c":4}`))
	require.NoError(t, err)
	m := merged.(map[string]any)
	require.Equal(t, int64(1), mustInt(t, m["a"]))
	require.Equal(t, int64(3), mustInt(t, m["b"]))
	require.Equal(t, int64(4), mustInt(t, m["c"]))
}

func mustInt(t *testing.T, v any) int64 {
	t.Helper()
	i, ok := v.(int64)
	require.True(t, ok)
	return i
}

func TestResolveValuePlainReplaceForNonObject(t *testing.T) {
	durable := store.NewMemDurable()
	s := store.New(durable)
	v, err := resolveValue(s, "some.key", json.RawMessage(`42`))
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}
