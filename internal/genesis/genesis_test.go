package genesis

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xian-network/abci-core/internal/canon"
)

type memStore map[string]any

func (m memStore) Set(key string, value any) { m[key] = value }

func writeGenesisFile(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, records []Record) string {
	t.Helper()

	canonRecords := make([]any, 0, len(records))
	wireRecords := make([]map[string]any, 0, len(records))
	for _, r := range records {
		canonRecords = append(canonRecords, map[string]any{"key": r.Key, "value": r.Value})
		wireRecords = append(wireRecords, map[string]any{"key": r.Key, "value": r.Value})
	}
	signedBytes, err := canon.Encode(canonRecords)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, signedBytes)

	doc := map[string]any{
		"abci_genesis": map[string]any{
			"hash":    "deadbeef",
			"number":  "0",
			"genesis": wireRecords,
			"origin": map[string]any{
				"sender":    hex.EncodeToString(pub),
				"signature": hex.EncodeToString(sig),
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "genesis.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadVerifiesSignatureAndPreservesOrder(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	path := writeGenesisFile(t, pub, priv, []Record{
		{Key: "currency.balances:alice", Value: int64(1000)},
		{Key: "stamp_cost.S:value", Value: int64(20)},
	})

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Records, 2)
	require.Equal(t, "currency.balances:alice", doc.Records[0].Key)
	require.Equal(t, "stamp_cost.S:value", doc.Records[1].Key)
}

func TestLoadRejectsTamperedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	path := writeGenesisFile(t, pub, priv, []Record{{Key: "a", Value: int64(1)}})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	env.ABCIGenesis.Origin.Signature = "00"
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = Load(path)
	require.Error(t, err)
}

func TestApplyDerivesCompiledSiblingForContractCode(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	path := writeGenesisFile(t, pub, priv, []Record{
		{Key: "mytoken.__code__", Value: "def transfer(): pass"},
	})

	doc, err := Load(path)
	require.NoError(t, err)

	s := memStore{}
	Apply(doc, s)

	require.Equal(t, "def transfer(): pass", s["mytoken.__code__"])
	require.NotEmpty(t, s["mytoken.__compiled__"])
}
