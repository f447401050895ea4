package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--chain.id=test-chain"})
	require.NoError(t, err)
	require.Equal(t, "test-chain", cfg.Chain.ID)
	require.Equal(t, "/tmp/abci.sock", cfg.Socket.Path)
	require.Equal(t, int64(1000), cfg.Snapshot.IntervalBlocks)
	require.Equal(t, 5, cfg.Snapshot.MaxSnapshots)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]string{
		"--chain.id=test-chain",
		"--socket.path=/run/custom.sock",
		"--snapshot.max-snapshots=10",
	})
	require.NoError(t, err)
	require.Equal(t, "/run/custom.sock", cfg.Socket.Path)
	require.Equal(t, 10, cfg.Snapshot.MaxSnapshots)
}

func TestParseRequiresChainID(t *testing.T) {
	_, err := Parse([]string{})
	require.Error(t, err)
}
