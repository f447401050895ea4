package transport

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xian-network/abci-core/internal/wire"
)

type echoHandler struct{}

func (echoHandler) Handle(req wire.Envelope) wire.Envelope { return req }

func TestServeAndEchoOverUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "abci.sock")
	srv := New(socketPath, echoHandler{})

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	req, err := wire.NewRequest(wire.TagEcho, map[string]any{"x": "y"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, req))

	resp, err := wire.ReadFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, wire.TagEcho, resp.Tag)

	require.NoError(t, srv.Close())
	<-done
}

func TestServeRejectsRequestsInOrderOnOneConnection(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "abci2.sock")
	srv := New(socketPath, echoHandler{})
	go srv.Serve()
	defer srv.Close()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	for i := 0; i < 5; i++ {
		req, err := wire.NewRequest(wire.TagEcho, map[string]any{"i": i})
		require.NoError(t, err)
		require.NoError(t, wire.WriteFrame(conn, req))

		resp, err := wire.ReadFrame(r)
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, resp.Decode(&payload))
		require.Equal(t, float64(i), payload["i"])
	}
}
