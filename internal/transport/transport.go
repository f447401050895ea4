// Package transport implements the framed local-socket listener (spec C1):
// it accepts connections from the consensus driver, decodes varint-framed
// request envelopes, hands each to a Handler in arrival order, and writes
// back the response on the same connection. Grounded in the teacher's
// Accept-loop-plus-per-connection-goroutine pattern (go/bindings test
// support's unix-socket lambda server), adapted from HTTP/2 framing to this
// core's own varint+JSON wire format since protobuf-generated stubs are out
// of scope.
package transport

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/xian-network/abci-core/internal/logging"
	"github.com/xian-network/abci-core/internal/wire"
)

// Handler processes one decoded request envelope and returns the response
// to write back. Implementations must not block indefinitely: the listener
// serves one connection's requests strictly in arrival order, so a slow
// handler delays every later request on that connection.
type Handler interface {
	Handle(req wire.Envelope) wire.Envelope
}

// Server accepts connections on a Unix domain socket and serves them with a
// Handler.
type Server struct {
	socketPath string
	handler    Handler

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// New builds a Server that will listen on socketPath once Serve is called.
// Any pre-existing socket file at that path is removed first, matching the
// usual Unix-domain-socket bind convention.
func New(socketPath string, handler Handler) *Server {
	return &Server{socketPath: socketPath, handler: handler}
}

// Serve binds the socket and accepts connections until Close is called. It
// blocks the calling goroutine; callers typically run it in its own
// goroutine from cmd/abcicore's main.
func (s *Server) Serve() error {
	_ = os.Remove(s.socketPath)
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	entry := logging.Component("transport")
	entry.WithField("socket", s.socketPath).Info("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			entry.WithError(err).Warn("accept failed")
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// Close stops accepting new connections and waits for in-flight connections
// to finish their current request (graceful shutdown: no request is
// abandoned mid-handling).
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	entry := logging.Component("transport")
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		req, err := wire.ReadFrame(reader)
		if err != nil {
			return
		}

		resp := s.handler.Handle(req)

		// One write per response: a single buffered Write plus an explicit
		// Flush, so the framed bytes reach the socket as one contiguous
		// write and responses cannot interleave out of order on this
		// connection.
		if err := wire.WriteFrame(writer, resp); err != nil {
			entry.WithError(err).Warn("writing response frame")
			return
		}
		if err := writer.Flush(); err != nil {
			entry.WithError(err).Warn("flushing response")
			return
		}
	}
}
