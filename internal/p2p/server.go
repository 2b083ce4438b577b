package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshlog/meshlog/internal/logstore"
)

// Server listens for peer connections and serves the exchange protocol.
// Each accepted connection gets its own goroutine; handlers share only
// the read-only identity material and the store, which serializes its
// own writes.
type Server struct {
	addr   string
	pubkey string
	store  *logstore.Store
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a server identifying itself with the given
// hex-encoded public key.
func NewServer(addr, pubkey string, store *logstore.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, pubkey: pubkey, store: store, logger: logger}
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("p2p listener started", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("accept failed", "error", err)
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(conn)
			}()
		}
	}()
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Addr returns the bound listener address, useful when listening on
// port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With("conn", uuid.NewString()[:8], "peer", conn.RemoteAddr().String())
	logger.Info("connection accepted")

	if err := send(conn, &Message{Type: TypeHello, Pubkey: s.pubkey}); err != nil {
		logger.Warn("failed to send hello", "error", err)
		return
	}

	first, err := receive(conn)
	if err != nil {
		logReadError(logger, err)
		return
	}
	if first.Type != TypeHello {
		// The handshake is not optional: close and treat the peer as
		// untrusted without reading anything further.
		logger.Warn("closing connection", "error", NewViolationError(
			fmt.Sprintf("expected hello as first message, got %q", first.Type)))
		return
	}
	logger = logger.With("peer_pubkey", shortKey(first.Pubkey))
	logger.Info("peer identified")

	for {
		msg, err := receive(conn)
		if err != nil {
			logReadError(logger, err)
			return
		}

		switch msg.Type {
		case TypePing:
			if err := send(conn, &Message{Type: TypePong}); err != nil {
				logger.Warn("failed to send pong", "error", err)
				return
			}

		case TypeBye:
			logger.Info("peer said goodbye")
			return

		case TypeMemoryRequest:
			if err := s.serveMemories(conn, msg.Filter); err != nil {
				logger.Warn("failed to serve memories", "filter", msg.Filter, "error", err)
				return
			}

		case TypeBundle, TypeMemoryResponse:
			s.importFrom(logger, msg.Data)

		case TypeHello:
			// A repeated hello is harmless; note it and move on.
			logger.Info("redundant hello", "peer_pubkey", shortKey(msg.Pubkey))

		default:
			logger.Warn("closing connection", "error", NewViolationError(
				fmt.Sprintf("unknown message type %q", msg.Type)))
			return
		}
	}
}

func (s *Server) serveMemories(conn net.Conn, filter string) error {
	bundles, err := CollectBundles(s.store, filter)
	if err != nil {
		return err
	}
	data, err := MarshalBundles(bundles)
	if err != nil {
		return err
	}
	return send(conn, &Message{Type: TypeMemoryResponse, Data: data})
}

func (s *Server) importFrom(logger *slog.Logger, data []byte) {
	bundles, err := UnmarshalBundles(data)
	if err != nil {
		logger.Warn("discarding undecodable bundle data", "error", err)
		return
	}
	added, violations, err := ImportBundles(s.store, bundles)
	if err != nil {
		logger.Error("bundle import failed", "error", err)
		return
	}
	for _, v := range violations {
		logger.Warn("rejected object during import", "error", v)
	}
	logger.Info("bundle imported", "added", added, "rejected", len(violations))
}

func send(conn net.Conn, msg *Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(IdleTimeout)); err != nil {
		return err
	}
	return WriteMessage(conn, msg)
}

func receive(conn net.Conn) (*Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
		return nil, err
	}
	return ReadMessage(conn)
}

func logReadError(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		// No Bye, but an EOF is a disconnect, not a violation.
		logger.Info("peer disconnected")
	case IsViolationError(err):
		logger.Warn("closing connection", "error", err)
	default:
		logger.Info("connection closed", "error", err)
	}
}

func shortKey(pubkey string) string {
	if len(pubkey) > 16 {
		return pubkey[:16]
	}
	return pubkey
}
