package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"crdtstore/internal/auth"
	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
	"crdtstore/internal/logging"
)

// NodeStore is the five-operation surface a Server exposes remotely —
// satisfied by *localstore.Store without that package needing to
// import this one.
type NodeStore interface {
	Upload() (chunk.Sink, error)
	Download(since uint64) (crdt.Source, error)
	Take() (chunk.TakeSession, error)
	Remove() (chunk.Sink, error)
	Ping(ctx context.Context) error
}

// Server accepts wire connections and dispatches each one's requests
// against a NodeStore. One goroutine handles one connection for its
// entire lifetime — Go's analogue of the per-connection reactor state
// machine the protocol describes, without an explicit event loop.
type Server struct {
	store    NodeStore
	tokens   *auth.TokenService
	maxConns int
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server. maxConns <= 0 means unlimited concurrent
// connections; otherwise the listener is wrapped in
// golang.org/x/net/netutil.LimitListener so a connection flood degrades
// into queued Accepts instead of unbounded goroutine growth.
func NewServer(store NodeStore, tokens *auth.TokenService, maxConns int, logger *slog.Logger) *Server {
	return &Server{
		store:    store,
		tokens:   tokens,
		maxConns: maxConns,
		logger:   logging.Default(logger).With("component", "wire-server"),
	}
}

// Serve accepts connections on l until Stop is called or Accept fails.
// It blocks; callers typically run it in its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	if s.maxConns > 0 {
		l = netutil.LimitListener(l, s.maxConns)
	}
	s.mu.Lock()
	s.listener = l
	s.closed = make(chan struct{})
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to
// finish their current request before returning.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed == nil {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	l := s.listener
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr().String())

	if err := readHello(conn); err != nil {
		logger.Debug("rejected connection: bad preamble", "error", err)
		return
	}

	nodeID, err := s.handshake(conn)
	if err != nil {
		logger.Info("handshake failed", "error", err)
		return
	}
	logger = logger.With("peer", nodeID)

	br := bufio.NewReader(conn)
	for {
		req, err := readEnvelope(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("connection closed", "error", err)
			}
			return
		}
		if !s.dispatch(conn, br, req, logger) {
			return
		}
	}
}

// handshake validates the connecting peer's signed node-identity token
// and reports its node ID, or returns an error after notifying the peer
// of the rejection.
func (s *Server) handshake(conn net.Conn) (string, error) {
	req, err := readEnvelope(conn)
	if err != nil {
		return "", err
	}
	if req.Type != msgHandshake {
		writeEnvelope(conn, envelope{Type: msgHandshakeRejected, Message: "expected handshake"})
		return "", fmt.Errorf("%w: expected handshake, got %d", ErrProtocol, req.Type)
	}
	if req.Version != ProtocolVersion {
		msg := fmt.Sprintf("unsupported protocol version %d", req.Version)
		writeEnvelope(conn, envelope{Type: msgHandshakeRejected, Message: msg})
		return "", fmt.Errorf("%w: %s", ErrProtocol, msg)
	}
	// With no TokenService configured, the server runs open and trusts
	// the claimed identity — single-node and test setups.
	if s.tokens != nil {
		claims, err := s.tokens.Verify(req.Token)
		if err != nil || claims.NodeID() != req.NodeID {
			writeEnvelope(conn, envelope{Type: msgHandshakeRejected, Message: "invalid node token"})
			return "", fmt.Errorf("wire: reject %s: invalid token", req.NodeID)
		}
	}
	if err := writeEnvelope(conn, envelope{Type: msgHandshake, Version: ProtocolVersion}); err != nil {
		return "", err
	}
	return req.NodeID, nil
}

// dispatch handles one request and reports whether the connection
// should continue to the next one.
func (s *Server) dispatch(conn net.Conn, br *bufio.Reader, req envelope, logger *slog.Logger) bool {
	switch req.Type {
	case msgUpload:
		return s.handleIngest(conn, br, logger, s.store.Upload, msgUploadAck)
	case msgRemove:
		return s.handleIngest(conn, br, logger, s.store.Remove, msgRemoveAck)
	case msgDownload:
		return s.handleDownload(conn, req.Since, logger)
	case msgTake:
		return s.handleTake(conn, br, logger)
	case msgPing:
		return s.handlePing(conn, logger)
	default:
		writeEnvelope(conn, envelope{Type: msgError, Message: "unknown request type"})
		return false
	}
}

func (s *Server) handleIngest(conn net.Conn, br *bufio.Reader, logger *slog.Logger, open func() (chunk.Sink, error), ack msgType) bool {
	sink, err := open()
	if err != nil {
		writeEnvelope(conn, envelope{Type: msgError, Message: err.Error()})
		return false
	}
	for {
		e, ok, err := readEntry(br)
		if err != nil {
			sink.Abort()
			logger.Info("ingest stream broken, aborting", "error", err)
			return false
		}
		if !ok {
			break
		}
		if err := sink.Put(e); err != nil {
			sink.Abort()
			writeEnvelope(conn, envelope{Type: msgError, Message: err.Error()})
			return false
		}
	}
	if err := sink.Close(); err != nil {
		writeEnvelope(conn, envelope{Type: msgError, Message: err.Error()})
		return false
	}
	return writeEnvelope(conn, envelope{Type: ack}) == nil
}

func (s *Server) handleDownload(conn net.Conn, since uint64, logger *slog.Logger) bool {
	src, err := s.store.Download(since)
	if err != nil {
		writeEnvelope(conn, envelope{Type: msgError, Message: err.Error()})
		return false
	}
	if err := writeEnvelope(conn, envelope{Type: msgDownloadStarted}); err != nil {
		return false
	}
	if err := streamOut(conn, src); err != nil {
		// The stream already started; there is no clean envelope for a
		// mid-stream failure, so the connection is simply dropped and the
		// peer sees a broken read instead of a normal terminator.
		logger.Info("download stream failed", "error", err)
		return false
	}
	return true
}

func (s *Server) handleTake(conn net.Conn, br *bufio.Reader, logger *slog.Logger) bool {
	session, err := s.store.Take()
	if err != nil {
		writeEnvelope(conn, envelope{Type: msgError, Message: err.Error()})
		return false
	}
	if err := writeEnvelope(conn, envelope{Type: msgTakeStarted}); err != nil {
		session.Cancel()
		return false
	}
	if err := streamOut(conn, session); err != nil {
		session.Cancel()
		logger.Info("take stream failed", "error", err)
		return false
	}
	ack, err := readEnvelope(br)
	if err != nil {
		// Peer vanished before acknowledging: per the take contract, the
		// absence of TakeAck means the data was not committed as removed.
		session.Cancel()
		logger.Info("take stream ended without ack, leaving data in place", "error", err)
		return false
	}
	if ack.Type != msgTakeAck {
		session.Cancel()
		logger.Info("expected TakeAck, got different request", "type", ack.Type)
		return false
	}
	if err := session.Ack(); err != nil {
		logger.Warn("take ack commit failed", "error", err)
		return false
	}
	return true
}

func (s *Server) handlePing(conn net.Conn, logger *slog.Logger) bool {
	if err := s.store.Ping(context.Background()); err != nil {
		writeEnvelope(conn, envelope{Type: msgError, Message: err.Error()})
		return false
	}
	return writeEnvelope(conn, envelope{Type: msgPong}) == nil
}

// streamOut writes every entry of src to conn followed by the stream
// terminator. On a read error from src it returns the error without
// writing a terminator, leaving the connection's bulk stream visibly
// truncated to the reader on the other end.
func streamOut(conn net.Conn, src crdt.Source) error {
	for {
		e, ok, err := src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := writeEntry(conn, e); err != nil {
			return err
		}
	}
	return writeStreamEnd(conn)
}
