package wire

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crdtstore/internal/auth"
	"crdtstore/internal/chunk"
	"crdtstore/internal/config"
	"crdtstore/internal/crdt"
	"crdtstore/internal/logging"
)

// Client is a single persistent connection to one remote node, used
// serially for the five operations — one connection per remote
// partition. It is not safe to use Upload/Download/Take/
// Remove/Ping concurrently from multiple goroutines on the same Client;
// callers that need concurrent access to the same remote node construct
// multiple Clients.
type Client struct {
	addr   string
	nodeID string
	tokens *auth.TokenService
	netCfg config.NetConfig
	logger *slog.Logger

	// reconnect paces redial attempts so a remote outage doesn't turn
	// into a dial hot-loop. One limiter per Client suffices since each
	// Client addresses exactly one remote.
	reconnect *rate.Limiter

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

// NewClient builds a Client that dials addr lazily on first use.
func NewClient(addr, nodeID string, tokens *auth.TokenService, netCfg config.NetConfig, logger *slog.Logger) *Client {
	interval := time.Duration(netCfg.ReconnectInterval)
	if interval <= 0 {
		interval = time.Second
	}
	return &Client{
		addr:      addr,
		nodeID:    nodeID,
		tokens:    tokens,
		netCfg:    netCfg,
		logger:    logging.Default(logger).With("component", "wire-client", "addr", addr),
		reconnect: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (c *Client) ensureConn(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, c.br, nil
	}
	if err := c.reconnect.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("wire: reconnect throttled: %w", err)
	}
	timeout := time.Duration(c.netCfg.ConnectTimeout)
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: dial %s: %w", c.addr, err)
	}
	if err := c.handshakeLocked(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.logger.Info("connected")
	return c.conn, c.br, nil
}

func (c *Client) handshakeLocked(conn net.Conn) error {
	if err := writeHello(conn); err != nil {
		return err
	}
	var token string
	if c.tokens != nil {
		var err error
		token, _, err = c.tokens.Issue(c.nodeID, nil)
		if err != nil {
			return fmt.Errorf("wire: issue handshake token: %w", err)
		}
	}
	if err := writeEnvelope(conn, envelope{Type: msgHandshake, NodeID: c.nodeID, Token: token, Version: ProtocolVersion}); err != nil {
		return err
	}
	resp, err := readEnvelope(conn)
	if err != nil {
		return fmt.Errorf("wire: handshake: %w", err)
	}
	if resp.Type != msgHandshake {
		return fmt.Errorf("%w: handshake rejected: %s", ErrProtocol, resp.Message)
	}
	return nil
}

// drop closes and forgets the current connection, so the next call
// redials (and waits on the reconnect limiter).
func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.br = nil
	}
}

// Close tears down the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	return err
}

func (c *Client) Upload() (chunk.Sink, error) { return c.openSink(msgUpload, msgUploadAck) }
func (c *Client) Remove() (chunk.Sink, error) { return c.openSink(msgRemove, msgRemoveAck) }

func (c *Client) openSink(reqType, ackType msgType) (chunk.Sink, error) {
	conn, br, err := c.ensureConn(context.Background())
	if err != nil {
		return nil, err
	}
	if err := writeEnvelope(conn, envelope{Type: reqType}); err != nil {
		c.drop()
		return nil, err
	}
	return &clientSink{c: c, conn: conn, br: br, ackType: ackType}, nil
}

// clientSink streams Put entries directly onto the wire; Close sends
// the stream terminator and waits for the remote's ack.
type clientSink struct {
	c       *Client
	conn    net.Conn
	br      *bufio.Reader
	ackType msgType
	lastKey []byte
	hasLast bool
	done    bool
}

func (s *clientSink) Put(e crdt.Entry) error {
	if s.hasLast {
		if err := crdt.CheckAscending(s.lastKey, e.Key); err != nil {
			return err
		}
	}
	if err := writeEntry(s.conn, e); err != nil {
		s.c.drop()
		return fmt.Errorf("wire: stream entry: %w", err)
	}
	s.lastKey = e.Key
	s.hasLast = true
	return nil
}

func (s *clientSink) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := writeStreamEnd(s.conn); err != nil {
		s.c.drop()
		return err
	}
	resp, err := readEnvelope(s.br)
	if err != nil {
		s.c.drop()
		return fmt.Errorf("wire: await ack: %w", err)
	}
	if resp.Type == msgError {
		return fmt.Errorf("wire: remote rejected stream: %s", resp.Message)
	}
	if resp.Type != s.ackType {
		s.c.drop()
		return fmt.Errorf("%w: expected ack %d, got %d", ErrProtocol, s.ackType, resp.Type)
	}
	return nil
}

// Abort severs the connection without sending the stream terminator;
// the remote sees a broken read on its side and aborts its own sink
// the same way a local caller would after an error mid-upload.
func (s *clientSink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	s.c.drop()
	return nil
}

var _ chunk.Sink = (*clientSink)(nil)

// clientStreamSource wraps streamSource so a broken read also drops
// the Client's cached connection, instead of leaving a half-dead
// socket around for the next call to trip over.
type clientStreamSource struct {
	streamSource
	c *Client
}

func (s *clientStreamSource) Next() (crdt.Entry, bool, error) {
	e, ok, err := s.streamSource.Next()
	if err != nil {
		s.c.drop()
	}
	return e, ok, err
}

var _ crdt.Source = (*clientStreamSource)(nil)

func (c *Client) Download(since uint64) (crdt.Source, error) {
	conn, br, err := c.ensureConn(context.Background())
	if err != nil {
		return nil, err
	}
	if err := writeEnvelope(conn, envelope{Type: msgDownload, Since: since}); err != nil {
		c.drop()
		return nil, err
	}
	resp, err := readEnvelope(br)
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("wire: download: %w", err)
	}
	if resp.Type == msgError {
		return nil, fmt.Errorf("wire: download rejected: %s", resp.Message)
	}
	if resp.Type != msgDownloadStarted {
		c.drop()
		return nil, fmt.Errorf("%w: expected DownloadStarted, got %d", ErrProtocol, resp.Type)
	}
	return &clientStreamSource{streamSource: streamSource{r: br}, c: c}, nil
}

// clientTakeSession adds Ack to a clientStreamSource, for the take
// operation's explicit commit step.
type clientTakeSession struct {
	clientStreamSource
	conn net.Conn
}

func (s *clientTakeSession) Ack() error {
	if err := writeEnvelope(s.conn, envelope{Type: msgTakeAck}); err != nil {
		s.c.drop()
		return fmt.Errorf("wire: send take ack: %w", err)
	}
	return nil
}

// Cancel severs the connection without sending TakeAck. The remote sees
// a broken read in place of the ack and releases its take without
// deleting anything.
func (s *clientTakeSession) Cancel() error {
	s.c.drop()
	return nil
}

var _ chunk.TakeSession = (*clientTakeSession)(nil)

func (c *Client) Take() (chunk.TakeSession, error) {
	conn, br, err := c.ensureConn(context.Background())
	if err != nil {
		return nil, err
	}
	if err := writeEnvelope(conn, envelope{Type: msgTake}); err != nil {
		c.drop()
		return nil, err
	}
	resp, err := readEnvelope(br)
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("wire: take: %w", err)
	}
	if resp.Type == msgError {
		return nil, fmt.Errorf("wire: take rejected: %s", resp.Message)
	}
	if resp.Type != msgTakeStarted {
		c.drop()
		return nil, fmt.Errorf("%w: expected TakeStarted, got %d", ErrProtocol, resp.Type)
	}
	return &clientTakeSession{clientStreamSource: clientStreamSource{streamSource: streamSource{r: br}, c: c}, conn: conn}, nil
}

// Ping round-trips a liveness check, respecting ctx's deadline for the
// dial (if a connection must first be established) but not for the
// single request/response exchange on an already-open connection.
func (c *Client) Ping(ctx context.Context) error {
	conn, br, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	if err := writeEnvelope(conn, envelope{Type: msgPing}); err != nil {
		c.drop()
		return err
	}
	resp, err := readEnvelope(br)
	if err != nil {
		c.drop()
		return fmt.Errorf("wire: ping: %w", err)
	}
	if resp.Type == msgError {
		return fmt.Errorf("wire: ping failed: %s", resp.Message)
	}
	if resp.Type != msgPong {
		c.drop()
		return fmt.Errorf("%w: expected Pong, got %d", ErrProtocol, resp.Type)
	}
	return nil
}
