// Package socket serves clients over length-prefixed protobuf frames on TCP or
// a unix socket. Each request carries one JSON command; subscription
// notifications are pushed back on the same connection.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"livesync/internal/auth"
	"livesync/internal/command"
	"livesync/internal/domain"
	"livesync/internal/hashroute"
)

var ErrConnectionClosed = errors.New("connection closed")

// Checker reports the health of the backing store.
type Checker interface {
	Health(ctx context.Context) (bool, string)
}

type Config struct {
	Network, Address, UnixSocketPath string
	MaxInflight, GlobalQueueLimit    int
	Partitions                       int
	WriterQueue                      int
	TLSConfig                        *tls.Config
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

func WithHealth(c Checker) Option { return func(s *Server) { s.health = c } }

type Server struct {
	cfg     Config
	handler *command.Handler
	authn   *auth.Authenticator
	health  Checker
	log     *zap.Logger

	mu      sync.Mutex
	ln      net.Listener
	conns   map[*connection]struct{}
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	readers sync.WaitGroup
	wg      sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}

func NewServer(cfg Config, handler *command.Handler, authn *auth.Authenticator, opts ...Option) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = hashroute.DefaultPartitionCount
	}
	if cfg.WriterQueue <= 0 {
		cfg.WriterQueue = 256
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if authn == nil {
		authn = auth.NewAuthenticator("", true)
	}
	s := &Server{
		cfg: cfg, handler: handler, authn: authn, log: zap.NewNop(),
		conns:   map[*connection]struct{}{},
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, cfg.Partitions),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx ends or Close is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.mu.Unlock()
	s.addr.Store(ln.Addr().String())
	s.log.Info("socket transport listening", zap.String("network", s.cfg.Network), zap.String("address", s.Addr()))

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting connections, closes the open ones and waits for the
// queued requests to finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	ln := s.ln
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	s.readers.Wait()
	for _, q := range s.partQ {
		close(q)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := newConnection(raw, s.cfg)
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.readers.Add(1)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.readers.Done()
		s.readLoop(ctx, conn)
		s.disconnect(conn)
	}()
}

func (s *Server) disconnect(conn *connection) {
	if conn.authed {
		s.handler.Disconnect(conn.id)
	}
	conn.close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		select {
		case res := <-conn.writerQ:
			payload, err := MarshalMessage(res)
			if err != nil {
				s.log.Warn("response not encoded", zap.String("connection", conn.id), zap.Error(err))
				continue
			}
			if err := WriteFrame(w, payload); err != nil {
				conn.close()
				return
			}
			if len(conn.writerQ) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := s.authenticate(conn, req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: err.Error()})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "adapter queue overloaded"})
			continue
		}

		// one partition per connection keeps its commands in arrival order
		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[hashroute.PartitionFor(conn.id, len(s.partQ))]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "partition queue overloaded"})
		}
	}
}

// authenticate binds the principal of the first request to the connection and
// registers it. Later requests may repeat the token but not change it.
func (s *Server) authenticate(conn *connection, req *SocketRequest) error {
	if conn.authed {
		if req.AuthToken != "" && req.AuthToken != conn.token {
			return errors.New("auth token changed on an authenticated connection")
		}
		return nil
	}
	p, err := s.authn.Authenticate(req.AuthToken)
	if err != nil {
		return err
	}
	conn.principal, conn.token = p, req.AuthToken
	conn.info.UserID = p.UserID
	if err := s.handler.Connect(conn); err != nil {
		return err
	}
	conn.authed = true
	return nil
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for qr := range q {
		res := s.handleRequest(qr)
		qr.release()
		if res != nil {
			s.send(qr.conn, res)
		}
	}
}

// send queues a protocol level reply. Replies to a connection whose writer is
// saturated are dropped.
func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	case <-conn.done:
	default:
	}
}

func (s *Server) handleRequest(qr queuedRequest) *SocketResponse {
	req := qr.req
	switch Operation(req.Operation) {
	case OperationPing:
		return &SocketResponse{RequestId: req.RequestId, Pong: &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}}
	case OperationHealth:
		ok, msg := true, "ok"
		if s.health != nil {
			ok, msg = s.health.Health(qr.ctx)
		}
		return &SocketResponse{RequestId: req.RequestId, Health: &HealthResponse{Ok: ok, Message: msg}}
	case OperationCommand:
		cmd, err := command.Decode(req.Command)
		if err != nil {
			push, _ := json.Marshal(command.Failure(cmd.ReferenceID, err))
			return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error(), Push: push}
		}
		if err := s.handler.Handle(qr.ctx, replyConn{qr.conn, req.RequestId}, cmd); err != nil {
			s.log.Debug("command response not delivered", zap.String("connection", qr.conn.id),
				zap.String("command", string(cmd.Type)), zap.Error(err))
		}
		return nil
	}
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: "unknown operation"}
}

// connection is the subscription.Connection of one socket client. principal
// and authed are written by the read loop before the connection is registered.
type connection struct {
	c         net.Conn
	id        string
	info      domain.ConnectionInfo
	principal domain.Principal
	token     string
	authed    bool
	writerQ   chan *SocketResponse
	inflight  chan struct{}
	done      chan struct{}
	once      sync.Once
}

func newConnection(raw net.Conn, cfg Config) *connection {
	id := uuid.NewString()
	return &connection{
		c:  raw,
		id: id,
		info: domain.ConnectionInfo{
			ID: id, Transport: "socket", RemoteAddr: raw.RemoteAddr().String(), ConnectedAt: time.Now().UTC(),
		},
		writerQ:  make(chan *SocketResponse, cfg.WriterQueue),
		inflight: make(chan struct{}, cfg.MaxInflight),
		done:     make(chan struct{}),
	}
}

func (c *connection) ID() string                  { return c.id }
func (c *connection) Principal() domain.Principal { return c.principal }
func (c *connection) Info() domain.ConnectionInfo { return c.info }

// Send pushes a notification. It blocks while the writer is saturated.
func (c *connection) Send(ctx context.Context, resp domain.Response) error {
	return c.push(ctx, "", resp)
}

func (c *connection) push(ctx context.Context, requestID string, resp domain.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.writerQ <- &SocketResponse{RequestId: requestID, Push: payload}:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.c.Close()
	})
}

// replyConn tags the responses of one request with its request id.
type replyConn struct {
	*connection
	requestID string
}

func (r replyConn) Send(ctx context.Context, resp domain.Response) error {
	return r.push(ctx, r.requestID, resp)
}

// DialAndRequest sends one request on a fresh connection and returns the first
// frame received.
func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool { return ErrorCode(code) == ErrorCodeOverloaded }
