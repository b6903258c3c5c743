// Package websocket serves clients over JSON websocket messages mounted on a
// gin router.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livesync/internal/auth"
	"livesync/internal/command"
	"livesync/internal/domain"
)

var ErrConnectionClosed = errors.New("connection closed")

type Config struct {
	ReadLimit    int64
	SendQueue    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

type Handler struct {
	cfg      Config
	commands *command.Handler
	authn    *auth.Authenticator
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config, commands *command.Handler, authn *auth.Authenticator, log *zap.Logger) *Handler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if authn == nil {
		authn = auth.NewAuthenticator("", true)
	}
	return &Handler{
		cfg: cfg, commands: commands, authn: authn, log: log,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
	}
}

// Register mounts the endpoint on r.
func (h *Handler) Register(r gin.IRoutes, path string) { r.GET(path, h.Serve) }

// Serve authenticates the request, upgrades it and runs the connection until
// the client goes away.
func (h *Handler) Serve(c *gin.Context) {
	p, err := h.authn.Authenticate(bearer(c))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn := newConnection(ws, p, c.ClientIP(), h.cfg)
	if err := h.commands.Connect(conn); err != nil {
		h.log.Warn("connection rejected", zap.Error(err))
		conn.close()
		return
	}
	defer h.commands.Disconnect(conn.id)
	defer conn.close()
	go conn.writeLoop(h.log)

	ws.SetReadLimit(h.cfg.ReadLimit)
	pongWait := 2 * h.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", zap.String("connection", conn.id), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		cmd, err := command.Decode(data)
		if err != nil {
			if err := conn.Send(ctx, command.Failure(cmd.ReferenceID, err)); err != nil {
				return
			}
			continue
		}
		if err := h.commands.Handle(ctx, conn, cmd); err != nil {
			h.log.Debug("command response not delivered", zap.String("connection", conn.id), zap.Error(err))
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
		}
	}
}

// bearer reads the token from the Authorization header, falling back to the
// token query parameter for browser clients.
func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

type connection struct {
	ws        *websocket.Conn
	id        string
	principal domain.Principal
	info      domain.ConnectionInfo
	cfg       Config
	sendQ     chan []byte
	done      chan struct{}
	once      sync.Once
}

func newConnection(ws *websocket.Conn, p domain.Principal, remote string, cfg Config) *connection {
	id := uuid.NewString()
	return &connection{
		ws: ws, id: id, principal: p, cfg: cfg,
		info:  domain.ConnectionInfo{ID: id, UserID: p.UserID, Transport: "websocket", RemoteAddr: remote, ConnectedAt: time.Now().UTC()},
		sendQ: make(chan []byte, cfg.SendQueue),
		done:  make(chan struct{}),
	}
}

func (c *connection) ID() string                  { return c.id }
func (c *connection) Principal() domain.Principal { return c.principal }
func (c *connection) Info() domain.ConnectionInfo { return c.info }

func (c *connection) Send(ctx context.Context, resp domain.Response) error {
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
	case c.sendQ <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) writeLoop(log *zap.Logger) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case payload := <-c.sendQ:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug("websocket write failed", zap.String("connection", c.id), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
