package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"livesync/internal/auth"
	"livesync/internal/catalog"
	"livesync/internal/command"
	"livesync/internal/domain"
	"livesync/internal/notifier"
	"livesync/internal/storage/memory"
	"livesync/internal/subscription"
)

const secret = "secret"

func newServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cat := catalog.New()
	if err := cat.Register("shop", &catalog.Collection{Name: "orders", Model: domain.Model{KeyFields: []string{"id"}}}); err != nil {
		t.Fatal(err)
	}
	store := memory.NewStore()
	cat.Bind(store)
	reg := subscription.NewRegistry()
	gate := auth.AllowAll{}
	n := notifier.New(notifier.Config{}, cat, reg, gate)
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)

	r := gin.New()
	New(Config{PingInterval: time.Second}, command.NewHandler(cat, reg, store, gate, n, nil), auth.NewAuthenticator(secret, false), nil).Register(r, "/ws")
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = n.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: user},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func dial(t *testing.T, url, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, user))
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}
}

func next(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRejectsMissingToken(t *testing.T) {
	url := newServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestTokenQueryParameter(t *testing.T) {
	url := newServer(t)
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+token(t, "alice"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	send(t, ws, `{"type":"ping","referenceId":"p"}`)
	if got := next(t, ws); got["type"] != "pong" || got["referenceId"] != "p" {
		t.Fatalf("unexpected reply %v", got)
	}
}

func TestSubscribeAndReceiveChanges(t *testing.T) {
	url := newServer(t)
	sub := dial(t, url, "alice")
	writer := dial(t, url, "bob")

	send(t, sub, `{"type":"subscribe","referenceId":"s1","contextName":"shop","collectionName":"orders"}`)
	if got := next(t, sub); got["type"] != "subscribe" {
		t.Fatalf("unexpected subscribe reply %v", got)
	}
	send(t, writer, `{"type":"create","referenceId":"c1","contextName":"shop","collectionName":"orders","value":{"id":7}}`)
	if got := next(t, writer); got["type"] != "create_result" {
		t.Fatalf("unexpected create reply %v", got)
	}
	got := next(t, sub)
	if got["type"] != "load" || got["referenceId"] != "s1" {
		t.Fatalf("unexpected push %v", got)
	}
}

func TestMalformedCommandGetsErrorResponse(t *testing.T) {
	url := newServer(t)
	ws := dial(t, url, "alice")
	send(t, ws, `not json`)
	if got := next(t, ws); got["type"] != "error" {
		t.Fatalf("unexpected reply %v", got)
	}
	send(t, ws, `{"type":"query","referenceId":"q"}`)
	got := next(t, ws)
	if got["type"] != "error" || got["validationResults"] == nil {
		t.Fatalf("expected validation results, got %v", got)
	}
}
