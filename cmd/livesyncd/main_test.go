package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"livesync/internal/config"
	"livesync/internal/transport/socket"
)

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{NodeID: "n1", ShutdownTimeout: time.Second},
		Auth:    config.AuthConfig{AllowAnonymous: true},
		Storage: config.StorageConfig{Driver: "memory"},
		Transport: config.TransportConfig{
			WebSocket: config.WebSocketConfig{Enabled: true, Path: "/ws"},
		},
		Contexts: []config.ContextConfig{{
			Name:    "Shop",
			Aliases: []string{"shop-db"},
			Collections: []config.CollectionConfig{
				{Name: "orders", Key: []string{"id"}, Policy: config.PolicyConfig{OwnerField: "owner"}},
				{Name: "customers", Key: []string{"id"}},
			},
		}},
	}
}

func TestBuildCatalogRegistersCollectionsAndAliases(t *testing.T) {
	cat, err := buildCatalog(testConfig().Contexts)
	if err != nil {
		t.Fatal(err)
	}
	name, ok := cat.Resolve("SHOP-DB")
	if !ok || name != "Shop" {
		t.Fatalf("alias did not resolve: %q %v", name, ok)
	}
	coll, err := cat.Collection("shop", "orders")
	if err != nil {
		t.Fatal(err)
	}
	if coll.Policy.OwnerField != "owner" || coll.Model.KeyFields[0] != "id" {
		t.Fatalf("unexpected collection %+v", coll)
	}
	if len(cat.Collections("shop")) != 2 {
		t.Fatalf("expected two collections")
	}
}

func TestBuildCatalogRejectsMissingKey(t *testing.T) {
	_, err := buildCatalog([]config.ContextConfig{{Name: "shop", Collections: []config.CollectionConfig{{Name: "orders"}}}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenStore(t *testing.T) {
	if _, err := openStore(config.StorageConfig{Driver: "bogus"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	store, err := openStore(config.StorageConfig{Driver: "sqlite", Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if ok, msg := store.Health(context.Background()); !ok {
		t.Fatalf("sqlite store unhealthy: %s", msg)
	}
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	s, err := newServer(testConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["ok"] != true || body["node"] != "n1" {
		t.Fatalf("unexpected health body %v", body)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer mresp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(mresp.Body)
	if !strings.Contains(buf.String(), "go_goroutines") {
		t.Fatalf("metrics missing runtime collectors")
	}

	wresp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	wresp.Body.Close()
	if wresp.StatusCode == http.StatusNotFound {
		t.Fatalf("websocket route not mounted")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestPingCommandAgainstSocketServer(t *testing.T) {
	s, err := newServer(testConfig(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sock := socket.NewServer(socket.Config{Network: "tcp", Address: "127.0.0.1:0"}, s.handler, s.authn, socket.WithHealth(s.store))
	go func() { _ = sock.Start(ctx) }()
	defer sock.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sock.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("socket server not started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"ping", "--address", sock.Addr(), "--health"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "ok=true") {
		t.Fatalf("unexpected ping output %q", out.String())
	}
}
