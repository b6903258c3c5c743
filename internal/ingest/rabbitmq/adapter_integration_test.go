package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	
	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"livesync/internal/domain"
	"livesync/internal/notifier"
)

type recordingSink struct {
	mu      sync.Mutex
	applied []string
	fn      func(identity string) error
}

func (r *recordingSink) HandleChanges(_ context.Context, identity string, _ []domain.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, identity)
	if r.fn != nil {
		return r.fn(identity)
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	cleanup := func() { _ = c.Terminate(ctx) }
	return url, cleanup
}

func publish(t *testing.T, ch *amqp091.Channel, exchange, key string, body []byte) {
	t.Helper()
	if err := ch.PublishWithContext(context.Background(), exchange, key, false, false, amqp091.Publishing{ContentType: "application/json", Body: body}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func openChannel(t *testing.T, url string) (*amqp091.Connection, *amqp091.Channel) {
	t.Helper()
	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		t.Fatalf("channel: %v", err)
	}
	return conn, ch
}

func TestAdapterIntegration_AckAndRedeliveryAndDrop(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	retryOnce := true
	sink := &recordingSink{fn: func(string) error {
		if retryOnce {
			retryOnce = false
			return fmt.Errorf("busy: %w", notifier.ErrOverloaded)
		}
		return nil
	}}
	cfg := Config{Enabled: true, URL: url, Exchange: "livesync.changes", Queue: "livesync.ingest", RoutingKeys: []string{"changes.*"}, ConsumerTag: "livesync-it", PrefetchCount: 2, ManualAck: true, Workers: 2, DeliveryQueue: 32}
	adapter, err := NewAdapter(cfg, sink, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	good, _ := json.Marshal(map[string]any{"context": "shop", "changes": []any{map[string]any{"collection": "orders", "kind": "created", "primaryValues": []any{1}}}})
	publish(t, ch, cfg.Exchange, "changes.order", good)
	publish(t, ch, cfg.Exchange, "changes.order", []byte(`{"context":"shop"`))

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if sink.count() >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if sink.count() < 2 {
		t.Fatalf("expected redelivery after retryable nack, got dispatches=%d", sink.count())
	}

	out, err := ch.Consume("livesync.ingest", "verify-empty", false, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume verify queue: %v", err)
	}
	select {
	case d := <-out:
		_ = d.Nack(false, true)
		t.Fatalf("expected malformed message to be nacked drop (not requeued)")
	case <-time.After(700 * time.Millisecond):
	}
}

func TestAdapterIntegration_BackpressurePrefetchOne(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	release := make(chan struct{})
	sink := &recordingSink{fn: func(string) error {
		<-release
		return nil
	}}
	cfg := Config{Enabled: true, URL: url, Exchange: "livesync.changes2", Queue: "livesync.prefetch", RoutingKeys: []string{"changes.prefetch"}, ConsumerTag: "livesync-prefetch", PrefetchCount: 1, ManualAck: true, Workers: 1, DeliveryQueue: 1}
	adapter, err := NewAdapter(cfg, sink, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	m1 := []byte(`{"context":"shop","changes":[{"collection":"orders","kind":"created","primaryValues":[1]}]}`)
	m2 := []byte(`{"context":"shop","changes":[{"collection":"orders","kind":"created","primaryValues":[2]}]}`)
	publish(t, ch, cfg.Exchange, "changes.prefetch", m1)
	publish(t, ch, cfg.Exchange, "changes.prefetch", m2)

	time.Sleep(400 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Fatalf("expected only one inflight dispatch with prefetch=1, got %d", got)
	}
	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sink.count() >= 2 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("expected second delivery after first ack, got dispatches=%d", sink.count())
}
