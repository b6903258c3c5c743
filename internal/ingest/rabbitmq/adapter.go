package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"livesync/internal/ingest"
)

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	TLS           TLSConfig
	Auth          AuthConfig
	Parser        ParserConfig
	Workers       int
	DeliveryQueue int
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type ParserConfig struct {
	// DefaultContext applies to batches that name no context and carry no
	// "context" header.
	DefaultContext string
}

// Adapter consumes change batches from a queue. Deliveries are acked once the
// sink accepted the batch, requeued when the sink is temporarily unable to take
// it and dropped when they can never be processed.
type Adapter struct {
	cfg      Config
	sink     ingest.Sink
	log      *zap.Logger
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, sink ingest.Sink, log *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "livesync-rabbitmq"
	}
	return &Adapter{cfg: cfg, sink: sink, log: log, closed: make(chan struct{}), ops: make(chan deliveryTask, cfg.DeliveryQueue)}, nil
}

// Start connects, declares the change exchange and queue, and launches the
// consumer. It returns once deliveries are flowing.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := a.dial()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	deliveries, err := a.consume(ch)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1 + a.cfg.Workers)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		go a.workerLoop(ctx)
	}
	a.log.Info("consuming change batches", zap.String("queue", a.cfg.Queue), zap.String("exchange", a.cfg.Exchange))
	return nil
}

func (a *Adapter) dial() (*amqp091.Connection, error) {
	dialCfg := amqp091.Config{Properties: amqp091.NewConnectionProperties()}
	dialCfg.Properties.SetClientConnectionName(a.cfg.ConsumerTag)
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	tlsCfg, err := a.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	dialCfg.TLSClientConfig = tlsCfg
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

// consume declares a durable topic exchange and queue, binds every routing key
// (all keys when none are configured) and starts a manual-ack consumer.
func (a *Adapter) consume(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", a.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", a.cfg.Queue, err)
	}
	keys := a.cfg.RoutingKeys
	if len(keys) == 0 {
		keys = []string{"#"}
	}
	for _, key := range keys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue %s: %w", a.cfg.Queue, err)
	}
	return deliveries, nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	close(a.ops)
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	batch, err := a.parseDelivery(d)
	if err != nil {
		a.log.Warn("dropping undecodable change batch", zap.String("source", sourceRef(d)), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := a.sink.HandleChanges(ctx, batch.Context, batch.Changes); err != nil {
		requeue := ingest.Retryable(err)
		a.log.Warn("change batch not dispatched", zap.String("source", sourceRef(d)), zap.Bool("requeue", requeue), zap.Error(err))
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

func (a *Adapter) parseDelivery(d amqp091.Delivery) (ingest.Batch, error) {
	contextName := headerString(d.Headers, "context")
	if contextName == "" {
		contextName = a.cfg.Parser.DefaultContext
	}
	return ingest.Decode(d.Body, contextName)
}

func sourceRef(d amqp091.Delivery) string {
	return fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag)
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	t := a.cfg.TLS
	if !t.Enabled {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: t.InsecureSkipVerify, ServerName: t.ServerName}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		out.RootCAs = x509.NewCertPool()
		if !out.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("rabbitmq ca_file %s holds no certificates", t.CAFile)
		}
	}
	if t.CertFile == "" && t.KeyFile == "" {
		return out, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load rabbitmq client certificate: %w", err)
	}
	out.Certificates = []tls.Certificate{cert}
	return out, nil
}
