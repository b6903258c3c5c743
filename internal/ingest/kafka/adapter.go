package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"

	"livesync/internal/ingest"
)

const (
	CommitModeAfterDispatch = "after_dispatch"
	ParseModeJSON           = "json_batch"
	ParseModeCustom         = "custom_mapper"
)

// Mapper turns a record into a change batch when the JSON layout does not fit.
type Mapper interface {
	MapKafkaRecord(*kgo.Record) (ingest.Batch, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	CommitMode     string
	ParseMode      string
	// DefaultContext is used for batches that do not name their context.
	DefaultContext string
	// RetryBackoff is the first wait before redispatching a batch the sink
	// could not take yet. It doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Auth           AuthConfig
	Fetch          FetchConfig

	CustomMapper Mapper
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter consumes change batches from Kafka topics and hands them to a sink.
// Offsets are committed once the sink accepted the batch, or when the record
// can never be decoded.
type Adapter struct {
	cfg Config
	log *zap.Logger

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	sink         ingest.Sink
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, sink ingest.Sink, log *zap.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: cfg.Auth.SASL.Username, Pass: cfg.Auth.SASL.Password}.AsMechanism()))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		client:  cl,
		sink:    sink,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
		acks:    make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitModeAfterDispatch
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = c.RetryBackoff
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.CommitMode != CommitModeAfterDispatch {
		return fmt.Errorf("unsupported commit mode %q", c.CommitMode)
	}
	if c.ParseMode == ParseModeCustom && c.CustomMapper == nil {
		return errors.New("kafka custom_mapper parse mode needs a mapper")
	}
	return nil
}

// Start polls until ctx ends or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	var workers sync.WaitGroup
	for i := 0; i < a.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.runWorker(ctx)
		}()
	}
	stop := func() {
		close(a.records)
		workers.Wait()
		close(a.acks)
		wg.Wait()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			stop()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			stop()
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				stop()
				return ctx.Err()
			}
			stop()
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				a.enqueue(ctx, rec)
			}
		})
		a.client.AllowRebalance()
	}
}

// enqueue blocks until a worker slot frees up, pausing the fetch while the
// queue is full.
func (a *Adapter) enqueue(ctx context.Context, rec *kgo.Record) {
	for {
		select {
		case a.records <- rec:
			a.maybeResume()
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) Close() { a.closed.Store(true) }

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		batch, err := a.normalizeRecord(rec)
		if err == nil {
			err = a.dispatch(ctx, rec, batch)
		}
		a.acks <- recordAck{record: rec, err: err}
	}
}

// dispatch hands the batch to the sink, waiting out retryable failures so a
// later offset is never committed past a batch the sink did not take.
func (a *Adapter) dispatch(ctx context.Context, rec *kgo.Record, batch ingest.Batch) error {
	backoff := a.cfg.RetryBackoff
	for {
		err := a.sink.HandleChanges(ctx, batch.Context, batch.Changes)
		if err == nil || !ingest.Retryable(err) || ctx.Err() != nil {
			return err
		}
		a.log.Debug("sink busy, retrying change batch", zap.String("source", sourceRef(rec)), zap.Duration("backoff", backoff), zap.Error(err))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if backoff *= 2; backoff > a.cfg.MaxRetryBackoff {
			backoff = a.cfg.MaxRetryBackoff
		}
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for ack := range a.acks {
		if ack.record == nil {
			continue
		}
		if ack.err != nil {
			if !errors.Is(ack.err, ingest.ErrInvalidPayload) {
				a.log.Warn("change batch not dispatched", zap.String("source", sourceRef(ack.record)), zap.Error(ack.err))
				continue
			}
			a.log.Warn("dropping undecodable change batch", zap.String("source", sourceRef(ack.record)), zap.Error(ack.err))
		}
		a.markCommit(ack.record)
		if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("offset commit failed", zap.Error(err))
		}
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (ingest.Batch, error) {
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		return ingest.Decode(rec.Value, a.contextFor(rec))
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return ingest.Batch{}, fmt.Errorf("%w: custom mapper not configured", ingest.ErrInvalidPayload)
		}
		return a.cfg.CustomMapper.MapKafkaRecord(rec)
	}
	return ingest.Batch{}, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
}

// contextFor prefers a "context" record header over the configured default.
func (a *Adapter) contextFor(rec *kgo.Record) string {
	for _, h := range rec.Headers {
		if h.Key == "context" && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return a.cfg.DefaultContext
}

func sourceRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
