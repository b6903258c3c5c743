package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livesync/internal/auth"
	"livesync/internal/catalog"
	"livesync/internal/command"
	"livesync/internal/config"
	"livesync/internal/domain"
	"livesync/internal/ingest/kafka"
	"livesync/internal/ingest/rabbitmq"
	"livesync/internal/logger"
	"livesync/internal/notifier"
	"livesync/internal/storage"
	"livesync/internal/storage/memory"
	"livesync/internal/storage/sqlite"
	"livesync/internal/subscription"
	"livesync/internal/transport/socket"
	"livesync/internal/transport/websocket"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML or TOML config file")
	return cmd
}

// server holds the wired components of one node.
type server struct {
	cfg      config.Config
	log      *zap.Logger
	catalog  *catalog.Catalog
	store    storage.Engine
	registry *subscription.Registry
	notifier *notifier.Notifier
	handler  *command.Handler
	authn    *auth.Authenticator
	metrics  *prometheus.Registry
}

func newServer(cfg config.Config, log *zap.Logger) (*server, error) {
	cat, err := buildCatalog(cfg.Contexts)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	cat.Bind(store)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	reg := subscription.NewRegistry()
	gate := auth.NewPolicyGate()
	n := notifier.New(notifier.Config{
		Workers:         cfg.Notifier.Workers,
		Partitions:      cfg.Notifier.Partitions,
		QueueSize:       cfg.Notifier.QueueSize,
		DeliveryTimeout: cfg.Notifier.DeliveryTimeout,
	}, cat, reg, gate, notifier.WithLogger(log.Named("notifier")), notifier.WithMetrics(notifier.NewMetrics(metrics)))

	return &server{
		cfg:      cfg,
		log:      log,
		catalog:  cat,
		store:    store,
		registry: reg,
		notifier: n,
		handler:  command.NewHandler(cat, reg, store, gate, n, log.Named("command")),
		authn:    auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AllowAnonymous),
		metrics:  metrics,
	}, nil
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	s, err := newServer(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = s.store.Close() }()

	s.notifier.Start(ctx)
	defer func() { _ = s.notifier.Close() }()

	var kafkaIngest *kafka.Adapter
	if kc := cfg.Ingest.Kafka; kc.Enabled {
		if kafkaIngest, err = kafka.NewAdapter(kafkaConfig(kc), s.notifier, log.Named("kafka")); err != nil {
			return err
		}
	}
	var rabbitIngest *rabbitmq.Adapter
	if rc := cfg.Ingest.RabbitMQ; rc.Enabled {
		if rabbitIngest, err = rabbitmq.NewAdapter(rabbitConfig(rc), s.notifier, log.Named("rabbitmq")); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if rabbitIngest != nil {
		if err := rabbitIngest.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return rabbitIngest.Close()
		})
	}
	if kafkaIngest != nil {
		g.Go(func() error {
			if err := kafkaIngest.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka ingest: %w", err)
			}
			return nil
		})
	}

	if sc := cfg.Transport.Socket; sc.Enabled {
		sock := socket.NewServer(socket.Config{
			Network:          sc.Network,
			Address:          sc.Address,
			UnixSocketPath:   sc.UnixSocketPath,
			MaxInflight:      sc.MaxInflight,
			GlobalQueueLimit: sc.GlobalQueueLimit,
			Partitions:       cfg.Notifier.Partitions,
		}, s.handler, s.authn, socket.WithLogger(log.Named("socket")), socket.WithHealth(s.store))
		g.Go(func() error { return sock.Start(ctx) })
	}

	httpSrv := &http.Server{Addr: cfg.Server.HTTPAddress, Handler: s.router()}
	g.Go(func() error {
		log.Info("http listening", zap.String("address", cfg.Server.HTTPAddress))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	log.Info("livesync started", zap.String("node", cfg.Server.NodeID), zap.Strings("contexts", s.catalog.Contexts()))
	err = g.Wait()
	log.Info("livesync stopped", zap.Error(err))
	return err
}

func (s *server) router() *gin.Engine {
	if !s.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
	if wc := s.cfg.Transport.WebSocket; wc.Enabled {
		websocket.New(websocket.Config{
			ReadLimit:    wc.ReadLimit,
			PingInterval: wc.PingInterval,
		}, s.handler, s.authn, s.log.Named("websocket")).Register(r, wc.Path)
	}
	return r
}

func (s *server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	ok, msg := s.store.Health(ctx)
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ok":          ok,
		"message":     msg,
		"node":        s.cfg.Server.NodeID,
		"connections": s.registry.Len(),
	})
}

// buildCatalog registers every configured collection and its aliases.
func buildCatalog(contexts []config.ContextConfig) (*catalog.Catalog, error) {
	cat := catalog.New()
	for _, cc := range contexts {
		for _, coll := range cc.Collections {
			err := cat.Register(cc.Name, &catalog.Collection{
				Name:  coll.Name,
				Model: domain.Model{Name: coll.Name, KeyFields: coll.Key, Fields: coll.Fields},
				Policy: catalog.Policy{
					QueryRoles:   coll.Policy.QueryRoles,
					MutateRoles:  coll.Policy.MutateRoles,
					OwnerField:   coll.Policy.OwnerField,
					HiddenFields: coll.Policy.HiddenFields,
					AdminRoles:   coll.Policy.AdminRoles,
				},
			})
			if err != nil {
				return nil, err
			}
		}
		for _, alias := range cc.Aliases {
			if err := cat.Alias(alias, cc.Name); err != nil {
				return nil, err
			}
		}
	}
	return cat, nil
}

func openStore(cfg config.StorageConfig) (storage.Engine, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		store, err := sqlite.NewStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
}

func kafkaConfig(kc config.KafkaConfig) kafka.Config {
	return kafka.Config{
		Enabled:        true,
		Brokers:        kc.Brokers,
		Topics:         kc.Topics,
		GroupID:        kc.GroupID,
		ClientID:       kc.ClientID,
		WorkerCount:    kc.Workers,
		DefaultContext: kc.DefaultContext,
		Auth: kafka.AuthConfig{
			SASL: kafka.SASLConfig{Enabled: kc.SASL.Enabled, Username: kc.SASL.Username, Password: kc.SASL.Password},
			TLS:  kafka.TLSConfig{Enabled: kc.TLS.Enabled, InsecureSkipVerify: kc.TLS.InsecureSkipVerify},
		},
	}
}

func rabbitConfig(rc config.RabbitMQConfig) rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:       true,
		URL:           rc.URL,
		Exchange:      rc.Exchange,
		Queue:         rc.Queue,
		RoutingKeys:   rc.RoutingKeys,
		PrefetchCount: rc.PrefetchCount,
		ManualAck:     true,
		Workers:       rc.Workers,
		DeliveryQueue: rc.DeliveryQueue,
		Parser:        rabbitmq.ParserConfig{DefaultContext: rc.DefaultContext},
		Auth:          rabbitmq.AuthConfig{Username: rc.Username, Password: rc.Password},
		TLS: rabbitmq.TLSConfig{
			Enabled:            rc.TLS.Enabled,
			InsecureSkipVerify: rc.TLS.InsecureSkipVerify,
			ServerName:         rc.TLS.ServerName,
			CAFile:             rc.TLS.CAFile,
			CertFile:           rc.TLS.CertFile,
			KeyFile:            rc.TLS.KeyFile,
		},
	}
}
