package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"livesync/internal/hashroute"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Transport TransportConfig `mapstructure:"transport"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Contexts  []ContextConfig `mapstructure:"contexts"`
}

type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	HTTPAddress     string        `mapstructure:"http_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous"`
}

type NotifierConfig struct {
	Workers         int           `mapstructure:"workers"`
	Partitions      int           `mapstructure:"partitions"`
	QueueSize       int           `mapstructure:"queue_size"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
}

type TransportConfig struct {
	Socket    SocketConfig    `mapstructure:"socket"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

type SocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
}

type WebSocketConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Path         string        `mapstructure:"path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled        bool       `mapstructure:"enabled"`
	Brokers        []string   `mapstructure:"brokers"`
	Topics         []string   `mapstructure:"topics"`
	GroupID        string     `mapstructure:"group_id"`
	ClientID       string     `mapstructure:"client_id"`
	Workers        int        `mapstructure:"workers"`
	DefaultContext string     `mapstructure:"default_context"`
	SASL           SASLConfig `mapstructure:"sasl"`
	TLS            TLSConfig  `mapstructure:"tls"`
}

type SASLConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type RabbitMQConfig struct {
	Enabled        bool      `mapstructure:"enabled"`
	URL            string    `mapstructure:"url"`
	Exchange       string    `mapstructure:"exchange"`
	Queue          string    `mapstructure:"queue"`
	RoutingKeys    []string  `mapstructure:"routing_keys"`
	PrefetchCount  int       `mapstructure:"prefetch_count"`
	Workers        int       `mapstructure:"workers"`
	DeliveryQueue  int       `mapstructure:"delivery_queue"`
	DefaultContext string    `mapstructure:"default_context"`
	Username       string    `mapstructure:"username"`
	Password       string    `mapstructure:"password"`
	TLS            TLSConfig `mapstructure:"tls"`
}

// ContextConfig declares one data context and its collections. Aliases are
// extra identities (store ids, topic names) that resolve to the context.
type ContextConfig struct {
	Name        string             `mapstructure:"name"`
	Aliases     []string           `mapstructure:"aliases"`
	Collections []CollectionConfig `mapstructure:"collections"`
}

type CollectionConfig struct {
	Name   string       `mapstructure:"name"`
	Key    []string     `mapstructure:"key"`
	Fields []string     `mapstructure:"fields"`
	Policy PolicyConfig `mapstructure:"policy"`
}

type PolicyConfig struct {
	QueryRoles   []string `mapstructure:"query_roles"`
	MutateRoles  []string `mapstructure:"mutate_roles"`
	OwnerField   string   `mapstructure:"owner_field"`
	HiddenFields []string `mapstructure:"hidden_fields"`
	AdminRoles   []string `mapstructure:"admin_roles"`
}

// Load reads path (YAML or TOML by extension) with LIVESYNC_ environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("livesync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "livesync-1")
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.allow_anonymous", false)
	v.SetDefault("notifier.workers", 64)
	v.SetDefault("notifier.partitions", hashroute.DefaultPartitionCount)
	v.SetDefault("notifier.queue_size", 128)
	v.SetDefault("notifier.delivery_timeout", 10*time.Second)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dir", "data")
	v.SetDefault("transport.socket.enabled", false)
	v.SetDefault("transport.socket.network", "tcp")
	v.SetDefault("transport.socket.address", ":7070")
	v.SetDefault("transport.socket.max_inflight", 64)
	v.SetDefault("transport.socket.global_queue_limit", 4096)
	v.SetDefault("transport.websocket.enabled", true)
	v.SetDefault("transport.websocket.path", "/ws")
	v.SetDefault("transport.websocket.read_limit", 1<<20)
	v.SetDefault("transport.websocket.ping_interval", 30*time.Second)
	v.SetDefault("ingest.kafka.group_id", "livesync")
	v.SetDefault("ingest.kafka.workers", 4)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 16)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 64)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		return fmt.Errorf("auth.jwt_secret is required unless auth.allow_anonymous is set")
	}
	if c.Notifier.Workers < 0 || c.Notifier.Partitions < 0 || c.Notifier.QueueSize < 0 {
		return fmt.Errorf("notifier sizes must not be negative")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if err := c.Transport.validate(); err != nil {
		return err
	}
	if err := c.Ingest.validate(); err != nil {
		return err
	}
	return validateContexts(c.Contexts)
}

func (t TransportConfig) validate() error {
	if !t.Socket.Enabled && !t.WebSocket.Enabled {
		return fmt.Errorf("at least one transport must be enabled")
	}
	if t.Socket.Enabled {
		switch t.Socket.Network {
		case "tcp":
			if t.Socket.Address == "" {
				return fmt.Errorf("transport.socket.address is required")
			}
		case "unix":
			if t.Socket.UnixSocketPath == "" {
				return fmt.Errorf("transport.socket.unix_socket_path is required")
			}
		default:
			return fmt.Errorf("unsupported transport.socket.network %q", t.Socket.Network)
		}
	}
	if t.WebSocket.Enabled && !strings.HasPrefix(t.WebSocket.Path, "/") {
		return fmt.Errorf("transport.websocket.path must start with /")
	}
	return nil
}

func (i IngestConfig) validate() error {
	if k := i.Kafka; k.Enabled {
		if len(k.Brokers) == 0 || len(k.Topics) == 0 {
			return fmt.Errorf("ingest.kafka.brokers and ingest.kafka.topics are required")
		}
	}
	if r := i.RabbitMQ; r.Enabled {
		if r.URL == "" || r.Exchange == "" || r.Queue == "" {
			return fmt.Errorf("ingest.rabbitmq.url, exchange and queue are required")
		}
	}
	return nil
}

func validateContexts(contexts []ContextConfig) error {
	seen := map[string]bool{}
	for i, ctx := range contexts {
		name := hashroute.Canonicalize(ctx.Name)
		if name == "" {
			return fmt.Errorf("contexts[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("context %q declared twice", ctx.Name)
		}
		seen[name] = true
		if len(ctx.Collections) == 0 {
			return fmt.Errorf("context %q declares no collections", ctx.Name)
		}
		colls := map[string]bool{}
		for j, coll := range ctx.Collections {
			cn := hashroute.Canonicalize(coll.Name)
			if cn == "" {
				return fmt.Errorf("contexts[%d].collections[%d].name is required", i, j)
			}
			if colls[cn] {
				return fmt.Errorf("collection %s.%s declared twice", ctx.Name, coll.Name)
			}
			colls[cn] = true
			if len(coll.Key) == 0 {
				return fmt.Errorf("collection %s.%s: key is required", ctx.Name, coll.Name)
			}
		}
	}
	return nil
}
