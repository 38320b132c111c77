package ops

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. EXCHANGE_GRPC_ADDR.
const EnvPrefix = "EXCHANGE"

// Settings are the process level knobs. Reference data lives in its own YAML file.
type Settings struct {
	RefData          string        `mapstructure:"refdata"`
	GRPCAddr         string        `mapstructure:"grpc_addr"`
	UDSPath          string        `mapstructure:"uds_path"`
	UDSMaxSessions   int           `mapstructure:"uds_max_sessions"`
	UDSIdleTimeout   time.Duration `mapstructure:"uds_idle_timeout"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	WALDir           string        `mapstructure:"wal_dir"`
	WALPrune         bool          `mapstructure:"wal_prune"`
	SnapshotPath     string        `mapstructure:"snapshot_path"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	PebbleDir        string        `mapstructure:"pebble_dir"`
	HistorySize      int           `mapstructure:"history_size"`
	QueueSize        int           `mapstructure:"queue_size"`
	BusCapacity      int           `mapstructure:"bus_capacity"`
	StartOrderID     uint64        `mapstructure:"start_order_id"`
	WatchRefData     bool          `mapstructure:"watch_refdata"`

	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Pyroscope PyroscopeSettings `mapstructure:"pyroscope"`
}

// KafkaSettings configures the market data sink. No brokers disables it.
type KafkaSettings struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Client  string   `mapstructure:"client"`
}

// Enabled reports whether the sink should run.
func (k KafkaSettings) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// PostgresSettings configures the trade store. No host and no conn string disables it.
type PostgresSettings struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	SSLMode    string `mapstructure:"sslmode"`
	ConnString string `mapstructure:"conn_string"`

	MaxOpenConns  int           `mapstructure:"max_open_conns"`
	MaxIdleConns  int           `mapstructure:"max_idle_conns"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// Enabled reports whether the trade store should run.
func (p PostgresSettings) Enabled() bool {
	return p.Host != "" || p.ConnString != ""
}

// PyroscopeSettings configures continuous profiling. No server disables it.
type PyroscopeSettings struct {
	Server string `mapstructure:"server"`
	App    string `mapstructure:"app"`
}

const (
	KafkaClientKafkaGo = "kafka-go"
	KafkaClientSarama  = "sarama"
)

// LoadSettings reads settings from path, or from ./engine.yaml and ./config/engine.yaml when path
// is empty. A missing file leaves defaults and environment overrides.
func LoadSettings(path string) (Settings, error) {
	v := viper.New()

	v.SetDefault("refdata", "refdata.yaml")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("uds_path", "/tmp/exchange.sock")
	v.SetDefault("uds_max_sessions", 64)
	v.SetDefault("uds_idle_timeout", 5*time.Minute)
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("wal_dir", "data/wal")
	v.SetDefault("wal_prune", false)
	v.SetDefault("snapshot_path", "data/snapshot.json")
	v.SetDefault("snapshot_interval", time.Minute)
	v.SetDefault("pebble_dir", "")
	v.SetDefault("history_size", 1<<20)
	v.SetDefault("queue_size", 1024)
	v.SetDefault("bus_capacity", 4096)
	v.SetDefault("start_order_id", 0)
	v.SetDefault("watch_refdata", true)
	// nested keys need a default to be visible to AutomaticEnv during Unmarshal
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "exchange.events")
	v.SetDefault("kafka.client", KafkaClientKafkaGo)
	v.SetDefault("postgres.host", "")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.conn_string", "")
	v.SetDefault("postgres.max_open_conns", 8)
	v.SetDefault("postgres.max_idle_conns", 2)
	v.SetDefault("postgres.slow_threshold", 200*time.Millisecond)
	v.SetDefault("pyroscope.server", "")
	v.SetDefault("pyroscope.app", "exchange.engine")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("engine")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive: %d", s.QueueSize)
	}
	if s.BusCapacity <= 0 {
		return fmt.Errorf("bus_capacity must be positive: %d", s.BusCapacity)
	}
	switch s.Kafka.Client {
	case KafkaClientKafkaGo, KafkaClientSarama:
	default:
		return fmt.Errorf("unknown kafka client: %s", s.Kafka.Client)
	}
	return nil
}
