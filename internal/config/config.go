package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// KafkaConfig holds the Kafka consumer settings of the alternate transport.
type KafkaConfig struct {
	Brokers         string   `yaml:"brokers"`
	GroupID         string   `yaml:"group_id"`
	Topics          []string `yaml:"topics"`
	AutoOffsetReset string   `yaml:"auto_offset_reset"`
}

// IngestConfig selects and configures the report transport.
type IngestConfig struct {
	Transport     string      `yaml:"transport"`
	NATSURL       string      `yaml:"nats_url"`
	SubjectPrefix string      `yaml:"subject_prefix"`
	QueueGroup    string      `yaml:"queue_group"`
	Kafka         KafkaConfig `yaml:"kafka"`
}

// CoordinatorConfig holds the worker pool settings.
type CoordinatorConfig struct {
	NumWorkers    int           `yaml:"num_workers"`
	QueueSize     int           `yaml:"queue_size"`
	ReportTimeout time.Duration `yaml:"report_timeout"`
}

// ReconcileConfig holds staleness thresholds. A zero transaction threshold
// disables the check for transactions.
type ReconcileConfig struct {
	FlowStaleness        time.Duration `yaml:"flow_staleness"`
	TransactionStaleness time.Duration `yaml:"transaction_staleness"`
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	Type string `yaml:"type"`
}

// PostgresConfig holds the record store connection settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConns       int32  `yaml:"max_conns"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedisConfig holds the shared cache settings. An empty address disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GeoStaticEntry maps a CIDR to fixed geo data for the static provider.
type GeoStaticEntry struct {
	CIDR        string   `yaml:"cidr"`
	ASNNumber   *int64   `yaml:"asn_number"`
	ASNName     *string  `yaml:"asn_name"`
	ASNDomain   *string  `yaml:"asn_domain"`
	City        *string  `yaml:"city"`
	CountryCode *string  `yaml:"country_code"`
	Latitude    *float64 `yaml:"latitude"`
	Longitude   *float64 `yaml:"longitude"`
}

// GeoConfig holds the geo enrichment client settings.
type GeoConfig struct {
	Provider  string           `yaml:"provider"`
	Static    []GeoStaticEntry `yaml:"static"`
	CacheSize int              `yaml:"cache_size"`
	CacheTTL  time.Duration    `yaml:"cache_ttl"`
	Workers   int              `yaml:"workers"`
	Timeout   time.Duration    `yaml:"timeout"`
}

// StatisticsConfig selects the statistics writers.
type StatisticsConfig struct {
	Writers    []string      `yaml:"writers"`
	BucketSpan time.Duration `yaml:"bucket_span"`
}

// AssetsConfig selects the new-asset event sink.
type AssetsConfig struct {
	Sink    string `yaml:"sink"`
	Subject string `yaml:"subject"`
}

// TapSeed registers a tap at startup.
type TapSeed struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	OrganizationID string `yaml:"organization_id"`
	TenantID       string `yaml:"tenant_id"`
}

// TapsConfig holds the tap resolver cache settings and the taps to register
// on startup.
type TapsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Seed     []TapSeed     `yaml:"seed"`
}

// OpsConfig holds the operational endpoints.
type OpsConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// ProbeConfig holds the tap simulator settings.
type ProbeConfig struct {
	TapID          string        `yaml:"tap_id"`
	NATSURL        string        `yaml:"nats_url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	Interface      string        `yaml:"interface"`
	PcapFile       string        `yaml:"pcap_file"`
	NumShards      uint32        `yaml:"num_shards"`
	ReportInterval time.Duration `yaml:"report_interval"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Storage     StorageConfig     `yaml:"storage"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Redis       RedisConfig       `yaml:"redis"`
	Geo         GeoConfig         `yaml:"geo"`
	Statistics  StatisticsConfig  `yaml:"statistics"`
	Assets      AssetsConfig      `yaml:"assets"`
	Taps        TapsConfig        `yaml:"taps"`
	Ops         OpsConfig         `yaml:"ops"`
	Probe       ProbeConfig       `yaml:"probe"`
}

// EnvPrefix prefixes every environment override, e.g. TAPLEDGER_POSTGRES_DSN.
const EnvPrefix = "TAPLEDGER"

// LoadConfig reads the configuration from a YAML file, applies environment
// overrides and defaults, and validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with defaults only, for tests and local runs.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("log.level", &cfg.Log.Level)
	str("ingest.transport", &cfg.Ingest.Transport)
	str("ingest.nats_url", &cfg.Ingest.NATSURL)
	str("ingest.kafka.brokers", &cfg.Ingest.Kafka.Brokers)
	num("coordinator.num_workers", &cfg.Coordinator.NumWorkers)
	num("coordinator.queue_size", &cfg.Coordinator.QueueSize)
	str("storage.type", &cfg.Storage.Type)
	str("postgres.dsn", &cfg.Postgres.DSN)
	str("clickhouse.host", &cfg.ClickHouse.Host)
	num("clickhouse.port", &cfg.ClickHouse.Port)
	str("clickhouse.username", &cfg.ClickHouse.Username)
	str("clickhouse.password", &cfg.ClickHouse.Password)
	str("redis.addr", &cfg.Redis.Addr)
	str("redis.password", &cfg.Redis.Password)
	str("ops.addr", &cfg.Ops.Addr)
	str("probe.tap_id", &cfg.Probe.TapID)
	str("probe.nats_url", &cfg.Probe.NATSURL)

	if v.IsSet("statistics.writers") {
		cfg.Statistics.Writers = strings.Split(v.GetString("statistics.writers"), ",")
	}
	if v.IsSet("reconcile.flow_staleness") {
		cfg.Reconcile.FlowStaleness = v.GetDuration("reconcile.flow_staleness")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Ingest.Transport == "" {
		cfg.Ingest.Transport = "nats"
	}
	if cfg.Ingest.NATSURL == "" {
		cfg.Ingest.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.Ingest.SubjectPrefix == "" {
		cfg.Ingest.SubjectPrefix = "taps.reports"
	}
	if cfg.Ingest.QueueGroup == "" {
		cfg.Ingest.QueueGroup = "tapledger"
	}
	if cfg.Ingest.Kafka.GroupID == "" {
		cfg.Ingest.Kafka.GroupID = "tapledger"
	}
	if len(cfg.Ingest.Kafka.Topics) == 0 {
		cfg.Ingest.Kafka.Topics = []string{"taps.reports"}
	}
	if cfg.Ingest.Kafka.AutoOffsetReset == "" {
		cfg.Ingest.Kafka.AutoOffsetReset = "latest"
	}
	if cfg.Coordinator.NumWorkers <= 0 {
		cfg.Coordinator.NumWorkers = 8
	}
	if cfg.Coordinator.QueueSize <= 0 {
		cfg.Coordinator.QueueSize = 256
	}
	if cfg.Coordinator.ReportTimeout <= 0 {
		cfg.Coordinator.ReportTimeout = 30 * time.Second
	}
	if cfg.Reconcile.FlowStaleness == 0 {
		cfg.Reconcile.FlowStaleness = 60 * time.Second
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "postgres"
	}
	if cfg.Postgres.MaxConns <= 0 {
		cfg.Postgres.MaxConns = 16
	}
	if cfg.ClickHouse.Port == 0 {
		cfg.ClickHouse.Port = 9000
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "default"
	}
	if cfg.Geo.Provider == "" {
		cfg.Geo.Provider = "nop"
	}
	if cfg.Geo.CacheSize <= 0 {
		cfg.Geo.CacheSize = 10000
	}
	if cfg.Geo.CacheTTL <= 0 {
		cfg.Geo.CacheTTL = 24 * time.Hour
	}
	if cfg.Geo.Workers <= 0 {
		cfg.Geo.Workers = 4
	}
	if cfg.Geo.Timeout <= 0 {
		cfg.Geo.Timeout = 250 * time.Millisecond
	}
	if len(cfg.Statistics.Writers) == 0 {
		cfg.Statistics.Writers = []string{"postgres"}
	}
	if cfg.Statistics.BucketSpan <= 0 {
		cfg.Statistics.BucketSpan = time.Minute
	}
	if cfg.Assets.Sink == "" {
		cfg.Assets.Sink = "log"
	}
	if cfg.Assets.Subject == "" {
		cfg.Assets.Subject = "assets.new"
	}
	if cfg.Taps.CacheTTL <= 0 {
		cfg.Taps.CacheTTL = time.Minute
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = ":9090"
	}
	if cfg.Ops.GRPCAddr == "" {
		cfg.Ops.GRPCAddr = ":9091"
	}
	if cfg.Probe.NATSURL == "" {
		cfg.Probe.NATSURL = cfg.Ingest.NATSURL
	}
	if cfg.Probe.SubjectPrefix == "" {
		cfg.Probe.SubjectPrefix = cfg.Ingest.SubjectPrefix
	}
	if cfg.Probe.NumShards == 0 {
		cfg.Probe.NumShards = 64
	}
	if cfg.Probe.ReportInterval <= 0 {
		cfg.Probe.ReportInterval = 10 * time.Second
	}
	if cfg.Probe.IdleTimeout <= 0 {
		cfg.Probe.IdleTimeout = 2 * time.Minute
	}
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	switch c.Ingest.Transport {
	case "nats", "kafka":
	default:
		return fmt.Errorf("unknown ingest transport %q", c.Ingest.Transport)
	}
	if c.Ingest.Transport == "kafka" && c.Ingest.Kafka.Brokers == "" {
		return fmt.Errorf("ingest.kafka.brokers is required for the kafka transport")
	}
	switch c.Storage.Type {
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for postgres storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Geo.Provider {
	case "nop", "static":
	default:
		return fmt.Errorf("unknown geo provider %q", c.Geo.Provider)
	}
	switch c.Assets.Sink {
	case "nats", "log":
	default:
		return fmt.Errorf("unknown asset sink %q", c.Assets.Sink)
	}
	if c.Reconcile.FlowStaleness < 0 || c.Reconcile.TransactionStaleness < 0 {
		return fmt.Errorf("staleness thresholds must not be negative")
	}
	return nil
}
