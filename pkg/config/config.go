package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aquaops/aquaops/pkg/api"
	"github.com/aquaops/aquaops/pkg/collab"
	"github.com/aquaops/aquaops/pkg/condition"
	"github.com/aquaops/aquaops/pkg/ingest"
	"github.com/aquaops/aquaops/pkg/pm"
	"github.com/aquaops/aquaops/pkg/predictive"
	"github.com/aquaops/aquaops/pkg/stores"
	"github.com/aquaops/aquaops/pkg/telemetry"
	"github.com/aquaops/aquaops/pkg/worker"
)

// EnvPrefix prefixes every environment override, e.g. AQUAOPS_STORE_DSN.
const EnvPrefix = "AQUAOPS"

// Config is the complete engine configuration.
type Config struct {
	Server     api.Config       `mapstructure:"server"`
	Store      stores.Config    `mapstructure:"store"`
	Telemetry  telemetry.Config `mapstructure:"telemetry" validate:"-"`
	Collab     CollabConfig     `mapstructure:"collab"`
	PM         pm.Config        `mapstructure:"pm"`
	Condition  condition.Config `mapstructure:"condition"`
	Predictive PredictiveConfig `mapstructure:"predictive"`
	Workers    worker.Config    `mapstructure:"workers"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
}

// CollabConfig selects the collaborator adapter.
type CollabConfig struct {
	// Mode is static (a YAML directory file) or gateway (a REST gateway).
	Mode          string               `mapstructure:"mode" validate:"oneof=static gateway"`
	DirectoryFile string               `mapstructure:"directory_file"`
	Gateway       collab.GatewayConfig `mapstructure:"gateway" validate:"-"`
}

// PredictiveConfig configures rule evaluation and rule files.
type PredictiveConfig struct {
	predictive.Config `mapstructure:",squash"`

	// RulePaths are rule files or directories loaded at startup.
	RulePaths []string `mapstructure:"rule_paths"`

	// WatchRules reloads the rule paths when they change.
	WatchRules bool `mapstructure:"watch_rules"`
}

// IngestConfig enables the reading transports.
type IngestConfig struct {
	Redis RedisIngestConfig `mapstructure:"redis"`
	MQTT  MQTTIngestConfig  `mapstructure:"mqtt"`
}

// RedisIngestConfig wraps the Redis Streams consumer settings.
type RedisIngestConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	ingest.StreamConfig `mapstructure:",squash" validate:"-"`
}

// MQTTIngestConfig wraps the MQTT subscriber settings.
type MQTTIngestConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	ingest.MQTTConfig `mapstructure:",squash" validate:"-"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: api.DefaultConfig(),
		Store: stores.Config{
			Driver: stores.DialectSQLite,
			Path:   "aquaops.db",
		},
		Telemetry: *telemetry.DefaultConfig(),
		Collab: CollabConfig{
			Mode:          "static",
			DirectoryFile: "directory.yaml",
			Gateway:       collab.GatewayConfig{Timeout: 10 * time.Second, RetryCount: 2},
		},
		PM:         pm.DefaultConfig(),
		Condition:  condition.Config{Workers: 8},
		Predictive: PredictiveConfig{Config: predictive.Config{Workers: 4}},
		Workers:    worker.DefaultConfig(),
		Ingest: IngestConfig{
			Redis: RedisIngestConfig{StreamConfig: ingest.DefaultStreamConfig()},
			MQTT:  MQTTIngestConfig{MQTTConfig: ingest.DefaultMQTTConfig()},
		},
	}
}

// Load reads the configuration. Values come, lowest precedence first, from
// the defaults, the config file, a .env file in the working directory and
// AQUAOPS_* environment variables. An empty path searches for aquaops.yaml
// in the working directory and /etc/aquaops.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aquaops")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/aquaops")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the settings that depend on each
// other.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	if c.Store.Driver == stores.DialectPostgres && c.Store.DSN == "" {
		return errors.New("invalid configuration: store.dsn is required for postgres")
	}
	if c.Collab.Mode == "gateway" {
		if err := validate.Struct(c.Collab.Gateway); err != nil {
			return fmt.Errorf("invalid collab.gateway configuration: %w", err)
		}
	}
	if c.Ingest.Redis.Enabled {
		if err := validate.Struct(c.Ingest.Redis.StreamConfig); err != nil {
			return fmt.Errorf("invalid ingest.redis configuration: %w", err)
		}
	}
	if c.Ingest.MQTT.Enabled {
		if err := validate.Struct(c.Ingest.MQTT.MQTTConfig); err != nil {
			return fmt.Errorf("invalid ingest.mqtt configuration: %w", err)
		}
	}
	return nil
}

// setDefaults registers every default so that environment variables can
// override keys absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("store.driver", string(d.Store.Driver))
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", t.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.max_batch_size", t.Events.MaxBatchSize)
	v.SetDefault("telemetry.events.enable_async", t.Events.EnableAsync)

	v.SetDefault("collab.mode", d.Collab.Mode)
	v.SetDefault("collab.directory_file", d.Collab.DirectoryFile)
	v.SetDefault("collab.gateway.base_url", d.Collab.Gateway.BaseURL)
	v.SetDefault("collab.gateway.token", d.Collab.Gateway.Token)
	v.SetDefault("collab.gateway.timeout", d.Collab.Gateway.Timeout)
	v.SetDefault("collab.gateway.retry_count", d.Collab.Gateway.RetryCount)

	v.SetDefault("pm.workers", d.PM.Workers)
	v.SetDefault("pm.max_deferral_days", d.PM.MaxDeferralDays)
	v.SetDefault("pm.failure_flag_threshold", d.PM.FailureFlagThreshold)
	v.SetDefault("condition.workers", d.Condition.Workers)
	v.SetDefault("predictive.workers", d.Predictive.Workers)
	v.SetDefault("predictive.rule_paths", d.Predictive.RulePaths)
	v.SetDefault("predictive.watch_rules", d.Predictive.WatchRules)

	v.SetDefault("workers.pm_tick", d.Workers.PMTick)
	v.SetDefault("workers.predictive", d.Workers.Predictive)
	v.SetDefault("workers.sla_sweep", d.Workers.SLASweep)
	v.SetDefault("workers.compliance_rollup", d.Workers.ComplianceRollup)
	v.SetDefault("workers.timeout", d.Workers.Timeout)
	v.SetDefault("workers.max_retries", d.Workers.MaxRetries)
	v.SetDefault("workers.retry_base_delay", d.Workers.RetryBaseDelay)

	r := d.Ingest.Redis
	v.SetDefault("ingest.redis.enabled", r.Enabled)
	v.SetDefault("ingest.redis.addr", r.Addr)
	v.SetDefault("ingest.redis.password", r.Password)
	v.SetDefault("ingest.redis.db", r.DB)
	v.SetDefault("ingest.redis.stream", r.Stream)
	v.SetDefault("ingest.redis.group", r.Group)
	v.SetDefault("ingest.redis.consumer", r.Consumer)
	v.SetDefault("ingest.redis.count", r.Count)
	v.SetDefault("ingest.redis.block", r.Block)
	v.SetDefault("ingest.redis.claim_idle", r.ClaimIdle)

	m := d.Ingest.MQTT
	v.SetDefault("ingest.mqtt.enabled", m.Enabled)
	v.SetDefault("ingest.mqtt.broker", m.Broker)
	v.SetDefault("ingest.mqtt.client_id", m.ClientID)
	v.SetDefault("ingest.mqtt.username", m.Username)
	v.SetDefault("ingest.mqtt.password", m.Password)
	v.SetDefault("ingest.mqtt.topic", m.Topic)
	v.SetDefault("ingest.mqtt.qos", m.QoS)
	v.SetDefault("ingest.mqtt.timeout", m.Timeout)
}
