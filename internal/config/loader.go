package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "lawai.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "LAWAI_HEALTH_PORT")
	setString(&cfg.Store.Driver, "LAWAI_STORE_DRIVER")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "LAWAI_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "LAWAI_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "LAWAI_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "LAWAI_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "LAWAI_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "LAWAI_NATS_STREAM")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setDuration(&cfg.LiteLLM.Timeout, "LAWAI_LITELLM_TIMEOUT")
	setString(&cfg.LiteLLM.SecretsDir, "LAWAI_SECRETS_DIR")
	setString(&cfg.Logging.Level, "LAWAI_LOG_LEVEL")
	setString(&cfg.Logging.Service, "LAWAI_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LAWAI_LOG_ASYNC")
	setString(&cfg.Logging.Format, "LAWAI_LOG_FORMAT")
	setInt(&cfg.Breaker.MaxFailures, "LAWAI_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "LAWAI_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "LAWAI_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "LAWAI_CACHE_L2_BUCKET")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "LAWAI_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "LAWAI_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTEL.SampleRate, "LAWAI_OTEL_SAMPLE_RATE")

	// Orchestrator
	setString(&cfg.Orchestrator.PlannerModel, "LAWAI_ORCH_PLANNER_MODEL")
	setInt(&cfg.Orchestrator.PlannerMaxTokens, "LAWAI_ORCH_PLANNER_MAX_TOKENS")
	setString(&cfg.Orchestrator.SafetyModel, "LAWAI_ORCH_SAFETY_MODEL")
	setInt(&cfg.Orchestrator.SafetyMaxTokens, "LAWAI_ORCH_SAFETY_MAX_TOKENS")
	setBool(&cfg.Orchestrator.Stream, "LAWAI_ORCH_STREAM")
	setBool(&cfg.Orchestrator.SafetyGate, "LAWAI_ORCH_SAFETY_GATE")
	setInt(&cfg.Orchestrator.ClaimBatchSize, "LAWAI_ORCH_CLAIM_BATCH_SIZE")
	setDuration(&cfg.Orchestrator.ExecuteTimeout, "LAWAI_ORCH_EXECUTE_TIMEOUT")
	setDuration(&cfg.Orchestrator.SafetyCacheTTL, "LAWAI_ORCH_SAFETY_CACHE_TTL")
	for _, kind := range []string{"director", "domain", "safety"} {
		setCeiling(cfg.Orchestrator.BudgetCeilings, kind, "LAWAI_ORCH_BUDGET_"+strings.ToUpper(kind))
	}

	// Workers
	setStrings(&cfg.Workers.OrgIDs, "LAWAI_WORKER_ORG_IDS")
	setStrings(&cfg.Workers.Kinds, "LAWAI_WORKER_KINDS")
	setDuration(&cfg.Workers.PollInterval, "LAWAI_WORKER_POLL_INTERVAL")
	setStrings(&cfg.Workers.RemoteDomains, "LAWAI_WORKER_REMOTE_DOMAINS")
	setDuration(&cfg.Workers.RemoteTimeout, "LAWAI_WORKER_REMOTE_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Orchestrator.ClaimBatchSize < 1 {
		return errors.New("orchestrator.claim_batch_size must be >= 1")
	}
	if cfg.Orchestrator.BudgetCeilings["domain"] < 1 {
		return errors.New("orchestrator.budget_ceilings.domain must be >= 1")
	}
	for kind, n := range cfg.Orchestrator.BudgetCeilings {
		if n < 0 {
			return fmt.Errorf("orchestrator.budget_ceilings.%s must be >= 0", kind)
		}
	}
	if cfg.Workers.PollInterval <= 0 {
		return errors.New("workers.poll_interval must be > 0")
	}
	if len(cfg.Workers.RemoteDomains) > 0 && cfg.NATS.URL == "" {
		return errors.New("workers.remote_domains requires nats.url")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setStrings reads a comma-separated list.
func setStrings(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setCeiling(dst map[string]int, kind, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			dst[kind] = n
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
