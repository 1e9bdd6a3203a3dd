package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingBaseURL     = errors.New("UPSTREAM_BASE_URL is required")
	ErrMissingCredentials = errors.New("UPSTREAM_TOKEN_URL, UPSTREAM_CLIENT_ID and UPSTREAM_CLIENT_SECRET are required")
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// WebSocket progress feed
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	Upstream UpstreamConfig
	Database DatabaseConfig
	Dynamo   DynamoConfig
	Enrich   EnrichConfig
	Query    QueryConfig
	Notify   NotifyConfig
	Schedule ScheduleConfig

	SkipAuth   bool
	OIDCIssuer string
}

// UpstreamConfig configures the report API client and fetcher
type UpstreamConfig struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	Timeout        time.Duration
	PageSize       int
	MaxPages       int
	MaxRetries     int
	RetryBackoff   time.Duration
	PageRatePerSec float64
	FetchCDRs      bool
	EndpointsFile  string
	Endpoints      []EndpointConfig
}

// DatabaseConfig configures the SQL raw store and ledger
type DatabaseConfig struct {
	Driver          string // sqlite | mysql
	DSN             string
	RawStore        string // sql | dynamodb
	RawChunkSize    int
	LedgerBatchSize int
	MatchSQLMin     int
	MatchSQLMax     int
}

// EnrichConfig configures record normalization
type EnrichConfig struct {
	DefaultRegion  string
	ReportTimezone string
}

// QueryConfig configures the windowed query engine
type QueryConfig struct {
	DescriptorTTL time.Duration
	Store         string // memory | redis
	RedisAddress  string
	RedisPassword string
	RedisDB       int
}

// NotifyConfig configures run-completion notifications
type NotifyConfig struct {
	Driver       string // none | amqp | mqtt
	AMQPURL      string
	AMQPExchange string
	MQTTBroker   string
	MQTTClientID string
	TopicPrefix  string
}

// ScheduleConfig configures periodic ingestion
type ScheduleConfig struct {
	Tenants  []string
	Interval time.Duration
	Lookback time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SkipAuth:       getEnv("SKIP_AUTH", "false") == "true",
		OIDCIssuer:     getEnv("OIDC_ISSUER", ""),
		Dynamo:         LoadDynamoConfig(),
	}

	wsReadTimeout, err := getInt("WS_READ_TIMEOUT", 60)
	if err != nil {
		return nil, err
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := getInt("WS_WRITE_TIMEOUT", 10)
	if err != nil {
		return nil, err
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 512

	if config.Upstream, err = loadUpstream(); err != nil {
		return nil, err
	}
	if config.Database, err = loadDatabase(); err != nil {
		return nil, err
	}
	if config.Query, err = loadQuery(); err != nil {
		return nil, err
	}
	if config.Schedule, err = loadSchedule(); err != nil {
		return nil, err
	}

	config.Enrich = EnrichConfig{
		DefaultRegion:  strings.ToUpper(getEnv("DEFAULT_REGION", "AE")),
		ReportTimezone: getEnv("REPORT_TIMEZONE", "UTC"),
	}
	if _, err := time.LoadLocation(config.Enrich.ReportTimezone); err != nil {
		return nil, fmt.Errorf("invalid REPORT_TIMEZONE: %w", err)
	}

	config.Notify = NotifyConfig{
		Driver:       getEnv("NOTIFY_DRIVER", "none"),
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "ledger"),
		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "cdr-ledger"),
		TopicPrefix:  getEnv("NOTIFY_TOPIC_PREFIX", "ledger"),
	}

	return config, nil
}

func loadUpstream() (UpstreamConfig, error) {
	cfg := UpstreamConfig{
		BaseURL:       strings.TrimSuffix(getEnv("UPSTREAM_BASE_URL", ""), "/"),
		TokenURL:      getEnv("UPSTREAM_TOKEN_URL", ""),
		ClientID:      getEnv("UPSTREAM_CLIENT_ID", ""),
		ClientSecret:  getEnv("UPSTREAM_CLIENT_SECRET", ""),
		FetchCDRs:     getEnv("FETCH_CDRS", "false") == "true",
		EndpointsFile: getEnv("ENDPOINTS_FILE", ""),
	}

	timeout, err := getInt("UPSTREAM_TIMEOUT", 30)
	if err != nil {
		return cfg, err
	}
	cfg.Timeout = time.Duration(timeout) * time.Second

	if cfg.PageSize, err = getInt("PAGE_SIZE", MaxPageSize); err != nil {
		return cfg, err
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	if cfg.MaxPages, err = getInt("MAX_PAGES", 20000); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = getInt("PAGE_MAX_RETRIES", 3); err != nil {
		return cfg, err
	}
	backoffMs, err := getInt("RETRY_BACKOFF_MS", 1000)
	if err != nil {
		return cfg, err
	}
	cfg.RetryBackoff = time.Duration(backoffMs) * time.Millisecond

	rate, err := strconv.ParseFloat(getEnv("PAGE_RATE_PER_SEC", "0"), 64)
	if err != nil {
		return cfg, fmt.Errorf("invalid PAGE_RATE_PER_SEC: %w", err)
	}
	cfg.PageRatePerSec = rate

	if cfg.EndpointsFile != "" {
		cfg.Endpoints, err = LoadEndpoints(cfg.EndpointsFile)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg.Endpoints = DefaultEndpoints()
	}
	return cfg, nil
}

func loadDatabase() (DatabaseConfig, error) {
	cfg := DatabaseConfig{
		Driver:   getEnv("DB_DRIVER", "sqlite"),
		DSN:      getEnv("DB_DSN", "ledger.db"),
		RawStore: getEnv("RAW_STORE", "sql"),
	}
	if cfg.Driver != "sqlite" && cfg.Driver != "mysql" {
		return cfg, fmt.Errorf("invalid DB_DRIVER %q (valid: sqlite, mysql)", cfg.Driver)
	}
	if cfg.RawStore != "sql" && cfg.RawStore != "dynamodb" {
		return cfg, fmt.Errorf("invalid RAW_STORE %q (valid: sql, dynamodb)", cfg.RawStore)
	}

	var err error
	if cfg.RawChunkSize, err = getInt("RAW_CHUNK_SIZE", 500); err != nil {
		return cfg, err
	}
	if cfg.LedgerBatchSize, err = getInt("LEDGER_BATCH_SIZE", 500); err != nil {
		return cfg, err
	}
	if cfg.MatchSQLMin, err = getInt("MATCH_SQL_MIN", 5000); err != nil {
		return cfg, err
	}
	if cfg.MatchSQLMax, err = getInt("MATCH_SQL_MAX", 200000); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadQuery() (QueryConfig, error) {
	cfg := QueryConfig{
		Store:         getEnv("QUERY_STORE", "memory"),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
	}
	ttl, err := time.ParseDuration(getEnv("QUERY_DESCRIPTOR_TTL", "10m"))
	if err != nil {
		return cfg, fmt.Errorf("invalid QUERY_DESCRIPTOR_TTL: %w", err)
	}
	cfg.DescriptorTTL = ttl
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadSchedule() (ScheduleConfig, error) {
	cfg := ScheduleConfig{Tenants: splitList(getEnv("TENANTS", ""))}
	interval, err := time.ParseDuration(getEnv("INGEST_INTERVAL", "0s"))
	if err != nil {
		return cfg, fmt.Errorf("invalid INGEST_INTERVAL: %w", err)
	}
	cfg.Interval = interval
	lookback, err := time.ParseDuration(getEnv("INGEST_LOOKBACK", "1h"))
	if err != nil {
		return cfg, fmt.Errorf("invalid INGEST_LOOKBACK: %w", err)
	}
	cfg.Lookback = lookback
	return cfg, nil
}

// ValidateUpstream rejects configurations the fetcher cannot run with.
// These errors are fatal and never retried.
func (c *Config) ValidateUpstream() error {
	if c.Upstream.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.Upstream.TokenURL == "" || c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// ActiveEndpoints returns the endpoints to fetch, dropping CDRs unless enabled
func (c *Config) ActiveEndpoints(includeCDR bool) []EndpointConfig {
	var out []EndpointConfig
	for _, ep := range c.Upstream.Endpoints {
		if ep.SourceType == "cdr" && !(includeCDR || c.Upstream.FetchCDRs) {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
