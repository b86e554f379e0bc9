package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	StoreDriverMemory   = "memory"
	StoreDriverRedis    = "redis"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"

	QueueDriverMemory = "memory"
	QueueDriverSQL    = "sql"
	QueueDriverSQS    = "sqs"

	VerifierKindNone          = "none"
	VerifierKindHMAC          = "hmac"
	VerifierKindTimestampHMAC = "timestamp_hmac"
	VerifierKindToken         = "token"
)

type HTTPConfig struct {
	Addr string `koanf:"addr" mapstructure:"addr"`
}

type StoreConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr" mapstructure:"addr"`
	Password string `koanf:"password" mapstructure:"password"`
	DB       int    `koanf:"db" mapstructure:"db"`
	Prefix   string `koanf:"prefix" mapstructure:"prefix"`
}

type IdempotencyConfig struct {
	ClaimTTL     string `koanf:"claim_ttl" mapstructure:"claim_ttl"`
	ProcessedTTL string `koanf:"processed_ttl" mapstructure:"processed_ttl"`
}

func (c IdempotencyConfig) ClaimDuration() time.Duration {
	return durationOr(c.ClaimTTL, 90*24*time.Hour)
}

func (c IdempotencyConfig) ProcessedDuration() time.Duration {
	return durationOr(c.ProcessedTTL, 90*24*time.Hour)
}

type EventsConfig struct {
	TTL string `koanf:"ttl" mapstructure:"ttl"`
}

func (c EventsConfig) TTLDuration() time.Duration {
	return durationOr(c.TTL, 90*24*time.Hour)
}

type SQSConfig struct {
	Region            string `koanf:"region" mapstructure:"region"`
	QueueURL          string `koanf:"queue_url" mapstructure:"queue_url"`
	Endpoint          string `koanf:"endpoint" mapstructure:"endpoint"`
	WaitSeconds       int    `koanf:"wait_seconds" mapstructure:"wait_seconds"`
	VisibilityTimeout string `koanf:"visibility_timeout" mapstructure:"visibility_timeout"`
}

func (c SQSConfig) VisibilityDuration() time.Duration {
	return durationOr(c.VisibilityTimeout, 0)
}

type QueueConfig struct {
	Driver       string    `koanf:"driver" mapstructure:"driver"`
	Timeout      string    `koanf:"timeout" mapstructure:"timeout"`
	PollInterval string    `koanf:"poll_interval" mapstructure:"poll_interval"`
	IdleDelay    string    `koanf:"idle_delay" mapstructure:"idle_delay"`
	Lease        string    `koanf:"lease" mapstructure:"lease"`
	Batch        int       `koanf:"batch" mapstructure:"batch"`
	SQS          SQSConfig `koanf:"sqs" mapstructure:"sqs"`
}

func (c QueueConfig) TimeoutDuration() time.Duration {
	return durationOr(c.Timeout, 15*time.Minute)
}

func (c QueueConfig) PollIntervalDuration() time.Duration {
	return durationOr(c.PollInterval, time.Second)
}

func (c QueueConfig) IdleDelayDuration() time.Duration {
	return durationOr(c.IdleDelay, 2*time.Second)
}

func (c QueueConfig) LeaseDuration() time.Duration {
	return durationOr(c.Lease, c.TimeoutDuration()+time.Minute)
}

// VisibilityDuration is the SQS visibility window, defaulting to the lease so
// a message stays hidden for as long as a job may run.
func (c QueueConfig) VisibilityDuration() time.Duration {
	if visibility := c.SQS.VisibilityDuration(); visibility > 0 {
		return visibility
	}
	return c.LeaseDuration()
}

type RetryConfig struct {
	MaxAttempts int      `koanf:"max_attempts" mapstructure:"max_attempts"`
	Delays      []string `koanf:"delays" mapstructure:"delays"`
}

func (c RetryConfig) Policy() (RetryPolicy, error) {
	delays, err := ParseDelays(c.Delays)
	if err != nil {
		return RetryPolicy{}, err
	}
	return RetryPolicy{MaxAttempts: c.MaxAttempts, Delays: delays}.Normalize(), nil
}

type AlertConfig struct {
	WebhookURL string          `koanf:"webhook_url" mapstructure:"webhook_url"`
	Timeout    string          `koanf:"timeout" mapstructure:"timeout"`
	Auth       AlertAuthConfig `koanf:"auth" mapstructure:"auth"`
}

// AlertAuthConfig enables an OAuth2 client credentials bearer token on the
// alert webhook when TokenURL is set.
type AlertAuthConfig struct {
	TokenURL     string   `koanf:"token_url" mapstructure:"token_url"`
	ClientID     string   `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret string   `koanf:"client_secret" mapstructure:"client_secret"`
	Scopes       []string `koanf:"scopes" mapstructure:"scopes"`
}

func (c AlertAuthConfig) Enabled() bool {
	return strings.TrimSpace(c.TokenURL) != ""
}

func (c AlertConfig) TimeoutDuration() time.Duration {
	return durationOr(c.Timeout, 10*time.Second)
}

type VerifierConfig struct {
	Kind            string `koanf:"kind" mapstructure:"kind"`
	Header          string `koanf:"header" mapstructure:"header"`
	Secret          string `koanf:"secret" mapstructure:"secret"`
	Prefix          string `koanf:"prefix" mapstructure:"prefix"`
	Encoding        string `koanf:"encoding" mapstructure:"encoding"`
	TimestampHeader string `koanf:"timestamp_header" mapstructure:"timestamp_header"`
	Tolerance       string `koanf:"tolerance" mapstructure:"tolerance"`
}

func (c VerifierConfig) ToleranceDuration() time.Duration {
	return durationOr(c.Tolerance, 5*time.Minute)
}

type RateLimitConfig struct {
	RPS   float64 `koanf:"rps" mapstructure:"rps"`
	Burst int     `koanf:"burst" mapstructure:"burst"`
}

type SourceConfig struct {
	Name              string          `koanf:"name" mapstructure:"name"`
	Handler           string          `koanf:"handler" mapstructure:"handler"`
	Verifier          VerifierConfig  `koanf:"verifier" mapstructure:"verifier"`
	EventTypeField    string          `koanf:"event_type_field" mapstructure:"event_type_field"`
	ExternalIDField   string          `koanf:"external_id_field" mapstructure:"external_id_field"`
	ContactField      string          `koanf:"contact_field" mapstructure:"contact_field"`
	IdempotencyFields []string        `koanf:"idempotency_fields" mapstructure:"idempotency_fields"`
	AllowEventTypes   []string        `koanf:"allow_event_types" mapstructure:"allow_event_types"`
	RateLimit         RateLimitConfig `koanf:"rate_limit" mapstructure:"rate_limit"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Environment string            `koanf:"environment" mapstructure:"environment"`
	HTTP        HTTPConfig        `koanf:"http" mapstructure:"http"`
	Store       StoreConfig       `koanf:"store" mapstructure:"store"`
	Redis       RedisConfig       `koanf:"redis" mapstructure:"redis"`
	Idempotency IdempotencyConfig `koanf:"idempotency" mapstructure:"idempotency"`
	Events      EventsConfig      `koanf:"events" mapstructure:"events"`
	Queue       QueueConfig       `koanf:"queue" mapstructure:"queue"`
	Retry       RetryConfig       `koanf:"retry" mapstructure:"retry"`
	Alert       AlertConfig       `koanf:"alert" mapstructure:"alert"`
	Sources     []SourceConfig    `koanf:"sources" mapstructure:"sources"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "hooks",
		Environment: "development",
		HTTP:        HTTPConfig{Addr: ":8080"},
		Store:       StoreConfig{Driver: StoreDriverMemory},
		Redis:       RedisConfig{Prefix: "hooks"},
		Idempotency: IdempotencyConfig{
			ClaimTTL:     "2160h",
			ProcessedTTL: "2160h",
		},
		Events: EventsConfig{TTL: "2160h"},
		Queue: QueueConfig{
			Driver:       QueueDriverMemory,
			Timeout:      "15m",
			PollInterval: "1s",
			IdleDelay:    "2s",
			Batch:        10,
			SQS: SQSConfig{
				WaitSeconds: 20,
			},
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			Delays:      []string{"0s", "60s", "300s", "900s"},
		},
		Alert: AlertConfig{Timeout: "10s"},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}

	storeDriver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if storeDriver != "" && !slices.Contains(
		[]string{StoreDriverMemory, StoreDriverRedis, StoreDriverSQLite, StoreDriverPostgres},
		storeDriver,
	) {
		return fmt.Errorf("core: unsupported store.driver %q", c.Store.Driver)
	}
	if storeDriver == StoreDriverRedis && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("core: redis.addr is required for the redis store driver")
	}
	if (storeDriver == StoreDriverSQLite || storeDriver == StoreDriverPostgres) && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("core: store.dsn is required for the %s store driver", storeDriver)
	}

	queueDriver := strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	switch queueDriver {
	case "", QueueDriverMemory:
	case QueueDriverSQL:
		if storeDriver != StoreDriverSQLite && storeDriver != StoreDriverPostgres {
			return fmt.Errorf("core: queue.driver=sql requires a sqlite or postgres store")
		}
	case QueueDriverSQS:
		if strings.TrimSpace(c.Queue.SQS.QueueURL) == "" {
			return fmt.Errorf("core: queue.sqs.queue_url is required for the sqs queue driver")
		}
	default:
		return fmt.Errorf("core: unsupported queue.driver %q", c.Queue.Driver)
	}

	for key, value := range map[string]string{
		"idempotency.claim_ttl":        c.Idempotency.ClaimTTL,
		"idempotency.processed_ttl":    c.Idempotency.ProcessedTTL,
		"events.ttl":                   c.Events.TTL,
		"queue.timeout":                c.Queue.Timeout,
		"queue.poll_interval":          c.Queue.PollInterval,
		"queue.idle_delay":             c.Queue.IdleDelay,
		"queue.lease":                  c.Queue.Lease,
		"queue.sqs.visibility_timeout": c.Queue.SQS.VisibilityTimeout,
		"alert.timeout":                c.Alert.Timeout,
	} {
		if err := validateDuration(key, value); err != nil {
			return err
		}
	}
	if c.Alert.Auth.Enabled() {
		if strings.TrimSpace(c.Alert.WebhookURL) == "" {
			return fmt.Errorf("core: alert.auth requires alert.webhook_url")
		}
		if strings.TrimSpace(c.Alert.Auth.ClientID) == "" || strings.TrimSpace(c.Alert.Auth.ClientSecret) == "" {
			return fmt.Errorf("core: alert.auth.client_id and client_secret are required with alert.auth.token_url")
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("core: retry.max_attempts must be >= 0")
	}
	if _, err := c.Retry.Policy(); err != nil {
		return err
	}

	seen := map[string]struct{}{}
	for i, source := range c.Sources {
		name := strings.ToLower(strings.TrimSpace(source.Name))
		if name == "" {
			return fmt.Errorf("core: sources[%d].name is required", i)
		}
		if _, exists := seen[name]; exists {
			return fmt.Errorf("core: duplicate source %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(source.Handler) == "" {
			return fmt.Errorf("core: sources[%d].handler is required", i)
		}
		if err := validateVerifier(i, source.Verifier); err != nil {
			return err
		}
	}
	return nil
}

func validateVerifier(index int, cfg VerifierConfig) error {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	switch kind {
	case "", VerifierKindNone:
		return nil
	case VerifierKindHMAC, VerifierKindTimestampHMAC, VerifierKindToken:
	default:
		return fmt.Errorf("core: sources[%d].verifier.kind %q is not supported", index, cfg.Kind)
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return fmt.Errorf("core: sources[%d].verifier.secret is required", index)
	}
	if strings.TrimSpace(cfg.Header) == "" {
		return fmt.Errorf("core: sources[%d].verifier.header is required", index)
	}
	if kind == VerifierKindTimestampHMAC && strings.TrimSpace(cfg.TimestampHeader) == "" {
		return fmt.Errorf("core: sources[%d].verifier.timestamp_header is required", index)
	}
	return validateDuration(fmt.Sprintf("sources[%d].verifier.tolerance", index), cfg.Tolerance)
}

func validateDuration(key, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	if _, err := parseDurationValue(value); err != nil {
		return fmt.Errorf("core: %s is not a valid duration: %w", key, err)
	}
	return nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	parsed, err := parseDurationValue(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
