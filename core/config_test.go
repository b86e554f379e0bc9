package core

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Idempotency.ClaimDuration() != 90*24*time.Hour {
		t.Fatalf("expected 90 day claim ttl, got %s", cfg.Idempotency.ClaimDuration())
	}
	if cfg.Queue.TimeoutDuration() != 15*time.Minute {
		t.Fatalf("expected 15m job timeout, got %s", cfg.Queue.TimeoutDuration())
	}
	policy, err := cfg.Retry.Policy()
	if err != nil {
		t.Fatalf("retry policy: %v", err)
	}
	if policy.MaxAttempts != 4 || policy.DelayAfter(3) != 5*time.Minute {
		t.Fatalf("unexpected default retry policy %+v", policy)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"service name", func(c *Config) { c.ServiceName = " " }, "service_name"},
		{"store driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"redis addr", func(c *Config) { c.Store.Driver = StoreDriverRedis }, "redis.addr"},
		{"sqlite dsn", func(c *Config) { c.Store.Driver = StoreDriverSQLite }, "store.dsn"},
		{"sql queue on memory", func(c *Config) { c.Queue.Driver = QueueDriverSQL }, "queue.driver=sql"},
		{"sqs url", func(c *Config) { c.Queue.Driver = QueueDriverSQS }, "queue_url"},
		{"alert auth without webhook", func(c *Config) { c.Alert.Auth.TokenURL = "https://auth.example.com/token" }, "alert.webhook_url"},
		{"alert auth client", func(c *Config) {
			c.Alert.WebhookURL = "https://chat.example.com/hook"
			c.Alert.Auth.TokenURL = "https://auth.example.com/token"
		}, "client_id"},
		{"bad duration", func(c *Config) { c.Queue.Timeout = "forever" }, "queue.timeout"},
		{"bad delay", func(c *Config) { c.Retry.Delays = []string{"later"} }, "retry delay"},
		{"source name", func(c *Config) { c.Sources = []SourceConfig{{Handler: "h"}} }, "name is required"},
		{"source handler", func(c *Config) { c.Sources = []SourceConfig{{Name: "crm"}} }, "handler is required"},
		{"duplicate source", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "crm", Handler: "a"}, {Name: "CRM", Handler: "b"}}
		}, "duplicate source"},
		{"verifier secret", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "crm", Handler: "a", Verifier: VerifierConfig{Kind: VerifierKindHMAC, Header: "X-Sig"}}}
		}, "secret"},
		{"verifier kind", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "crm", Handler: "a", Verifier: VerifierConfig{Kind: "rsa"}}}
		}, "not supported"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestConfigDurationFallbacks(t *testing.T) {
	queue := QueueConfig{Timeout: "2m"}
	if queue.LeaseDuration() != 3*time.Minute {
		t.Fatalf("expected lease to default to timeout plus a minute, got %s", queue.LeaseDuration())
	}
	if queue.VisibilityDuration() != 3*time.Minute {
		t.Fatalf("expected sqs visibility to default to the lease, got %s", queue.VisibilityDuration())
	}
	queue.SQS.VisibilityTimeout = "10m"
	if queue.VisibilityDuration() != 10*time.Minute {
		t.Fatalf("expected explicit sqs visibility, got %s", queue.VisibilityDuration())
	}
	if (VerifierConfig{}).ToleranceDuration() != 5*time.Minute {
		t.Fatalf("expected 5m default tolerance")
	}
	if (IdempotencyConfig{ClaimTTL: "3600"}).ClaimDuration() != time.Hour {
		t.Fatalf("expected bare seconds to parse")
	}
}
