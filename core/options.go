package core

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
	"gopkg.in/yaml.v3"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func NewStaticRawConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	return CopyAnyMap(l.Values), nil
}

// YAMLConfigLoader reads a YAML document from Path. Environment variables in
// the document are expanded before decoding.
type YAMLConfigLoader struct {
	Path string
}

func (l YAMLConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("core: read config %s: %w", path, err)
	}
	return DecodeYAMLConfig(data)
}

func DecodeYAMLConfig(data []byte) (map[string]any, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return nil, fmt.Errorf("core: decode yaml config: %w", err)
	}
	return raw, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults, file config and runtime overrides, in
// that order of precedence.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig resolves the effective configuration from the provider and the
// runtime overrides.
func LoadConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)
	putString(layer, "environment", cfg.Environment, includeZero)
	putSection(layer, "http", map[string]any{}, func(section map[string]any) {
		putString(section, "addr", cfg.HTTP.Addr, includeZero)
	})
	putSection(layer, "store", map[string]any{}, func(section map[string]any) {
		putString(section, "driver", cfg.Store.Driver, includeZero)
		putString(section, "dsn", cfg.Store.DSN, includeZero)
		if includeZero || cfg.Store.Debug {
			section["debug"] = cfg.Store.Debug
		}
	})
	putSection(layer, "redis", map[string]any{}, func(section map[string]any) {
		putString(section, "addr", cfg.Redis.Addr, includeZero)
		putString(section, "password", cfg.Redis.Password, includeZero)
		putInt(section, "db", cfg.Redis.DB, includeZero)
		putString(section, "prefix", cfg.Redis.Prefix, includeZero)
	})
	putSection(layer, "idempotency", map[string]any{}, func(section map[string]any) {
		putString(section, "claim_ttl", cfg.Idempotency.ClaimTTL, includeZero)
		putString(section, "processed_ttl", cfg.Idempotency.ProcessedTTL, includeZero)
	})
	putSection(layer, "events", map[string]any{}, func(section map[string]any) {
		putString(section, "ttl", cfg.Events.TTL, includeZero)
	})
	putSection(layer, "queue", map[string]any{}, func(section map[string]any) {
		putString(section, "driver", cfg.Queue.Driver, includeZero)
		putString(section, "timeout", cfg.Queue.Timeout, includeZero)
		putString(section, "poll_interval", cfg.Queue.PollInterval, includeZero)
		putString(section, "idle_delay", cfg.Queue.IdleDelay, includeZero)
		putString(section, "lease", cfg.Queue.Lease, includeZero)
		putInt(section, "batch", cfg.Queue.Batch, includeZero)
		putSection(section, "sqs", map[string]any{}, func(sqs map[string]any) {
			putString(sqs, "region", cfg.Queue.SQS.Region, includeZero)
			putString(sqs, "queue_url", cfg.Queue.SQS.QueueURL, includeZero)
			putString(sqs, "endpoint", cfg.Queue.SQS.Endpoint, includeZero)
			putInt(sqs, "wait_seconds", cfg.Queue.SQS.WaitSeconds, includeZero)
			putString(sqs, "visibility_timeout", cfg.Queue.SQS.VisibilityTimeout, includeZero)
		})
	})
	putSection(layer, "retry", map[string]any{}, func(section map[string]any) {
		putInt(section, "max_attempts", cfg.Retry.MaxAttempts, includeZero)
		if includeZero || len(cfg.Retry.Delays) > 0 {
			section["delays"] = append([]string(nil), cfg.Retry.Delays...)
		}
	})
	putSection(layer, "alert", map[string]any{}, func(section map[string]any) {
		putString(section, "webhook_url", cfg.Alert.WebhookURL, includeZero)
		putString(section, "timeout", cfg.Alert.Timeout, includeZero)
		putSection(section, "auth", map[string]any{}, func(auth map[string]any) {
			putString(auth, "token_url", cfg.Alert.Auth.TokenURL, includeZero)
			putString(auth, "client_id", cfg.Alert.Auth.ClientID, includeZero)
			putString(auth, "client_secret", cfg.Alert.Auth.ClientSecret, includeZero)
			if includeZero || len(cfg.Alert.Auth.Scopes) > 0 {
				auth["scopes"] = append([]string(nil), cfg.Alert.Auth.Scopes...)
			}
		})
	})
	if includeZero || len(cfg.Sources) > 0 {
		sources := make([]any, 0, len(cfg.Sources))
		for _, source := range cfg.Sources {
			sources = append(sources, sourceToMap(source))
		}
		layer["sources"] = sources
	}
	return layer
}

func sourceToMap(source SourceConfig) map[string]any {
	return map[string]any{
		"name":               source.Name,
		"handler":            source.Handler,
		"event_type_field":   source.EventTypeField,
		"external_id_field":  source.ExternalIDField,
		"contact_field":      source.ContactField,
		"idempotency_fields": append([]string(nil), source.IdempotencyFields...),
		"allow_event_types":  append([]string(nil), source.AllowEventTypes...),
		"verifier": map[string]any{
			"kind":             source.Verifier.Kind,
			"header":           source.Verifier.Header,
			"secret":           source.Verifier.Secret,
			"prefix":           source.Verifier.Prefix,
			"encoding":         source.Verifier.Encoding,
			"timestamp_header": source.Verifier.TimestampHeader,
			"tolerance":        source.Verifier.Tolerance,
		},
		"rate_limit": map[string]any{
			"rps":   source.RateLimit.RPS,
			"burst": source.RateLimit.Burst,
		},
	}
}

func putSection(layer map[string]any, key string, section map[string]any, fill func(map[string]any)) {
	fill(section)
	if len(section) > 0 {
		layer[key] = section
	}
}

func putString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = value
	}
}

func putInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}
