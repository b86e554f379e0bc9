package gologger

import (
	"context"
	"sort"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewZap builds the zap logger used by the hooks binaries. Production uses
// the JSON encoder; every other environment gets the colored console one.
func NewZap(environment string) (*zap.Logger, error) {
	var config zap.Config

	if strings.EqualFold(strings.TrimSpace(environment), "production") {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return config.Build(zap.AddCaller(), zap.AddCallerSkip(1))
}

// ZapLogger satisfies glog.Logger and glog.FieldsLogger on top of a
// sugared zap logger. Args are read as alternating key/value pairs.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var (
	_ glog.Logger       = (*ZapLogger)(nil)
	_ glog.FieldsLogger = (*ZapLogger)(nil)
)

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{sugar: logger.Sugar()}
}

func (l *ZapLogger) Trace(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
}

func (l *ZapLogger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
}

func (l *ZapLogger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
}

func (l *ZapLogger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, args...)
}

func (l *ZapLogger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
}

func (l *ZapLogger) Fatal(msg string, args ...any) {
	l.sugar.Fatalw(msg, args...)
}

func (l *ZapLogger) WithContext(context.Context) glog.Logger {
	return l
}

func (l *ZapLogger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return &ZapLogger{sugar: l.sugar.With(args...)}
}

func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// Provider hands out zap loggers named after the requesting component.
type Provider struct {
	base *zap.Logger
}

var _ glog.LoggerProvider = (*Provider)(nil)

func NewProvider(base *zap.Logger) *Provider {
	if base == nil {
		base = zap.NewNop()
	}
	return &Provider{base: base}
}

func (p *Provider) GetLogger(name string) glog.Logger {
	logger := p.base
	if name = strings.TrimSpace(name); name != "" {
		logger = logger.Named(name)
	}
	return NewZapLogger(logger)
}

// New builds a provider and the root "hooks" logger for an environment.
func New(environment string) (*Provider, glog.Logger, error) {
	base, err := NewZap(environment)
	if err != nil {
		return nil, nil, err
	}
	provider := NewProvider(base)
	return provider, provider.GetLogger("hooks"), nil
}
