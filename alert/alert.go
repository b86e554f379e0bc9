package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/tokens"
	glog "github.com/goliatone/go-logger/glog"
)

type Nop struct{}

func (Nop) Notify(context.Context, string) error {
	return nil
}

// LogAlerter writes alerts to the service log at warn level.
type LogAlerter struct {
	Logger core.Logger
}

func NewLogAlerter(logger core.Logger) *LogAlerter {
	if logger == nil {
		logger = glog.Nop()
	}
	return &LogAlerter{Logger: logger}
}

func (a *LogAlerter) Notify(ctx context.Context, text string) error {
	if a == nil || a.Logger == nil {
		return nil
	}
	logger := a.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	logger.Warn("hooks alert", "text", strings.TrimSpace(text))
	return nil
}

// Fanout sends every alert to all alerters and joins their errors.
type Fanout []core.Alerter

func (f Fanout) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, alerter := range f {
		if alerter == nil {
			continue
		}
		if err := alerter.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Safe wraps an alerter so that errors and panics are logged and dropped.
type Safe struct {
	Alerter  core.Alerter
	Observer *core.Observer
}

func NewSafe(alerter core.Alerter, observer *core.Observer) *Safe {
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	return &Safe{Alerter: alerter, Observer: observer}
}

func (s *Safe) Notify(ctx context.Context, text string) (err error) {
	if s == nil || s.Alerter == nil {
		return nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("alert: notifier panic: %v", recovered)
		}
		if err != nil {
			s.Observer.Warn(ctx, "alert delivery failed", map[string]any{"error": err.Error()})
		}
		err = nil
	}()
	return s.Alerter.Notify(ctx, text)
}

// FromConfig always logs alerts and additionally posts them to the
// configured webhook.
func FromConfig(cfg core.AlertConfig, observer *core.Observer, client HTTPDoer) core.Alerter {
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	alerters := Fanout{NewLogAlerter(observer.Logger)}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		webhook := NewWebhookAlerter(url, client, cfg.TimeoutDuration())
		if cfg.Auth.Enabled() {
			webhook.Token = tokens.NewCache(tokens.ClientCredentials{
				TokenURL:     cfg.Auth.TokenURL,
				ClientID:     cfg.Auth.ClientID,
				ClientSecret: cfg.Auth.ClientSecret,
				Scopes:       cfg.Auth.Scopes,
				Client:       webhook.Client,
			}.Fetch, 0)
		}
		alerters = append(alerters, webhook)
	}
	return NewSafe(alerters, observer)
}

var (
	_ core.Alerter = Nop{}
	_ core.Alerter = (*LogAlerter)(nil)
	_ core.Alerter = Fanout(nil)
	_ core.Alerter = (*Safe)(nil)
)
