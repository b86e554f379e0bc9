package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
)

const defaultWebhookTimeout = 10 * time.Second

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookAlerter posts {"text": ...} to a chat-style incoming webhook.
// With a Token source every post carries a bearer token; a 401 drops the
// cached token so the next alert fetches a new one.
type WebhookAlerter struct {
	URL     string
	Client  HTTPDoer
	Timeout time.Duration
	Token   core.TokenSource
}

type invalidator interface {
	Invalidate()
}

func NewWebhookAlerter(url string, client HTTPDoer, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookAlerter{URL: strings.TrimSpace(url), Client: client, Timeout: timeout}
}

func (a *WebhookAlerter) Notify(ctx context.Context, text string) error {
	if a == nil || a.Client == nil || a.URL == "" {
		return alertBadInput("alert: webhook url is required", nil)
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return alertBadInput("alert: encode payload failed", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return alertWrapError(err, goerrors.CategoryBadInput, "alert: create webhook request", http.StatusBadRequest, nil)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != nil {
		token, err := a.Token.Token(requestCtx)
		if err != nil {
			return alertWrapError(err, goerrors.CategoryExternal, "alert: fetch webhook token", http.StatusBadGateway, nil)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := a.Client.Do(req)
	if err != nil {
		return alertWrapError(err, goerrors.CategoryExternal, "alert: post webhook", http.StatusBadGateway, nil)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	if res.StatusCode == http.StatusUnauthorized {
		if cache, ok := a.Token.(invalidator); ok {
			cache.Invalidate()
		}
	}
	if res.StatusCode >= http.StatusMultipleChoices {
		return &core.StatusError{Status: res.StatusCode, Message: "alert: webhook rejected alert"}
	}
	return nil
}

var _ core.Alerter = (*WebhookAlerter)(nil)
