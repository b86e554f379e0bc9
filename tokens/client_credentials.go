package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientCredentials fetches tokens with the OAuth2 client credentials
// grant. Tokens without expires_in fall back to DefaultTTL.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	DefaultTTL   time.Duration
	Client       HTTPDoer
	Now          func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Fetch satisfies Fetcher, so a ClientCredentials can back a Cache or a
// CachedSource directly.
func (c ClientCredentials) Fetch(ctx context.Context) (Token, error) {
	tokenURL := strings.TrimSpace(c.TokenURL)
	clientID := strings.TrimSpace(c.ClientID)
	if tokenURL == "" || clientID == "" || strings.TrimSpace(c.ClientSecret) == "" {
		return Token{}, core.Permanent(fmt.Errorf("tokens: token url, client id and client secret are required"))
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(c.Scopes) > 0 {
		form.Set("scope", strings.Join(c.Scopes, " "))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, core.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(c.ClientSecret))

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, core.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, core.Transient(err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return Token{}, &core.StatusError{
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(body)),
		}
	}

	var decoded tokenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Token{}, core.Permanent(fmt.Errorf("tokens: decode token response: %w", err))
	}
	if strings.TrimSpace(decoded.AccessToken) == "" {
		return Token{}, core.Permanent(fmt.Errorf("tokens: token response has no access_token"))
	}

	now := time.Now().UTC()
	if c.Now != nil {
		now = c.Now()
	}
	ttl := time.Duration(decoded.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = c.DefaultTTL
	}
	token := Token{Value: decoded.AccessToken}
	if ttl > 0 {
		token.ExpiresAt = now.Add(ttl)
	}
	return token, nil
}
