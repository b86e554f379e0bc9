package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
)

// Verifier authenticates a request before anything about it is persisted.
type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

type VerifierFunc func(ctx context.Context, req Request) error

func (f VerifierFunc) Verify(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// NoopVerifier accepts every request.
type NoopVerifier struct{}

func (NoopVerifier) Verify(context.Context, Request) error {
	return nil
}

// HMACVerifier checks an HMAC-SHA256 of the raw body carried in Header.
type HMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HMACVerifier) Verify(_ context.Context, req Request) error {
	signature, err := signatureFromHeader(req, v.Header, v.Prefix, v.Secret)
	if err != nil {
		return err
	}
	return compareSignature(signature, v.Encoding, sign(v.Secret, req.Body))
}

// TimestampHMACVerifier signs "<timestamp>.<body>" and rejects timestamps
// outside Tolerance of the current time.
type TimestampHMACVerifier struct {
	Header          string
	TimestampHeader string
	Prefix          string
	Secret          string
	Encoding        string
	Tolerance       time.Duration
	Now             func() time.Time
}

func (v TimestampHMACVerifier) Verify(_ context.Context, req Request) error {
	signature, err := signatureFromHeader(req, v.Header, v.Prefix, v.Secret)
	if err != nil {
		return err
	}
	rawTimestamp := strings.TrimSpace(req.Header(v.TimestampHeader))
	if rawTimestamp == "" {
		return ingressUnauthorized("ingress: signature timestamp header is required", map[string]any{
			"header": strings.TrimSpace(v.TimestampHeader),
		})
	}
	seconds, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return ingressUnauthorized("ingress: signature timestamp is invalid", nil)
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := now.Sub(time.Unix(seconds, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ingressUnauthorized("ingress: signature timestamp outside tolerance", map[string]any{
			"skew": skew.String(),
		})
	}
	payload := make([]byte, 0, len(rawTimestamp)+1+len(req.Body))
	payload = append(payload, rawTimestamp...)
	payload = append(payload, '.')
	payload = append(payload, req.Body...)
	return compareSignature(signature, v.Encoding, sign(v.Secret, payload))
}

// TokenVerifier compares a static shared token carried in Header.
type TokenVerifier struct {
	Header string
	Token  string
}

func (v TokenVerifier) Verify(_ context.Context, req Request) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return ingressUnauthorized("ingress: verification token is not configured", nil)
	}
	actual := strings.TrimSpace(req.Header(v.Header))
	if actual == "" {
		return ingressUnauthorized("ingress: verification header is required", map[string]any{
			"header": strings.TrimSpace(v.Header),
		})
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return ingressUnauthorized("ingress: verification token mismatch", nil)
	}
	return nil
}

// NewVerifier builds the verifier described by cfg.
func NewVerifier(cfg core.VerifierConfig) (Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", core.VerifierKindNone:
		return NoopVerifier{}, nil
	case core.VerifierKindHMAC:
		return HMACVerifier{
			Header:   cfg.Header,
			Prefix:   cfg.Prefix,
			Secret:   cfg.Secret,
			Encoding: cfg.Encoding,
		}, nil
	case core.VerifierKindTimestampHMAC:
		return TimestampHMACVerifier{
			Header:          cfg.Header,
			TimestampHeader: cfg.TimestampHeader,
			Prefix:          cfg.Prefix,
			Secret:          cfg.Secret,
			Encoding:        cfg.Encoding,
			Tolerance:       cfg.ToleranceDuration(),
		}, nil
	case core.VerifierKindToken:
		return TokenVerifier{Header: cfg.Header, Token: cfg.Secret}, nil
	default:
		return nil, ingressBadInput("ingress: unsupported verifier kind", map[string]any{"kind": cfg.Kind})
	}
}

func signatureFromHeader(req Request, header string, prefix string, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ingressUnauthorized("ingress: signature secret is not configured", nil)
	}
	value := strings.TrimSpace(req.Header(header))
	if value == "" {
		return "", ingressUnauthorized("ingress: signature header is required", map[string]any{
			"header": strings.TrimSpace(header),
		})
	}
	signature := strings.TrimSpace(strings.TrimPrefix(value, strings.TrimSpace(prefix)))
	if signature == "" {
		return "", ingressUnauthorized("ingress: signature value is required", nil)
	}
	return signature, nil
}

func sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func compareSignature(signature string, encoding string, expected []byte) error {
	var (
		decoded []byte
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return ingressUnauthorized("ingress: signature is not decodable", nil)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return ingressUnauthorized("ingress: signature verification failed", nil)
	}
	return nil
}
