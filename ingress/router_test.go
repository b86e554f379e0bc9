package ingress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-hooks/core"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func postWebhook(router http.Handler, source string, body string, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+source, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestRouter_AcceptsSignedWebhook(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.ingress, RouterOptions{Events: f.events})
	body := inviteeBody("inv-1")

	w := postWebhook(router, "calendly", body, hexSignature(testSecret, []byte(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	out := decodeBody(t, w)
	if out["ok"] != true || out["queued"] != true {
		t.Fatalf("unexpected response %v", out)
	}
	eventID, _ := out["event_id"].(string)
	if eventID == "" {
		t.Fatalf("expected event id in response")
	}

	w = postWebhook(router, "calendly", body, hexSignature(testSecret, []byte(body)))
	out = decodeBody(t, w)
	if w.Code != http.StatusOK || out["duplicate"] != true || out["event_id"] != eventID {
		t.Fatalf("expected duplicate acknowledgement, got %d %v", w.Code, out)
	}

	req := httptest.NewRequest(http.MethodGet, "/events/"+eventID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected event lookup 200, got %d", rec.Code)
	}
	event := decodeBody(t, rec)
	if event["status"] != string(core.EventStatusQueued) || event["source"] != "calendly" {
		t.Fatalf("unexpected event body %v", event)
	}
}

func TestRouter_EventLookupRedactsCredentials(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.ingress, RouterOptions{Events: f.events})
	body := `{"event":"invitee.created","payload":{"uuid":"inv-7","email":"ada@example.com","api_key":"k-123"}}`

	w := postWebhook(router, "calendly", body, hexSignature(testSecret, []byte(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	eventID, _ := decodeBody(t, w)["event_id"].(string)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/"+eventID, nil))
	payload, _ := decodeBody(t, rec)["payload"].(map[string]any)
	inner, _ := payload["payload"].(map[string]any)
	if inner["api_key"] != core.RedactedValue || inner["uuid"] != "inv-7" {
		t.Fatalf("expected redacted payload, got %v", payload)
	}
}

func TestRouter_ErrorStatuses(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.ingress, RouterOptions{Events: f.events, MaxBodyBytes: 256})
	body := inviteeBody("inv-1")

	if w := postWebhook(router, "calendly", body, "deadbeef"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	bad := `{"event":"invitee.created"}`
	if w := postWebhook(router, "calendly", bad, hexSignature(testSecret, []byte(bad))); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := postWebhook(router, "unknown", body, ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	large := `{"event":"invitee.created","pad":"` + strings.Repeat("x", 512) + `"}`
	if w := postWebhook(router, "calendly", large, hexSignature(testSecret, []byte(large))); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/events/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing event, got %d", rec.Code)
	}
}

func TestRouter_IgnoredEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.ingress, RouterOptions{})
	body := `{"event":"invitee.canceled","payload":{"uuid":"inv-1"}}`

	w := postWebhook(router, "calendly", body, hexSignature(testSecret, []byte(body)))
	out := decodeBody(t, w)
	if w.Code != http.StatusOK || out["ignored"] != true {
		t.Fatalf("expected ignored acknowledgement, got %d %v", w.Code, out)
	}
}

func TestRouter_RateLimitPerSource(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.ingress, RouterOptions{
		RateLimits: map[string]core.RateLimitConfig{"calendly": {RPS: 0.001, Burst: 1}},
	})
	body := inviteeBody("inv-1")
	signature := hexSignature(testSecret, []byte(body))

	if w := postWebhook(router, "calendly", body, signature); w.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", w.Code)
	}
	if w := postWebhook(router, "calendly", body, signature); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.ingress, RouterOptions{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if out := decodeBody(t, rec); out["status"] != "ok" {
		t.Fatalf("unexpected health body %v", out)
	}
}
