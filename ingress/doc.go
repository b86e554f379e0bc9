// Package ingress accepts webhooks: it verifies the sender, normalises the
// payload, claims the idempotency key, records the event and dispatches its
// job before any business logic runs. Router exposes the flow over HTTP.
package ingress
