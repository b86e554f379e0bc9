// Package core contains the canonical webhook pipeline contracts: event
// records, idempotency claims, work queue messages, retry policy and the
// transient/permanent error taxonomy. Storage, transport and queue adapters
// depend on this package; core must not depend on any of them.
package core
