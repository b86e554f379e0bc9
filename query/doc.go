// Package query exposes read-only lookups over the event and idempotency
// stores as go-command queriers.
package query
