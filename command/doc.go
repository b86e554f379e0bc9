// Package command holds the operator-facing mutations of the webhook
// pipeline as go-command handlers: running an event inline, replaying a
// failed event and releasing an idempotency claim.
package command
