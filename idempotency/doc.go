// Package idempotency provides Idempotency Key Store backends: an in-process
// map for tests and single-node deployments, and a Redis store for shared
// deployments.
package idempotency
