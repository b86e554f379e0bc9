package sqlstore

import "github.com/goliatone/go-hooks/core"

var (
	_ core.EventStore       = (*EventStore)(nil)
	_ core.IdempotencyStore = (*IdempotencyStore)(nil)
	_ core.JobEnqueuer      = (*JobQueue)(nil)
	_ core.JobDequeuer      = (*JobQueue)(nil)
	_ core.JobDelivery      = (*jobDelivery)(nil)
)
