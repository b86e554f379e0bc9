package queue

import (
	"context"

	"github.com/goliatone/go-hooks/core"
)

// Dispatcher turns enqueue requests into execution messages for any
// JobEnqueuer backend.
type Dispatcher struct {
	enqueuer core.JobEnqueuer
}

func NewDispatcher(enqueuer core.JobEnqueuer) *Dispatcher {
	return &Dispatcher{enqueuer: enqueuer}
}

func (d *Dispatcher) Enqueue(ctx context.Context, req core.EnqueueRequest) error {
	if d == nil || d.enqueuer == nil {
		return queueInternal("queue: enqueuer is not configured", nil)
	}
	msg, err := core.NewJobMessage(req)
	if err != nil {
		return queueBadInput(err.Error(), map[string]any{"event_id": req.EventID})
	}
	if err := d.enqueuer.Enqueue(ctx, msg); err != nil {
		return err
	}
	return nil
}

var _ core.Enqueuer = (*Dispatcher)(nil)
