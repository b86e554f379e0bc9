package query

import (
	"context"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-hooks/core"
)

type EventReader interface {
	Load(ctx context.Context, eventID string) (core.Event, error)
}

type ProcessedReader interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
}

type GetEventQuery struct {
	reader EventReader
}

func NewGetEventQuery(reader EventReader) *GetEventQuery {
	return &GetEventQuery{reader: reader}
}

func (q *GetEventQuery) Query(ctx context.Context, msg GetEventMessage) (core.Event, error) {
	if q == nil || q.reader == nil {
		return core.Event{}, queryDependencyError("query: event reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Event{}, err
	}
	return q.reader.Load(ctx, strings.TrimSpace(msg.EventID))
}

type IsProcessedQuery struct {
	reader ProcessedReader
}

func NewIsProcessedQuery(reader ProcessedReader) *IsProcessedQuery {
	return &IsProcessedQuery{reader: reader}
}

func (q *IsProcessedQuery) Query(ctx context.Context, msg IsProcessedMessage) (bool, error) {
	if q == nil || q.reader == nil {
		return false, queryDependencyError("query: processed reader is required")
	}
	if err := msg.Validate(); err != nil {
		return false, err
	}
	return q.reader.IsProcessed(ctx, strings.TrimSpace(msg.IdempotencyKey))
}

var (
	_ gocmd.Querier[GetEventMessage, core.Event] = (*GetEventQuery)(nil)
	_ gocmd.Querier[IsProcessedMessage, bool]    = (*IsProcessedQuery)(nil)
)
