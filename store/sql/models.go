package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type eventRecord struct {
	bun.BaseModel `bun:"table:hook_events,alias:he"`

	ID             string         `bun:"id,pk"`
	Source         string         `bun:"source,notnull"`
	EventType      string         `bun:"event_type,notnull"`
	ExternalID     string         `bun:"external_id,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	Payload        map[string]any `bun:"payload,type:jsonb,notnull"`
	Status         string         `bun:"status,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	LastError      string         `bun:"last_error,notnull"`
	ReceivedAt     time.Time      `bun:"received_at,notnull"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	ExpiresAt      *time.Time     `bun:"expires_at,nullzero"`
}

type claimRecord struct {
	bun.BaseModel `bun:"table:hook_idempotency_claims,alias:hic"`

	IdempotencyKey string    `bun:"idempotency_key,pk"`
	EventID        string    `bun:"event_id,notnull"`
	ExpiresAt      time.Time `bun:"expires_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type processedRecord struct {
	bun.BaseModel `bun:"table:hook_processed_markers,alias:hpm"`

	IdempotencyKey string    `bun:"idempotency_key,pk"`
	ExpiresAt      time.Time `bun:"expires_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type jobRecord struct {
	bun.BaseModel `bun:"table:hook_jobs,alias:hj"`

	ID             string         `bun:"id,pk"`
	JobID          string         `bun:"job_id,notnull"`
	Handler        string         `bun:"handler,notnull"`
	EventID        string         `bun:"event_id,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	Parameters     map[string]any `bun:"parameters,type:jsonb,notnull"`
	Status         string         `bun:"status,notnull"`
	Attempt        int            `bun:"attempt,notnull"`
	RunAt          time.Time      `bun:"run_at,notnull"`
	LeaseUntil     *time.Time     `bun:"lease_until,nullzero"`
	LastError      string         `bun:"last_error,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
