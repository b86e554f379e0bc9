package ingress

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	"github.com/google/uuid"
)

// Ingress runs the accept flow shared by every source:
// verify, parse, filter, claim, record, enqueue, acknowledge.
type Ingress struct {
	Idempotency core.IdempotencyStore
	Events      core.EventStore
	Enqueuer    core.Enqueuer
	Policy      core.RetryPolicy
	Observer    *core.Observer
	NewID       func() string
	Now         func() time.Time

	mu      sync.RWMutex
	sources map[string]Source
}

func New(idempotency core.IdempotencyStore, events core.EventStore, enqueuer core.Enqueuer) *Ingress {
	return &Ingress{
		Idempotency: idempotency,
		Events:      events,
		Enqueuer:    enqueuer,
		Policy:      core.DefaultRetryPolicy(),
		Observer:    core.NewObserver(nil, nil),
		NewID:       uuid.NewString,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		sources: map[string]Source{},
	}
}

func (i *Ingress) Register(source Source) error {
	if i == nil {
		return ingressInternal("ingress: ingress is nil", nil)
	}
	if err := source.validate(); err != nil {
		return err
	}
	if source.Verifier == nil {
		source.Verifier = NoopVerifier{}
	}
	name := normalizeSource(source.Name)
	source.Name = name

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sources == nil {
		i.sources = map[string]Source{}
	}
	if _, exists := i.sources[name]; exists {
		return ingressBadInput("ingress: source already registered", map[string]any{"source": name})
	}
	i.sources[name] = source
	return nil
}

func (i *Ingress) Source(name string) (Source, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	source, ok := i.sources[normalizeSource(name)]
	return source, ok
}

func (i *Ingress) Sources() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.sources))
	for name := range i.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Accept processes one webhook delivery. Ignored and duplicate deliveries
// are successful results; request-level failures are returned as errors
// carrying the HTTP status the sender should see.
func (i *Ingress) Accept(ctx context.Context, req Request) (Result, error) {
	if i == nil || i.Idempotency == nil || i.Events == nil || i.Enqueuer == nil {
		return Result{}, ingressInternal("ingress: stores and enqueuer are required", nil)
	}
	startedAt := i.now()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = startedAt
	}
	fields := map[string]any{"source": normalizeSource(req.Source)}

	result, err := i.accept(ctx, req, fields)
	i.Observer.Observe(ctx, startedAt, "ingress.accept", err, fields)
	return result, err
}

func (i *Ingress) accept(ctx context.Context, req Request, fields map[string]any) (Result, error) {
	source, ok := i.Source(req.Source)
	if !ok {
		fields["outcome"] = "unknown_source"
		return Result{}, core.NewNotFound("ingress: unknown source", map[string]any{"source": req.Source})
	}
	req.Source = source.Name

	if err := source.Verifier.Verify(ctx, req); err != nil {
		fields["outcome"] = "unauthorized"
		return Result{}, asCategory(err, goerrors.CategoryAuth, http.StatusUnauthorized, core.ErrorUnauthorized)
	}

	normalized, err := source.Parser.Parse(ctx, req)
	if err != nil {
		fields["outcome"] = "invalid"
		return Result{}, asCategory(err, goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput)
	}
	normalized.EventType = strings.TrimSpace(normalized.EventType)
	normalized.IdempotencyKey = strings.TrimSpace(normalized.IdempotencyKey)
	if normalized.IdempotencyKey == "" {
		normalized.IdempotencyKey = core.DefaultIdempotencyKey(source.Name, normalized.EventType, normalized.ExternalID)
	}
	fields["event_type"] = normalized.EventType
	fields["idempotency_key"] = normalized.IdempotencyKey

	if source.Filter != nil {
		if allowed, reason := source.Filter(normalized); !allowed {
			fields["outcome"] = "ignored"
			return Result{OK: true, Ignored: true, Reason: reason}, nil
		}
	}

	eventID := i.newID()
	fields["event_id"] = eventID
	claim, err := i.Idempotency.Claim(ctx, normalized.IdempotencyKey, eventID)
	if err != nil {
		fields["outcome"] = "claim_failed"
		return Result{}, ingressWrapError(err, goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal,
			"ingress: idempotency claim failed", nil)
	}
	if !claim.Claimed {
		fields["outcome"] = "duplicate"
		fields["event_id"] = claim.ExistingEventID
		return Result{
			OK:             true,
			Duplicate:      true,
			EventID:        claim.ExistingEventID,
			IdempotencyKey: normalized.IdempotencyKey,
		}, nil
	}

	// From here on a failure must give the key back.
	settleCtx := context.WithoutCancel(ctx)
	payload := core.CopyAnyMap(normalized.Payload)
	if contact := strings.TrimSpace(normalized.Contact); contact != "" {
		payload[core.PayloadKeyContact] = contact
	}
	if _, err := i.Events.Create(ctx, core.CreateEventInput{
		EventID:        eventID,
		Source:         source.Name,
		EventType:      normalized.EventType,
		ExternalID:     strings.TrimSpace(normalized.ExternalID),
		IdempotencyKey: normalized.IdempotencyKey,
		Payload:        payload,
	}); err != nil {
		fields["outcome"] = "create_failed"
		i.release(settleCtx, normalized.IdempotencyKey, fields)
		return Result{}, ingressWrapError(err, goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal,
			"ingress: event record failed", nil)
	}

	if err := i.Enqueuer.Enqueue(ctx, core.EnqueueRequest{
		Handler:        source.Handler,
		EventID:        eventID,
		JobID:          core.JobIDFor(normalized.IdempotencyKey, eventID),
		IdempotencyKey: normalized.IdempotencyKey,
		Policy:         i.Policy,
	}); err != nil {
		fields["outcome"] = "enqueue_failed"
		// Record the failure before the key becomes claimable again.
		if statusErr := i.Events.SetStatus(settleCtx, eventID, core.EventStatusFailed, err.Error()); statusErr != nil {
			i.Observer.Error(ctx, "ingress failed status update failed", mergeFields(fields, map[string]any{
				"error": statusErr.Error(),
			}))
		}
		i.release(settleCtx, normalized.IdempotencyKey, fields)
		return Result{}, ingressWrapError(err, goerrors.CategoryExternal, http.StatusInternalServerError, core.ErrorQueueFailed,
			"ingress: enqueue failed", nil)
	}

	if _, err := i.Events.TransitionStatus(settleCtx, eventID,
		[]core.EventStatus{core.EventStatusReceived}, core.EventStatusQueued, ""); err != nil {
		// The job is already queued; the worker moves the status on from here.
		i.Observer.Warn(ctx, "ingress queued status update failed", mergeFields(fields, map[string]any{
			"error": err.Error(),
		}))
	}
	fields["outcome"] = "queued"
	return Result{
		OK:             true,
		Queued:         true,
		EventID:        eventID,
		IdempotencyKey: normalized.IdempotencyKey,
	}, nil
}

func (i *Ingress) release(ctx context.Context, key string, fields map[string]any) {
	if err := i.Idempotency.Release(ctx, key); err != nil {
		i.Observer.Error(ctx, "ingress claim release failed", mergeFields(fields, map[string]any{
			"error": err.Error(),
		}))
	}
}

func (i *Ingress) newID() string {
	if i.NewID != nil {
		if id := strings.TrimSpace(i.NewID()); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func (i *Ingress) now() time.Time {
	if i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

// StatusCode maps an Accept outcome to the HTTP status for the sender.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	mapped := core.MapError(err)
	if mapped == nil || mapped.Code == 0 {
		return http.StatusInternalServerError
	}
	return mapped.Code
}

// asCategory keeps go-errors envelopes as they are and classifies plain
// errors from custom verifiers and parsers.
func asCategory(err error, category goerrors.Category, code int, textCode string) error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return err
	}
	return ingressWrapError(err, category, code, textCode, err.Error(), nil)
}

func normalizeSource(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func mergeFields(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range extra {
		out[key] = value
	}
	return out
}
