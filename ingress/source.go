package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"slices"
	"strings"

	"github.com/goliatone/go-hooks/core"
)

// Parser derives the normalised event tuple from a verified request.
type Parser interface {
	Parse(ctx context.Context, req Request) (core.NormalizedEvent, error)
}

type ParserFunc func(ctx context.Context, req Request) (core.NormalizedEvent, error)

func (f ParserFunc) Parse(ctx context.Context, req Request) (core.NormalizedEvent, error) {
	return f(ctx, req)
}

// Filter decides whether a parsed event is worth recording. A false result
// is acknowledged as ignored with the returned reason.
type Filter func(event core.NormalizedEvent) (bool, string)

// Source is one webhook sender: how to authenticate it, how to read it and
// which job handler runs its events.
type Source struct {
	Name     string
	Handler  string
	Verifier Verifier
	Parser   Parser
	Filter   Filter
}

func (s Source) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ingressBadInput("ingress: source name is required", nil)
	}
	if strings.TrimSpace(s.Handler) == "" {
		return ingressBadInput("ingress: source handler is required", map[string]any{"source": s.Name})
	}
	if s.Parser == nil {
		return ingressBadInput("ingress: source parser is required", map[string]any{"source": s.Name})
	}
	return nil
}

// NewSourceFromConfig builds a JSON source with its verifier and event type
// allow-list from configuration.
func NewSourceFromConfig(cfg core.SourceConfig) (Source, error) {
	verifier, err := NewVerifier(cfg.Verifier)
	if err != nil {
		return Source{}, err
	}
	source := Source{
		Name:     strings.ToLower(strings.TrimSpace(cfg.Name)),
		Handler:  strings.TrimSpace(cfg.Handler),
		Verifier: verifier,
		Parser: JSONParser{
			Source:            strings.ToLower(strings.TrimSpace(cfg.Name)),
			EventTypeField:    cfg.EventTypeField,
			ExternalIDField:   cfg.ExternalIDField,
			ContactField:      cfg.ContactField,
			IdempotencyFields: cfg.IdempotencyFields,
		},
		Filter: AllowEventTypes(cfg.AllowEventTypes...),
	}
	if err := source.validate(); err != nil {
		return Source{}, err
	}
	return source, nil
}

// AllowEventTypes accepts only the listed event types. An empty list
// accepts everything.
func AllowEventTypes(types ...string) Filter {
	allowed := make([]string, 0, len(types))
	for _, value := range types {
		if value = strings.TrimSpace(value); value != "" {
			allowed = append(allowed, value)
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	return func(event core.NormalizedEvent) (bool, string) {
		if slices.Contains(allowed, event.EventType) {
			return true, ""
		}
		return false, fmt.Sprintf("event type %q is not handled", event.EventType)
	}
}

// JSONParser reads a JSON object body. Field names are dotted paths into
// the document, e.g. "payload.invitee.uuid".
type JSONParser struct {
	Source            string
	EventTypeField    string
	ExternalIDField   string
	ContactField      string
	IdempotencyFields []string
}

func (p JSONParser) Parse(_ context.Context, req Request) (core.NormalizedEvent, error) {
	payload, err := decodeObject(req.Body)
	if err != nil {
		return core.NormalizedEvent{}, err
	}
	eventTypeField := defaultString(p.EventTypeField, "event")
	eventType := lookupString(payload, eventTypeField)
	if eventType == "" {
		return core.NormalizedEvent{}, ingressBadInput("ingress: event type is required", map[string]any{
			"field": eventTypeField,
		})
	}
	externalIDField := defaultString(p.ExternalIDField, "id")
	externalID := lookupString(payload, externalIDField)

	source := strings.TrimSpace(p.Source)
	if source == "" {
		source = strings.TrimSpace(req.Source)
	}
	var key string
	if len(p.IdempotencyFields) > 0 {
		parts := []string{source, eventType}
		for _, field := range p.IdempotencyFields {
			value := lookupString(payload, field)
			if value == "" {
				return core.NormalizedEvent{}, ingressBadInput("ingress: idempotency field is required", map[string]any{
					"field": field,
				})
			}
			parts = append(parts, value)
		}
		key = strings.Join(parts, ":")
	} else {
		if externalID == "" {
			return core.NormalizedEvent{}, ingressBadInput("ingress: external id is required", map[string]any{
				"field": externalIDField,
			})
		}
		key = core.DefaultIdempotencyKey(source, eventType, externalID)
	}

	contact := ""
	if strings.TrimSpace(p.ContactField) != "" {
		contact = lookupString(payload, p.ContactField)
	}
	if contact != "" {
		payload[core.PayloadKeyContact] = contact
	}
	return core.NormalizedEvent{
		EventType:      eventType,
		ExternalID:     externalID,
		IdempotencyKey: key,
		Contact:        contact,
		Payload:        payload,
	}, nil
}

// ManualParser handles operator-triggered runs keyed by a contact email, so
// the same person is only processed once per event type.
type ManualParser struct {
	DefaultEventType string
}

type manualTrigger struct {
	Email     string         `json:"email"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

func (p ManualParser) Parse(_ context.Context, req Request) (core.NormalizedEvent, error) {
	var trigger manualTrigger
	decoder := json.NewDecoder(bytes.NewReader(req.Body))
	decoder.UseNumber()
	if err := decoder.Decode(&trigger); err != nil {
		return core.NormalizedEvent{}, ingressBadInput("ingress: malformed manual trigger", nil)
	}
	email, err := NormalizeEmail(trigger.Email)
	if err != nil {
		return core.NormalizedEvent{}, err
	}
	eventType := strings.TrimSpace(trigger.EventType)
	if eventType == "" {
		eventType = defaultString(p.DefaultEventType, "trigger")
	}
	payload := core.CopyAnyMap(trigger.Data)
	payload["email"] = email
	payload[core.PayloadKeyContact] = email
	return core.NormalizedEvent{
		EventType:      eventType,
		ExternalID:     email,
		IdempotencyKey: ManualIdempotencyKey(eventType, email),
		Contact:        email,
		Payload:        payload,
	}, nil
}

// ManualIdempotencyKey returns "manual:<event_type>:<email>".
func ManualIdempotencyKey(eventType string, email string) string {
	return strings.Join([]string{"manual", strings.TrimSpace(eventType), strings.ToLower(strings.TrimSpace(email))}, ":")
}

func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ingressBadInput("ingress: email is required", nil)
	}
	address, err := mail.ParseAddress(raw)
	if err != nil {
		return "", ingressBadInput("ingress: email is invalid", map[string]any{"email": raw})
	}
	return strings.ToLower(address.Address), nil
}

func decodeObject(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ingressBadInput("ingress: request body is required", nil)
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		return nil, ingressBadInput("ingress: request body must be a JSON object", nil)
	}
	return payload, nil
}

func lookupString(doc map[string]any, path string) string {
	var current any = doc
	for _, segment := range strings.Split(strings.TrimSpace(path), ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = node[segment]
		if !ok {
			return ""
		}
	}
	switch value := current.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	case bool, float64, int, int64:
		return fmt.Sprint(value)
	default:
		return ""
	}
}

func defaultString(value string, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
