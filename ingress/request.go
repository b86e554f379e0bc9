package ingress

import (
	"net/http"
	"strings"
	"time"
)

// Request is one inbound webhook delivery as seen by a Source.
type Request struct {
	Source     string
	Headers    http.Header
	Body       []byte
	ReceivedAt time.Time
}

func (r Request) Header(name string) string {
	return headerValue(r.Headers, name)
}

func headerValue(headers http.Header, name string) string {
	name = strings.TrimSpace(name)
	if headers == nil || name == "" {
		return ""
	}
	if value := headers.Get(name); value != "" {
		return value
	}
	for key, values := range headers {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// Result is the acknowledgement returned to the webhook sender.
type Result struct {
	OK             bool   `json:"ok"`
	Queued         bool   `json:"queued,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Ignored        bool   `json:"ignored,omitempty"`
	EventID        string `json:"event_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
