package ingress

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-hooks/core"
	"golang.org/x/time/rate"
)

const defaultMaxBodyBytes = 1 << 20

// EventReader serves the read-only event lookup route.
type EventReader interface {
	Load(ctx context.Context, eventID string) (core.Event, error)
}

type RouterOptions struct {
	Events       EventReader
	MaxBodyBytes int64
	// RateLimits caps requests per source; sources without an entry are
	// unlimited.
	RateLimits map[string]core.RateLimitConfig
}

type Router struct {
	ingress *Ingress
	options RouterOptions
	router  *gin.Engine

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRouter(ingress *Ingress, options RouterOptions) *Router {
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = defaultMaxBodyBytes
	}
	r := &Router{
		ingress:  ingress,
		options:  options,
		router:   gin.New(),
		limiters: map[string]*rate.Limiter{},
	}
	r.router.Use(gin.Recovery())
	r.registerRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

// Engine exposes the gin engine for mounting extra routes.
func (r *Router) Engine() *gin.Engine {
	return r.router
}

func (r *Router) registerRoutes() {
	r.router.GET("/healthz", r.healthCheck)
	r.router.POST("/webhooks/:source", r.receiveWebhook)
	if r.options.Events != nil {
		r.router.GET("/events/:id", r.getEvent)
	}
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"sources": r.ingress.Sources(),
	})
}

func (r *Router) receiveWebhook(c *gin.Context) {
	source := normalizeSource(c.Param("source"))
	if limiter := r.limiter(source); limiter != nil && !limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, errorBody(core.ErrorRateLimited, "rate limit exceeded"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, r.options.MaxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(core.ErrorBadInput, "request body could not be read"))
		return
	}
	if int64(len(body)) > r.options.MaxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, errorBody(core.ErrorBadInput, "request body too large"))
		return
	}

	result, err := r.ingress.Accept(c.Request.Context(), Request{
		Source:     source,
		Headers:    c.Request.Header.Clone(),
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		mapped := core.MapError(err)
		c.JSON(StatusCode(err), errorBody(mapped.TextCode, mapped.Message))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *Router) getEvent(c *gin.Context) {
	event, err := r.options.Events.Load(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		mapped := core.MapError(err)
		c.JSON(StatusCode(err), errorBody(mapped.TextCode, mapped.Message))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_id":        event.ID,
		"source":          event.Source,
		"event_type":      event.EventType,
		"external_id":     event.ExternalID,
		"idempotency_key": event.IdempotencyKey,
		"status":          event.Status,
		"attempts":        event.Attempts,
		"last_error":      event.LastError,
		"payload":         core.RedactPayload(event.Payload),
		"received_at":     event.ReceivedAt,
		"updated_at":      event.UpdatedAt,
	})
}

func (r *Router) limiter(source string) *rate.Limiter {
	cfg, ok := r.options.RateLimits[source]
	if !ok || cfg.RPS <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, exists := r.limiters[source]; exists {
		return limiter
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(int(cfg.RPS), 1)
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	r.limiters[source] = limiter
	return limiter
}

func errorBody(code string, message string) gin.H {
	return gin.H{
		"ok":     false,
		"error":  code,
		"reason": message,
	}
}
