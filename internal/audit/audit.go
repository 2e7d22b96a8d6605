// Package audit records authentication and authorization decisions as
// structured events. Emission is fire-and-forget: audit loss must never
// block or fail the request path.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"authgate.dev/internal/ids"
	"authgate.dev/internal/obs"
)

// EventType classifies audit events.
type EventType string

const (
	EventAuthSuccess  EventType = "AUTH_SUCCESS"
	EventAuthFailure  EventType = "AUTH_FAILURE"
	EventAuthzAllow   EventType = "AUTHORIZATION_ALLOW"
	EventAuthzDenial  EventType = "AUTHORIZATION_DENIAL"
	EventTokenIssued  EventType = "TOKEN_ISSUED"
	EventTokenRevoked EventType = "TOKEN_REVOKED"
)

// Event is one security decision.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	RequestID string            `json:"request_id,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	SystemID  string            `json:"system_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Path      string            `json:"path,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives security events. Implementations must not block the caller.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Handler processes a single event. Handlers run on the sink's own
// goroutine, never on the request path.
type Handler func(Event)

// Log is an asynchronous fan-out Sink with a bounded queue. When the queue
// is full the event is dropped rather than blocking the request.
type Log struct {
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Option configures Log.
type Option func(*Log)

// WithHandler adds a custom event handler.
func WithHandler(h Handler) Option {
	return func(l *Log) {
		if h != nil {
			l.handlers = append(l.handlers, h)
		}
	}
}

// WithJSONHandler adds a handler writing events as JSON lines through the
// shared service logger.
func WithJSONHandler() Option {
	return WithHandler(func(e Event) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		obs.Logger().Println(string(data))
	})
}

// NewLog starts an asynchronous audit sink. bufferSize <= 0 picks a default.
func NewLog(bufferSize int, opts ...Option) *Log {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	l := &Log{
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.process()
	return l
}

// Emit enqueues the event, stamping id, timestamp and request context.
func (l *Log) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = requestIDFromContext(ctx)
	}
	if info, ok := requestInfoFromContext(ctx); ok {
		if e.IP == "" {
			e.IP = info.IP
		}
		if e.Path == "" {
			e.Path = info.Path
		}
	}
	select {
	case <-l.done:
		// Sink is shutting down; the event is dropped.
		return
	default:
	}
	select {
	case l.queue <- e:
	default:
		// Queue full: drop. Audit loss never backpressures requests.
	}
}

// Close drains the queue and stops the worker. The queue channel itself is
// never closed: late emitters racing a shutdown must find a safe send, not a
// panic. Their events are dropped via the done check or left in the channel
// for the garbage collector.
func (l *Log) Close() {
	l.once.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

func (l *Log) process() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.dispatch(e)
		case <-l.done:
			for {
				select {
				case e := <-l.queue:
					l.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) dispatch(e Event) {
	for _, h := range l.handlers {
		h(e)
	}
}

// Nop discards all events. Useful in tests.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// --- request context -------------------------------------------------------

type ctxKey string

const (
	requestIDKey   ctxKey = "audit_request_id"
	requestInfoKey ctxKey = "audit_request_info"
)

// RequestInfo carries request metadata stamped onto events. It is used for
// audit enrichment only: nothing here may participate in identity or
// authorization decisions.
type RequestInfo struct {
	IP   string
	Path string
}

// WithRequestID attaches the request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return requestIDFromContext(ctx)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestInfo attaches request metadata for event enrichment.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

func requestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	if ctx == nil {
		return RequestInfo{}, false
	}
	v, ok := ctx.Value(requestInfoKey).(RequestInfo)
	return v, ok
}
