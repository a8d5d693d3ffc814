// ABOUTME: Streaming gateway relaying compute engine event streams to clients
// ABOUTME: One reader goroutine feeds a bounded channel drained by a single forwarder

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/consult-gateway/internal/engine"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/lease"
	"github.com/2389/consult-gateway/internal/metrics"
	"github.com/2389/consult-gateway/internal/modes"
)

// DefaultBuffer is the number of frames held between reader and forwarder.
const DefaultBuffer = 64

// identityFields never travel in the upstream body.
var identityFields = []string{"tenant_id", "user_id", "session_id"}

// Opener opens an upstream event stream. Satisfied by *engine.Client.
type Opener interface {
	OpenStream(ctx context.Context, route modes.Route, body map[string]any, id engine.Identity) (io.ReadCloser, error)
}

// Sink receives forwarded events. Implementations write ev.Raw and flush.
type Sink interface {
	Write(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Write(ev Event) error { return f(ev) }

// Request describes one stream to open.
type Request struct {
	SessionID string
	TenantID  string
	UserID    string
	Mode      modes.ID
	MissionID string
	// Payload is the client body. Identity fields are stripped before forwarding.
	Payload map[string]any
}

// Gateway opens relayed streams. It holds no per-stream state.
type Gateway struct {
	engine  Opener
	leases  lease.Manager
	buffer  int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a streaming gateway. A nil lease manager gets an in-memory one.
func New(opener Opener, leases lease.Manager, buffer int, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if leases == nil {
		leases = lease.NewMemory()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Gateway{
		engine:  opener,
		leases:  leases,
		buffer:  buffer,
		metrics: m,
		logger:  logger.With("component", "relay"),
	}
}

// Open issues exactly one upstream request and starts reading it. The stream
// lives until ctx is cancelled, a terminal event is consumed, or Close is called.
func (g *Gateway) Open(ctx context.Context, req Request) (*Stream, error) {
	mode, err := modes.Get(req.Mode)
	if err != nil {
		return nil, err
	}
	route := string(mode.Route)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	l, err := g.leases.Acquire(ctx, sessionID)
	if err != nil {
		g.metrics.StreamRejected(route, "concurrent")
		return nil, err
	}

	body := upstreamBody(req, mode)

	streamCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(streamCtx)

	rc, err := g.engine.OpenStream(groupCtx, mode.Route, body, engine.Identity{
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		SessionID: sessionID,
	})
	if err != nil {
		cancel()
		l.Release()
		g.metrics.StreamRejected(route, string(errs.KindOf(err)))
		return nil, err
	}

	s := &Stream{
		SessionID: sessionID,
		Route:     mode.Route,
		events:    make(chan Event, g.buffer),
		body:      rc,
		cancel:    cancel,
		lease:     l,
		group:     group,
		end:       g.metrics.StreamStarted(route),
		metrics:   g.metrics,
		logger:    g.logger.With("session_id", sessionID, "route", route),
	}
	group.Go(func() error { return s.read(groupCtx) })

	s.logger.Debug("stream opened", "mission_id", req.MissionID)
	return s, nil
}

func upstreamBody(req Request, mode modes.Mode) map[string]any {
	body := maps.Clone(req.Payload)
	if body == nil {
		body = make(map[string]any)
	}
	for _, f := range identityFields {
		delete(body, f)
	}
	body["mode"] = int(mode.ID)
	if req.MissionID != "" {
		body["mission_id"] = req.MissionID
	}
	return body
}

// Outcome summarizes a forwarded stream.
type Outcome struct {
	Frames   int
	Terminal *Event
}

// Stream is one open upstream stream.
type Stream struct {
	SessionID string
	Route     modes.Route

	events chan Event
	body   io.ReadCloser
	cancel context.CancelFunc
	lease  lease.Lease
	group  *errgroup.Group

	end      func(outcome string)
	metrics  *metrics.Metrics
	logger   *slog.Logger
	terminal atomic.Value // EventType of the terminal event read, if any

	abortOnce sync.Once
	closeOnce sync.Once
}

// read is the single producer. It always finishes the channel with a terminal
// event unless the stream was cancelled.
func (s *Stream) read(ctx context.Context) error {
	defer close(s.events)

	errStop := errors.New("terminal event")
	err := ReadFrames(s.body, func(ev Event) error {
		if ev.Terminal() {
			s.terminal.Store(ev.Type)
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ev.Terminal() {
			return errStop
		}
		return nil
	})

	if errors.Is(err, errStop) || ctx.Err() != nil {
		return nil
	}

	s.logger.Warn("upstream ended without terminal event", "error", err)
	ev := ErrorEvent(errs.CodeUpstreamDisconnected, "upstream stream ended unexpectedly")
	s.terminal.Store(ev.Type)
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
	return nil
}

// Events exposes the frame channel for interceptors that consume the stream
// themselves. The channel closes after the terminal event or on cancellation.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Forward drains the stream into sink until a terminal event, a sink error, or
// ctx cancellation. The stream is closed on return.
func (s *Stream) Forward(ctx context.Context, sink Sink) (Outcome, error) {
	defer s.Close()

	var out Outcome
	s.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				s.abort()
				return ctx.Err()
			case ev, ok := <-s.events:
				if !ok {
					return nil
				}
				if err := sink.Write(ev); err != nil {
					s.abort()
					return fmt.Errorf("writing to client: %w", err)
				}
				if ev.Comment() {
					continue
				}
				out.Frames++
				s.metrics.StreamEvent(string(ev.Type))
				if ev.Terminal() {
					out.Terminal = &ev
					return nil
				}
			}
		}
	})

	err := s.group.Wait()
	return out, err
}

// Wait blocks until the reader goroutine has exited.
func (s *Stream) Wait() error {
	return s.group.Wait()
}

// abort cancels the upstream request and closes its body, unblocking the reader.
func (s *Stream) abort() {
	s.abortOnce.Do(func() {
		s.cancel()
		_ = s.body.Close()
	})
}

// Close aborts the upstream request and releases the session. Safe to call repeatedly.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.abort()
		s.lease.Release()

		outcome := "cancelled"
		if t, ok := s.terminal.Load().(EventType); ok {
			outcome = string(t)
		}
		s.end(outcome)
		s.logger.Debug("stream closed", "outcome", outcome)
	})
}
