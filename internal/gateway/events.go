// ABOUTME: Server-sent event sink writing relayed frames to an HTTP response
// ABOUTME: Commits the SSE headers on the first frame so earlier failures can still be JSON errors

package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/consult-gateway/internal/relay"
)

var errStreamingUnsupported = errors.New("streaming not supported")

// sseSink writes each event's raw bytes and flushes immediately.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

// setSSEHeaders disables caching and intermediary buffering.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	setSSEHeaders(s.w)
	s.w.WriteHeader(http.StatusOK)
}

// Write implements relay.Sink.
func (s *sseSink) Write(ev relay.Event) error {
	s.start()
	if _, err := s.w.Write(ev.Raw); err != nil {
		return fmt.Errorf("writing %s frame: %w", ev.Type, err)
	}
	s.flusher.Flush()
	return nil
}

// Started reports whether the response has been committed as a stream.
func (s *sseSink) Started() bool {
	return s.started
}
