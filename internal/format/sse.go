package format

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrClientGone is returned once a write to the client has failed. The writer stays inert
// afterwards so the caller can cancel upstream work without further error noise.
var ErrClientGone = errors.New("client connection lost")

// SSEWriter writes Server-Sent Events frames and flushes after every frame.
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	failed  bool
}

// NewSSEWriter wraps w. Headers are sent lazily on the first frame so that errors occurring
// before any output can still be answered with a JSON error response.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

// Started reports whether any frame has been written.
func (s *SSEWriter) Started() bool {
	return s.started
}

// WriteEvent writes a named event with a JSON payload.
func (s *SSEWriter) WriteEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	return s.write(func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
		return err
	})
}

// WriteData writes an unnamed event with a JSON payload.
func (s *SSEWriter) WriteData(data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	return s.WriteRaw(string(payload))
}

// WriteRaw writes an unnamed event with a literal payload such as [DONE].
func (s *SSEWriter) WriteRaw(data string) error {
	return s.write(func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	})
}

// WriteComment writes an SSE comment line, ignored by clients and used for keep-alive.
func (s *SSEWriter) WriteComment(text string) error {
	return s.write(func(w io.Writer) error {
		_, err := fmt.Fprintf(w, ": %s\n\n", text)
		return err
	})
}

func (s *SSEWriter) write(frame func(io.Writer) error) error {
	if s.failed {
		return ErrClientGone
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := frame(s.w); err != nil {
		s.failed = true
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	if err := s.rc.Flush(); err != nil {
		s.failed = true
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}
