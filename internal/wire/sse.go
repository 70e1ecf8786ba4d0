package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tjfontaine/assistd/internal/domain"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEEmitter writes events as "data: <json>\n\n" frames.
type SSEEmitter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEEmitter sets the event-stream headers, sends them, and returns an
// emitter for w.
func NewSSEEmitter(w http.ResponseWriter) (*SSEEmitter, error) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// ResponseController sees through middleware wrappers that implement
	// Unwrap; a writer that still cannot flush would buffer the stream.
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamingUnsupported, err)
	}

	return &SSEEmitter{w: w, rc: rc}, nil
}

// Emit writes one frame and flushes it.
func (s *SSEEmitter) Emit(ev domain.StreamEvent) error {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	buf.Write(Encode(ev))
	buf.WriteString("\n\n")

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	return s.rc.Flush()
}

// ReadSSE decodes an event stream, calling fn for every event in order.
// Data lines of one frame are joined with newlines. Reading stops at EOF,
// after a terminal event, or when fn returns an error.
func ReadSSE(r io.Reader, fn func(domain.StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data [][]byte
	dispatch := func() (bool, error) {
		if len(data) == 0 {
			return false, nil
		}
		ev := ParseEvent(bytes.Join(data, []byte("\n")))
		data = data[:0]
		if err := fn(ev); err != nil {
			return true, err
		}
		return ev.Terminal(), nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()

		if len(line) == 0 {
			stop, err := dispatch()
			if err != nil || stop {
				return err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		data = append(data, append([]byte(nil), value...))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}

	_, err := dispatch()
	return err
}
