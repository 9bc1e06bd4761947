// Package stream relays upstream event streams to the caller while
// reconstructing the completion for accounting.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ngoyal88/meterproxy/pkg/ai"
)

const doneSentinel = "[DONE]"

// Result is what an Accumulator reconstructed from a stream.
type Result struct {
	Completion   string
	CompletionID string
	// Raw is every byte written to the accumulator, in order.
	Raw []byte
	// Events counts decoded frames; Skipped counts frames that could not
	// be decoded.
	Events  int
	Skipped int
}

// Accumulator decodes an event stream written to it in arbitrary chunks.
// It is an io.Writer that never fails. Not safe for concurrent use.
type Accumulator struct {
	pending    []byte
	raw        bytes.Buffer
	completion strings.Builder
	id         string
	events     int
	skipped    int
	closed     bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Write buffers p and decodes every frame it completes. Bytes after the
// last frame boundary are kept until more data arrives.
func (a *Accumulator) Write(p []byte) (int, error) {
	if a.closed {
		return len(p), nil
	}
	a.raw.Write(p)
	a.pending = append(a.pending, p...)

	for {
		end, sepLen := frameBoundary(a.pending)
		if end < 0 {
			break
		}
		a.consume(a.pending[:end])
		a.pending = a.pending[end+sepLen:]
	}
	if len(a.pending) == 0 {
		a.pending = nil
	}
	return len(p), nil
}

// Close decodes any trailing frame that was never terminated by a blank
// line. Later writes are ignored.
func (a *Accumulator) Close() error {
	if a.closed {
		return nil
	}
	if len(bytes.TrimSpace(a.pending)) > 0 {
		a.consume(a.pending)
	}
	a.pending = nil
	a.closed = true
	return nil
}

// Result returns a snapshot of the accumulated state.
func (a *Accumulator) Result() Result {
	return Result{
		Completion:   a.completion.String(),
		CompletionID: a.id,
		Raw:          bytes.Clone(a.raw.Bytes()),
		Events:       a.events,
		Skipped:      a.skipped,
	}
}

func (a *Accumulator) consume(frame []byte) {
	payload, ok := framePayload(frame)
	if !ok || payload == doneSentinel {
		return
	}

	var ev ai.StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		a.skipped++
		return
	}
	a.events++

	if a.id == "" && ev.ID != "" {
		a.id = ev.ID
	}
	if s, ok := ev.DeltaContent(); ok {
		a.completion.WriteString(s)
	}
}

// frameBoundary returns the index of the first blank-line separator in b
// and its length, or -1.
func frameBoundary(b []byte) (int, int) {
	lf := bytes.Index(b, []byte("\n\n"))
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 4
	}
}

// framePayload joins the data lines of a frame. Frames without data lines
// (comments, bare event names) report ok=false.
func framePayload(frame []byte) (string, bool) {
	var data []string
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		line = strings.TrimPrefix(line, "data:")
		data = append(data, strings.TrimPrefix(line, " "))
	}
	if len(data) == 0 {
		return "", false
	}
	return strings.Join(data, "\n"), true
}
