// Package sse decodes server-sent-event streams into discrete events.
// One Decoder is created per connection and fed the response body as it
// arrives; it is not restartable.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DefaultEventName is used for blocks that carry data but no event: line.
const DefaultEventName = "message"

// Event is one decoded SSE block. Data is always valid JSON: payloads that
// fail to parse are wrapped as {"raw": <original text>} so that malformed
// data is surfaced instead of dropped.
type Event struct {
	Name string
	Data json.RawMessage
}

var blockSep = []byte("\n\n")

// Decoder accumulates an incrementally-arriving byte stream and frames it
// into events. Bytes after the last complete block are retained for the
// next Feed call.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk to the internal buffer and returns every event whose
// block was completed by it, in stream order. The split points of the
// incoming chunks never affect which events are produced.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	norm := bytes.ReplaceAll(d.buf, []byte("\r\n"), []byte("\n"))
	// A trailing CR may be the first half of a CRLF split across chunks.
	// Hold it back until its pair arrives.
	heldCR := false
	if len(norm) > 0 && norm[len(norm)-1] == '\r' {
		norm = norm[:len(norm)-1]
		heldCR = true
	}

	var events []Event
	for {
		i := bytes.Index(norm, blockSep)
		if i < 0 {
			break
		}
		if ev, ok := parseBlock(norm[:i]); ok {
			events = append(events, ev)
		}
		norm = norm[i+len(blockSep):]
	}

	d.buf = append([]byte(nil), norm...)
	if heldCR {
		d.buf = append(d.buf, '\r')
	}
	return events
}

// Rest returns any bytes of a dangling partial block left at end of stream
// and resets the decoder. No event is synthesized for them.
func (d *Decoder) Rest() []byte {
	rest := d.buf
	d.buf = nil
	return rest
}

// parseBlock decodes one block between separators. Blocks without data:
// lines have no payload to deliver and are skipped.
func parseBlock(block []byte) (Event, bool) {
	name := ""
	var dataLines []string

	for _, line := range strings.Split(string(block), "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if len(dataLines) == 0 {
		return Event{}, false
	}
	if name == "" {
		name = DefaultEventName
	}

	payload := strings.Join(dataLines, "\n")
	if json.Valid([]byte(payload)) {
		return Event{Name: name, Data: json.RawMessage(payload)}, true
	}

	raw, err := json.Marshal(map[string]string{"raw": payload})
	if err != nil {
		// Marshalling a map[string]string cannot fail; keep the event anyway.
		raw = []byte(`{"raw":""}`)
	}
	return Event{Name: name, Data: raw}, true
}
