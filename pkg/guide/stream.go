package guide

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/powere-ch/guide-cli/pkg/logger"
	"github.com/powere-ch/guide-cli/pkg/sse"
)

// ErrNoBody is returned when the streaming endpoint accepts the request but
// supplies no response body to read events from.
var ErrNoBody = errors.New("streaming response has no body")

// ChatStream opens the streaming endpoint and returns a channel of decoded
// events in arrival order. The channel is closed exactly once, after the
// terminal event (done, error, or abort); nothing is delivered past it.
// Cancel ctx to abort the stream; the abort surfaces as a final event whose
// Err satisfies errors.Is(err, context.Canceled).
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat/stream"), bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := readDetail(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, detail)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, ErrNoBody
	}

	events := make(chan StreamEvent, 64)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream drives the SSE decoder over the response body and forwards
// decoded events until completion, error, or abort.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	log := logger.WithComponent("guide_stream")
	defer close(events)
	defer body.Close()

	dec := sse.NewDecoder()
	buf := make([]byte, 4096)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, raw := range dec.Feed(buf[:n]) {
				ev := decodeEvent(raw)
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
				if ev.IsDone() {
					return
				}
			}
		}

		if readErr == nil {
			continue
		}
		if readErr == io.EOF {
			if rest := dec.Rest(); len(rest) > 0 {
				log.Debug().Int("bytes", len(rest)).Msg("discarding dangling partial block at end of stream")
			}
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Aborted by the caller; distinguishable from a hard failure.
			select {
			case events <- StreamEvent{Err: ctxErr}:
			default:
			}
			return
		}
		select {
		case events <- StreamEvent{Err: fmt.Errorf("stream read failed: %w", readErr)}:
		case <-ctx.Done():
		}
		return
	}
}

// decodeEvent maps one framed SSE event onto the typed stream contract.
func decodeEvent(raw sse.Event) StreamEvent {
	ev := StreamEvent{Name: raw.Name, Raw: raw.Data}

	switch raw.Name {
	case EventToken:
		var payload TokenEvent
		// Data is always valid JSON; a shape mismatch just yields an
		// empty delta, which downstream treats as a no-op.
		_ = json.Unmarshal(raw.Data, &payload)
		ev.Delta = payload.Delta
	case EventMeta:
		var payload MetaEvent
		_ = json.Unmarshal(raw.Data, &payload)
		ev.Meta = &payload
	case EventDone:
		// Payload is ignored beyond signaling completion.
	}
	return ev
}
