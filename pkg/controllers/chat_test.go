package controllers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powere-ch/guide-cli/pkg/chat"
	"github.com/powere-ch/guide-cli/pkg/guide"
	"github.com/powere-ch/guide-cli/pkg/store"
)

type fakeClient struct {
	streamFn  func(ctx context.Context, req guide.ChatRequest) (<-chan guide.StreamEvent, error)
	chatFn    func(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error)
	chatCalls atomic.Int32
}

func (f *fakeClient) ChatStream(ctx context.Context, req guide.ChatRequest) (<-chan guide.StreamEvent, error) {
	if f.streamFn == nil {
		return nil, errors.New("streaming disabled")
	}
	return f.streamFn(ctx, req)
}

func (f *fakeClient) Chat(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error) {
	f.chatCalls.Add(1)
	if f.chatFn == nil {
		return nil, errors.New("fallback disabled")
	}
	return f.chatFn(ctx, req)
}

func (f *fakeClient) Ping(ctx context.Context) guide.Status {
	return guide.Status{Reachable: true}
}

// scriptedStream delivers a fixed sequence of events and closes.
func scriptedStream(events ...guide.StreamEvent) func(context.Context, guide.ChatRequest) (<-chan guide.StreamEvent, error) {
	return func(ctx context.Context, _ guide.ChatRequest) (<-chan guide.StreamEvent, error) {
		ch := make(chan guide.StreamEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}
}

// hangingStream delivers the prefix, then blocks until the stream context is
// aborted, then reports the abort the way the real transport does.
func hangingStream(prefix ...guide.StreamEvent) func(context.Context, guide.ChatRequest) (<-chan guide.StreamEvent, error) {
	return func(ctx context.Context, _ guide.ChatRequest) (<-chan guide.StreamEvent, error) {
		ch := make(chan guide.StreamEvent, len(prefix)+1)
		for _, ev := range prefix {
			ch <- ev
		}
		go func() {
			<-ctx.Done()
			ch <- guide.StreamEvent{Err: ctx.Err()}
			close(ch)
		}()
		return ch, nil
	}
}

func tokenEvent(delta string) guide.StreamEvent {
	return guide.StreamEvent{Name: guide.EventToken, Delta: delta}
}

func metaEvent(conversationID string, citations ...guide.Citation) guide.StreamEvent {
	return guide.StreamEvent{Name: guide.EventMeta, Meta: &guide.MetaEvent{
		ConversationID: conversationID,
		Citations:      citations,
	}}
}

func doneEvent() guide.StreamEvent {
	return guide.StreamEvent{Name: guide.EventDone}
}

func newTestController(t *testing.T, client GuideClient, opts Options) (*GuideController, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	gc, err := NewGuideController(client, st, opts)
	require.NoError(t, err)
	gc.Probe(context.Background())
	return gc, st
}

func TestSendStreaming(t *testing.T) {
	t.Run("should assemble the answer from ordered deltas", func(t *testing.T) {
		client := &fakeClient{streamFn: scriptedStream(
			metaEvent("conv-1", guide.Citation{ID: "doc-1", Title: "Grid basics"}),
			tokenEvent("Hel"),
			tokenEvent("lo, "),
			tokenEvent("world"),
			doneEvent(),
		)}
		gc, st := newTestController(t, client, Options{})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)

		assert.Equal(t, "Hello, world", msg.Content)
		assert.True(t, msg.Final)
		require.Len(t, msg.Citations, 1)
		assert.Equal(t, "doc-1", msg.Citations[0].ID)
		assert.Equal(t, StateCompleted, gc.State())
		assert.Equal(t, "conv-1", gc.ConversationID())

		persisted, err := st.Get(store.KeyConversationID)
		require.NoError(t, err)
		assert.Equal(t, "conv-1", persisted)
		assert.Equal(t, int32(0), client.chatCalls.Load())
	})

	t.Run("should record user and assistant messages in order", func(t *testing.T) {
		client := &fakeClient{streamFn: scriptedStream(tokenEvent("ok"), doneEvent())}
		gc, _ := newTestController(t, client, Options{})

		_, err := gc.Send(context.Background(), "what is a feeder?")
		require.NoError(t, err)

		msgs := gc.Messages()
		require.Len(t, msgs, 2)
		assert.True(t, msgs[0].IsUser())
		assert.Equal(t, "what is a feeder?", msgs[0].Content)
		assert.True(t, msgs[1].IsAssistant())
		assert.Equal(t, "ok", msgs[1].Content)
	})

	t.Run("should reject empty input", func(t *testing.T) {
		gc, _ := newTestController(t, &fakeClient{}, Options{})

		_, err := gc.Send(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyInput)
		assert.Empty(t, gc.Messages())
	})

	t.Run("should reject sends while unreachable", func(t *testing.T) {
		st := store.NewMemoryStore()
		gc, err := NewGuideController(&fakeClient{}, st, Options{})
		require.NoError(t, err)

		_, err = gc.Send(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("should reject a second turn while one is in flight", func(t *testing.T) {
		client := &fakeClient{streamFn: hangingStream()}
		gc, _ := newTestController(t, client, Options{
			FirstTokenTimeout: time.Second,
			HardTimeout:       time.Second,
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = gc.Send(context.Background(), "first")
		}()

		assert.Eventually(t, func() bool {
			return gc.State() == StateStreaming
		}, time.Second, 5*time.Millisecond)

		_, err := gc.Send(context.Background(), "second")
		assert.ErrorIs(t, err, ErrTurnInFlight)

		require.NoError(t, gc.Reset())
		<-done
	})
}

func TestSendFallback(t *testing.T) {
	t.Run("should fall back when no token arrives in time", func(t *testing.T) {
		client := &fakeClient{
			streamFn: hangingStream(),
			chatFn: func(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error) {
				return &guide.ChatResponse{
					Answer:         "full answer",
					Citations:      []guide.Citation{{ID: "doc-2"}},
					ConversationID: "conv-2",
				}, nil
			},
		}
		gc, st := newTestController(t, client, Options{
			FirstTokenTimeout: 20 * time.Millisecond,
			HardTimeout:       time.Second,
		})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)

		assert.Equal(t, "full answer", msg.Content)
		assert.True(t, msg.Final)
		require.Len(t, msg.Citations, 1)
		assert.Equal(t, "doc-2", msg.Citations[0].ID)
		assert.Equal(t, int32(1), client.chatCalls.Load())

		persisted, err := st.Get(store.KeyConversationID)
		require.NoError(t, err)
		assert.Equal(t, "conv-2", persisted)
	})

	t.Run("should replace partial streamed content with the fallback answer", func(t *testing.T) {
		client := &fakeClient{
			streamFn: scriptedStream(
				tokenEvent("partial"),
				guide.StreamEvent{Err: errors.New("connection reset")},
			),
			chatFn: func(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error) {
				return &guide.ChatResponse{Answer: "complete answer"}, nil
			},
		}
		gc, _ := newTestController(t, client, Options{})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)
		assert.Equal(t, "complete answer", msg.Content)
		assert.True(t, msg.Final)
	})

	t.Run("should fall back when the streaming endpoint rejects the request", func(t *testing.T) {
		client := &fakeClient{
			chatFn: func(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error) {
				return &guide.ChatResponse{Answer: "via fallback"}, nil
			},
		}
		gc, _ := newTestController(t, client, Options{})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)
		assert.Equal(t, "via fallback", msg.Content)
	})

	t.Run("should fall back exactly once per turn", func(t *testing.T) {
		client := &fakeClient{
			streamFn: hangingStream(),
			chatFn: func(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error) {
				return &guide.ChatResponse{Answer: "answer"}, nil
			},
		}
		gc, _ := newTestController(t, client, Options{
			FirstTokenTimeout: 20 * time.Millisecond,
			HardTimeout:       time.Second,
		})

		_, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)
		assert.Equal(t, int32(1), client.chatCalls.Load())
	})

	t.Run("should surface a fallback failure as inline error content", func(t *testing.T) {
		client := &fakeClient{
			chatFn: func(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error) {
				return nil, errors.New("request failed with status 503: model overloaded")
			},
		}
		gc, _ := newTestController(t, client, Options{})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)

		assert.True(t, msg.Final)
		assert.Contains(t, msg.Content, "Error:")
		assert.Contains(t, msg.Content, "overloaded")
		assert.Equal(t, StateCompleted, gc.State())
	})

	t.Run("should keep streamed citations over fallback citations", func(t *testing.T) {
		client := &fakeClient{
			streamFn: scriptedStream(
				metaEvent("", guide.Citation{ID: "streamed"}),
				guide.StreamEvent{Err: errors.New("connection reset")},
			),
			chatFn: func(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error) {
				return &guide.ChatResponse{
					Answer:    "answer",
					Citations: []guide.Citation{{ID: "fallback"}},
				}, nil
			},
		}
		gc, _ := newTestController(t, client, Options{})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)
		require.Len(t, msg.Citations, 1)
		assert.Equal(t, "streamed", msg.Citations[0].ID)
	})
}

func TestHardTimeout(t *testing.T) {
	t.Run("should terminate a hanging stream after the hard deadline", func(t *testing.T) {
		client := &fakeClient{streamFn: hangingStream(tokenEvent("stuck"))}
		gc, _ := newTestController(t, client, Options{
			FirstTokenTimeout: time.Second,
			HardTimeout:       30 * time.Millisecond,
		})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)

		assert.True(t, msg.Final)
		assert.Contains(t, msg.Content, "timed out")
		assert.Equal(t, StateCompleted, gc.State())
		assert.Equal(t, int32(0), client.chatCalls.Load())
	})

	t.Run("should terminate a hanging fallback after the hard deadline", func(t *testing.T) {
		client := &fakeClient{
			chatFn: func(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		gc, _ := newTestController(t, client, Options{
			FirstTokenTimeout: time.Second,
			HardTimeout:       30 * time.Millisecond,
		})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)
		assert.True(t, msg.Final)
		assert.Contains(t, msg.Content, "timed out")
	})

	t.Run("should not fire against a completed turn", func(t *testing.T) {
		client := &fakeClient{streamFn: scriptedStream(tokenEvent("fast"), doneEvent())}
		gc, _ := newTestController(t, client, Options{
			FirstTokenTimeout: 20 * time.Millisecond,
			HardTimeout:       40 * time.Millisecond,
		})

		msg, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)
		require.Equal(t, "fast", msg.Content)

		time.Sleep(80 * time.Millisecond)

		assert.Equal(t, StateCompleted, gc.State())
		final, ok := gc.LastAssistantMessage()
		require.True(t, ok)
		assert.Equal(t, "fast", final.Content)
		assert.Equal(t, int32(0), client.chatCalls.Load())
	})
}

func TestReset(t *testing.T) {
	t.Run("should clear conversation state and persisted id", func(t *testing.T) {
		client := &fakeClient{streamFn: scriptedStream(
			metaEvent("conv-9"),
			tokenEvent("answer"),
			doneEvent(),
		)}
		gc, st := newTestController(t, client, Options{})

		_, err := gc.Send(context.Background(), "hi")
		require.NoError(t, err)
		require.NotEmpty(t, gc.ConversationID())

		require.NoError(t, gc.Reset())

		assert.Empty(t, gc.Messages())
		assert.Empty(t, gc.ConversationID())
		assert.Equal(t, StateIdle, gc.State())

		persisted, err := st.Get(store.KeyConversationID)
		require.NoError(t, err)
		assert.Empty(t, persisted)
	})

	t.Run("should be idempotent", func(t *testing.T) {
		gc, _ := newTestController(t, &fakeClient{}, Options{})

		require.NoError(t, gc.Reset())
		require.NoError(t, gc.Reset())
		assert.Equal(t, StateIdle, gc.State())
	})

	t.Run("should abort an in-flight turn", func(t *testing.T) {
		client := &fakeClient{streamFn: hangingStream()}
		gc, _ := newTestController(t, client, Options{
			FirstTokenTimeout: time.Second,
			HardTimeout:       time.Second,
		})

		errCh := make(chan error, 1)
		go func() {
			_, err := gc.Send(context.Background(), "hi")
			errCh <- err
		}()

		assert.Eventually(t, func() bool {
			return gc.State() == StateStreaming
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, gc.Reset())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrTurnReset)
		case <-time.After(time.Second):
			t.Fatal("send did not return after reset")
		}

		assert.Empty(t, gc.Messages())
		assert.Equal(t, int32(0), client.chatCalls.Load())
	})

	t.Run("should drop a reset turn's buffered deltas instead of leaking them into the next turn", func(t *testing.T) {
		firstTurn := make(chan guide.StreamEvent, 4)
		secondTurn := make(chan guide.StreamEvent, 4)

		calls := 0
		client := &fakeClient{}
		client.streamFn = func(ctx context.Context, _ guide.ChatRequest) (<-chan guide.StreamEvent, error) {
			calls++
			if calls == 1 {
				return firstTurn, nil
			}
			return secondTurn, nil
		}
		gc, _ := newTestController(t, client, Options{
			FirstTokenTimeout: time.Second,
			HardTimeout:       time.Second,
		})

		firstErr := make(chan error, 1)
		go func() {
			_, err := gc.Send(context.Background(), "first")
			firstErr <- err
		}()
		assert.Eventually(t, func() bool {
			return gc.State() == StateStreaming
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, gc.Reset())

		type result struct {
			msg chat.Message
			err error
		}
		secondRes := make(chan result, 1)
		go func() {
			msg, err := gc.Send(context.Background(), "second")
			secondRes <- result{msg, err}
		}()
		assert.Eventually(t, func() bool {
			return gc.State() == StateStreaming
		}, time.Second, 5*time.Millisecond)

		// Release a buffered delta from the dead turn while the new turn's
		// placeholder is still open. It must not land anywhere.
		firstTurn <- tokenEvent("stale delta")
		close(firstTurn)

		select {
		case err := <-firstErr:
			assert.ErrorIs(t, err, ErrTurnReset)
		case <-time.After(time.Second):
			t.Fatal("first send did not return after reset")
		}

		secondTurn <- tokenEvent("clean answer")
		secondTurn <- doneEvent()
		close(secondTurn)

		select {
		case res := <-secondRes:
			require.NoError(t, res.err)
			assert.Equal(t, "clean answer", res.msg.Content)
		case <-time.After(time.Second):
			t.Fatal("second send did not complete")
		}

		final, ok := gc.LastAssistantMessage()
		require.True(t, ok)
		assert.Equal(t, "clean answer", final.Content)
	})

	t.Run("should allow sending again after reset", func(t *testing.T) {
		client := &fakeClient{streamFn: scriptedStream(tokenEvent("again"), doneEvent())}
		gc, _ := newTestController(t, client, Options{})

		_, err := gc.Send(context.Background(), "first")
		require.NoError(t, err)
		require.NoError(t, gc.Reset())

		msg, err := gc.Send(context.Background(), "second")
		require.NoError(t, err)
		assert.Equal(t, "again", msg.Content)
	})
}
