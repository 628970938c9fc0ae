// Package controllers ties the streaming transport, the fallback transport,
// the watchdog timers, and the conversation state together into the
// per-turn send/reset state machine.
package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/powere-ch/guide-cli/pkg/chat"
	"github.com/powere-ch/guide-cli/pkg/guide"
	"github.com/powere-ch/guide-cli/pkg/logger"
	"github.com/powere-ch/guide-cli/pkg/store"
)

var (
	// ErrTurnInFlight rejects a Send while another turn is active.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrUnreachable rejects a Send while the service is not known reachable.
	ErrUnreachable = errors.New("AI-guide service is not reachable")
	// ErrTurnReset reports that Reset interrupted the turn; not a failure.
	ErrTurnReset = errors.New("turn was reset")
	// ErrEmptyInput rejects blank submissions.
	ErrEmptyInput = errors.New("message content cannot be empty")
)

// TurnState names the orchestrator states. Sending is reachable again only
// after Completed or an explicit Reset.
type TurnState int

const (
	StateIdle TurnState = iota
	StateSending
	StateStreaming
	StateFallingBack
	StateCompleted
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFallingBack:
		return "falling-back"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type reachability int

const (
	reachUnknown reachability = iota
	reachUp
	reachDown
)

// GuideClient is the transport surface the controller drives. *guide.Client
// satisfies it.
type GuideClient interface {
	ChatStream(ctx context.Context, req guide.ChatRequest) (<-chan guide.StreamEvent, error)
	Chat(ctx context.Context, req guide.ChatRequest) (*guide.ChatResponse, error)
	Ping(ctx context.Context) guide.Status
}

// Options bound each turn's behavior.
type Options struct {
	TopK              int
	FirstTokenTimeout time.Duration
	HardTimeout       time.Duration
}

// turnContext is the transient per-turn state: the placeholder message
// being filled, the abort handles, and the watchdog flags. Destroyed when
// the turn completes or is reset.
type turnContext struct {
	messageID    string
	generation   uint64
	cancelTurn   context.CancelFunc
	cancelStream context.CancelFunc

	gotFirstToken     atomic.Bool
	fallbackRequested atomic.Bool
	hardExpired       atomic.Bool

	firstTokenTimer *time.Timer
	hardTimer       *time.Timer
}

// GuideController owns the conversation and runs one turn at a time.
type GuideController struct {
	client       GuideClient
	store        store.Store
	conversation *chat.Conversation
	opts         Options

	mu         sync.Mutex
	state      TurnState
	turn       *turnContext
	generation uint64
	reachable  reachability
}

// NewGuideController restores the persisted conversation id (if any) and
// returns a controller in the idle state.
func NewGuideController(client GuideClient, st store.Store, opts Options) (*GuideController, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.FirstTokenTimeout <= 0 {
		opts.FirstTokenTimeout = 6 * time.Second
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = 45 * time.Second
	}

	conversationID, err := st.Get(store.KeyConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to restore conversation id: %w", err)
	}

	return &GuideController{
		client:       client,
		store:        st,
		conversation: chat.NewConversation(conversationID),
		opts:         opts,
	}, nil
}

// Probe runs the liveness check and records the result; an unreachable
// service disables Send until a later probe succeeds.
func (gc *GuideController) Probe(ctx context.Context) guide.Status {
	status := gc.client.Ping(ctx)

	gc.mu.Lock()
	if status.Reachable {
		gc.reachable = reachUp
	} else {
		gc.reachable = reachDown
	}
	gc.mu.Unlock()

	return status
}

// Reachable reports whether the last probe succeeded.
func (gc *GuideController) Reachable() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.reachable == reachUp
}

// Send runs one full turn: it appends the user message and its placeholder,
// streams the answer into it, and falls back to the non-streaming endpoint
// when the stream stalls or fails. Every failure resolves the turn; errors
// beyond the sentinel rejections never escape. Returns the final assistant
// message.
func (gc *GuideController) Send(ctx context.Context, text string) (chat.Message, error) {
	log := logger.WithComponent("guide_controller")

	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyInput
	}

	gc.mu.Lock()
	if gc.turn != nil {
		gc.mu.Unlock()
		return chat.Message{}, ErrTurnInFlight
	}
	if gc.reachable != reachUp {
		gc.mu.Unlock()
		return chat.Message{}, ErrUnreachable
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	streamCtx, cancelStream := context.WithCancel(turnCtx)

	gc.generation++
	tc := &turnContext{
		generation:   gc.generation,
		cancelTurn:   cancelTurn,
		cancelStream: cancelStream,
	}
	gc.turn = tc
	gc.state = StateSending

	tc.messageID = gc.conversation.AppendUserTurn(text)
	req := guide.ChatRequest{
		Question:       strings.TrimSpace(text),
		TopK:           gc.opts.TopK,
		ConversationID: gc.conversation.ConversationID(),
	}
	gc.mu.Unlock()

	defer cancelTurn()

	gc.armWatchdogs(tc)
	defer gc.disarmWatchdogs(tc)

	events, err := gc.client.ChatStream(streamCtx, req)
	if err != nil {
		// Transport rejected outright; recover by falling back.
		log.Warn().Err(err).Msg("streaming transport rejected, falling back")
		return gc.fallback(turnCtx, tc, req)
	}

	gc.setState(tc, StateStreaming)

	done := false
	var streamErr error

consume:
	for ev := range events {
		if tc.hardExpired.Load() {
			break
		}
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}

		switch ev.Name {
		case guide.EventMeta:
			gc.observeLife(tc)
			if !gc.applyMeta(tc, ev.Meta) {
				break consume
			}
		case guide.EventToken:
			gc.observeLife(tc)
			delta := ev.Delta
			if !gc.applyIfCurrent(tc, func() {
				gc.conversation.ApplyDelta(tc.messageID, delta)
			}) {
				break consume
			}
		case guide.EventDone:
			done = true
			break consume
		default:
			log.Debug().Str("event", ev.Name).RawJSON("payload", ev.Raw).Msg("ignoring unrecognized stream event")
		}
	}

	gc.disarmWatchdogs(tc)

	switch {
	case done:
		if !gc.applyIfCurrent(tc, func() {
			gc.conversation.Finalize(tc.messageID, "", nil)
		}) {
			return chat.Message{}, ErrTurnReset
		}
		return gc.complete(tc, nil)

	case gc.isReset(tc):
		return chat.Message{}, ErrTurnReset

	case tc.hardExpired.Load():
		if !gc.applyIfCurrent(tc, func() {
			gc.conversation.Finalize(tc.messageID, "Error: the request timed out", nil)
		}) {
			return chat.Message{}, ErrTurnReset
		}
		return gc.complete(tc, nil)

	default:
		// Stall, transport failure, or our own first-token abort: all
		// recover through the fallback endpoint.
		if streamErr != nil && !isAbort(streamErr) {
			log.Warn().Err(streamErr).Msg("stream failed, falling back")
		} else {
			log.Debug().Bool("fallback_requested", tc.fallbackRequested.Load()).Msg("stream ended without completion, falling back")
		}
		tc.cancelStream()
		return gc.fallback(turnCtx, tc, req)
	}
}

// fallback performs the single non-streaming request and resolves the turn
// from its result. A fallback failure is terminal for the turn and becomes
// inline assistant content; it is never re-thrown.
func (gc *GuideController) fallback(ctx context.Context, tc *turnContext, req guide.ChatRequest) (chat.Message, error) {
	log := logger.WithComponent("guide_controller")
	gc.setState(tc, StateFallingBack)

	resp, err := gc.client.Chat(ctx, req)

	switch {
	case gc.isReset(tc):
		return chat.Message{}, ErrTurnReset

	case tc.hardExpired.Load():
		if !gc.applyIfCurrent(tc, func() {
			gc.conversation.Finalize(tc.messageID, "Error: the request timed out", nil)
		}) {
			return chat.Message{}, ErrTurnReset
		}
		return gc.complete(tc, nil)

	case err != nil:
		log.Error().Err(err).Msg("fallback request failed")
		if !gc.applyIfCurrent(tc, func() {
			gc.conversation.Finalize(tc.messageID, fmt.Sprintf("Error: %v", err), nil)
		}) {
			return chat.Message{}, ErrTurnReset
		}
		return gc.complete(tc, nil)

	default:
		if !gc.applyIfCurrent(tc, func() {
			gc.conversation.AttachMetadata(tc.messageID, nil, resp.ConversationID)
			gc.conversation.Finalize(tc.messageID, resp.Answer, resp.Citations)
		}) {
			return chat.Message{}, ErrTurnReset
		}
		gc.persistConversationID()
		gc.cacheDebugMeta(resp.Meta)
		return gc.complete(tc, nil)
	}
}

// Reset aborts any in-flight transport, clears the conversation, and
// removes the persisted conversation id and cached debug artifacts.
// Idempotent: calling it again is a no-op.
func (gc *GuideController) Reset() error {
	gc.mu.Lock()
	if gc.turn != nil {
		gc.turn.cancelTurn()
		gc.stopTimersLocked(gc.turn)
		gc.turn = nil
	}
	gc.generation++
	gc.state = StateIdle
	gc.mu.Unlock()

	gc.conversation.Reset()

	if err := gc.store.Delete(store.KeyConversationID); err != nil {
		return fmt.Errorf("failed to clear conversation id: %w", err)
	}
	if err := gc.store.Delete(store.KeyDebugMeta); err != nil {
		return fmt.Errorf("failed to clear cached debug meta: %w", err)
	}
	return nil
}

// Messages returns a copy of the conversation history.
func (gc *GuideController) Messages() []chat.Message {
	return gc.conversation.Messages()
}

// ConversationID returns the live server-issued conversation identifier.
func (gc *GuideController) ConversationID() string {
	return gc.conversation.ConversationID()
}

// LastAssistantMessage returns the most recent assistant message.
func (gc *GuideController) LastAssistantMessage() (chat.Message, bool) {
	return gc.conversation.LastAssistantMessage()
}

// LastDebugMeta returns the most recently cached server debug block, or nil
// when none has been collected.
func (gc *GuideController) LastDebugMeta() (*guide.DebugMeta, error) {
	raw, err := gc.store.Get(store.KeyDebugMeta)
	if err != nil || raw == "" {
		return nil, err
	}
	var meta guide.DebugMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode cached debug meta: %w", err)
	}
	return &meta, nil
}

// State returns the current orchestrator state.
func (gc *GuideController) State() TurnState {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.state
}

// armWatchdogs starts the two independent supervision timers. Both check
// that their turn is still the active one before acting, so a stale firing
// against a finished or reset turn is a no-op.
func (gc *GuideController) armWatchdogs(tc *turnContext) {
	tc.firstTokenTimer = time.AfterFunc(gc.opts.FirstTokenTimeout, func() {
		if !gc.isCurrentTurn(tc) || tc.gotFirstToken.Load() {
			return
		}
		log := logger.WithComponent("guide_watchdog")
		log.Debug().Msg("no first token in time, aborting stream for fallback")
		tc.fallbackRequested.Store(true)
		tc.cancelStream()
	})

	tc.hardTimer = time.AfterFunc(gc.opts.HardTimeout, func() {
		if !gc.isCurrentTurn(tc) {
			return
		}
		log := logger.WithComponent("guide_watchdog")
		log.Warn().Msg("hard timeout reached, terminating turn")
		tc.hardExpired.Store(true)
		tc.cancelTurn()
	})
}

func (gc *GuideController) disarmWatchdogs(tc *turnContext) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.stopTimersLocked(tc)
}

func (gc *GuideController) stopTimersLocked(tc *turnContext) {
	if tc.firstTokenTimer != nil {
		tc.firstTokenTimer.Stop()
	}
	if tc.hardTimer != nil {
		tc.hardTimer.Stop()
	}
}

// observeLife marks stream progress and disarms the first-token watchdog.
func (gc *GuideController) observeLife(tc *turnContext) {
	if tc.gotFirstToken.Swap(true) {
		return
	}
	if tc.firstTokenTimer != nil {
		tc.firstTokenTimer.Stop()
	}
}

// applyMeta records stream metadata; reports false when the turn was reset
// underneath and the event had to be dropped.
func (gc *GuideController) applyMeta(tc *turnContext, meta *guide.MetaEvent) bool {
	if meta == nil {
		return true
	}
	applied := gc.applyIfCurrent(tc, func() {
		gc.conversation.AttachMetadata(tc.messageID, meta.Citations, meta.ConversationID)
	})
	if !applied {
		return false
	}
	gc.persistConversationID()
	gc.cacheDebugMeta(meta.Meta)
	return true
}

// applyIfCurrent runs fn only while tc is still the active turn, holding the
// controller lock so a concurrent Reset cannot detach the turn between the
// check and the mutation. A dead turn's events must never touch the
// conversation: after a reset, a stale message id would clamp onto the next
// turn's placeholder.
func (gc *GuideController) applyIfCurrent(tc *turnContext, fn func()) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.turn != tc {
		return false
	}
	fn()
	return true
}

// persistConversationID writes the live identifier through to durable
// storage; written at most once per turn in practice since the server only
// issues it on the first response.
func (gc *GuideController) persistConversationID() {
	id := gc.conversation.ConversationID()
	if id == "" {
		return
	}
	if err := gc.store.Set(store.KeyConversationID, id); err != nil {
		log := logger.WithComponent("guide_controller")
		log.Error().Err(err).Msg("failed to persist conversation id")
	}
}

func (gc *GuideController) cacheDebugMeta(meta *guide.DebugMeta) {
	if meta == nil {
		return
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := gc.store.Set(store.KeyDebugMeta, string(raw)); err != nil {
		log := logger.WithComponent("guide_controller")
		log.Error().Err(err).Msg("failed to cache debug meta")
	}
}

// complete moves the turn to its terminal state and returns the resolved
// assistant message.
func (gc *GuideController) complete(tc *turnContext, err error) (chat.Message, error) {
	gc.mu.Lock()
	if gc.turn == tc {
		gc.turn = nil
		gc.state = StateCompleted
	}
	gc.mu.Unlock()

	if err != nil {
		return chat.Message{}, err
	}
	msg, _ := gc.conversation.Message(tc.messageID)
	return msg, nil
}

func (gc *GuideController) isCurrentTurn(tc *turnContext) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.turn == tc && gc.generation == tc.generation
}

// isReset reports whether Reset detached this turn while it was running.
func (gc *GuideController) isReset(tc *turnContext) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.turn != tc
}

// setState advances the machine only while tc is still the active turn, so
// a detached turn cannot clobber the state a Reset already set.
func (gc *GuideController) setState(tc *turnContext, s TurnState) {
	gc.mu.Lock()
	if gc.turn == tc {
		gc.state = s
	}
	gc.mu.Unlock()
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
