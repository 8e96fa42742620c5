package session

import (
	"context"
	"fmt"
	"io"

	"github.com/qmuntal/stateless"

	"github.com/comigor/sessiond/internal/broadcast"
	"github.com/comigor/sessiond/internal/event"
	"github.com/comigor/sessiond/internal/invoke"
	"github.com/comigor/sessiond/internal/logger"
	"github.com/comigor/sessiond/internal/store"
)

// FSM states for one invocation run.
type runState stateless.State

var (
	statePreparing runState = "Preparing"
	stateStreaming runState = "Streaming"
	stateDone      runState = "Done"
	stateFailed    runState = "Failed"
)

// FSM triggers.
type runTrigger stateless.Trigger

var (
	triggerRun       runTrigger = "Run"
	triggerStarted   runTrigger = "Started"
	triggerCompleted runTrigger = "Completed"
	triggerFailed    runTrigger = "Failed"
)

// runInvocation drives exactly one agent invocation for the session: it
// replays the stored history into the invoker, persists and broadcasts each
// event as it arrives, and settles the session status at the end. The
// per-session run lock is held for the whole run, so a second invocation for
// the same session queues here instead of interleaving.
func (o *Orchestrator) runInvocation(ctx context.Context, sessionID string) {
	lock := o.runLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	type runContext struct {
		history []invoke.Turn
		failure error
	}
	rc := &runContext{}

	fsm := stateless.NewStateMachine(statePreparing)

	// Preparing: load history and mark the session running.
	fsm.Configure(statePreparing).
		PermitReentry(triggerRun). // the initial Fire lands here so OnEntry runs
		OnEntry(func(ctx context.Context, _ ...any) error {
			msgs, err := o.store.ListMessages(ctx, sessionID)
			if err != nil {
				rc.failure = fmt.Errorf("load history: %w", err)
				return fsm.FireCtx(ctx, triggerFailed)
			}
			if len(msgs) == 0 {
				rc.failure = fmt.Errorf("session %s has no messages to process", sessionID)
				return fsm.FireCtx(ctx, triggerFailed)
			}
			rc.history = historyTurns(msgs)

			if err := o.store.UpdateSessionStatus(ctx, sessionID, store.StatusRunning); err != nil {
				rc.failure = fmt.Errorf("mark running: %w", err)
				return fsm.FireCtx(ctx, triggerFailed)
			}
			return fsm.FireCtx(ctx, triggerStarted)
		}).
		Permit(triggerStarted, stateStreaming).
		Permit(triggerFailed, stateFailed)

	// Streaming: run the invocation and drain its event stream. Each event is
	// persisted before it is broadcast, so a crash between the two loses only
	// a live notification, never history.
	fsm.Configure(stateStreaming).
		OnEntry(func(ctx context.Context, _ ...any) error {
			stream, err := o.invoker.Invoke(ctx, rc.history)
			if err != nil {
				rc.failure = fmt.Errorf("start invocation: %w", err)
				return fsm.FireCtx(ctx, triggerFailed)
			}
			rc.failure = o.drainStream(ctx, sessionID, stream)
			if rc.failure != nil {
				return fsm.FireCtx(ctx, triggerFailed)
			}
			return fsm.FireCtx(ctx, triggerCompleted)
		}).
		Permit(triggerCompleted, stateDone).
		Permit(triggerFailed, stateFailed)

	// Done: the stream ended normally. Status goes back to idle; no broadcast,
	// the new status is observable via reads.
	fsm.Configure(stateDone).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := o.store.UpdateSessionStatus(ctx, sessionID, store.StatusIdle); err != nil {
				logger.L.Error("failed to mark session idle", "session_id", sessionID, "error", err)
			}
			return nil
		})

	// Failed: record the failure as a system/error message, mark the session
	// errored and broadcast the error message.
	fsm.Configure(stateFailed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			logger.L.Error("invocation failed", "session_id", sessionID, "error", rc.failure)
			errText := event.Sanitize(rc.failure.Error())
			msg, err := o.store.AppendMessage(ctx, sessionID, store.MessageFields{
				Role:    store.RoleSystem,
				Kind:    store.KindError,
				Content: "Error processing message: " + errText,
				Error:   &errText,
			})
			if err != nil {
				logger.L.Error("failed to persist invocation error", "session_id", sessionID, "error", err)
			}
			if err := o.store.UpdateSessionStatus(ctx, sessionID, store.StatusError); err != nil {
				logger.L.Error("failed to mark session errored", "session_id", sessionID, "error", err)
			}
			if msg != nil {
				o.broadcaster.Publish(sessionID, broadcast.NewEnvelope(msg))
			}
			return nil
		})

	if err := fsm.FireCtx(ctx, triggerRun); err != nil {
		logger.L.Error("invocation state machine error", "session_id", sessionID, "error", err)
	}
}

// drainStream consumes the invocation's event stream to the end, persisting
// and publishing each well-formed event in arrival order. Malformed lines are
// dropped; they never truncate the rest of the stream.
func (o *Orchestrator) drainStream(ctx context.Context, sessionID string, stream io.ReadCloser) error {
	defer stream.Close()

	for ev := range event.Stream(stream) {
		switch ev.Tag {
		case event.TagMalformed:
			logger.L.Debug("dropping malformed event line", "session_id", sessionID, "line", ev.Raw)
		case event.TagStreamEnd:
			return nil
		default:
			msg, err := o.persistEvent(ctx, sessionID, ev)
			if err != nil {
				return fmt.Errorf("persist event: %w", err)
			}
			o.broadcaster.Publish(sessionID, broadcast.NewEnvelope(msg))
		}
	}
	return nil
}

// persistEvent maps an event onto a message row.
func (o *Orchestrator) persistEvent(ctx context.Context, sessionID string, ev event.Event) (*store.Message, error) {
	var fields store.MessageFields
	switch ev.Tag {
	case event.TagAssistantText:
		fields = store.MessageFields{
			Role:    store.RoleAssistant,
			Kind:    store.KindText,
			Content: ev.Content,
		}
	case event.TagToolResult:
		fields = store.MessageFields{
			Role:    store.RoleTool,
			Kind:    store.KindToolResult,
			Content: ev.Content,
		}
		if ev.ToolName != "" {
			fields.ToolName = &ev.ToolName
		}
		if ev.Error != "" {
			fields.Error = &ev.Error
		}
	case event.TagAPIError:
		fields = store.MessageFields{
			Role:    store.RoleSystem,
			Kind:    store.KindError,
			Content: "API Error: " + ev.Error,
			Error:   &ev.Error,
		}
	default:
		return nil, fmt.Errorf("unexpected event tag %q", ev.Tag)
	}
	return o.store.AppendMessage(ctx, sessionID, fields)
}

// historyTurns flattens stored messages into the role/content pairs the
// invoker consumes.
func historyTurns(msgs []store.Message) []invoke.Turn {
	turns := make([]invoke.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, invoke.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}
