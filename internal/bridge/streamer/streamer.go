// Package streamer implements the Response Streamer (spec component C2):
// it consumes the per-task event channel handed over by the Router and
// posts the agent's reply into Matrix, under the agent's own identity, in
// one of two display modes.
package streamer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/agentsvc"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/matrix"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/router"
)

// Config selects the display mode and tuning knobs.
type Config struct {
	// LiveEditMode selects live-edit (true) vs progress-then-delete
	// (false, the default per spec §6 LIVE_EDIT_MODE).
	LiveEditMode bool
	// DebounceInterval coalesces live-edit updates; default 500ms.
	DebounceInterval time.Duration
	// CleanupTimeout bounds the final redact/notice posted after the
	// streaming context is cancelled (shutdown or total timeout).
	CleanupTimeout time.Duration
}

// Streamer owns the Matrix identity lookup for agent accounts and applies
// the C2 display rules to an agent-service event stream.
type Streamer struct {
	matrix *matrix.Adapter
	cfg    Config
}

// New constructs a Streamer. cfg zero-values fall back to spec defaults.
func New(adapter *matrix.Adapter, cfg Config) *Streamer {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 500 * time.Millisecond
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}
	return &Streamer{matrix: adapter, cfg: cfg}
}

// Stream satisfies router.StreamFunc: it is wired in by the app as the
// Router's StreamFunc.
func (s *Streamer) Stream(ctx context.Context, task router.TaskInfo, events <-chan agentsvc.StreamEvent) {
	cli, err := s.matrix.ClientForAgent(ctx, task.AgentMatrixUserID, task.AgentPassword)
	if err != nil {
		slog.Error("streamer: could not authenticate as agent", "agent", task.AgentID, "err", err)
		drain(events)
		return
	}

	if s.cfg.LiveEditMode {
		s.streamLiveEdit(ctx, cli, task, events)
		return
	}
	s.streamProgressThenDelete(ctx, cli, task, events)
}

// drain exhausts events without acting on them, so a producer blocked on a
// full/unbuffered channel send is never left stuck.
func drain(events <-chan agentsvc.StreamEvent) {
	for range events {
	}
}

// streamLiveEdit maintains exactly one "working" message: the first
// surfaced event creates it, every subsequent one replaces its body via
// edit_message, coalesced on a debounce timer. The final flush (on channel
// close or cancellation) leaves the last body in place permanently.
func (s *Streamer) streamLiveEdit(ctx context.Context, cli *mautrix.Client, task router.TaskInfo, events <-chan agentsvc.StreamEvent) {
	var workingID id.EventID
	var pendingBody string
	dirty := false

	debounce := time.NewTimer(s.cfg.DebounceInterval)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	flush := func() {
		if !dirty {
			return
		}
		dirty = false
		if workingID == "" {
			evtID, err := matrix.SendReply(ctx, cli, task.RoomID, pendingBody, formattedBody(pendingBody), task.OriginalEventID, task.SenderMatrixUserID)
			if err != nil {
				slog.Error("streamer: live-edit create failed", "room", task.RoomID, "err", err)
				return
			}
			workingID = evtID
			return
		}
		if err := matrix.EditMessage(ctx, cli, task.RoomID, workingID, pendingBody, formattedBody(pendingBody)); err != nil {
			slog.Error("streamer: live-edit update failed", "room", task.RoomID, "err", err)
		}
	}

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				flush()
				if ctx.Err() != nil {
					s.postDone(task)
				}
				return
			}
			switch evt.Type {
			case agentsvc.EventError:
				flush()
				s.postError(ctx, cli, task, evt.ErrorMessage)
				return
			case agentsvc.EventApprovalRequest:
				s.postApproval(ctx, cli, task, evt.ApprovalID)
			case agentsvc.EventStop:
				// No body of its own; the preceding assistant event (already
				// pending) is flushed below on channel close.
			default:
				if !evt.Type.Surfaced() {
					continue
				}
				pendingBody = formatSurfaced(evt)
				dirty = true
				if workingID == "" {
					flush()
					continue
				}
				resetTimer(debounce, s.cfg.DebounceInterval)
			}
		case <-debounce.C:
			flush()
		case <-ctx.Done():
			flush()
			s.postDone(task)
			drain(events)
			return
		}
	}
}

// streamProgressThenDelete posts a transient progress message per tool
// call/return, redacting the previous one as soon as the next surfaced
// event arrives, and posts the final assistant reply as a new permanent
// message (redacting whatever progress message preceded it).
func (s *Streamer) streamProgressThenDelete(ctx context.Context, cli *mautrix.Client, task router.TaskInfo, events <-chan agentsvc.StreamEvent) {
	var lastProgress id.EventID
	redactPrev := func() {
		if lastProgress == "" {
			return
		}
		if err := matrix.Redact(ctx, cli, task.RoomID, lastProgress); err != nil {
			slog.Warn("streamer: redact progress message failed", "room", task.RoomID, "err", err)
		}
		lastProgress = ""
	}

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				redactPrev()
				if ctx.Err() != nil {
					s.postDone(task)
				}
				return
			}
			switch evt.Type {
			case agentsvc.EventError:
				redactPrev()
				s.postError(ctx, cli, task, evt.ErrorMessage)
				return
			case agentsvc.EventApprovalRequest:
				redactPrev()
				s.postApproval(ctx, cli, task, evt.ApprovalID)
			case agentsvc.EventAssistant:
				redactPrev()
				if _, err := matrix.SendReply(ctx, cli, task.RoomID, evt.Text, formattedBody(evt.Text), task.OriginalEventID, task.SenderMatrixUserID); err != nil {
					slog.Error("streamer: post assistant reply failed", "room", task.RoomID, "err", err)
				}
			case agentsvc.EventToolCall:
				redactPrev()
				lastProgress = s.postProgress(ctx, cli, task.RoomID, fmt.Sprintf("%s…", evt.ToolName))
			case agentsvc.EventToolReturn:
				redactPrev()
				mark := "✓"
				if !evt.ToolOK {
					mark = "✗"
				}
				lastProgress = s.postProgress(ctx, cli, task.RoomID, fmt.Sprintf("%s %s", evt.ToolName, mark))
			default:
				// ping/reasoning/usage/stop carry no visible progress state.
			}
		case <-ctx.Done():
			redactPrev()
			s.postDone(task)
			drain(events)
			return
		}
	}
}

func (s *Streamer) postProgress(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, body string) id.EventID {
	evtID, err := matrix.SendMessage(ctx, cli, roomID, body)
	if err != nil {
		slog.Error("streamer: post progress message failed", "room", roomID, "err", err)
		return ""
	}
	return evtID
}

func (s *Streamer) postError(ctx context.Context, cli *mautrix.Client, task router.TaskInfo, message string) {
	if message == "" {
		message = "the agent encountered an error and stopped"
	}
	if _, err := matrix.SendReply(ctx, cli, task.RoomID, "⚠ "+message, "", task.OriginalEventID, task.SenderMatrixUserID); err != nil {
		slog.Error("streamer: post error message failed", "room", task.RoomID, "err", err)
	}
}

func (s *Streamer) postApproval(ctx context.Context, cli *mautrix.Client, task router.TaskInfo, approvalID string) {
	body := fmt.Sprintf("⏸ waiting for approval (%s) — resolve it out of band to continue", approvalID)
	if _, err := matrix.SendReply(ctx, cli, task.RoomID, body, "", task.OriginalEventID, task.SenderMatrixUserID); err != nil {
		slog.Error("streamer: post approval message failed", "room", task.RoomID, "err", err)
	}
}

// postDone posts the right terminal notice for a cancelled ctx: a timeout
// message if task.Timeout fired (total or idle timeout, per E2E-6), or the
// shutdown notice otherwise (spec C1's cancellation rule). Distinguishing
// the two matters — a shutdown message on a timed-out task would mislead the
// user into thinking the bridge itself is unavailable.
func (s *Streamer) postDone(task router.TaskInfo) {
	if task.Timeout.Fired() {
		s.postTimeout(task)
		return
	}
	s.postNotice(task, "bridge restarting, your request was interrupted")
}

// postTimeout posts the terse timeout notice required by spec C1/E2E-6. Like
// postDone's shutdown branch, it uses a fresh context since the task's own
// ctx is already Done by the time this runs.
func (s *Streamer) postTimeout(task router.TaskInfo) {
	s.postNotice(task, fmt.Sprintf("request timed out after %d seconds", int(task.Timeout.Limit.Seconds())))
}

func (s *Streamer) postNotice(task router.TaskInfo, body string) {
	cli, err := s.matrix.ClientForAgent(context.Background(), task.AgentMatrixUserID, task.AgentPassword)
	if err != nil {
		slog.Error("streamer: could not authenticate to post terminal notice", "agent", task.AgentID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cancel()
	if _, err := matrix.SendReply(ctx, cli, task.RoomID, body, "", task.OriginalEventID, task.SenderMatrixUserID); err != nil {
		slog.Warn("streamer: post terminal notice failed", "room", task.RoomID, "err", err)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func formatSurfaced(evt agentsvc.StreamEvent) string {
	switch evt.Type {
	case agentsvc.EventToolCall:
		return fmt.Sprintf("%s…", evt.ToolName)
	case agentsvc.EventToolReturn:
		mark := "✓"
		if !evt.ToolOK {
			mark = "✗"
		}
		return fmt.Sprintf("%s %s", evt.ToolName, mark)
	case agentsvc.EventAssistant:
		return evt.Text
	default:
		return evt.Text
	}
}
