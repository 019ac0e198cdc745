// Package audit posts human-readable summaries of lifecycle and error
// events to an optional Matrix audit room, so operators can watch agent
// provisioning/reconciliation activity without tailing structured logs.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/ruriko-bridge/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindAgentDiscovered  Kind = "agent.discovered"
	KindAgentProvisioned Kind = "agent.provisioned"
	KindAgentRenamed     Kind = "agent.renamed"
	KindAgentSoftDeleted Kind = "agent.soft_deleted"
	KindAgentUndeleted   Kind = "agent.undeleted"
	KindAgentHardDeleted Kind = "agent.hard_deleted"
	KindError            Kind = "error"
)

// Event carries the data the notifier formats and sends.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Target is the primary resource affected (agent ID or name).
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification to the request that caused it. When
	// empty the value is taken from ctx.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit room notifications for control-plane events.
type Notifier interface {
	// Notify posts an audit event. Implementations must not block the
	// caller for longer than a short timeout; send failures are logged,
	// not propagated.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix adapter needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested without a
// live homeserver.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a human-readable notice and posts it to the audit
// room. Errors are logged at WARN level; the caller is never blocked
// beyond the Sender's own timeout.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}

	msg := fmt.Sprintf("[%s] %s", evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("[%s] %s: %s", evt.Kind, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s (trace: %s)", msg, tid)
	}

	if err := n.sender.SendNotice(ctx, n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	}
}

// Noop is a Notifier that discards every event, used when no audit room
// is configured.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}
