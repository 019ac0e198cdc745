// Package router implements the Message Router (spec component C1): it
// classifies accepted events, builds the context envelope, and owns the
// per-(room, agent) ActiveTaskSlot table that enforces per-agent FIFO
// ordering.
package router

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ruriko-bridge/common/crypto"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/agentsvc"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/ingest"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/metrics"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

// TaskInfo is what the Router hands to the Response Streamer (C2) for one
// processing slot entry.
type TaskInfo struct {
	RoomID             id.RoomID
	AgentID            string
	AgentMatrixUserID  id.UserID
	AgentPassword      string // decrypted; the streamer exchanges it for a session via matrix.Adapter.ClientForAgent
	OriginalEventID    id.EventID
	SenderMatrixUserID id.UserID
	// Timeout reports whether this task's ctx was cancelled by the
	// total/idle timeout rather than Router.Shutdown(), so C2 can tell
	// "request timed out" apart from "bridge restarting".
	Timeout *TaskTimeout
}

// TaskTimeout distinguishes a timeout-driven cancellation from a
// shutdown-driven one for a single task's ctx.
type TaskTimeout struct {
	// Limit is the total-timeout duration in force for this task, so C2 can
	// report it in the user-visible timeout notice.
	Limit time.Duration

	mu    sync.Mutex
	fired bool
}

// MarkFired records that the timeout (rather than shutdown) is the reason
// this task's ctx is about to be cancelled. Exported so tests can exercise
// C2's timeout-vs-shutdown branch without driving a real timer.
func (t *TaskTimeout) MarkFired() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.fired = true
	t.mu.Unlock()
}

// Fired reports whether the total or idle timeout caused this task's ctx to
// be cancelled. Safe to call on a nil receiver (returns false).
func (t *TaskTimeout) Fired() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// StreamFunc submits the user's text to the agent service and streams the
// reply back into the room; it is expected to consume events until the
// channel closes and to respect ctx cancellation (idle/total timeout,
// shutdown). Supplied by the app wiring as internal/bridge/streamer.Stream.
type StreamFunc func(ctx context.Context, task TaskInfo, events <-chan agentsvc.StreamEvent)

// NoticeFunc posts a short system notice into a room (the "still
// processing"/"queue full" messages), using the bridge bot's identity.
type NoticeFunc func(ctx context.Context, roomID id.RoomID, body string)

// AccountLookup resolves an agent id to its Matrix identity and the Mapping
// Store's conversation-binding operations the Router needs.
type AccountLookup interface {
	GetByAgentID(ctx context.Context, agentID string) (*store.AgentMapping, error)
	GetConversation(ctx context.Context, roomID, agentID, userMXID string) (*store.ConversationBinding, error)
	SetConversation(ctx context.Context, b *store.ConversationBinding) error
	TouchConversation(ctx context.Context, roomID, agentID, userMXID string) error
	DropConversation(ctx context.Context, roomID, agentID, userMXID string) error
}

// RoomMembership reports whether roomID is a DM (exactly two members),
// which selects the per-user vs per-room conversation strategy.
type RoomMembership interface {
	IsDirectMessage(ctx context.Context, roomID id.RoomID) (bool, error)
}

// Config configures the Router.
type Config struct {
	MaxQueue             int
	IdleTimeout          time.Duration
	TotalTimeout         time.Duration
	NoticeThrottle       time.Duration // default 1 minute
	StreamingEnabled     bool
	OpencodeUserPrefix   string // e.g. "opencode_"; empty disables opencode_user detection
	MasterKey            []byte // decrypts matrix_password (common/crypto), required
	// AlertFunc is called when a task is cancelled by the total/idle
	// timeout. If nil, the alert is only logged.
	AlertFunc func(agentID, message string)
}

// Router owns the ActiveTaskSlot table and drives L4 submission + C2
// handoff for every accepted event.
type Router struct {
	agents   *agentsvc.Client
	accounts AccountLookup
	members  RoomMembership
	stream   StreamFunc
	notice   NoticeFunc
	cfg      Config

	mu    sync.Mutex
	slots map[string]*slot
}

// slot is one (room_id, agent_id) ActiveTaskSlot: a processing flag plus a
// bounded FIFO queue, per spec M3 data model.
type slot struct {
	mu         sync.Mutex
	processing bool
	queue      []queued
	lastNotice time.Time
	cancel     context.CancelFunc
}

type queued struct {
	accepted ingest.Accepted
	senderDisplayName string
}

// New constructs a Router. cfg zero-values fall back to spec defaults.
func New(agents *agentsvc.Client, accounts AccountLookup, members RoomMembership, stream StreamFunc, notice NoticeFunc, cfg Config) *Router {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 120 * time.Second
	}
	if cfg.NoticeThrottle <= 0 {
		cfg.NoticeThrottle = time.Minute
	}
	return &Router{
		agents:   agents,
		accounts: accounts,
		members:  members,
		stream:   stream,
		notice:   notice,
		cfg:      cfg,
		slots:    make(map[string]*slot),
	}
}

func slotKey(roomID id.RoomID, agentID string) string {
	return roomID.String() + "|" + agentID
}

// Enqueue is the Router's public contract: enqueue(room_id, event,
// resolved_agent_id, sender_type) → ack. ack is nil unless the slot's
// queue was already full, in which case the event was dropped and an
// alert-worthy error is returned.
func (r *Router) Enqueue(ctx context.Context, a ingest.Accepted, senderDisplayName string) error {
	key := slotKey(a.RoomID, a.ResolvedAgentID)

	r.mu.Lock()
	s, ok := r.slots[key]
	if !ok {
		s = &slot{}
		r.slots[key] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	if s.processing {
		if len(s.queue) >= r.cfg.MaxQueue {
			s.mu.Unlock()
			metrics.DroppedTasksTotal.Inc()
			r.notice(ctx, a.RoomID, fmt.Sprintf("too many messages queued for this agent (max %d); this message was dropped", r.cfg.MaxQueue))
			return fmt.Errorf("router: queue full for %s", key)
		}
		s.queue = append(s.queue, queued{accepted: a, senderDisplayName: senderDisplayName})
		metrics.QueuedTasks.Inc()
		if time.Since(s.lastNotice) >= r.cfg.NoticeThrottle {
			s.lastNotice = time.Now()
			r.notice(ctx, a.RoomID, "still processing previous message, yours is queued")
		}
		s.mu.Unlock()
		return nil
	}
	s.processing = true
	s.mu.Unlock()
	metrics.ActiveSlots.Inc()

	go r.drain(context.Background(), key, s, queued{accepted: a, senderDisplayName: senderDisplayName})
	return nil
}

// drain processes entry and then, in strict FIFO order, every item queued
// behind it before releasing the slot. Messages from different rooms may
// interleave for the same agent; within one (room, agent) order is strict.
func (r *Router) drain(ctx context.Context, key string, s *slot, entry queued) {
	for {
		r.process(ctx, s, entry)

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.processing = false
			s.mu.Unlock()
			metrics.ActiveSlots.Dec()
			return
		}
		entry = s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		metrics.QueuedTasks.Dec()
	}
}

func (r *Router) process(parent context.Context, s *slot, q queued) {
	a := q.accepted
	ctx, cancel := context.WithCancel(parent)
	timeout := &TaskTimeout{Limit: r.cfg.TotalTimeout}
	timer := time.AfterFunc(r.cfg.TotalTimeout, func() {
		timeout.MarkFired()
		cancel()
	})
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer timer.Stop()
	defer cancel()

	task, envelope, convID, text, err := r.prepare(ctx, a, q.senderDisplayName)
	if err != nil {
		slog.Error("router: failed to prepare task", "room", a.RoomID, "agent", a.ResolvedAgentID, "err", err)
		r.notice(ctx, a.RoomID, "internal error routing your message")
		return
	}
	task.Timeout = timeout

	if r.cfg.StreamingEnabled {
		events, err := r.agents.SendStreaming(ctx, a.ResolvedAgentID, convID, text, envelope)
		if err != nil {
			if timeout.Fired() {
				r.handleTimeout(a.RoomID, a.ResolvedAgentID)
				return
			}
			slog.Error("router: SendStreaming failed", "agent", a.ResolvedAgentID, "err", err)
			r.notice(ctx, a.RoomID, "agent did not respond")
			return
		}
		r.stream(ctx, task, r.watchIdle(ctx, cancel, timeout, events))
		if timeout.Fired() {
			r.emitTimeoutAlert(a.ResolvedAgentID)
		}
		return
	}

	reply, err := r.agents.SendNonStreaming(ctx, a.ResolvedAgentID, convID, text, envelope)
	if err != nil {
		if timeout.Fired() {
			r.handleTimeout(a.RoomID, a.ResolvedAgentID)
			return
		}
		slog.Error("router: SendNonStreaming failed", "agent", a.ResolvedAgentID, "err", err)
		r.notice(ctx, a.RoomID, "agent did not respond")
		return
	}
	synthetic := make(chan agentsvc.StreamEvent, 2)
	synthetic <- agentsvc.StreamEvent{Type: agentsvc.EventAssistant, Text: reply}
	synthetic <- agentsvc.StreamEvent{Type: agentsvc.EventStop}
	close(synthetic)
	r.stream(ctx, task, synthetic)
	if timeout.Fired() {
		r.emitTimeoutAlert(a.ResolvedAgentID)
	}
}

// handleTimeout covers the case where the total timeout fires before C2 ever
// takes over (e.g. while waiting on SendStreaming/SendNonStreaming itself):
// post the timeout notice directly and alert, since no streamer task exists
// yet to do it. Uses a fresh ctx since the task's own ctx is already Done.
func (r *Router) handleTimeout(roomID id.RoomID, agentID string) {
	r.notice(context.Background(), roomID, fmt.Sprintf("request timed out after %d seconds", int(r.cfg.TotalTimeout.Seconds())))
	r.emitTimeoutAlert(agentID)
}

func (r *Router) emitTimeoutAlert(agentID string) {
	msg := fmt.Sprintf("task timed out after %d seconds", int(r.cfg.TotalTimeout.Seconds()))
	if r.cfg.AlertFunc != nil {
		r.cfg.AlertFunc(agentID, msg)
	} else {
		slog.Warn("ALERT", "agent", agentID, "message", msg)
	}
}

// watchIdle wraps events with the idle_timeout rule: if no event arrives for
// cfg.IdleTimeout, timeout is marked fired and cancel is called so the task's
// ctx goes Done the same way a total-timeout expiry would, letting C2 tell
// the two apart via task.Timeout.Fired() instead of treating idle timeout as
// a silent drop.
func (r *Router) watchIdle(ctx context.Context, cancel context.CancelFunc, timeout *TaskTimeout, events <-chan agentsvc.StreamEvent) <-chan agentsvc.StreamEvent {
	out := make(chan agentsvc.StreamEvent)
	go func() {
		defer close(out)
		timer := time.NewTimer(r.cfg.IdleTimeout)
		defer timer.Stop()
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(r.cfg.IdleTimeout)
				out <- evt
			case <-timer.C:
				slog.Warn("router: idle timeout waiting for next stream event")
				timeout.MarkFired()
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Router) prepare(ctx context.Context, a ingest.Accepted, senderDisplayName string) (TaskInfo, agentsvc.Envelope, string, string, error) {
	agentMapping, err := r.accounts.GetByAgentID(ctx, a.ResolvedAgentID)
	if err != nil {
		return TaskInfo{}, agentsvc.Envelope{}, "", "", fmt.Errorf("look up agent mapping: %w", err)
	}

	userMXID := ""
	isDM, err := r.members.IsDirectMessage(ctx, a.RoomID)
	if err != nil {
		slog.Warn("router: could not determine room membership; defaulting to per-room conversation", "room", a.RoomID, "err", err)
	}
	if isDM {
		userMXID = string(a.Event.Sender)
	}

	convID, err := r.ensureConversation(ctx, a.RoomID.String(), a.ResolvedAgentID, userMXID, isDM)
	if err != nil {
		return TaskInfo{}, agentsvc.Envelope{}, "", "", fmt.Errorf("ensure conversation: %w", err)
	}

	body, _ := a.Event.Content.Raw["body"].(string)

	envelope := agentsvc.Envelope{
		Channel:      "matrix",
		ChatID:       a.RoomID.String(),
		MessageID:    a.Event.ID.String(),
		SenderUserID: string(a.Event.Sender),
		SenderName:   senderDisplayName,
		SenderType:   string(classifySenderType(a.Event.Sender, r.cfg.OpencodeUserPrefix, a.SenderType)),
		Timestamp:    time.UnixMilli(a.Event.Timestamp),
		Format:       "plain",
		Trigger:      agentsvc.TriggerUserMessage,
	}
	if a.SenderType == ingest.SenderOtherAgent {
		envelope.Trigger = agentsvc.TriggerAgentMessage
		envelope.SourceAgentID = a.SourceAgentID
		if sourceMapping, err := r.accounts.GetByAgentID(ctx, a.SourceAgentID); err == nil {
			envelope.SourceAgentName = sourceMapping.AgentName
		}
	}
	if envelope.SenderType == agentsvc.SenderOpencodeUser {
		envelope.ReplyInstruction = fmt.Sprintf("include %s in your reply so they are notified", envelope.SenderUserID)
	}

	password, err := r.decryptPassword(agentMapping.MatrixPassword)
	if err != nil {
		return TaskInfo{}, agentsvc.Envelope{}, "", "", fmt.Errorf("decrypt agent password: %w", err)
	}

	task := TaskInfo{
		RoomID:             a.RoomID,
		AgentID:            a.ResolvedAgentID,
		AgentMatrixUserID:  id.UserID(agentMapping.MatrixUserID),
		AgentPassword:      password,
		OriginalEventID:    a.Event.ID,
		SenderMatrixUserID: a.Event.Sender,
	}
	return task, envelope, convID, body, nil
}

func (r *Router) decryptPassword(hexCiphertext string) (string, error) {
	ciphertext, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return "", fmt.Errorf("decode stored password: %w", err)
	}
	plaintext, err := crypto.Decrypt(r.cfg.MasterKey, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt stored password: %w", err)
	}
	return string(plaintext), nil
}

// ensureConversation looks up or lazily creates the ConversationBinding for
// (room, agent[, user]), per spec C1 step 1 and the per-room/per-user rule.
func (r *Router) ensureConversation(ctx context.Context, roomID, agentID, userMXID string, isDM bool) (string, error) {
	binding, err := r.accounts.GetConversation(ctx, roomID, agentID, userMXID)
	if err == nil {
		exists, verr := r.agents.VerifyConversation(ctx, agentID, binding.ConversationID)
		if verr == nil && !exists {
			// Upstream conversation is gone; drop and recreate transparently.
			_ = r.accounts.DropConversation(ctx, roomID, agentID, userMXID)
		} else {
			_ = r.accounts.TouchConversation(ctx, roomID, agentID, userMXID)
			return binding.ConversationID, nil
		}
	}

	convID, err := r.agents.CreateConversation(ctx, agentID, nil)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	strategy := store.StrategyPerRoom
	if isDM {
		strategy = store.StrategyPerUser
	}
	if err := r.accounts.SetConversation(ctx, &store.ConversationBinding{
		RoomID:         roomID,
		AgentID:        agentID,
		UserMXID:       userMXID,
		ConversationID: convID,
		Strategy:       strategy,
	}); err != nil {
		return "", fmt.Errorf("persist conversation binding: %w", err)
	}
	return convID, nil
}

func classifySenderType(sender id.UserID, opencodePrefix string, base ingest.SenderType) string {
	if base == ingest.SenderOtherAgent {
		return agentsvc.SenderOtherAgent
	}
	if opencodePrefix != "" {
		localpart := strings.TrimPrefix(string(sender), "@")
		if idx := strings.Index(localpart, ":"); idx >= 0 {
			localpart = localpart[:idx]
		}
		if strings.HasPrefix(localpart, opencodePrefix) {
			return agentsvc.SenderOpencodeUser
		}
	}
	return agentsvc.SenderHuman
}

// Shutdown cancels every in-flight task. C2 is expected to post a terse
// "bridge restarting" notice for any stream that had already begun, per
// spec C1's cancellation rule.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	}
}
