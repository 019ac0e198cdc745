// Package ingest implements the Sync Ingestor (spec component M3): the
// bridge bot's long-poll consumer, applying the seven ordered filters that
// decide which timeline events reach the Router.
package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/dedupe"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/matrix"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/metrics"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

// SenderType classifies who is credited as the originator of an accepted
// event, per spec M3 step 8.
type SenderType string

const (
	SenderHumanUser      SenderType = "human"
	SenderOtherAgent     SenderType = "other_agent"
	SenderBridgeOriginOK SenderType = "bridge_origin_ok"
)

// Accepted is one event that has passed all seven filters, ready for the
// Router.
type Accepted struct {
	RoomID          id.RoomID
	Event           *event.Event
	ResolvedAgentID string
	SenderType      SenderType
	// SourceAgentID is set only when SenderType is SenderOtherAgent: the
	// agent whose own Matrix account actually sent the message (which may
	// differ from ResolvedAgentID, the agent the message is routed to).
	SourceAgentID string
}

// Handler receives every accepted event, in arrival order per room.
type Handler func(ctx context.Context, a Accepted)

// MappingLookup is the subset of the Mapping Store the Ingestor needs to
// resolve rooms and users to agents. Declared as an interface so tests can
// stub it without a real database.
type MappingLookup interface {
	GetByRoom(ctx context.Context, roomID string) (*store.AgentMapping, error)
	GetByMatrixUser(ctx context.Context, mxid string) (*store.AgentMapping, error)
}

// Config configures the Ingestor.
type Config struct {
	BotUserID string
	// BootTime sets the "ignore pre-boot" cutoff. Zero uses time.Now() at
	// New(), so production callers never need to set it.
	BootTime time.Time
	// AdminUserIDs are the Matrix users whose room invites the bot
	// auto-accepts; invites from anyone else are ignored.
	AdminUserIDs []string
}

// Ingestor applies the M3 filter chain to events delivered by the bot's
// sync loop (matrix.Adapter.Start).
type Ingestor struct {
	dedupe    *dedupe.Store
	mappings  MappingLookup
	botUserID string
	bootTS    int64 // origin_server_ts at process start, in ms, per filter 5
	admins    map[string]bool
}

// New constructs an Ingestor. mappings is usually a *store.Store.
func New(d *dedupe.Store, mappings MappingLookup, cfg Config) *Ingestor {
	boot := cfg.BootTime
	if boot.IsZero() {
		boot = time.Now()
	}
	admins := make(map[string]bool, len(cfg.AdminUserIDs))
	for _, a := range cfg.AdminUserIDs {
		admins[a] = true
	}
	return &Ingestor{
		dedupe:    d,
		mappings:  mappings,
		botUserID: cfg.BotUserID,
		bootTS:    boot.UnixMilli(),
		admins:    admins,
	}
}

// Process runs one timeline event through the seven ordered filters (spec
// M3: "filters are total orderings... every accepted event has passed 1–7
// in that order") and, if accepted, calls handler.
func (ig *Ingestor) Process(ctx context.Context, roomID id.RoomID, evt *event.Event, handler Handler) {
	// 1. Dedup via L1.
	outcome, err := ig.dedupe.Record(ctx, evt.ID.String())
	if err != nil {
		// A dedupe failure drops this event and logs it at error level
		// rather than silently swallowing it, since a missed dedupe risks a
		// response storm on replay. The ingestor is not stopped: later
		// events are still processed.
		slog.Error("ingest: dedupe record failed; dropping event", "event", evt.ID, "err", err)
		return
	}
	if outcome == dedupe.Duplicate {
		return
	}

	// 2. Ignore self.
	if evt.Sender == id.UserID(ig.botUserID) {
		return
	}

	raw := map[string]any(evt.Content.Raw)

	// 3. Ignore historical.
	if truthy(raw["m.letta_historical"]) {
		return
	}

	// 4. Ignore bridge-origin.
	if truthy(raw["m.bridge_originated"]) {
		return
	}

	// 5. Ignore pre-boot.
	if int64(evt.Timestamp) < ig.bootTS {
		return
	}

	// 6/7 need the room's mapping.
	m, err := ig.mappings.GetByRoom(ctx, roomID.String())
	if err == sql.ErrNoRows {
		// 7. Ignore unmapped rooms.
		slog.Debug("ingest: room not mapped to any agent; dropping", "room", roomID)
		return
	}
	if err != nil {
		slog.Error("ingest: mapping lookup failed; dropping event", "room", roomID, "err", err)
		return
	}

	resolvedAgentID := m.AgentID
	senderType := SenderHumanUser
	sourceAgentID := ""

	if evt.Sender == id.UserID(m.MatrixUserID) {
		// 6. Ignore same-room same-agent echo, unless it @-mentions another
		// mapped agent: the room's own agent addressing a peer inside its
		// own room. That's a candidate inter-agent routing event, and it
		// routes to the MENTIONED agent, not back to the sender's own room
		// (handled downstream by the Router per §4.C1).
		mentioned, ok := ig.mentionsOtherMappedAgent(ctx, raw, m.AgentID)
		if !ok {
			return
		}
		resolvedAgentID = mentioned
		sourceAgentID = m.AgentID
		senderType = SenderOtherAgent
	} else if senderMapping, err := ig.mappings.GetByMatrixUser(ctx, string(evt.Sender)); err == nil && senderMapping.AgentID != m.AgentID {
		// The sender is some OTHER mapped agent's own Matrix account,
		// posting directly into this room (spec E2E-Inter-agent: "Agent A
		// posts a message in agent B's room"). The room's own agent (B)
		// still receives it; it's simply tagged other_agent so B treats the
		// body as collaboration rather than a human instruction.
		sourceAgentID = senderMapping.AgentID
		senderType = SenderOtherAgent
	}

	metrics.EventsIngestedTotal.WithLabelValues("accepted").Inc()
	handler(ctx, Accepted{
		RoomID:          roomID,
		Event:           evt,
		ResolvedAgentID: resolvedAgentID,
		SenderType:      senderType,
		SourceAgentID:   sourceAgentID,
	})
}

// mentionsOtherMappedAgent reports whether content's m.mentions.user_ids
// names a Matrix user mapped to an agent other than excludeAgentID. Intentional
// mentions (rather than a hand-rolled "@name" text parser) is what Matrix
// clients already populate when a user @-mentions someone, so this is the
// same signal a human sees highlighted in their client.
func (ig *Ingestor) mentionsOtherMappedAgent(ctx context.Context, raw map[string]any, excludeAgentID string) (string, bool) {
	mentions, ok := raw["m.mentions"].(map[string]any)
	if !ok {
		return "", false
	}
	userIDs, ok := mentions["user_ids"].([]any)
	if !ok {
		return "", false
	}
	for _, u := range userIDs {
		mxid, ok := u.(string)
		if !ok {
			continue
		}
		m, err := ig.mappings.GetByMatrixUser(ctx, mxid)
		if err != nil {
			continue
		}
		if m.AgentID != excludeAgentID {
			return m.AgentID, true
		}
	}
	return "", false
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// HandleInvite implements the "invited-rooms handling" rule: auto-join if
// invited by one of the configured admin users, otherwise ignore.
func (ig *Ingestor) HandleInvite(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, inviter id.UserID) error {
	if !ig.admins[string(inviter)] {
		slog.Debug("ingest: ignoring room invite from non-admin", "room", roomID, "inviter", inviter)
		return nil
	}
	return matrix.Join(ctx, cli, roomID)
}
