package ingest_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/dedupe"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/ingest"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

type fakeMappings struct {
	byRoom map[string]*store.AgentMapping
	byUser map[string]*store.AgentMapping
}

func (f *fakeMappings) GetByRoom(ctx context.Context, roomID string) (*store.AgentMapping, error) {
	m, ok := f.byRoom[roomID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeMappings) GetByMatrixUser(ctx context.Context, mxid string) (*store.AgentMapping, error) {
	m, ok := f.byUser[mxid]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return m, nil
}

func newDedupeStore(t *testing.T) *dedupe.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dedupe.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE dedupe_entries (event_id TEXT PRIMARY KEY, inserted_at TIMESTAMP NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return dedupe.New(db, time.Hour)
}

func baseEvent(id2 id.EventID, sender id.UserID, roomID id.RoomID, body string, ts int64) *event.Event {
	return &event.Event{
		ID:        id2,
		Sender:    sender,
		RoomID:    roomID,
		Timestamp: ts,
		Content: event.Content{
			Raw: map[string]any{"msgtype": "m.text", "body": body},
		},
	}
}

func TestProcess_AcceptsHumanMessageInMappedRoom(t *testing.T) {
	mappings := &fakeMappings{
		byRoom: map[string]*store.AgentMapping{
			"!room:example.org": {AgentID: "agent-1", MatrixUserID: "@agent_agent-1:example.org"},
		},
	}
	ig := ingest.New(newDedupeStore(t), mappings, ingest.Config{
		BotUserID: "@bridge_bot:example.org",
		BootTime:  time.Now().Add(-time.Hour),
	})

	var got []ingest.Accepted
	evt := baseEvent("$1:example.org", "@human:example.org", "!room:example.org", "hello", time.Now().UnixMilli())
	ig.Process(context.Background(), "!room:example.org", evt, func(ctx context.Context, a ingest.Accepted) {
		got = append(got, a)
	})

	if len(got) != 1 {
		t.Fatalf("expected 1 accepted event, got %d", len(got))
	}
	if got[0].ResolvedAgentID != "agent-1" {
		t.Fatalf("unexpected resolved agent: %s", got[0].ResolvedAgentID)
	}
	if got[0].SenderType != ingest.SenderHumanUser {
		t.Fatalf("expected human sender type, got %s", got[0].SenderType)
	}
}

func TestProcess_DropsDuplicateEvent(t *testing.T) {
	mappings := &fakeMappings{byRoom: map[string]*store.AgentMapping{
		"!room:example.org": {AgentID: "agent-1", MatrixUserID: "@agent_agent-1:example.org"},
	}}
	ig := ingest.New(newDedupeStore(t), mappings, ingest.Config{BotUserID: "@bridge_bot:example.org", BootTime: time.Now().Add(-time.Hour)})

	calls := 0
	evt := baseEvent("$dup:example.org", "@human:example.org", "!room:example.org", "hi", time.Now().UnixMilli())
	handler := func(ctx context.Context, a ingest.Accepted) { calls++ }
	ig.Process(context.Background(), "!room:example.org", evt, handler)
	ig.Process(context.Background(), "!room:example.org", evt, handler)

	if calls != 1 {
		t.Fatalf("expected the duplicate delivery to be dropped, got %d calls", calls)
	}
}

func TestProcess_DropsSelfEvents(t *testing.T) {
	ig := ingest.New(newDedupeStore(t), &fakeMappings{}, ingest.Config{BotUserID: "@bridge_bot:example.org", BootTime: time.Now().Add(-time.Hour)})
	evt := baseEvent("$2:example.org", "@bridge_bot:example.org", "!room:example.org", "echo", time.Now().UnixMilli())

	called := false
	ig.Process(context.Background(), "!room:example.org", evt, func(ctx context.Context, a ingest.Accepted) { called = true })
	if called {
		t.Fatal("expected self-originated events to be dropped")
	}
}

func TestProcess_DropsHistoricalAndBridgeOriginated(t *testing.T) {
	mappings := &fakeMappings{byRoom: map[string]*store.AgentMapping{
		"!room:example.org": {AgentID: "agent-1", MatrixUserID: "@agent_agent-1:example.org"},
	}}
	ig := ingest.New(newDedupeStore(t), mappings, ingest.Config{BotUserID: "@bridge_bot:example.org", BootTime: time.Now().Add(-time.Hour)})

	historical := baseEvent("$h:example.org", "@human:example.org", "!room:example.org", "old", time.Now().UnixMilli())
	historical.Content.Raw["m.letta_historical"] = true

	bridgeOriginated := baseEvent("$b:example.org", "@human:example.org", "!room:example.org", "echoed", time.Now().UnixMilli())
	bridgeOriginated.Content.Raw["m.bridge_originated"] = true

	calls := 0
	handler := func(ctx context.Context, a ingest.Accepted) { calls++ }
	ig.Process(context.Background(), "!room:example.org", historical, handler)
	ig.Process(context.Background(), "!room:example.org", bridgeOriginated, handler)

	if calls != 0 {
		t.Fatalf("expected both historical and bridge-originated events dropped, got %d accepted", calls)
	}
}

func TestProcess_DropsPreBootEvents(t *testing.T) {
	mappings := &fakeMappings{byRoom: map[string]*store.AgentMapping{
		"!room:example.org": {AgentID: "agent-1", MatrixUserID: "@agent_agent-1:example.org"},
	}}
	ig := ingest.New(newDedupeStore(t), mappings, ingest.Config{BotUserID: "@bridge_bot:example.org", BootTime: time.Now()})

	evt := baseEvent("$old:example.org", "@human:example.org", "!room:example.org", "replayed", time.Now().Add(-time.Hour).UnixMilli())
	called := false
	ig.Process(context.Background(), "!room:example.org", evt, func(ctx context.Context, a ingest.Accepted) { called = true })
	if called {
		t.Fatal("expected pre-boot event to be dropped")
	}
}

func TestProcess_DropsUnmappedRoom(t *testing.T) {
	ig := ingest.New(newDedupeStore(t), &fakeMappings{}, ingest.Config{BotUserID: "@bridge_bot:example.org", BootTime: time.Now().Add(-time.Hour)})
	evt := baseEvent("$u:example.org", "@human:example.org", "!unmapped:example.org", "hi", time.Now().UnixMilli())

	called := false
	ig.Process(context.Background(), "!unmapped:example.org", evt, func(ctx context.Context, a ingest.Accepted) { called = true })
	if called {
		t.Fatal("expected event in an unmapped room to be dropped")
	}
}

func TestProcess_DropsSameAgentEchoWithoutMention(t *testing.T) {
	mappings := &fakeMappings{byRoom: map[string]*store.AgentMapping{
		"!room:example.org": {AgentID: "agent-1", MatrixUserID: "@agent_agent-1:example.org"},
	}}
	ig := ingest.New(newDedupeStore(t), mappings, ingest.Config{BotUserID: "@bridge_bot:example.org", BootTime: time.Now().Add(-time.Hour)})

	evt := baseEvent("$echo:example.org", "@agent_agent-1:example.org", "!room:example.org", "my own reply", time.Now().UnixMilli())
	called := false
	ig.Process(context.Background(), "!room:example.org", evt, func(ctx context.Context, a ingest.Accepted) { called = true })
	if called {
		t.Fatal("expected same-room same-agent echo without a mention to be dropped")
	}
}

func TestProcess_AcceptsSameAgentEchoMentioningAnotherAgent(t *testing.T) {
	mappings := &fakeMappings{
		byRoom: map[string]*store.AgentMapping{
			"!room:example.org": {AgentID: "agent-1", MatrixUserID: "@agent_agent-1:example.org"},
		},
		byUser: map[string]*store.AgentMapping{
			"@agent_agent-2:example.org": {AgentID: "agent-2", MatrixUserID: "@agent_agent-2:example.org"},
		},
	}
	ig := ingest.New(newDedupeStore(t), mappings, ingest.Config{BotUserID: "@bridge_bot:example.org", BootTime: time.Now().Add(-time.Hour)})

	evt := baseEvent("$mention:example.org", "@agent_agent-1:example.org", "!room:example.org", "hey @agent_agent-2 take a look", time.Now().UnixMilli())
	evt.Content.Raw["m.mentions"] = map[string]any{"user_ids": []any{"@agent_agent-2:example.org"}}

	var got []ingest.Accepted
	ig.Process(context.Background(), "!room:example.org", evt, func(ctx context.Context, a ingest.Accepted) {
		got = append(got, a)
	})

	if len(got) != 1 {
		t.Fatalf("expected the inter-agent mention to be accepted, got %d", len(got))
	}
	if got[0].SenderType != ingest.SenderOtherAgent {
		t.Fatalf("expected other_agent sender type, got %s", got[0].SenderType)
	}
	if got[0].ResolvedAgentID != "agent-2" {
		t.Fatalf("expected the mentioned agent to receive the message, got %s", got[0].ResolvedAgentID)
	}
	if got[0].SourceAgentID != "agent-1" {
		t.Fatalf("expected the room's own agent recorded as the source, got %s", got[0].SourceAgentID)
	}
}

func TestProcess_AcceptsAnotherAgentPostingDirectlyInThisRoom(t *testing.T) {
	mappings := &fakeMappings{
		byRoom: map[string]*store.AgentMapping{
			"!room-b:example.org": {AgentID: "agent-b", MatrixUserID: "@agent_agent-b:example.org"},
		},
		byUser: map[string]*store.AgentMapping{
			"@agent_agent-a:example.org": {AgentID: "agent-a", MatrixUserID: "@agent_agent-a:example.org"},
		},
	}
	ig := ingest.New(newDedupeStore(t), mappings, ingest.Config{BotUserID: "@bridge_bot:example.org", BootTime: time.Now().Add(-time.Hour)})

	evt := baseEvent("$cross:example.org", "@agent_agent-a:example.org", "!room-b:example.org", "please look at this", time.Now().UnixMilli())

	var got []ingest.Accepted
	ig.Process(context.Background(), "!room-b:example.org", evt, func(ctx context.Context, a ingest.Accepted) {
		got = append(got, a)
	})

	if len(got) != 1 {
		t.Fatalf("expected agent A's message in agent B's room to be accepted, got %d", len(got))
	}
	if got[0].ResolvedAgentID != "agent-b" {
		t.Fatalf("expected the room's own agent to receive the message, got %s", got[0].ResolvedAgentID)
	}
	if got[0].SenderType != ingest.SenderOtherAgent {
		t.Fatalf("expected other_agent sender type, got %s", got[0].SenderType)
	}
	if got[0].SourceAgentID != "agent-a" {
		t.Fatalf("expected the sending agent recorded as the source, got %s", got[0].SourceAgentID)
	}
}
