package reconciler_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/agentsvc"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/matrix"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/provisioning"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/reconciler"
	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

// fakeAgentService serves a fixed registry for Client.ListAgents, grounded on
// the teacher's commands/provision_test.go mockACPServer pattern.
func fakeAgentService(t *testing.T, agents []agentsvc.Agent) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"agents": agents})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeHomeserver implements just enough of the Matrix client-server API for
// Provisioner to register an account, create a room/space, set state, and
// invite core users. Paths are matched by suffix since mautrix builds full
// versioned URLs (/_matrix/client/v3/...) internally.
func fakeHomeserver(t *testing.T) *httptest.Server {
	srv, _ := fakeHomeserverWithDisplayNames(t)
	return srv
}

// fakeHomeserverWithDisplayNames is fakeHomeserver plus a recorder for
// PUT .../profile/{userId}/displayname calls, so rename tests can assert
// the agent's own account (not the bot or admin) set its profile name.
func fakeHomeserverWithDisplayNames(t *testing.T) (*httptest.Server, *callLog) {
	t.Helper()
	var roomSeq atomic.Int64
	log := &callLog{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/register"):
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{
				"user_id":      "@new-agent:example.org",
				"access_token": "fake-access-token",
				"device_id":    "FAKEDEVICE",
			})
		case strings.HasSuffix(r.URL.Path, "/login"):
			json.NewEncoder(w).Encode(map[string]any{
				"user_id":      "@new-agent:example.org",
				"access_token": "fake-agent-session-token",
				"device_id":    "FAKEDEVICE2",
			})
		case strings.HasSuffix(r.URL.Path, "/createRoom"):
			n := roomSeq.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"room_id": "!room" + strconv.FormatInt(n, 10) + ":example.org"})
		case strings.Contains(r.URL.Path, "/state/"):
			json.NewEncoder(w).Encode(map[string]any{"event_id": "$state:example.org"})
		case strings.HasSuffix(r.URL.Path, "/invite"):
			json.NewEncoder(w).Encode(map[string]any{})
		case strings.Contains(r.URL.Path, "/profile/") && strings.HasSuffix(r.URL.Path, "/displayname"):
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			name, _ := body["displayname"].(string)
			log.record(name)
			json.NewEncoder(w).Encode(map[string]any{})
		default:
			json.NewEncoder(w).Encode(map[string]any{})
		}
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, log
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func masterKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("generate master key: %v", err)
	}
	return k
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir() + "/bridge.sqlite")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestProvisioner(t *testing.T, homeserver string) *provisioning.Provisioner {
	t.Helper()
	p, err := provisioning.New(provisioning.Config{
		Homeserver:       homeserver,
		AdminUserID:      "@admin:example.org",
		AdminAccessToken: "admin-token",
		HomeserverType:   provisioning.HomeserverGeneric,
		CoreUserIDs:      []string{"@admin:example.org"},
	})
	if err != nil {
		t.Fatalf("provisioning.New: %v", err)
	}
	return p
}

func TestReconcile_DiscoversAndProvisionsNewAgent(t *testing.T) {
	hs := fakeHomeserver(t)
	agentSvc := fakeAgentService(t, []agentsvc.Agent{{ID: "agent-1", Name: "Meridian"}})

	s := newTestStore(t)
	p := newTestProvisioner(t, hs.URL)
	r := reconciler.New(agentsvc.New(agentSvc.URL), s, p, reconciler.Config{MasterKey: masterKey(t)})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	m, err := s.GetByAgentID(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetByAgentID: %v", err)
	}
	if m.MatrixUserID == "" {
		t.Fatal("expected a provisioned matrix_user_id")
	}
	if m.MatrixPassword == "" {
		t.Fatal("expected an encrypted matrix_password persisted after registration")
	}
	if !m.RoomID.Valid || m.RoomID.String == "" {
		t.Fatal("expected a provisioned room_id")
	}

	space, err := s.GetSpace(context.Background())
	if err != nil {
		t.Fatalf("GetSpace: %v", err)
	}
	if space.SpaceRoomID == "" {
		t.Fatal("expected the canonical space to be created on first reconcile")
	}
}

func TestReconcile_IsIdempotentAcrossTwoPasses(t *testing.T) {
	hs := fakeHomeserver(t)
	agentSvc := fakeAgentService(t, []agentsvc.Agent{{ID: "agent-1", Name: "Meridian"}})

	s := newTestStore(t)
	p := newTestProvisioner(t, hs.URL)
	r := reconciler.New(agentsvc.New(agentSvc.URL), s, p, reconciler.Config{MasterKey: masterKey(t)})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	first, err := s.GetByAgentID(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetByAgentID: %v", err)
	}

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	second, err := s.GetByAgentID(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetByAgentID (2nd pass): %v", err)
	}

	if first.MatrixUserID != second.MatrixUserID {
		t.Fatalf("matrix_user_id changed across reconcile passes: %q -> %q", first.MatrixUserID, second.MatrixUserID)
	}
	if first.RoomID.String != second.RoomID.String {
		t.Fatalf("room_id changed across reconcile passes: %q -> %q", first.RoomID.String, second.RoomID.String)
	}
}

func TestReconcile_VanishedAgentIsSoftDeleted(t *testing.T) {
	hs := fakeHomeserver(t)
	agents := []agentsvc.Agent{{ID: "agent-1", Name: "Meridian"}}
	agentSvc := fakeAgentService(t, agents)

	s := newTestStore(t)
	p := newTestProvisioner(t, hs.URL)
	r := reconciler.New(agentsvc.New(agentSvc.URL), s, p, reconciler.Config{MasterKey: masterKey(t)})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	agentSvc.Close()
	emptyAgentSvc := fakeAgentService(t, nil)
	r2 := reconciler.New(agentsvc.New(emptyAgentSvc.URL), s, p, reconciler.Config{MasterKey: masterKey(t)})
	if err := r2.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	active, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	for _, m := range active {
		if m.AgentID == "agent-1" {
			t.Fatal("expected agent-1 to be soft-deleted (absent from ListActive) after vanishing from the registry")
		}
	}
}

func TestReconcile_SkipAgentIDsIsTreatedAsAbsentFromRegistry(t *testing.T) {
	hs := fakeHomeserver(t)
	agents := []agentsvc.Agent{{ID: "agent-1", Name: "Meridian"}, {ID: "agent-2", Name: "Voss"}}
	agentSvc := fakeAgentService(t, agents)

	s := newTestStore(t)
	p := newTestProvisioner(t, hs.URL)
	r := reconciler.New(agentsvc.New(agentSvc.URL), s, p, reconciler.Config{
		MasterKey:    masterKey(t),
		SkipAgentIDs: []string{"agent-2"},
	})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	active, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	var sawAgent1 bool
	for _, m := range active {
		if m.AgentID == "agent-2" {
			t.Fatal("expected agent-2 to stay unprovisioned while listed in SkipAgentIDs")
		}
		if m.AgentID == "agent-1" {
			sawAgent1 = true
		}
	}
	if !sawAgent1 {
		t.Fatal("expected agent-1 to be provisioned normally")
	}
}

func TestReconcile_RenameUpdatesMatrixProfileDisplayName(t *testing.T) {
	hs, profileLog := fakeHomeserverWithDisplayNames(t)
	agents := []agentsvc.Agent{{ID: "agent-1", Name: "Meridian"}}
	agentSvc := fakeAgentService(t, agents)

	s := newTestStore(t)
	p := newTestProvisioner(t, hs.URL)
	matrixAdapter, err := matrix.New(matrix.Config{Homeserver: hs.URL, BotUserID: "@admin:example.org", BotToken: "admin-token"})
	if err != nil {
		t.Fatalf("matrix.New: %v", err)
	}
	r := reconciler.New(agentsvc.New(agentSvc.URL), s, p, reconciler.Config{
		MasterKey: masterKey(t),
		Matrix:    matrixAdapter,
	})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	agentSvc.Close()
	renamedAgentSvc := fakeAgentService(t, []agentsvc.Agent{{ID: "agent-1", Name: "Meridian-v2"}})
	r2 := reconciler.New(agentsvc.New(renamedAgentSvc.URL), s, p, reconciler.Config{
		MasterKey: masterKey(t),
		Matrix:    matrixAdapter,
	})
	if err := r2.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	m, err := s.GetByAgentID(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetByAgentID: %v", err)
	}
	if m.AgentName != "Meridian-v2" {
		t.Fatalf("expected store name updated to Meridian-v2, got %q", m.AgentName)
	}

	calls := profileLog.snapshot()
	if len(calls) == 0 || calls[len(calls)-1] != "Meridian-v2" {
		t.Fatalf("expected the agent's own Matrix profile display name set to Meridian-v2, got %v", calls)
	}
}
