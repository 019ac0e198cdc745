package agentsvc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/agentsvc"
)

func TestListAgents_FollowsAllPages(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page_token") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"agents":          []map[string]string{{"id": "a1", "name": "One"}},
				"next_page_token": "p2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"agents": []map[string]string{{"id": "a2", "name": "Two"}},
		})
	}))
	defer srv.Close()

	c := agentsvc.New(srv.URL)
	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents across both pages, got %d", len(agents))
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", calls)
	}
}

func TestVerifyConversation_NotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := agentsvc.New(srv.URL)
	ok, err := c.VerifyConversation(context.Background(), "agent-1", "conv-missing")
	if err != nil {
		t.Fatalf("VerifyConversation returned an error for 404: %v", err)
	}
	if ok {
		t.Fatal("expected exists=false for a 404")
	}
}

func TestVerifyConversation_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := agentsvc.New(srv.URL)
	ok, err := c.VerifyConversation(context.Background(), "agent-1", "conv-1")
	if err != nil {
		t.Fatalf("VerifyConversation: %v", err)
	}
	if !ok {
		t.Fatal("expected exists=true for 200")
	}
}

func TestCreateConversation_ReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"conversation_id": "conv-xyz"})
	}))
	defer srv.Close()

	c := agentsvc.New(srv.URL)
	id, err := c.CreateConversation(context.Background(), "agent-1", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if id != "conv-xyz" {
		t.Fatalf("unexpected conversation id: %q", id)
	}
}

func TestSendStreaming_DecodesEventsUntilStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"type":"reasoning","text":"thinking"}`,
			`{"type":"tool_call","tool_name":"search"}`,
			`{"type":"assistant","text":"here is your answer"}`,
			`{"type":"stop"}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	c := agentsvc.New(srv.URL)
	events, err := c.SendStreaming(context.Background(), "agent-1", "conv-1", "hello", agentsvc.Envelope{})
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}

	var got []agentsvc.StreamEvent
	for evt := range events {
		got = append(got, evt)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(got), got)
	}
	if got[2].Type != agentsvc.EventAssistant || got[2].Text != "here is your answer" {
		t.Fatalf("unexpected assistant event: %+v", got[2])
	}
	if got[3].Type != agentsvc.EventStop {
		t.Fatalf("expected final stop event, got %+v", got[3])
	}
}

func TestSendStreaming_RejectsUnknownEventType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"not_a_real_event"}` + "\n"))
	}))
	defer srv.Close()

	c := agentsvc.New(srv.URL)
	events, err := c.SendStreaming(context.Background(), "agent-1", "conv-1", "hello", agentsvc.Envelope{})
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}
	evt := <-events
	if evt.Type != agentsvc.EventError {
		t.Fatalf("expected a synthesized error event for a schema violation, got %+v", evt)
	}
}

func TestSendNonStreaming_RetriesOn409ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": "done"})
	}))
	defer srv.Close()

	c := agentsvc.New(srv.URL)
	text, err := c.SendNonStreaming(context.Background(), "agent-1", "conv-1", "hi", agentsvc.Envelope{})
	if err != nil {
		t.Fatalf("SendNonStreaming: %v", err)
	}
	if text != "done" {
		t.Fatalf("unexpected text: %q", text)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (2 BUSY + 1 success), got %d", attempts)
	}
}

func TestSendNonStreaming_SurfacesAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := agentsvc.New(srv.URL)
	_, err := c.SendNonStreaming(context.Background(), "agent-1", "conv-1", "hi", agentsvc.Envelope{})
	if err == nil {
		t.Fatal("expected an error after exhausting BUSY retries")
	}
}

func TestEventType_Surfaced(t *testing.T) {
	hidden := []agentsvc.EventType{agentsvc.EventPing, agentsvc.EventReasoning, agentsvc.EventUsage}
	for _, et := range hidden {
		if et.Surfaced() {
			t.Errorf("%s should not be surfaced", et)
		}
	}
	surfaced := []agentsvc.EventType{agentsvc.EventToolCall, agentsvc.EventToolReturn, agentsvc.EventAssistant, agentsvc.EventError, agentsvc.EventApprovalRequest}
	for _, et := range surfaced {
		if !et.Surfaced() {
			t.Errorf("%s should be surfaced", et)
		}
	}
}
