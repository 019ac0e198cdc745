package matrix_test

import (
	"testing"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/matrix"
)

func TestNew_RequiresValidClient(t *testing.T) {
	a, err := matrix.New(matrix.Config{
		Homeserver: "https://example.org",
		BotUserID:  "@bridge_bot:example.org",
		BotToken:   "tok",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.BotUserID() != "@bridge_bot:example.org" {
		t.Fatalf("unexpected bot user id: %s", a.BotUserID())
	}
}

func TestClientFor_CachesByUserID(t *testing.T) {
	a, err := matrix.New(matrix.Config{
		Homeserver: "https://example.org",
		BotUserID:  "@bridge_bot:example.org",
		BotToken:   "tok",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c1, err := a.ClientFor("@agent_a1:example.org", "agent-token")
	if err != nil {
		t.Fatalf("ClientFor: %v", err)
	}
	c2, err := a.ClientFor("@agent_a1:example.org", "agent-token")
	if err != nil {
		t.Fatalf("ClientFor: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the same cached client for the same user id")
	}

	a.ForgetIdentity("@agent_a1:example.org")
	c3, err := a.ClientFor("@agent_a1:example.org", "agent-token-2")
	if err != nil {
		t.Fatalf("ClientFor after forget: %v", err)
	}
	if c3 == c1 {
		t.Fatal("expected a fresh client after ForgetIdentity")
	}
}

func TestNewTxnID_IsUnique(t *testing.T) {
	a := matrix.NewTxnID()
	b := matrix.NewTxnID()
	if a == b {
		t.Fatal("expected distinct transaction ids")
	}
}
