package matrix

import (
	"context"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/store"
)

func TestDBSyncStore_SaveLoadNextBatchAndFilterID(t *testing.T) {
	s, err := store.New(t.TempDir() + "/bridge.sqlite")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	sync := NewDBSyncStore(s.DB())
	ctx := context.Background()
	user := id.UserID("@bot:example.org")

	if tok, err := sync.LoadNextBatch(ctx, user); err != nil || tok != "" {
		t.Fatalf("expected empty next_batch before first save, got %q, err %v", tok, err)
	}

	if err := sync.SaveNextBatch(ctx, user, "s1234"); err != nil {
		t.Fatalf("SaveNextBatch: %v", err)
	}
	if tok, err := sync.LoadNextBatch(ctx, user); err != nil || tok != "s1234" {
		t.Fatalf("expected next_batch s1234, got %q, err %v", tok, err)
	}

	if err := sync.SaveFilterID(ctx, user, "filter-1"); err != nil {
		t.Fatalf("SaveFilterID: %v", err)
	}
	if fid, err := sync.LoadFilterID(ctx, user); err != nil || fid != "filter-1" {
		t.Fatalf("expected filter_id filter-1, got %q, err %v", fid, err)
	}

	// Overwriting an existing key updates in place rather than erroring.
	if err := sync.SaveNextBatch(ctx, user, "s5678"); err != nil {
		t.Fatalf("SaveNextBatch (overwrite): %v", err)
	}
	if tok, err := sync.LoadNextBatch(ctx, user); err != nil || tok != "s5678" {
		t.Fatalf("expected updated next_batch s5678, got %q, err %v", tok, err)
	}
}
