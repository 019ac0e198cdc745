package dedupe_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/ruriko-bridge/internal/bridge/dedupe"
)

func openTestDB(t *testing.T) *sql.DB {
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
	return db
}

func TestRecord_FirstCallerSeesNew(t *testing.T) {
	db := openTestDB(t)
	store := dedupe.New(db, time.Hour)
	ctx := context.Background()

	outcome, err := store.Record(ctx, "$abc:server")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if outcome != dedupe.New {
		t.Fatalf("expected New, got %v", outcome)
	}
}

func TestRecord_ConcurrentDuplicatesSeeOnlyOneNew(t *testing.T) {
	db := openTestDB(t)
	store := dedupe.New(db, time.Hour)
	ctx := context.Background()

	const callers = 10
	results := make(chan dedupe.Outcome, callers)
	for i := 0; i < callers; i++ {
		go func() {
			outcome, err := store.Record(ctx, "$replayed:server")
			if err != nil {
				t.Error(err)
				return
			}
			results <- outcome
		}()
	}

	newCount := 0
	for i := 0; i < callers; i++ {
		if <-results == dedupe.New {
			newCount++
		}
	}
	if newCount != 1 {
		t.Fatalf("expected exactly one New outcome, got %d", newCount)
	}
}

func TestSweep_EvictsOnlyExpiredEntries(t *testing.T) {
	db := openTestDB(t)
	store := dedupe.New(db, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := store.Record(ctx, "$old:server"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := store.Record(ctx, "$fresh:server"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	n, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 evicted row, got %d", n)
	}

	outcome, err := store.Record(ctx, "$fresh:server")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if outcome != dedupe.Duplicate {
		t.Fatal("expected fresh entry to survive sweep")
	}
}
