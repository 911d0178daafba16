package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/example/taskpilot/internal/budget"
	"github.com/example/taskpilot/internal/errors"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "file:"+filepath.Join(t.TempDir(), "taskpilot.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestUpdateAndLoad(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, found, err := db.Load(ctx, "s1"); err != nil || found {
		t.Fatalf("Load on empty db = found %v, err %v", found, err)
	}
	reset := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec, err := db.Update(ctx, "s1", func(rec *budget.Record, found bool) error {
		if found {
			t.Error("record should not exist yet")
		}
		rec.TokensRemaining = 100
		rec.ResetAt = reset
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.TokensRemaining != 100 {
		t.Errorf("returned record = %+v", rec)
	}

	got, found, err := db.Load(ctx, "s1")
	if err != nil || !found {
		t.Fatalf("Load = found %v, err %v", found, err)
	}
	if got.TokensRemaining != 100 || !got.ResetAt.Equal(reset) {
		t.Errorf("loaded %+v", got)
	}
}

func TestUpdateErrorDoesNotWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.Update(ctx, "s1", func(rec *budget.Record, _ bool) error {
		rec.TokensRemaining = 10
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, err := db.Update(ctx, "s1", func(rec *budget.Record, _ bool) error {
		rec.TokensRemaining = 0
		return errors.ErrInsufficientTokens
	})
	if !errors.Is(err, errors.ErrInsufficientTokens) {
		t.Fatalf("Update error = %v", err)
	}
	got, _, _ := db.Load(ctx, "s1")
	if got.TokensRemaining != 10 {
		t.Errorf("failed update was persisted: %+v", got)
	}
}

func TestGateOnSQLite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	gate := budget.NewGate(db, budget.Config{Allowance: 300, Window: time.Hour}, nil)

	gate.Initialize(ctx, "s1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gate.Consume(ctx, "s1", 40)
		}()
	}
	wg.Wait()

	rec, _, err := db.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TokensRemaining != 20 || rec.TokensUsed != 280 {
		t.Errorf("record after concurrent consume = %+v", rec)
	}
}

func TestSessionLogs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i, resp := range []string{"first", "second", "third"} {
		if err := db.Save(ctx, "s1", "Plan a party", resp, map[string]any{"n": i}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := db.Save(ctx, "s2", "other", "ignored", nil); err != nil {
		t.Fatal(err)
	}

	logs, err := db.Logs(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(logs))
	}
	if logs[0].Response != "second" || logs[1].Response != "third" {
		t.Errorf("logs out of order: %q, %q", logs[0].Response, logs[1].Response)
	}
	if logs[1].Metadata["n"] != float64(2) {
		t.Errorf("metadata = %v", logs[1].Metadata)
	}
}

func TestSessionLogsLargeLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Save(ctx, "s1", "goal", "only", nil); err != nil {
		t.Fatal(err)
	}
	logs, err := db.Logs(ctx, "s1", 1<<62)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Response != "only" {
		t.Errorf("logs = %+v", logs)
	}
}
