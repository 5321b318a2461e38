package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"stashmirror/internal/db"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	d, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })
	if err := db.Init(d); err != nil {
		t.Fatalf("init db: %v", err)
	}
	return New(d)
}

func TestGetUnset(t *testing.T) {
	s := testStore(t)
	val, err := s.Get(context.Background(), "sync.interval")
	if err != nil || val != "" {
		t.Fatalf("got %q err %v", val, err)
	}
}

func TestSetGetDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "sync.interval", "30m"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "sync.interval", "45m"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	val, err := s.Get(ctx, "sync.interval")
	if err != nil || val != "45m" {
		t.Fatalf("got %q err %v", val, err)
	}
	if err := s.Delete(ctx, "sync.interval"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	val, err = s.Get(ctx, "sync.interval")
	if err != nil || val != "" {
		t.Fatalf("after delete got %q err %v", val, err)
	}
}

func TestGetDurationFallbacks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	def := 2 * time.Hour

	if got := s.GetDuration(ctx, "sync.interval", def); got != def {
		t.Fatalf("unset: %v", got)
	}
	s.Set(ctx, "sync.interval", "garbage")
	if got := s.GetDuration(ctx, "sync.interval", def); got != def {
		t.Fatalf("garbage: %v", got)
	}
	s.Set(ctx, "sync.interval", "-5m")
	if got := s.GetDuration(ctx, "sync.interval", def); got != def {
		t.Fatalf("negative: %v", got)
	}
	s.Set(ctx, "sync.interval", "90m")
	if got := s.GetDuration(ctx, "sync.interval", def); got != 90*time.Minute {
		t.Fatalf("valid: %v", got)
	}
}
