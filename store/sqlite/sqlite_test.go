package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s := New(path)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOffset(ctx, "telegram", "41"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2 := New(path)
	defer s2.Close()
	if err := s2.Init(ctx); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s2.GetOffset(ctx, "telegram")
	if err != nil || !ok || got != "41" {
		t.Fatalf("GetOffset after reopen = %q, %v, %v", got, ok, err)
	}
}

func TestOffsets(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetOffset(ctx, "telegram"); err != nil || ok {
		t.Fatalf("expected no offset, got ok=%v err=%v", ok, err)
	}
	if err := s.SetOffset(ctx, "telegram", "100"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOffset(ctx, "telegram", "101"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOffset(ctx, "other", "7"); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetOffset(ctx, "telegram")
	if err != nil || !ok || got != "101" {
		t.Errorf("telegram offset = %q, %v, %v; want 101", got, ok, err)
	}
	got, _, _ = s.GetOffset(ctx, "other")
	if got != "7" {
		t.Errorf("other offset = %q, want 7", got)
	}
}

func TestClosedStoreReturnsDatabaseError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "closed.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	s.Close()

	_, err := s.Start(ctx, "m1")
	if err == nil {
		t.Fatal("expected error on closed store")
	}
	if !isDatabaseError(err) {
		t.Errorf("expected DatabaseError, got %T: %v", err, err)
	}
}
