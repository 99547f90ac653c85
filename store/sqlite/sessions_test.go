package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/nevindra/threadbox"
)

func session(threadID string, status threadbox.SessionStatus) threadbox.SessionInfo {
	return threadbox.SessionInfo{
		ThreadID:      threadID,
		ChannelID:     "chan-" + threadID,
		SandboxID:     "sbx-" + threadID,
		SessionID:     "sess-" + threadID,
		PreviewAccess: threadbox.PreviewAccess{URL: "http://127.0.0.1:9000", Token: "tok"},
		Status:        status,
	}
}

func TestLoadMissingSession(t *testing.T) {
	s := testStore(t)
	got, err := s.Load(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("Load = %v, %v; want nil, nil", got, err)
	}
}

func TestSaveLoadSession(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, WithClock(clock.Now))
	ctx := context.Background()

	in := session("t1", threadbox.StatusActive)
	in.ResumeFailCount = 2
	in.LastError = "previous"
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, "t1")
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if got.SandboxID != in.SandboxID || got.SessionID != in.SessionID || got.PreviewAccess != in.PreviewAccess {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Status != threadbox.StatusActive || got.ResumeFailCount != 2 || got.LastError != "previous" {
		t.Errorf("status fields mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(clock.Now()) || !got.LastActivityAt.Equal(clock.Now()) {
		t.Errorf("timestamps not defaulted: %+v", got)
	}
	if !got.PausedAt.IsZero() {
		t.Errorf("PausedAt = %v, want zero", got.PausedAt)
	}
}

func TestSaveRequiresThreadID(t *testing.T) {
	s := testStore(t)
	if err := s.Save(context.Background(), threadbox.SessionInfo{}); !threadbox.IsDatabaseError(err) {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
}

func TestPausedAtLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, WithClock(clock.Now))
	ctx := context.Background()

	s.Save(ctx, session("t1", threadbox.StatusActive))
	pausedAt := clock.Now()
	s.Save(ctx, session("t1", threadbox.StatusPaused))

	clock.Advance(time.Minute)
	// Saving again while paused keeps the original pause time.
	s.Save(ctx, session("t1", threadbox.StatusPaused))
	got, _ := s.Load(ctx, "t1")
	if !got.PausedAt.Equal(pausedAt) {
		t.Errorf("PausedAt = %v, want %v", got.PausedAt, pausedAt)
	}

	s.Save(ctx, session("t1", threadbox.StatusActive))
	got, _ = s.Load(ctx, "t1")
	if !got.PausedAt.IsZero() {
		t.Errorf("PausedAt after resume = %v, want zero", got.PausedAt)
	}
}

func TestActivityNeverMovesBackwards(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, WithClock(clock.Now))
	ctx := context.Background()

	base := clock.Now()
	s.Save(ctx, session("t1", threadbox.StatusActive))
	if err := s.TouchActivity(ctx, "t1", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	s.TouchActivity(ctx, "t1", base.Add(time.Minute))

	stale := session("t1", threadbox.StatusActive)
	stale.LastActivityAt = base
	s.Save(ctx, stale)

	got, _ := s.Load(ctx, "t1")
	if !got.LastActivityAt.Equal(base.Add(time.Hour)) {
		t.Errorf("LastActivityAt = %v, want %v", got.LastActivityAt, base.Add(time.Hour))
	}
}

func TestTouchUnknownThread(t *testing.T) {
	s := testStore(t)
	if err := s.TouchActivity(context.Background(), "ghost", time.Now()); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}
}

func TestListIdleAndPaused(t *testing.T) {
	clock := newFakeClock()
	s := testStore(t, WithClock(clock.Now))
	ctx := context.Background()
	base := clock.Now()

	old := session("old", threadbox.StatusActive)
	old.LastActivityAt = base.Add(-time.Hour)
	fresh := session("fresh", threadbox.StatusActive)
	fresh.LastActivityAt = base
	destroyed := session("gone", threadbox.StatusDestroyed)
	destroyed.LastActivityAt = base.Add(-time.Hour)
	for _, in := range []threadbox.SessionInfo{old, fresh, destroyed} {
		if err := s.Save(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	idle, err := s.ListIdle(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 || idle[0].ThreadID != "old" {
		t.Errorf("ListIdle = %+v, want [old]", idle)
	}

	s.Save(ctx, session("p1", threadbox.StatusPaused))
	clock.Advance(2 * time.Hour)
	s.Save(ctx, session("p2", threadbox.StatusPaused))

	paused, err := s.ListPausedBefore(ctx, clock.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 1 || paused[0].ThreadID != "p1" {
		t.Errorf("ListPausedBefore = %+v, want [p1]", paused)
	}
}

func TestCountByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.Save(ctx, session("a", threadbox.StatusActive))
	s.Save(ctx, session("b", threadbox.StatusActive))
	s.Save(ctx, session("c", threadbox.StatusPaused))

	n, err := s.CountByStatus(ctx, threadbox.StatusActive)
	if err != nil || n != 2 {
		t.Errorf("active = %d, %v; want 2", n, err)
	}
	n, _ = s.CountByStatus(ctx, threadbox.StatusDestroyed)
	if n != 0 {
		t.Errorf("destroyed = %d, want 0", n)
	}
}

func TestSaveRejectsUnknownStatus(t *testing.T) {
	s := testStore(t)
	err := s.Save(context.Background(), session("t1", "sleeping"))
	if !threadbox.IsDatabaseError(err) {
		t.Fatalf("err = %v, want DatabaseError", err)
	}
}
