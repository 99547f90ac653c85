package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/threadbox"
)

type fakeBackend struct {
	mu        sync.Mutex
	next      int
	sandboxes map[string]bool // id -> running
	created   []CreateRequest
	destroyed []string
	resumeErr error
	pauseErr  error
	createErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sandboxes: make(map[string]bool)}
}

func (b *fakeBackend) Create(_ context.Context, req CreateRequest) (Sandbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return Sandbox{}, b.createErr
	}
	b.next++
	id := fmt.Sprintf("sbx-%d", b.next)
	b.sandboxes[id] = true
	b.created = append(b.created, req)
	return Sandbox{ID: id, Access: threadbox.PreviewAccess{URL: "http://" + id, Token: req.Token}}, nil
}

func (b *fakeBackend) Resume(_ context.Context, id string) (Sandbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resumeErr != nil {
		return Sandbox{}, b.resumeErr
	}
	if _, ok := b.sandboxes[id]; !ok {
		return Sandbox{}, ErrSandboxGone
	}
	b.sandboxes[id] = true
	return Sandbox{ID: id, Access: threadbox.PreviewAccess{URL: "http://" + id + "/resumed"}}, nil
}

func (b *fakeBackend) Pause(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pauseErr != nil {
		return b.pauseErr
	}
	if _, ok := b.sandboxes[id]; !ok {
		return ErrSandboxGone
	}
	b.sandboxes[id] = false
	return nil
}

func (b *fakeBackend) Destroy(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sandboxes, id)
	b.destroyed = append(b.destroyed, id)
	return nil
}

func (b *fakeBackend) createCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.created)
}

type fakeClient struct {
	mu        sync.Mutex
	unhealthy map[string]bool // by URL
	sessions  int
	createErr error
}

func (c *fakeClient) WaitForHealthy(_ context.Context, access threadbox.PreviewAccess, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unhealthy[access.URL], nil
}

func (c *fakeClient) CreateSession(context.Context, threadbox.PreviewAccess) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	c.sessions++
	return fmt.Sprintf("sess-%d", c.sessions), nil
}

func (c *fakeClient) SendPrompt(context.Context, threadbox.PreviewAccess, string, string) (string, error) {
	return "", errors.New("not used")
}

func (c *fakeClient) setUnhealthy(url string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhealthy == nil {
		c.unhealthy = make(map[string]bool)
	}
	c.unhealthy[url] = v
}

func newManager(b *fakeBackend, c *fakeClient, opts ...Option) *Manager {
	return New(b, c, opts...)
}

func ensure(t *testing.T, m *Manager, cur *threadbox.SessionInfo) threadbox.SessionInfo {
	t.Helper()
	info, err := m.EnsureActive(context.Background(), threadbox.EnsureRequest{
		ThreadID: "t1", ChannelID: "c1", Current: cur,
	})
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	return info
}

func TestProvision(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)

	info := ensure(t, m, nil)
	if info.Status != threadbox.StatusActive {
		t.Errorf("Status = %s", info.Status)
	}
	if info.SandboxID != "sbx-1" || info.SessionID != "sess-1" {
		t.Errorf("identity = %s/%s", info.SandboxID, info.SessionID)
	}
	if info.PreviewAccess.Token == "" || info.PreviewAccess.Token != b.created[0].Token {
		t.Errorf("token not propagated: %+v", info.PreviewAccess)
	}
	if info.ThreadID != "t1" || info.ChannelID != "c1" {
		t.Errorf("thread fields = %+v", info)
	}
}

func TestProvisionUnhealthyDiscardsSandbox(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	c.setUnhealthy("http://sbx-1", true)
	m := newManager(b, c)

	_, err := m.Provision(context.Background(), threadbox.ProvisionRequest{ThreadID: "t1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(b.destroyed) != 1 || b.destroyed[0] != "sbx-1" {
		t.Errorf("destroyed = %v, want [sbx-1]", b.destroyed)
	}
}

func TestEnsureActiveHealthyUnchanged(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)

	second := ensure(t, m, &first)
	if second.SandboxID != first.SandboxID || second.SessionID != first.SessionID {
		t.Errorf("healthy session changed: %+v", second)
	}
	if b.createCount() != 1 {
		t.Errorf("created %d sandboxes, want 1", b.createCount())
	}
}

func TestEnsureActiveResumesUnhealthy(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)
	c.setUnhealthy(first.PreviewAccess.URL, true)

	got := ensure(t, m, &first)
	if got.SandboxID != first.SandboxID {
		t.Errorf("sandbox replaced instead of resumed")
	}
	if got.PreviewAccess.URL != "http://sbx-1/resumed" {
		t.Errorf("access not refreshed: %s", got.PreviewAccess.URL)
	}
	if got.PreviewAccess.Token != first.PreviewAccess.Token {
		t.Error("token lost on resume")
	}
	if got.SessionID != first.SessionID {
		t.Errorf("session should be reused, got %s", got.SessionID)
	}
}

func TestEnsureActiveResumesPaused(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)
	paused, err := m.Pause(context.Background(), "t1", first, "idle")
	if err != nil || paused.Status != threadbox.StatusPaused || paused.PausedAt.IsZero() {
		t.Fatalf("Pause = %+v, %v", paused, err)
	}

	got := ensure(t, m, &paused)
	if got.Status != threadbox.StatusActive || !got.PausedAt.IsZero() {
		t.Errorf("resume result = %+v", got)
	}
}

func TestEnsureActiveReprovisionsGoneSandbox(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)
	first.Status = threadbox.StatusPaused
	delete(b.sandboxes, first.SandboxID)

	got := ensure(t, m, &first)
	if got.SandboxID == first.SandboxID {
		t.Error("gone sandbox should be replaced")
	}
	if got.Status != threadbox.StatusActive || got.SessionID == "" {
		t.Errorf("replacement = %+v", got)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt should be carried over")
	}
}

func TestEnsureActiveResumeFailureCounts(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c, WithMaxResumeFailures(2))
	first := ensure(t, m, nil)
	first.Status = threadbox.StatusPaused
	b.resumeErr = errors.New("daemon busy")

	got, err := m.EnsureActive(context.Background(), threadbox.EnsureRequest{ThreadID: "t1", Current: &first})
	if err == nil {
		t.Fatal("expected resume error")
	}
	if got.ResumeFailCount != 1 || got.LastError == "" {
		t.Errorf("after one failure: %+v", got)
	}

	// The second failure reaches the limit and the sandbox is replaced.
	got, err = m.EnsureActive(context.Background(), threadbox.EnsureRequest{ThreadID: "t1", Current: &got})
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	if got.SandboxID == first.SandboxID || got.ResumeFailCount != 0 {
		t.Errorf("expected fresh sandbox, got %+v", got)
	}
	if b.createCount() != 2 {
		t.Errorf("created %d, want 2", b.createCount())
	}
}

func TestEnsureActiveDestroyedProvisions(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	old := threadbox.SessionInfo{ThreadID: "t1", SandboxID: "sbx-old", Status: threadbox.StatusDestroyed}

	got := ensure(t, m, &old)
	if got.SandboxID == "sbx-old" || got.Status != threadbox.StatusActive {
		t.Errorf("got %+v", got)
	}
}

func TestRecoverSendFailure(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)

	cause := &threadbox.ErrHTTP{Status: 404, Body: "session not found"}
	got, err := m.RecoverSendFailure(context.Background(), "t1", first, cause)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != threadbox.StatusPaused || got.LastError != cause.Error() {
		t.Errorf("recovered = %+v", got)
	}
	if got.SessionID != "" {
		t.Error("404 should drop the agent session")
	}
	if b.sandboxes[first.SandboxID] {
		t.Error("sandbox should be paused")
	}

	// The next ensure resumes and opens a fresh session.
	again := ensure(t, m, &got)
	if again.SessionID == "" || again.SessionID == first.SessionID {
		t.Errorf("expected new session, got %q", again.SessionID)
	}
}

func TestRecoverSendFailurePauseErrorIgnored(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)
	b.pauseErr = errors.New("daemon down")

	got, err := m.RecoverSendFailure(context.Background(), "t1", first, &threadbox.ErrHTTP{Status: 502})
	if err != nil || got.Status != threadbox.StatusPaused {
		t.Fatalf("got %+v, %v", got, err)
	}
	if got.SessionID != first.SessionID {
		t.Error("5xx should keep the agent session")
	}
}

func TestPauseGoneIsDestroyed(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)
	delete(b.sandboxes, first.SandboxID)

	got, err := m.Pause(context.Background(), "t1", first, "idle")
	if err != nil || got.Status != threadbox.StatusDestroyed {
		t.Fatalf("Pause = %+v, %v", got, err)
	}
}

func TestPauseFailure(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)
	b.pauseErr = errors.New("boom")

	got, err := m.Pause(context.Background(), "t1", first, "idle")
	if err == nil || got.Status != threadbox.StatusError {
		t.Fatalf("Pause = %+v, %v", got, err)
	}
}

func TestDestroy(t *testing.T) {
	b, c := newFakeBackend(), &fakeClient{}
	m := newManager(b, c)
	first := ensure(t, m, nil)

	got, err := m.Destroy(context.Background(), "t1", first, "ttl")
	if err != nil || got.Status != threadbox.StatusDestroyed {
		t.Fatalf("Destroy = %+v, %v", got, err)
	}
	if _, ok := b.sandboxes[first.SandboxID]; ok {
		t.Error("sandbox still exists")
	}
	again, err := m.Destroy(context.Background(), "t1", got, "ttl")
	if err != nil || again.Status != threadbox.StatusDestroyed {
		t.Errorf("second Destroy = %+v, %v", again, err)
	}
}
