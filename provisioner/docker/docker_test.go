package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nevindra/threadbox/provisioner"
)

type fakeContainer struct {
	config  *container.Config
	host    *container.HostConfig
	running bool
	starts  int
}

type fakeAPI struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	startErr   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{containers: make(map[string]*fakeContainer)}
}

func notFound(id string) error {
	return fmt.Errorf("no such container: %s: %w", id, cerrdefs.ErrNotFound)
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &fakeContainer{config: cfg, host: host}
	return container.CreateResponse{ID: name}, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	c.running = true
	c.starts++
	return nil
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return notFound(id)
	}
	c.running = false
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.Force {
		return errors.New("expected forced remove")
	}
	if _, ok := f.containers[id]; !ok {
		return notFound(id)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return container.InspectResponse{}, notFound(id)
	}
	ports := nat.PortMap{}
	for p := range c.config.ExposedPorts {
		ports[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprint(40000 + c.starts)}}
	}
	resp := container.InspectResponse{NetworkSettings: &container.NetworkSettings{}}
	resp.NetworkSettings.Ports = ports
	return resp, nil
}

func newBackend(t *testing.T, api *fakeAPI) *Backend {
	t.Helper()
	b, err := New(api, Config{Image: "threadbox/agent:latest", Port: 8080, Env: map[string]string{"MODEL": "x"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewValidates(t *testing.T) {
	if _, err := New(newFakeAPI(), Config{Port: 8080}); err == nil {
		t.Error("expected error without image")
	}
	if _, err := New(newFakeAPI(), Config{Image: "x"}); err == nil {
		t.Error("expected error without port")
	}
}

func TestCreate(t *testing.T) {
	api := newFakeAPI()
	b := newBackend(t, api)

	sb, err := b.Create(context.Background(), provisioner.CreateRequest{ThreadID: "telegram:1", Token: "tok"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(sb.ID, "threadbox-") {
		t.Errorf("ID = %q", sb.ID)
	}
	if sb.Access.URL != "http://127.0.0.1:40001" || sb.Access.Token != "tok" {
		t.Errorf("Access = %+v", sb.Access)
	}

	c := api.containers[sb.ID]
	if c.config.Labels[LabelThreadID] != "telegram:1" {
		t.Errorf("labels = %v", c.config.Labels)
	}
	env := strings.Join(c.config.Env, ",")
	if !strings.Contains(env, "THREADBOX_TOKEN=tok") || !strings.Contains(env, "MODEL=x") {
		t.Errorf("env = %v", c.config.Env)
	}
	bindings := c.host.PortBindings[nat.Port("8080/tcp")]
	if len(bindings) != 1 || bindings[0].HostIP != "127.0.0.1" || bindings[0].HostPort != "" {
		t.Errorf("port bindings = %v", c.host.PortBindings)
	}
}

func TestCreateStartFailureRemovesContainer(t *testing.T) {
	api := newFakeAPI()
	api.startErr = errors.New("no space left")
	b := newBackend(t, api)

	if _, err := b.Create(context.Background(), provisioner.CreateRequest{ThreadID: "t"}); err == nil {
		t.Fatal("expected error")
	}
	if len(api.containers) != 0 {
		t.Errorf("leaked containers: %d", len(api.containers))
	}
}

func TestPauseResume(t *testing.T) {
	api := newFakeAPI()
	b := newBackend(t, api)
	ctx := context.Background()
	sb, _ := b.Create(ctx, provisioner.CreateRequest{ThreadID: "t"})

	if err := b.Pause(ctx, sb.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if api.containers[sb.ID].running {
		t.Error("container still running")
	}
	resumed, err := b.Resume(ctx, sb.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Access.URL != "http://127.0.0.1:40002" {
		t.Errorf("URL after resume = %s", resumed.Access.URL)
	}
	if resumed.Access.Token != "" {
		t.Error("backend should not invent a token on resume")
	}
}

func TestGoneMapsToErrSandboxGone(t *testing.T) {
	b := newBackend(t, newFakeAPI())
	ctx := context.Background()

	if err := b.Pause(ctx, "missing"); !errors.Is(err, provisioner.ErrSandboxGone) {
		t.Errorf("Pause err = %v", err)
	}
	if _, err := b.Resume(ctx, "missing"); !errors.Is(err, provisioner.ErrSandboxGone) {
		t.Errorf("Resume err = %v", err)
	}
	if err := b.Destroy(ctx, "missing"); err != nil {
		t.Errorf("Destroy of missing container = %v, want nil", err)
	}
}

func TestDestroy(t *testing.T) {
	api := newFakeAPI()
	b := newBackend(t, api)
	ctx := context.Background()
	sb, _ := b.Create(ctx, provisioner.CreateRequest{ThreadID: "t"})

	if err := b.Destroy(ctx, sb.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := api.containers[sb.ID]; ok {
		t.Error("container not removed")
	}
}
