package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nevindra/threadbox"
)

var errUnknownSession = errors.New("session not found")

// session is one conversation's workspace. mu serializes prompts so the agent
// never sees two turns of the same conversation at once.
type session struct {
	id  string
	dir string
	mu  sync.Mutex
}

// sessionManager creates and looks up sessions. Sessions live as long as the
// container; pausing the container keeps their workspaces on disk.
type sessionManager struct {
	root     string
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager(root string) *sessionManager {
	return &sessionManager{root: root, sessions: make(map[string]*session)}
}

func (m *sessionManager) create() (*session, error) {
	id := threadbox.NewID()
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace %q: %w", dir, err)
	}
	s := &session{id: id, dir: dir}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// get returns a session by ID. A workspace left on disk by an earlier run of
// the server (the container was stopped and started) is adopted.
func (m *sessionManager) get(id string) (*session, error) {
	safe := filepath.Base(id)
	if safe != id || safe == "." || safe == "" {
		return nil, errUnknownSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	dir := filepath.Join(m.root, id)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, errUnknownSession
	}
	s := &session{id: id, dir: dir}
	m.sessions[id] = s
	return s, nil
}
