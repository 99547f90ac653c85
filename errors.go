package threadbox

import (
	"errors"
	"fmt"
	"strings"
)

// ErrHTTP is a failure reported by a sandbox execution server.
// Status 0 means the server could not be reached at all.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("http unreachable: %s", e.Body)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// SandboxDeadError reports that a prompt failed because the thread's sandbox
// is gone. Callers should re-resolve the agent rather than retry the send.
type SandboxDeadError struct {
	ThreadID  string
	SandboxID string
	Cause     error
}

func (e *SandboxDeadError) Error() string {
	return fmt.Sprintf("sandbox %s for thread %s is dead: %v", e.SandboxID, e.ThreadID, e.Cause)
}

func (e *SandboxDeadError) Unwrap() error { return e.Cause }

// DatabaseError wraps any ledger or session store failure.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// DBError wraps err as a DatabaseError for op. Returns nil for a nil err.
func DBError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DatabaseError
	if errors.As(err, &de) {
		return err
	}
	return &DatabaseError{Op: op, Err: err}
}

// IsSandboxDead reports whether err is a SandboxDeadError.
func IsSandboxDead(err error) bool {
	var e *SandboxDeadError
	return errors.As(err, &e)
}

// IsDatabaseError reports whether err is a DatabaseError.
func IsDatabaseError(err error) bool {
	var e *DatabaseError
	return errors.As(err, &e)
}

// deadBodyMarkers are lower-cased fragments an execution server or its
// hosting proxy returns when the sandbox behind it no longer exists.
var deadBodyMarkers = []string{
	"sandbox not found",
	"sandbox is not running",
	"sandbox not started",
	"sandbox has been stopped",
	"no such container",
	"container is not running",
}

// IsDeadFailure classifies a client failure. Status 404, 0 and >= 500 mean the
// sandbox is gone, as does a body naming a missing or stopped sandbox.
// Anything that is not an ErrHTTP is benign.
func IsDeadFailure(err error) bool {
	var e *ErrHTTP
	if !errors.As(err, &e) {
		return false
	}
	if e.Status == 0 || e.Status == 404 || e.Status >= 500 {
		return true
	}
	body := strings.ToLower(e.Body)
	for _, m := range deadBodyMarkers {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// StatusOf extracts the HTTP status code from an ErrHTTP, or -1.
func StatusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return -1
}
