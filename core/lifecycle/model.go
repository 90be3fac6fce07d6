// Package lifecycle owns runtime instances: the STOPPED/RUNNING/PAUSED
// state machine, per-instance transition serialization, and the binding
// between an instance and its live sandbox handles.
package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is an instance's lifecycle state. There is no terminal state;
// instances cycle until deleted.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

var (
	// ErrIllegalTransition marks a transition the state machine forbids,
	// e.g. pause on a stopped instance.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
	// ErrNotFound is returned when no instance exists under the id.
	ErrNotFound = errors.New("instance not found")
)

// MissingSecretsError blocks a start before any sandbox work begins.
// Keys holds every missing name so the caller can fix them all at once.
type MissingSecretsError struct {
	Keys []string
}

func (e *MissingSecretsError) Error() string {
	keys := append([]string(nil), e.Keys...)
	sort.Strings(keys)
	return fmt.Sprintf("missing required secrets: %s", strings.Join(keys, ", "))
}

// Instance is the persisted runtime record for one pack execution
// context. State is mutated only through the manager's transitions.
type Instance struct {
	ID             string     `json:"id"`
	PackID         string     `json:"pack_id"`
	Name           string     `json:"name"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	LastExitCode   *int       `json:"last_exit_code,omitempty"`
	LastExitReason string     `json:"last_exit_reason,omitempty"`
}
