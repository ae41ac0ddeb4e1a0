package session

import (
	"encoding/json"
	"time"
)

// Role is a session's coordination role within its project.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// State tracks a session through its lifecycle. Transitions:
// Connecting -> Active -> (HeartbeatMissed -> Active | Expired) -> Terminated.
type State string

const (
	StateConnecting      State = "CONNECTING"
	StateActive          State = "ACTIVE"
	StateHeartbeatMissed State = "HEARTBEAT_MISSED"
	StateExpired         State = "EXPIRED"
	StateTerminated      State = "TERMINATED"
)

// Session is the registry record stored at session:{id}.
type Session struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	Role          Role              `json:"role"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// HeldLocks lists the lock identities this session currently holds.
	// The lock keys themselves are authoritative; the registry fills
	// this at read time and never persists it, so it cannot drift.
	HeldLocks []string `json:"held_locks,omitempty"`
}

func (s *Session) encode() (string, error) {
	c := *s
	c.HeldLocks = nil
	data, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSession(value string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
