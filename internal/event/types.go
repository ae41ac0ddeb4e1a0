// Package event provides the pub-sub broadcaster that fans lock, session,
// and conflict state changes out to every interested session. Components
// publish without knowing who will receive, and subscribe without knowing
// who produced.
package event

import (
	"strings"
	"time"
)

// Event kinds carried on the broadcaster.
const (
	KindLockAcquired     = "lock_acquired"
	KindLockReleased     = "lock_released"
	KindSessionConnected = "session_connected"
	KindSessionExpired   = "session_expired"
	KindConflictDetected = "conflict_detected"
	KindConflictResolved = "conflict_resolved"
)

// Topic names. Lock events ride the owning project's topic; session
// lifecycle and conflict events have dedicated topics. There is no
// cross-topic ordering guarantee.
const (
	TopicSession   = "session"
	TopicConflicts = "conflicts"

	projectTopicPrefix = "project:"
)

// ProjectTopic returns the topic carrying lock events for a project.
func ProjectTopic(projectID string) string {
	return projectTopicPrefix + projectID
}

// IsProjectTopic reports whether topic is a per-project topic.
func IsProjectTopic(topic string) bool {
	return strings.HasPrefix(topic, projectTopicPrefix)
}

// ValidTopic reports whether topic is one the broadcaster serves.
func ValidTopic(topic string) bool {
	return topic == TopicSession || topic == TopicConflicts || IsProjectTopic(topic)
}

// Event is the interface all broadcast events implement.
type Event interface {
	// EventType returns the event kind, e.g. "lock_acquired".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// Topic returns the topic this event is delivered on.
	Topic() string
}

// remoteMarker is implemented by events that arrived from another node via
// the store relay. The relay skips re-mirroring them to avoid loops.
type remoteMarker interface {
	remote() bool
}

// IsRemote reports whether e was injected by the store relay rather than
// produced locally.
func IsRemote(e Event) bool {
	m, ok := e.(remoteMarker)
	return ok && m.remote()
}

// -----------------------------------------------------------------------------
// Lock Events
// -----------------------------------------------------------------------------

// LockAcquiredEvent is emitted when a session is granted a lock.
type LockAcquiredEvent struct {
	ResourceID string        `json:"resource_id"`
	LockType   string        `json:"lock_type"`
	SessionID  string        `json:"session_id"`
	ProjectID  string        `json:"project_id"`
	TTL        time.Duration `json:"ttl"`
	At         time.Time     `json:"at"`
	Remote     bool          `json:"-"`
}

// NewLockAcquiredEvent creates a LockAcquiredEvent.
func NewLockAcquiredEvent(resourceID, lockType, sessionID, projectID string, ttl time.Duration) LockAcquiredEvent {
	return LockAcquiredEvent{
		ResourceID: resourceID,
		LockType:   lockType,
		SessionID:  sessionID,
		ProjectID:  projectID,
		TTL:        ttl,
		At:         time.Now(),
	}
}

func (e LockAcquiredEvent) EventType() string    { return KindLockAcquired }
func (e LockAcquiredEvent) Timestamp() time.Time { return e.At }
func (e LockAcquiredEvent) Topic() string        { return ProjectTopic(e.ProjectID) }
func (e LockAcquiredEvent) remote() bool         { return e.Remote }

// LockReleasedEvent is emitted when a lock is released, explicitly or by
// TTL expiry of a dead holder. Waiting acquirers key their wakeup on it.
type LockReleasedEvent struct {
	ResourceID string    `json:"resource_id"`
	LockType   string    `json:"lock_type"`
	SessionID  string    `json:"session_id"`
	ProjectID  string    `json:"project_id"`
	Expired    bool      `json:"expired"`
	At         time.Time `json:"at"`
	Remote     bool      `json:"-"`
}

// NewLockReleasedEvent creates a LockReleasedEvent. expired marks implicit
// release by TTL rather than an explicit call.
func NewLockReleasedEvent(resourceID, lockType, sessionID, projectID string, expired bool) LockReleasedEvent {
	return LockReleasedEvent{
		ResourceID: resourceID,
		LockType:   lockType,
		SessionID:  sessionID,
		ProjectID:  projectID,
		Expired:    expired,
		At:         time.Now(),
	}
}

func (e LockReleasedEvent) EventType() string    { return KindLockReleased }
func (e LockReleasedEvent) Timestamp() time.Time { return e.At }
func (e LockReleasedEvent) Topic() string        { return ProjectTopic(e.ProjectID) }
func (e LockReleasedEvent) remote() bool         { return e.Remote }

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionConnectedEvent is emitted when a session registers.
type SessionConnectedEvent struct {
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	Role      string    `json:"role"`
	At        time.Time `json:"at"`
	Remote    bool      `json:"-"`
}

// NewSessionConnectedEvent creates a SessionConnectedEvent.
func NewSessionConnectedEvent(sessionID, projectID, role string) SessionConnectedEvent {
	return SessionConnectedEvent{
		SessionID: sessionID,
		ProjectID: projectID,
		Role:      role,
		At:        time.Now(),
	}
}

func (e SessionConnectedEvent) EventType() string    { return KindSessionConnected }
func (e SessionConnectedEvent) Timestamp() time.Time { return e.At }
func (e SessionConnectedEvent) Topic() string        { return TopicSession }
func (e SessionConnectedEvent) remote() bool         { return e.Remote }

// SessionExpiredEvent is emitted when a session is cleaned up, either by
// explicit deregistration or by the sweeper after missed heartbeats.
type SessionExpiredEvent struct {
	SessionID     string    `json:"session_id"`
	ProjectID     string    `json:"project_id"`
	Reason        string    `json:"reason"` // "deregistered" or "expired"
	ReleasedLocks []string  `json:"released_locks,omitempty"`
	At            time.Time `json:"at"`
	Remote        bool      `json:"-"`
}

// NewSessionExpiredEvent creates a SessionExpiredEvent.
func NewSessionExpiredEvent(sessionID, projectID, reason string, releasedLocks []string) SessionExpiredEvent {
	return SessionExpiredEvent{
		SessionID:     sessionID,
		ProjectID:     projectID,
		Reason:        reason,
		ReleasedLocks: releasedLocks,
		At:            time.Now(),
	}
}

func (e SessionExpiredEvent) EventType() string    { return KindSessionExpired }
func (e SessionExpiredEvent) Timestamp() time.Time { return e.At }
func (e SessionExpiredEvent) Topic() string        { return TopicSession }
func (e SessionExpiredEvent) remote() bool         { return e.Remote }

// -----------------------------------------------------------------------------
// Conflict Events
// -----------------------------------------------------------------------------

// ConflictDetectedEvent is emitted when two sessions' intents overlap.
type ConflictDetectedEvent struct {
	ConflictID   string    `json:"conflict_id"`
	ConflictType string    `json:"conflict_type"`
	Resource     string    `json:"resource"`
	SessionIDs   []string  `json:"session_ids"`
	At           time.Time `json:"at"`
	Remote       bool      `json:"-"`
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(conflictID, conflictType, resource string, sessionIDs []string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		ConflictID:   conflictID,
		ConflictType: conflictType,
		Resource:     resource,
		SessionIDs:   sessionIDs,
		At:           time.Now(),
	}
}

func (e ConflictDetectedEvent) EventType() string    { return KindConflictDetected }
func (e ConflictDetectedEvent) Timestamp() time.Time { return e.At }
func (e ConflictDetectedEvent) Topic() string        { return TopicConflicts }
func (e ConflictDetectedEvent) remote() bool         { return e.Remote }

// ConflictResolvedEvent is emitted when a conflict record closes, whether
// auto-resolved, manually resolved, or escalated.
type ConflictResolvedEvent struct {
	ConflictID string    `json:"conflict_id"`
	Resource   string    `json:"resource"`
	Outcome    string    `json:"outcome"` // "resolved" or "escalated"
	Strategy   string    `json:"strategy,omitempty"`
	At         time.Time `json:"at"`
	Remote     bool      `json:"-"`
}

// NewConflictResolvedEvent creates a ConflictResolvedEvent.
func NewConflictResolvedEvent(conflictID, resource, outcome, strategy string) ConflictResolvedEvent {
	return ConflictResolvedEvent{
		ConflictID: conflictID,
		Resource:   resource,
		Outcome:    outcome,
		Strategy:   strategy,
		At:         time.Now(),
	}
}

func (e ConflictResolvedEvent) EventType() string    { return KindConflictResolved }
func (e ConflictResolvedEvent) Timestamp() time.Time { return e.At }
func (e ConflictResolvedEvent) Topic() string        { return TopicConflicts }
func (e ConflictResolvedEvent) remote() bool         { return e.Remote }
