package lock

import (
	"fmt"
	"time"

	"github.com/positivef/udo-coordination/internal/errors"
)

// Type is the namespace distinguishing what kind of resource a lock
// protects. The exclusive type locks out every other type on the same
// resource id.
type Type string

const (
	TypeFile      Type = "file"
	TypeBranch    Type = "branch"
	TypeProject   Type = "project"
	TypeDatabase  Type = "database"
	TypeExclusive Type = "exclusive"
)

// ParseType validates a lock type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFile, TypeBranch, TypeProject, TypeDatabase, TypeExclusive:
		return Type(s), nil
	default:
		return "", fmt.Errorf("%w: unknown lock type %q", errors.ErrInvalidInput, s)
	}
}

// ValidTypes returns every recognized lock type string.
func ValidTypes() []string {
	return []string{
		string(TypeFile), string(TypeBranch), string(TypeProject),
		string(TypeDatabase), string(TypeExclusive),
	}
}

// Grant describes a held lock from the holder's point of view.
type Grant struct {
	ResourceID string        `json:"resource_id"`
	Type       Type          `json:"lock_type"`
	SessionID  string        `json:"session_id"`
	ProjectID  string        `json:"project_id,omitempty"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
	Renewals   int           `json:"renewals"`
}

// ID returns the lock identity string "resource/type" used in session
// held-lock sets.
func (g *Grant) ID() string {
	return g.ResourceID + "/" + string(g.Type)
}

// Request describes a lock acquisition.
type Request struct {
	ResourceID string
	Type       Type
	SessionID  string
	// ProjectID routes the resulting events onto the owning project's
	// topic.
	ProjectID string
	// TTL is the lock's lifetime; the holder renews while working.
	// Must be positive.
	TTL time.Duration
	// Wait parks the caller until the lock frees or WaitTimeout elapses.
	// Without it, contention fails fast with a Busy error naming the
	// holder.
	Wait bool
	// WaitTimeout bounds a waiting acquisition. Zero means DefaultWaitTimeout.
	WaitTimeout time.Duration
}

func (r *Request) validate() error {
	if r.ResourceID == "" {
		return fmt.Errorf("%w: resource id is required", errors.ErrInvalidInput)
	}
	if r.SessionID == "" {
		return fmt.Errorf("%w: session id is required", errors.ErrInvalidInput)
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	if r.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", errors.ErrInvalidInput)
	}
	return nil
}

// Contention describes a collision between a requester and a holder. The
// manager hands these to the conflict engine rather than deciding policy
// itself.
type Contention struct {
	ResourceID  string
	Type        Type
	ProjectID   string
	HolderID    string
	RequesterID string
	// HolderExpired marks implicit release: the previous holder's TTL
	// lapsed while the requester was waiting.
	HolderExpired bool
}

// ContentionReporter receives contention reports. Implemented by the
// conflict engine.
type ContentionReporter interface {
	ReportContention(c Contention)
}
