package event

import (
	"encoding/json"
	"fmt"

	"github.com/positivef/udo-coordination/internal/errors"
)

// Envelope is the wire form of an event as carried through the shared
// state store's pub/sub channel and over the notification interface.
type Envelope struct {
	Kind   string          `json:"kind"`
	Topic  string          `json:"topic"`
	Origin string          `json:"origin,omitempty"` // node id that published the event
	Data   json.RawMessage `json:"data"`
}

// Encode wraps an event in an Envelope and marshals it to JSON.
func Encode(e Event, origin string) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.EventType(), err)
	}
	return json.Marshal(Envelope{
		Kind:   e.EventType(),
		Topic:  e.Topic(),
		Origin: origin,
		Data:   data,
	})
}

// Decode unmarshals an Envelope payload back into its concrete event type.
// The returned event is NOT marked remote; DecodeRemote handles that.
func Decode(payload []byte) (Event, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}

	e, err := decodeKind(env.Kind, env.Data)
	if err != nil {
		return nil, nil, err
	}
	return e, &env, nil
}

// DecodeRemote unmarshals an Envelope payload and marks the event as
// having arrived from another node.
func DecodeRemote(payload []byte) (Event, *Envelope, error) {
	e, env, err := Decode(payload)
	if err != nil {
		return nil, nil, err
	}
	return markRemote(e), env, nil
}

func decodeKind(kind string, data json.RawMessage) (Event, error) {
	switch kind {
	case KindLockAcquired:
		var e LockAcquiredEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindLockReleased:
		var e LockReleasedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindSessionConnected:
		var e SessionConnectedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindSessionExpired:
		var e SessionExpiredEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindConflictDetected:
		var e ConflictDetectedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindConflictResolved:
		var e ConflictResolvedEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", errors.ErrInvalidInput, kind)
	}
}

func markRemote(e Event) Event {
	switch ev := e.(type) {
	case LockAcquiredEvent:
		ev.Remote = true
		return ev
	case LockReleasedEvent:
		ev.Remote = true
		return ev
	case SessionConnectedEvent:
		ev.Remote = true
		return ev
	case SessionExpiredEvent:
		ev.Remote = true
		return ev
	case ConflictDetectedEvent:
		ev.Remote = true
		return ev
	case ConflictResolvedEvent:
		ev.Remote = true
		return ev
	default:
		return e
	}
}
