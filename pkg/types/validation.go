package types

import "regexp"

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

const (
	// MaxFramePayloadBytes bounds a single video-frame envelope payload.
	MaxFramePayloadBytes = 1 << 20
	// MaxPayloadBytes bounds every other payload.
	MaxPayloadBytes = 64 << 10
)

// IsValidID checks user, session, exam and meeting identifiers.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// ParseRole validates a role string supplied at connect time.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCandidate, RoleMentor:
		return Role(s), nil
	}
	return "", ErrInvalidRole
}

// Validate checks an inbound client envelope. Membership events carry the
// room to join or leave; everything else is relayed into Room.
func (e *Envelope) Validate() error {
	if !e.Type.IsKnown() {
		return ErrInvalidEventType
	}
	if e.Type.IsHubOriginated() {
		return ErrReservedEventType
	}
	if e.Room == "" {
		return ErrMissingRoom
	}
	if _, _, err := ParseRoom(e.Room); err != nil {
		return err
	}
	if e.Target != "" && !IsValidID(e.Target) {
		return ErrInvalidUserID
	}
	limit := MaxPayloadBytes
	if e.Type == EventVideoFrame {
		limit = MaxFramePayloadBytes
	}
	if len(e.Payload) > limit {
		return ErrPayloadTooLarge
	}
	return nil
}

// Validate checks a violation before it is stored.
func (v *Violation) Validate() error {
	if !IsValidID(v.SessionID) {
		return ErrInvalidSessionID
	}
	if !v.Type.Valid() {
		return ErrInvalidViolation
	}
	return nil
}
