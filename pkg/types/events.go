package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names every frame that crosses the hub. Components dispatch on
// this type through a table instead of string literals.
type EventType string

const (
	EventJoinRoom  EventType = "join-room"
	EventLeaveRoom EventType = "leave-room"
	EventJoined    EventType = "joined"
	EventLeft      EventType = "left"
	EventRoomError EventType = "room-error"

	EventMentorRequest    EventType = "mentor-request"
	EventMentorResponse   EventType = "mentor-response"
	EventSessionState     EventType = "session-state"
	EventViolationWarning EventType = "violation-warning"

	EventVideoFrame       EventType = "video-frame"
	EventStreamEnded      EventType = "stream-ended"
	EventTerminateSession EventType = "terminate-session"
	EventFlagSession      EventType = "flag-session"

	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"
	EventMediaState   EventType = "media-state"
	EventChat         EventType = "chat"

	EventNewReAttemptRequest EventType = "new-reattempt-request"
	EventReAttemptResponse   EventType = "reattempt-response"
)

var knownEvents = map[EventType]struct{}{
	EventJoinRoom: {}, EventLeaveRoom: {}, EventJoined: {}, EventLeft: {}, EventRoomError: {},
	EventMentorRequest: {}, EventMentorResponse: {}, EventSessionState: {}, EventViolationWarning: {},
	EventVideoFrame: {}, EventStreamEnded: {}, EventTerminateSession: {}, EventFlagSession: {},
	EventOffer: {}, EventAnswer: {}, EventICECandidate: {}, EventMediaState: {}, EventChat: {},
	EventNewReAttemptRequest: {}, EventReAttemptResponse: {},
}

// IsKnown reports whether t is part of the protocol.
func (t EventType) IsKnown() bool {
	_, ok := knownEvents[t]
	return ok
}

// IsMembership reports whether t changes room membership rather than being relayed.
func (t EventType) IsMembership() bool {
	return t == EventJoinRoom || t == EventLeaveRoom
}

// IsHubOriginated reports whether only the hub may emit t.
func (t EventType) IsHubOriginated() bool {
	return t == EventJoined || t == EventLeft || t == EventRoomError
}

// Envelope is the single wire frame. The hub reads Type, Room and Target;
// Payload is opaque to it.
type Envelope struct {
	Type      EventType       `json:"type"`
	Room      string          `json:"room,omitempty"`
	Target    string          `json:"target,omitempty"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into a fresh envelope addressed to room.
func NewEnvelope(t EventType, room string, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, Room: room, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// To returns a copy of the envelope directed at a single member.
func (e *Envelope) To(target string) *Envelope {
	cp := *e
	cp.Target = target
	return &cp
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}
	return nil
}

// RoomPayload accompanies joined and left.
type RoomPayload struct {
	RoomID   string `json:"roomId"`
	MemberID string `json:"memberId"`
	Role     Role   `json:"role,omitempty"`
}

// RoomErrorPayload is returned to a sender whose frame was refused.
type RoomErrorPayload struct {
	Event EventType `json:"event"`
	Error string    `json:"error"`
}

// MentorRequestPayload asks the mentors room to unblock a session.
type MentorRequestPayload struct {
	RequestID      string `json:"requestId"`
	SessionID      string `json:"sessionId"`
	CandidateID    string `json:"candidateId"`
	ExamID         string `json:"examId,omitempty"`
	Reason         string `json:"reason"`
	ViolationCount int    `json:"violationCount"`
	RiskScore      int    `json:"riskScore"`
	Escalated      bool   `json:"escalated,omitempty"`
}

// MentorResponsePayload resolves a block. RequestID ties the answer to one block.
type MentorResponsePayload struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
}

// SessionStatePayload mirrors a candidate session to observers and the server.
type SessionStatePayload struct {
	SessionID      string       `json:"sessionId"`
	CandidateID    string       `json:"candidateId"`
	ExamID         string       `json:"examId,omitempty"`
	State          SessionState `json:"state"`
	RiskScore      int          `json:"riskScore"`
	ViolationCount int          `json:"violationCount"`
	Reason         string       `json:"reason,omitempty"`
}

// ViolationWarningPayload is emitted when a session enters Warned.
type ViolationWarningPayload struct {
	SessionID string    `json:"sessionId"`
	Violation Violation `json:"violation"`
	Remaining int       `json:"remaining"`
}

// VideoFramePayload carries one encoded still image.
type VideoFramePayload struct {
	SessionID string    `json:"sessionId"`
	FrameData string    `json:"frameData"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// StreamEndedPayload tells observers to clear their view.
type StreamEndedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ControlPayload is the body of terminate-session and flag-session.
type ControlPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SDPPayload is the body of offer and answer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload is the body of ice-candidate.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// MediaStatePayload advertises a participant's track flags.
type MediaStatePayload struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// ChatPayload is free text relayed within a room.
type ChatPayload struct {
	Text string `json:"text"`
}

// ReAttemptPayload notifies mentors of a new request or a student of its review.
type ReAttemptPayload struct {
	RequestID string       `json:"requestId"`
	StudentID string       `json:"studentId"`
	ExamID    string       `json:"examId"`
	Status    ReviewStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Comment   string       `json:"comment,omitempty"`
}
