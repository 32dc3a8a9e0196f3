package types

import "strings"

// RoomKind is the namespace prefix of a room id.
type RoomKind string

const (
	RoomKindSession RoomKind = "session"
	RoomKindMeeting RoomKind = "meeting"
	RoomKindUser    RoomKind = "user"
	RoomKindMentors RoomKind = "mentors"
)

// MentorsRoom receives approval requests and re-attempt notifications.
const MentorsRoom = "mentors"

// SessionRoom is the room a candidate streams into and observers join.
func SessionRoom(sessionID string) string { return string(RoomKindSession) + ":" + sessionID }

// MeetingRoom hosts a mentor-led peer meeting.
func MeetingRoom(meetingID string) string { return string(RoomKindMeeting) + ":" + meetingID }

// UserRoom is a per-user notification room.
func UserRoom(userID string) string { return string(RoomKindUser) + ":" + userID }

// ParseRoom splits a room id into its kind and the id it scopes.
func ParseRoom(roomID string) (RoomKind, string, error) {
	if roomID == MentorsRoom {
		return RoomKindMentors, "", nil
	}
	kind, id, ok := strings.Cut(roomID, ":")
	if !ok || !IsValidID(id) {
		return "", "", ErrInvalidRoomID
	}
	switch RoomKind(kind) {
	case RoomKindSession, RoomKindMeeting, RoomKindUser:
		return RoomKind(kind), id, nil
	}
	return "", "", ErrInvalidRoomID
}

// SessionIDFromRoom returns the session id for a session room, or "".
func SessionIDFromRoom(roomID string) string {
	kind, id, err := ParseRoom(roomID)
	if err != nil || kind != RoomKindSession {
		return ""
	}
	return id
}
