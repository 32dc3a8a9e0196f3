package router

import "proctorhub/pkg/types"

// eventRule says who may publish an event and into which kinds of room.
type eventRule struct {
	roles []types.Role
	rooms []types.RoomKind
	// open events may be published without joining the room first.
	open bool
}

var (
	anyRole      = []types.Role{types.RoleCandidate, types.RoleMentor}
	candidate    = []types.Role{types.RoleCandidate}
	mentor       = []types.Role{types.RoleMentor}
	sessionRooms = []types.RoomKind{types.RoomKindSession}
	callRooms    = []types.RoomKind{types.RoomKindMeeting, types.RoomKindSession}
)

var publishRules = map[types.EventType]eventRule{
	types.EventMentorRequest:    {roles: candidate, rooms: []types.RoomKind{types.RoomKindMentors}, open: true},
	types.EventMentorResponse:   {roles: mentor, rooms: sessionRooms, open: true},
	types.EventSessionState:     {roles: candidate, rooms: sessionRooms},
	types.EventViolationWarning: {roles: candidate, rooms: sessionRooms},
	types.EventVideoFrame:       {roles: candidate, rooms: sessionRooms},
	types.EventStreamEnded:      {roles: candidate, rooms: sessionRooms},
	types.EventTerminateSession: {roles: mentor, rooms: sessionRooms, open: true},
	types.EventFlagSession:      {roles: mentor, rooms: sessionRooms, open: true},
	types.EventOffer:            {roles: anyRole, rooms: callRooms},
	types.EventAnswer:           {roles: anyRole, rooms: callRooms},
	types.EventICECandidate:     {roles: anyRole, rooms: callRooms},
	types.EventMediaState:       {roles: anyRole, rooms: callRooms},
	types.EventChat:             {roles: anyRole, rooms: callRooms},
	// Re-attempt notifications originate from the REST surface only.
	types.EventNewReAttemptRequest: {},
	types.EventReAttemptResponse:   {},
}

// CanJoin decides whether userID with role may enter room. Mentors alone
// join the mentors room; user rooms are private to their owner.
func CanJoin(userID string, role types.Role, room string) error {
	kind, id, err := types.ParseRoom(room)
	if err != nil {
		return err
	}
	switch kind {
	case types.RoomKindMentors:
		if role != types.RoleMentor {
			return ErrForbiddenRoom
		}
	case types.RoomKindUser:
		if id != userID {
			return ErrForbiddenRoom
		}
	}
	return nil
}

// CanPublish decides whether role may relay env. System frames bypass it.
func CanPublish(role types.Role, env *types.Envelope) error {
	if role == types.RoleSystem {
		return nil
	}
	rule, ok := publishRules[env.Type]
	if !ok {
		return ErrEventNotPermitted
	}
	if !contains(rule.roles, role) {
		return ErrEventNotPermitted
	}
	kind, _, err := types.ParseRoom(env.Room)
	if err != nil {
		return err
	}
	if !contains(rule.rooms, kind) {
		return ErrWrongRoomKind
	}
	return nil
}

// RequiresMembership reports whether the sender must be in the room to
// publish t. Escalations and mentor control reach rooms the sender never joined.
func RequiresMembership(t types.EventType) bool {
	return !publishRules[t].open
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
