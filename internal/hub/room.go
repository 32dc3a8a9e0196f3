package hub

import (
	"sort"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

type member struct {
	conn interfaces.Connection
	role types.Role
}

// room is owned by the run goroutine; readers take Hub.mu.
type room struct {
	id      string
	members map[string]member
}

func newRoom(id string) *room {
	return &room{id: id, members: make(map[string]member)}
}

func (r *room) has(userID string) bool {
	_, ok := r.members[userID]
	return ok
}

// RoomInfo is a point-in-time view of one room.
type RoomInfo struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

func (r *room) info() RoomInfo {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return RoomInfo{ID: r.id, Members: ids}
}
