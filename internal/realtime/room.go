// ABOUTME: Broadcast room names derived from admin identity and notification scope
// ABOUTME: Rooms are admin:{id}, role:{role} or system and are never persisted

package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/store"
)

// ErrInvalidRoom is returned when a room name cannot be parsed.
var ErrInvalidRoom = errors.New("invalid room")

// Room is a named broadcast group.
type Room string

// SystemRoom receives system-wide broadcasts. Every authenticated connection joins it.
const SystemRoom Room = "system"

const (
	adminRoomPrefix = "admin:"
	roleRoomPrefix  = "role:"
)

// AdminRoom returns the room every connection of adminID joins.
func AdminRoom(adminID string) Room {
	return Room(adminRoomPrefix + adminID)
}

// RoleRoom returns the room for holders of role.
func RoleRoom(role string) Room {
	return Room(roleRoomPrefix + role)
}

// ParseRoom validates a room name received from a client.
func ParseRoom(s string) (Room, error) {
	switch {
	case s == string(SystemRoom):
		return SystemRoom, nil
	case strings.HasPrefix(s, adminRoomPrefix) && len(s) > len(adminRoomPrefix):
		return Room(s), nil
	case strings.HasPrefix(s, roleRoomPrefix) && len(s) > len(roleRoomPrefix):
		return Room(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
}

// IsRole reports whether r is a role room.
func (r Room) IsRole() bool {
	return strings.HasPrefix(string(r), roleRoomPrefix)
}

func (r Room) String() string {
	return string(r)
}

// RoomFor resolves the room a notification is delivered to.
func RoomFor(n *store.Notification) Room {
	switch {
	case n.TargetAdminID != "":
		return AdminRoom(n.TargetAdminID)
	case n.TargetRole != "":
		return RoleRoom(n.TargetRole)
	default:
		return SystemRoom
	}
}

// RoomsFor returns every room an identity is entitled to: its own admin
// room, one room per held role, and the system room.
func RoomsFor(id *auth.Identity) []Room {
	rooms := make([]Room, 0, len(id.Roles)+2)
	rooms = append(rooms, AdminRoom(id.AdminID))
	for _, role := range id.Roles {
		rooms = append(rooms, RoleRoom(role))
	}
	return append(rooms, SystemRoom)
}

// Entitled reports whether id may join room.
func Entitled(id *auth.Identity, room Room) bool {
	s := string(room)
	switch {
	case room == SystemRoom:
		return true
	case strings.HasPrefix(s, adminRoomPrefix):
		return strings.TrimPrefix(s, adminRoomPrefix) == id.AdminID
	case strings.HasPrefix(s, roleRoomPrefix):
		return id.HasRole(strings.TrimPrefix(s, roleRoomPrefix))
	default:
		return false
	}
}
