// Package realtime is the live notification layer between admin browsers and
// the gateway.
//
// # Overview
//
// Each browser tab holds one websocket. The Server upgrades it, the Registry
// tracks it, the Handshake binds it to an admin, and the Dispatcher pushes
// notifications to it. Persistence always happens first: a push is a
// best-effort shortcut, and a client that missed one recovers through the
// notifications list endpoint.
//
// # Connections
//
// A Conn moves through three states:
//
//	pending-auth -> active -> closed
//
// Registration arms an authentication timer (close 4408 if it fires while
// still pending) and starts one writer goroutine per connection. Enqueue
// never blocks; a full send buffer drops the frame and counts it.
//
// # Rooms
//
// Rooms are derived, never stored:
//
//   - admin:{id}   every connection of one admin
//   - role:{role}  every connection whose admin holds the role
//   - system       every authenticated connection
//
// The handshake joins all three kinds. Clients may join or leave rooms they
// are entitled to with join_room and leave_room.
//
// # Locking
//
// The registry has no global lock held across fan-out. Each connection and
// each room has its own mutex; the connection, admin and room maps are only
// locked for lookup and insert. Locks are taken connection first, then room
// or admin index. Unregister removes a connection from every room before it
// returns, so MembersOf never hands out a closed connection.
//
// # Unread Counts
//
// UnreadSync recomputes an admin's unread count from the store after every
// publish that reached them and every read-state change, and pushes both
// unread_count_update and notification_count_update to all of that admin's
// connections when the value changed. Marking an already read notification
// changes nothing and pushes nothing.
//
// # Relay
//
// Several gateway processes sharing one database can exchange frames through
// a Relay. RedisRelay uses a Redis pub/sub channel with msgpack payloads.
// Notifications, system updates, read-state changes and session revocations
// are relayed; presence is not.
package realtime
