// Package realtime terminates persistent deck-editing connections and
// relays presence, cursor, canvas, and comment events between peers in the
// same deck room.
package realtime

import "sync"

// Presence binds a live connection to its display identity. Presence is
// process-memory only; a restart loses it and clients re-join.
type Presence struct {
	ConnID      string `json:"connId"`
	PrincipalID string `json:"principalId"`
	Name        string `json:"name"`
}

// Registry tracks which connections are present in which deck room. A
// coarse lock serialises all membership changes; rooms hold at most a few
// dozen connections so contention is not a concern.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]Presence
	conns map[string]string // connID -> roomID
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]Presence),
		conns: make(map[string]string),
	}
}

// Join registers a connection under a room.
func (r *Registry) Join(roomID, connID string, p Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]Presence)
		r.rooms[roomID] = room
	}
	room[connID] = p
	r.conns[connID] = roomID
}

// Leave removes a connection from whatever room it was in. When the room
// becomes empty its entry is deleted so no orphaned rooms accumulate.
func (r *Registry) Leave(connID string) (roomID string, p Presence, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok = r.conns[connID]
	if !ok {
		return "", Presence{}, false
	}
	delete(r.conns, connID)

	room := r.rooms[roomID]
	p = room[connID]
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	return roomID, p, true
}

// Peers returns the presences in a room other than the excluded connection.
func (r *Registry) Peers(roomID, excludeConnID string) []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]Presence, 0)
	for connID, p := range r.rooms[roomID] {
		if connID == excludeConnID {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// RoomCount reports how many rooms currently hold at least one connection.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
