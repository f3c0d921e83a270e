// Package registry tracks who is connected. ClientRegistry is the
// per-instance view of live connections and their media resources;
// UserSocketRegistry is the cross-instance user→socket mapping in Redis.
package registry

import (
	"sync"

	"github.com/flylive/msab/internal/v1/protocol"
)

// Client is the registry's record of one connection. Values returned by the
// registry are copies; all mutation goes through registry methods so the
// room index can never drift.
type Client struct {
	ConnectionID string
	User         protocol.User
	RoomID       string
	IsSpeaker    bool

	// At most one of each; a second create of the same kind is refused
	// upstream with the transport limit error.
	SendTransportID string
	RecvTransportID string

	ProducerID  string
	ConsumerIDs []string
}

// TransportCount reports how many transports the client owns.
func (c *Client) TransportCount() int {
	n := 0
	if c.SendTransportID != "" {
		n++
	}
	if c.RecvTransportID != "" {
		n++
	}
	return n
}

// clone deep-copies a record so callers cannot mutate registry state.
func (c *Client) clone() *Client {
	out := *c
	out.ConsumerIDs = append([]string(nil), c.ConsumerIDs...)
	return &out
}

// ClientRegistry indexes connections by id and by room. In-room listings
// are O(room size) through the secondary index.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byRoom  map[string]map[string]struct{}
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		byRoom:  make(map[string]map[string]struct{}),
	}
}

// Add registers a freshly authenticated connection.
func (r *ClientRegistry) Add(connectionID string, user protocol.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[connectionID] = &Client{ConnectionID: connectionID, User: user}
}

// Remove drops a connection and its room index entry.
func (r *ClientRegistry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connectionID)
}

func (r *ClientRegistry) removeLocked(connectionID string) {
	client, ok := r.clients[connectionID]
	if !ok {
		return
	}
	if client.RoomID != "" {
		r.unindexLocked(client.RoomID, connectionID)
	}
	delete(r.clients, connectionID)
}

func (r *ClientRegistry) unindexLocked(roomID, connectionID string) {
	if members, ok := r.byRoom[roomID]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(r.byRoom, roomID)
		}
	}
}

// Get returns a copy of the client record.
func (r *ClientRegistry) Get(connectionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[connectionID]
	if !ok {
		return nil, false
	}
	return client.clone(), true
}

// SetRoom moves a connection into a room (or out of any, with "").
func (r *ClientRegistry) SetRoom(connectionID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[connectionID]
	if !ok {
		return false
	}
	if client.RoomID != "" {
		r.unindexLocked(client.RoomID, connectionID)
	}
	client.RoomID = roomID
	if roomID != "" {
		members, ok := r.byRoom[roomID]
		if !ok {
			members = make(map[string]struct{})
			r.byRoom[roomID] = members
		}
		members[connectionID] = struct{}{}
	}
	return true
}

// Update applies fn to the live record under the registry lock. The room
// field must not be touched there; SetRoom keeps the index consistent.
func (r *ClientRegistry) Update(connectionID string, fn func(*Client)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[connectionID]
	if !ok {
		return false
	}
	roomBefore := client.RoomID
	fn(client)
	client.RoomID = roomBefore
	return true
}

// ResetMedia clears the media resources recorded on a connection. Used on
// room leave, so a re-join starts from a clean transport budget.
func (r *ClientRegistry) ResetMedia(connectionID string) {
	r.Update(connectionID, func(c *Client) {
		c.IsSpeaker = false
		c.SendTransportID = ""
		c.RecvTransportID = ""
		c.ProducerID = ""
		c.ConsumerIDs = nil
	})
}

// InRoom returns copies of every client in the room.
func (r *ClientRegistry) InRoom(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.byRoom[roomID]
	out := make([]*Client, 0, len(members))
	for connectionID := range members {
		if client, ok := r.clients[connectionID]; ok {
			out = append(out, client.clone())
		}
	}
	return out
}

// SnapshotRoom returns the room's clients, pruning records whose socket is
// no longer alive according to the probe. Join acks are built from this so
// they never list ghosts left behind by dirty disconnects.
func (r *ClientRegistry) SnapshotRoom(roomID string, alive func(connectionID string) bool) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.byRoom[roomID]
	out := make([]*Client, 0, len(members))
	var stale []string
	for connectionID := range members {
		client, ok := r.clients[connectionID]
		if !ok {
			continue
		}
		if alive != nil && !alive(connectionID) {
			stale = append(stale, connectionID)
			continue
		}
		out = append(out, client.clone())
	}
	for _, connectionID := range stale {
		r.removeLocked(connectionID)
	}
	return out
}

// Count reports the number of registered connections.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// RoomSize reports how many connections the room index holds.
func (r *ClientRegistry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}
