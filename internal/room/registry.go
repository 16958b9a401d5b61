package room

import (
	"errors"
	"sync"

	"matchmaking-server/internal/broadcast"
)

var (
	ErrRoomNotFound = errors.New("room_not_found")
)

// Registry is the process-wide directory of live Rooms. It is the only
// thing that may create or destroy a Room, and the only thing that maps
// an invite code to a Room. It does not otherwise touch Room state — once
// a caller has a *Room, further mutation goes through that Room's own
// actor methods, not back through the Registry.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	issued map[string]bool // every code ever allocated, so codes are never reused within a process
	fabric *broadcast.Fabric
}

// NewRegistry constructs an empty Registry sharing a single Broadcast
// Fabric across every Room it creates.
func NewRegistry(fabric *broadcast.Fabric) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		issued: make(map[string]bool),
		fabric: fabric,
	}
}

// CreateRoom allocates a fresh invite code and a new Room with host as
// its sole member and host.
func (reg *Registry) CreateRoom(host *Player, hostRecipient broadcast.Recipient) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	code, err := GenerateCode(reg.issued)
	if err != nil {
		return nil, err
	}
	reg.issued[code] = true

	r := NewRoom(code, reg.fabric, host, hostRecipient)
	reg.rooms[code] = r
	return r, nil
}

// Lookup returns the live Room for code, normalized to the registry's
// stored case.
func (reg *Registry) Lookup(code string) (*Room, error) {
	code = NormalizeCode(code)
	reg.mu.Lock()
	r, ok := reg.rooms[code]
	reg.mu.Unlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// RemoveIfEmpty drops code from the directory and stops its Room actor.
// It is a no-op if code is not present, so callers can call it
// unconditionally after any Leave that reports RoomEmpty.
func (reg *Registry) RemoveIfEmpty(code string) {
	reg.mu.Lock()
	r, ok := reg.rooms[code]
	if ok {
		delete(reg.rooms, code)
	}
	reg.mu.Unlock()
	if ok {
		r.Stop()
	}
}

// Count reports the number of live rooms, for diagnostics and tests.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
