package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"matchmaking-server/internal/broadcast"
	"matchmaking-server/internal/protocol"
)

// MaxPlayers bounds how many Players a single Room may hold. The protocol
// document leaves this as "some small bounded set"; we fix it here.
const MaxPlayers = 8

// MinPlayersToStart is the smallest roster room_start will accept, per the
// protocol document's own recommendation.
const MinPlayersToStart = 2

var (
	ErrNameConflict     = errors.New("name_conflict")
	ErrAlreadyPlaying   = errors.New("already_playing")
	ErrRoomFull         = errors.New("room_full")
	ErrNotHost          = errors.New("not_host")
	ErrNotEnoughPlayers = errors.New("not_enough_players")
	ErrNotMember        = errors.New("not_a_member")
	ErrInvalidAck       = errors.New("invalid_ack")
)

// JoinResult is the outcome of a successful Join.
type JoinResult struct {
	Players []protocol.PlayerObject
}

// AckResult reports whether the requester's own ack landed last, i.e.
// whether every member has now acknowledged event_room_start.
type AckResult struct {
	AllAcked bool
}

// Room is the per-room actor: a single goroutine owns every mutation of
// the roster, so within one Room, create/join/leave/start/ack are
// linearized by construction instead of by a lock. The Registry only ever
// reaches a Room through these exported methods, each of which is a
// request/reply round-trip over the Room's command channel.
type Room struct {
	code    string
	fabric  *broadcast.Fabric
	cmds    chan command
	stopped chan struct{}
}

type command struct {
	fn   func(*roomState)
	done chan struct{}
}

// roomState is private to the Room's own goroutine; nothing outside run()
// ever touches it.
type roomState struct {
	code       string
	players    []*Player // insertion order
	recipients map[string]broadcast.Recipient
	started    bool
	startEvtID string
	acked      map[string]bool
	fabric     *broadcast.Fabric
}

// NewRoom constructs and starts a Room actor with host as its sole,
// hosting member. The caller (the Registry) owns placing the Room in the
// code -> *Room directory.
func NewRoom(code string, fabric *broadcast.Fabric, host *Player, hostRecipient broadcast.Recipient) *Room {
	host.Host = true
	st := &roomState{
		code:       code,
		players:    []*Player{host},
		recipients: map[string]broadcast.Recipient{host.ID: hostRecipient},
		fabric:     fabric,
	}
	r := &Room{
		code:    code,
		fabric:  fabric,
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}
	go r.run(st)
	return r
}

func (r *Room) run(st *roomState) {
	defer close(r.stopped)
	for c := range r.cmds {
		c.fn(st)
		close(c.done)
	}
}

// call sends fn to the Room's goroutine and blocks until it has run.
func (r *Room) call(fn func(*roomState)) {
	done := make(chan struct{})
	r.cmds <- command{fn: fn, done: done}
	<-done
}

// Code returns the Room's invite code.
func (r *Room) Code() string { return r.code }

// Stop terminates the Room's goroutine. The Registry calls this once a
// Room has no members left.
func (r *Room) Stop() {
	close(r.cmds)
	<-r.stopped
}

// Join appends p to the roster if the Room will accept it, broadcasting
// event_player_joined to the existing members on success.
func (r *Room) Join(p *Player, recipient broadcast.Recipient) (JoinResult, error) {
	var res JoinResult
	var err error
	r.call(func(st *roomState) {
		if st.started {
			err = ErrAlreadyPlaying
			return
		}
		for _, existing := range st.players {
			if existing.Username == p.Username {
				err = ErrNameConflict
				return
			}
		}
		if len(st.players) >= MaxPlayers {
			err = ErrRoomFull
			return
		}

		existing := snapshotObjects(st.players)
		st.players = append(st.players, p)
		st.recipients[p.ID] = recipient

		evt := protocol.EventPlayerJoined{
			Type:   protocol.TypeEventPlayerJoined,
			ID:     mustID(),
			Player: p.Object(),
		}
		broadcastJSON(st, evt, p.ID)

		res.Players = append(existing, p.Object())
	})
	return res, err
}

// LeaveResult reports what happened to the roster and who, if anyone,
// became host as a result.
type LeaveResult struct {
	RoomEmpty bool
	NewHostID string
}

// Leave removes playerID from the roster. newHost is honored only if
// playerID is the current host and newHost names a remaining member;
// otherwise the earliest remaining member by insertion order is elected.
// If the Room becomes empty, LeaveResult.RoomEmpty is true and the
// Registry is responsible for tearing the Room down.
func (r *Room) Leave(playerID, newHost string) (LeaveResult, error) {
	var res LeaveResult
	var err error
	r.call(func(st *roomState) {
		idx := indexOf(st.players, playerID)
		if idx < 0 {
			err = ErrNotMember
			return
		}
		wasHost := st.players[idx].Host
		st.players = append(st.players[:idx], st.players[idx+1:]...)
		delete(st.recipients, playerID)
		delete(st.acked, playerID)

		if len(st.players) == 0 {
			res.RoomEmpty = true
			return
		}

		if wasHost {
			electHost(st, newHost)
			res.NewHostID = currentHostID(st.players)
		}

		if !st.started {
			evt := protocol.EventPlayerLeft{
				Type:   protocol.TypeEventPlayerLeft,
				ID:     mustID(),
				Player: playerID,
			}
			if broadcastJSON(st, evt, "") {
				res.RoomEmpty = true
			}
		}
	})
	return res, err
}

// Start marks the Room started and pushes event_room_start to every
// member, including the requester. It fails unless the requester is host
// and the roster meets MinPlayersToStart.
func (r *Room) Start(playerID string) error {
	var err error
	r.call(func(st *roomState) {
		idx := indexOf(st.players, playerID)
		if idx < 0 {
			err = ErrNotMember
			return
		}
		if !st.players[idx].Host {
			err = ErrNotHost
			return
		}
		if st.started {
			err = ErrAlreadyPlaying
			return
		}
		if len(st.players) < MinPlayersToStart {
			err = ErrNotEnoughPlayers
			return
		}

		st.started = true
		st.acked = make(map[string]bool, len(st.players))
		st.startEvtID = mustID()

		evt := protocol.EventRoomStart{Type: protocol.TypeEventRoomStart, ID: st.startEvtID}
		// broadcastJSON already removes any member the Fabric could not
		// reach; a Room emptied by this particular broadcast (every
		// member's queue full at once) is not reported further up, since
		// Start's contract is pass/fail on the start itself, not on
		// per-member delivery.
		broadcastJSON(st, evt, "")
	})
	return err
}

// Ack records that playerID has acknowledged the current event_room_start.
// responseID must match the id of that event. AllAcked is true once every
// current member has acked; the Session that receives it is the one that
// tipped the room over, but each member transitions to Relaying
// independently upon their own successful Ack.
func (r *Room) Ack(playerID, responseID string) (AckResult, error) {
	var res AckResult
	var err error
	r.call(func(st *roomState) {
		if !st.started || st.startEvtID == "" {
			err = ErrInvalidAck
			return
		}
		if indexOf(st.players, playerID) < 0 {
			err = ErrNotMember
			return
		}
		if responseID != st.startEvtID {
			err = ErrInvalidAck
			return
		}
		st.acked[playerID] = true
		res.AllAcked = len(st.acked) == len(st.players)
	})
	return res, err
}

// Relay forwards an opaque frame from sender to every other current
// member, unchanged, with no id assignment and no reply. Members the
// Fabric could not deliver to are removed from the roster (and, if the
// Room is still in the matchmaking phase, reported to the rest via
// event_player_left) per the best-effort delivery contract. emptied
// reports whether the roster is now empty; the caller is responsible for
// telling the Registry to tear the Room down when it is.
func (r *Room) Relay(senderID string, frame []byte) (dropped []string, emptied bool) {
	r.call(func(st *roomState) {
		recipients := make([]broadcast.Recipient, 0, len(st.recipients))
		for id, rec := range st.recipients {
			if id == senderID {
				continue
			}
			recipients = append(recipients, rec)
		}
		dropped = st.fabric.DeliverRelay(recipients, frame, "")
		emptied = dropDead(st, dropped)
	})
	return dropped, emptied
}

// Snapshot returns a point-in-time copy of the roster for inspection
// (property tests, diagnostics). It never mutates Room state.
func (r *Room) Snapshot() []protocol.PlayerObject {
	var out []protocol.PlayerObject
	r.call(func(st *roomState) {
		out = snapshotObjects(st.players)
	})
	return out
}

// Started reports whether the Room has begun relaying.
func (r *Room) Started() bool {
	var started bool
	r.call(func(st *roomState) { started = st.started })
	return started
}

func electHost(st *roomState, requestedNewHost string) {
	electedIdx := -1
	if requestedNewHost != "" {
		if idx := indexOf(st.players, requestedNewHost); idx >= 0 {
			electedIdx = idx
		}
	}
	if electedIdx < 0 {
		electedIdx = 0 // earliest remaining member by insertion order
	}
	st.players[electedIdx].Host = true
}

func currentHostID(players []*Player) string {
	for _, p := range players {
		if p.Host {
			return p.ID
		}
	}
	return ""
}

func indexOf(players []*Player, id string) int {
	for i, p := range players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func snapshotObjects(players []*Player) []protocol.PlayerObject {
	out := make([]protocol.PlayerObject, len(players))
	for i, p := range players {
		out[i] = p.Object()
	}
	return out
}

// broadcastJSON marshals evt and delivers it to every current recipient
// except skip, removing (via dropDead) any member the Fabric could not
// reach. It reports whether the roster is now empty as a result.
func broadcastJSON(st *roomState, evt any, skip string) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		return false
	}
	recipients := make([]broadcast.Recipient, 0, len(st.recipients))
	for _, rec := range st.recipients {
		recipients = append(recipients, rec)
	}
	dropped := st.fabric.DeliverEvent(recipients, data, skip)
	return dropDead(st, dropped)
}

// dropDead removes every id in ids from the roster, the same way an
// explicit Leave would: electing a new host if a dropped member was
// host, and, while the Room is still in the matchmaking phase,
// broadcasting event_player_left for each one. It reports whether the
// roster is now empty. Call sites run inside the Room's own goroutine,
// so this only ever mutates roomState directly — it never calls back
// into Room.call.
func dropDead(st *roomState, ids []string) bool {
	for _, id := range ids {
		idx := indexOf(st.players, id)
		if idx < 0 {
			continue
		}
		wasHost := st.players[idx].Host
		st.players = append(st.players[:idx], st.players[idx+1:]...)
		delete(st.recipients, id)
		delete(st.acked, id)

		if len(st.players) == 0 {
			return true
		}
		if wasHost {
			electHost(st, "")
		}
		if !st.started {
			evt := protocol.EventPlayerLeft{
				Type:   protocol.TypeEventPlayerLeft,
				ID:     mustID(),
				Player: id,
			}
			broadcastJSON(st, evt, "")
		}
	}
	return len(st.players) == 0
}

// idFallbackCounter backs mustID's fallback path; it is only ever
// touched when crypto/rand itself is failing.
var idFallbackCounter uint64

// mustID mints an id for internal broadcast correlation (event ids,
// event_room_start's id). A crypto/rand failure here is not expected on
// any real system; rather than hand out a fixed, collision-prone string
// mid-broadcast, it falls back to a counter-derived id that still holds
// the uniqueness contract within this process.
func mustID() string {
	id, err := protocol.GenerateID()
	if err == nil {
		return id
	}
	n := atomic.AddUint64(&idFallbackCounter, 1)
	return fmt.Sprintf("fallback-%d", n)
}
