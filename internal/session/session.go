// Package session implements the per-connection Session: the phase state
// machine that turns raw inbound frames into Room/Registry operations
// during matchmaking, and turns into a transparent byte pipe once a Room
// it belongs to has started.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"matchmaking-server/internal/protocol"
	"matchmaking-server/internal/room"
)

// Phase is the Session's position in the Handshake -> Authenticated ->
// InRoom -> Relaying -> Closed state machine.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseAuthenticated
	PhaseInRoom
	PhaseRelaying
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseInRoom:
		return "in_room"
	case PhaseRelaying:
		return "relaying"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// relayQueueMax bounds how many relay frames a Session will buffer for
// itself while its own event_room_start_acknowledge is outstanding.
const relayQueueMax = 64

// enqueueTimeout bounds how long EnqueueEvent/EnqueueRelay wait for this
// Session's outbound queue to have capacity before reporting the
// recipient as gone.
const enqueueTimeout = 200 * time.Millisecond

// ErrProtocolViolation is returned by Dispatch when the connection must
// be closed without a response: a malformed frame, a disallowed type for
// the current phase, a duplicate login, or a non-host host-only request.
var ErrProtocolViolation = errors.New("protocol_violation")

// Session is bound to exactly one transport connection. Every exported
// method is safe to call from the connection's single read-loop
// goroutine; EnqueueEvent/EnqueueRelay are additionally called
// concurrently by Room actors delivering broadcasts, so Session state is
// guarded by mu.
type Session struct {
	connID   string
	registry *room.Registry
	out      chan []byte

	mu            sync.Mutex
	phase         Phase
	player        *room.Player
	currentRoom   *room.Room
	awaitingAckID string
	relayQueue    [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Session in Handshake phase. out is the connection's
// outbound frame queue; the caller (the ws transport layer) owns
// draining it to the socket.
func New(connID string, registry *room.Registry, out chan []byte) *Session {
	return &Session{
		connID:   connID,
		registry: registry,
		out:      out,
		phase:    PhaseHandshake,
		closed:   make(chan struct{}),
	}
}

// Phase reports the Session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done is closed once the Session has transitioned to Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// ID implements broadcast.Recipient. It is the bound player id, or empty
// before login.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return ""
	}
	return s.player.ID
}

// EnqueueEvent implements broadcast.Recipient for structured protocol
// events (event_player_joined, event_player_left, event_room_start).
// Seeing event_room_start go out arms the Session's own ack wait.
func (s *Session) EnqueueEvent(frame []byte, timeout time.Duration) bool {
	var peek struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	_ = json.Unmarshal(frame, &peek)

	s.mu.Lock()
	if peek.Type == protocol.TypeEventRoomStart {
		s.awaitingAckID = peek.ID
	}
	s.mu.Unlock()

	return s.send(frame, timeout)
}

// EnqueueRelay implements broadcast.Recipient for opaque relay frames. A
// Session still awaiting its own event_room_start_acknowledge buffers
// these instead of writing them out of order; if the buffer fills before
// the ack lands, the Session is unresponsive and is closed.
//
// EnqueueRelay is called by a Room's own goroutine, from inside the very
// call it is delivering on behalf of (Room.Relay runs the Fabric delivery
// synchronously within its command closure). Close synthesizes a Leave,
// which calls back into the Room through Room.call — so closing
// synchronously here would deadlock the Room against itself. Close runs
// on a fresh goroutine instead, letting this call return and the Room's
// command complete.
func (s *Session) EnqueueRelay(frame []byte, timeout time.Duration) bool {
	s.mu.Lock()
	if s.awaitingAckID != "" {
		if len(s.relayQueue) >= relayQueueMax {
			s.mu.Unlock()
			go s.Close()
			return false
		}
		s.relayQueue = append(s.relayQueue, frame)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	return s.send(frame, timeout)
}

func (s *Session) send(frame []byte, timeout time.Duration) bool {
	select {
	case s.out <- frame:
		return true
	case <-time.After(timeout):
		return false
	case <-s.closed:
		return false
	}
}

// Dispatch decodes and handles one inbound frame. It returns
// ErrProtocolViolation when the caller must close the connection without
// sending anything further; any other non-nil error is unexpected and
// should also close the connection.
func (s *Session) Dispatch(raw []byte) error {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()

	if phase == PhaseRelaying {
		s.relay(raw)
		return nil
	}

	var frame protocol.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ErrProtocolViolation
	}

	switch phase {
	case PhaseHandshake:
		if frame.Type != protocol.TypeLogin {
			return ErrProtocolViolation
		}
		return s.handleLogin(frame)
	case PhaseAuthenticated:
		switch frame.Type {
		case protocol.TypeRoomCreate:
			return s.handleRoomCreate(frame)
		case protocol.TypeRoomJoin:
			return s.handleRoomJoin(frame)
		default:
			return ErrProtocolViolation
		}
	case PhaseInRoom:
		switch frame.Type {
		case protocol.TypeRoomLeave:
			return s.handleRoomLeave(frame)
		case protocol.TypeRoomStart:
			return s.handleRoomStart(frame)
		case protocol.TypeEventRoomStartAck:
			return s.handleRoomStartAck(frame)
		default:
			return ErrProtocolViolation
		}
	default:
		return ErrProtocolViolation
	}
}

func (s *Session) relay(raw []byte) {
	s.mu.Lock()
	r := s.currentRoom
	playerID := ""
	if s.player != nil {
		playerID = s.player.ID
	}
	s.mu.Unlock()
	if r == nil {
		return
	}
	if _, emptied := r.Relay(playerID, raw); emptied {
		s.registry.RemoveIfEmpty(r.Code())
	}
}

func (s *Session) handleLogin(frame protocol.ClientFrame) error {
	var req protocol.LoginRequest
	if err := json.Unmarshal(frame.Raw, &req); err != nil {
		return ErrProtocolViolation
	}
	if req.Details.Username == "" {
		return s.writeJSON(protocol.LoginResponse{
			Type:      protocol.TypeLoginResponse,
			RequestID: frame.ID,
			Result:    protocol.ResultInvalidName,
		})
	}

	id, err := room.NewPlayerID()
	if err != nil {
		return fmt.Errorf("mint player id: %w", err)
	}

	s.mu.Lock()
	s.player = &room.Player{
		ID:          id,
		Username:    req.Details.Username,
		Color:       req.Details.Color,
		BorderColor: req.Details.BorderColor,
	}
	s.phase = PhaseAuthenticated
	s.mu.Unlock()

	return s.writeJSON(protocol.LoginResponse{
		Type:      protocol.TypeLoginResponse,
		RequestID: frame.ID,
		Result:    protocol.ResultOK,
		PlayerID:  id,
	})
}

func (s *Session) handleRoomCreate(frame protocol.ClientFrame) error {
	s.mu.Lock()
	p := s.player
	s.mu.Unlock()

	r, err := s.registry.CreateRoom(p, s)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	s.mu.Lock()
	s.currentRoom = r
	s.phase = PhaseInRoom
	s.mu.Unlock()

	return s.writeJSON(protocol.RoomCreateResponse{
		Type:      protocol.TypeRoomCreateResponse,
		RequestID: frame.ID,
		Result:    protocol.ResultOK,
		Players:   []protocol.PlayerObject{p.Object()},
		InviteID:  r.Code(),
	})
}

func (s *Session) handleRoomJoin(frame protocol.ClientFrame) error {
	var req protocol.RoomJoinRequest
	if err := json.Unmarshal(frame.Raw, &req); err != nil {
		return ErrProtocolViolation
	}

	r, err := s.registry.Lookup(req.InviteID)
	if err != nil {
		return s.writeJSON(protocol.RoomJoinResponse{
			Type:      protocol.TypeRoomJoinResponse,
			RequestID: frame.ID,
			Result:    protocol.ResultRoomNotFound,
		})
	}

	s.mu.Lock()
	p := s.player
	s.mu.Unlock()

	res, err := r.Join(p, s)
	if err != nil {
		result := resultFor(err)
		if result == "" {
			return fmt.Errorf("join room: %w", err)
		}
		return s.writeJSON(protocol.RoomJoinResponse{
			Type:      protocol.TypeRoomJoinResponse,
			RequestID: frame.ID,
			Result:    result,
		})
	}

	s.mu.Lock()
	s.currentRoom = r
	s.phase = PhaseInRoom
	s.mu.Unlock()

	return s.writeJSON(protocol.RoomJoinResponse{
		Type:      protocol.TypeRoomJoinResponse,
		RequestID: frame.ID,
		Result:    protocol.ResultOK,
		Players:   res.Players,
	})
}

func (s *Session) handleRoomLeave(frame protocol.ClientFrame) error {
	var req protocol.RoomLeaveRequest
	if err := json.Unmarshal(frame.Raw, &req); err != nil {
		return ErrProtocolViolation
	}

	s.mu.Lock()
	p := s.player
	r := s.currentRoom
	s.mu.Unlock()
	if r == nil || p == nil {
		return ErrProtocolViolation
	}

	res, err := r.Leave(p.ID, req.NewHost)
	if err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	if res.RoomEmpty {
		s.registry.RemoveIfEmpty(r.Code())
	}

	s.mu.Lock()
	s.currentRoom = nil
	s.phase = PhaseAuthenticated
	s.mu.Unlock()

	return s.writeJSON(protocol.RoomLeaveResponse{
		Type:      protocol.TypeRoomLeaveResponse,
		RequestID: frame.ID,
		Result:    protocol.ResultOK,
	})
}

// handleRoomStart enforces the host-only rule as a protocol violation
// per the error taxonomy (non-host issuing a host-only operation), and
// reports any other rejection as a non-fatal protocol error since
// room_start carries no success response of its own — the acks are the
// reply channel.
func (s *Session) handleRoomStart(frame protocol.ClientFrame) error {
	var req protocol.RoomStartRequest
	if err := json.Unmarshal(frame.Raw, &req); err != nil {
		return ErrProtocolViolation
	}

	s.mu.Lock()
	p := s.player
	r := s.currentRoom
	s.mu.Unlock()
	if r == nil || p == nil {
		return ErrProtocolViolation
	}

	if err := r.Start(p.ID); err != nil {
		if errors.Is(err, room.ErrNotHost) {
			return ErrProtocolViolation
		}
		return s.writeJSON(protocol.ProtocolError{
			Type:    "error",
			Error:   "room_start_rejected",
			Message: err.Error(),
		})
	}
	return nil
}

func (s *Session) handleRoomStartAck(frame protocol.ClientFrame) error {
	var req protocol.EventRoomStartAck
	if err := json.Unmarshal(frame.Raw, &req); err != nil {
		return ErrProtocolViolation
	}

	s.mu.Lock()
	p := s.player
	r := s.currentRoom
	s.mu.Unlock()
	if r == nil || p == nil {
		return ErrProtocolViolation
	}

	if _, err := r.Ack(p.ID, req.ResponseID); err != nil {
		return s.writeJSON(protocol.ProtocolError{
			Type:    "error",
			Error:   "invalid_ack",
			Message: err.Error(),
		})
	}

	s.mu.Lock()
	queued := s.relayQueue
	s.relayQueue = nil
	s.awaitingAckID = ""
	s.phase = PhaseRelaying
	s.mu.Unlock()

	for _, f := range queued {
		s.send(f, enqueueTimeout)
	}
	return nil
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if !s.send(data, enqueueTimeout) {
		return ErrProtocolViolation
	}
	return nil
}

// resultFor maps a Room error to its wire result string, or "" if err is
// not one of the business-rule rejections room_join can surface.
func resultFor(err error) string {
	switch {
	case errors.Is(err, room.ErrNameConflict):
		return protocol.ResultNameConflict
	case errors.Is(err, room.ErrAlreadyPlaying):
		return protocol.ResultAlreadyPlaying
	case errors.Is(err, room.ErrRoomFull):
		return protocol.ResultRoomFull
	default:
		return ""
	}
}

// Close tears down the Session: if it held a Player in a Room, it
// synthesizes a room_leave with deterministic host election (no
// new_host is available from a transport close), then transitions to
// Closed. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		p := s.player
		r := s.currentRoom
		s.phase = PhaseClosed
		s.currentRoom = nil
		s.mu.Unlock()

		if r != nil && p != nil {
			if res, err := r.Leave(p.ID, ""); err == nil && res.RoomEmpty {
				s.registry.RemoveIfEmpty(r.Code())
			}
		}

		close(s.closed)
	})
}
