package session

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"matchmaking-server/internal/broadcast"
	"matchmaking-server/internal/protocol"
	"matchmaking-server/internal/room"
)

func newTestSession(t *testing.T, reg *room.Registry) (*Session, chan []byte) {
	out := make(chan []byte, 16)
	return New(t.Name(), reg, out), out
}

func drain(t *testing.T, out chan []byte) map[string]any {
	select {
	case frame := <-out:
		var v map[string]any
		if err := json.Unmarshal(frame, &v); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func login(t *testing.T, s *Session, id, username string) map[string]any {
	raw := `{"id":"` + id + `","type":"login","details":{"username":"` + username + `","color":1,"border_color":2}}`
	assert.NoError(t, s.Dispatch([]byte(raw)))
	return nil
}

func TestSession_LoginSuccess(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	s, out := newTestSession(t, reg)

	raw := `{"id":"a","type":"login","details":{"username":"u1","color":1,"border_color":2}}`
	assert.NoError(t, s.Dispatch([]byte(raw)))

	resp := drain(t, out)
	assert.Equal(t, protocol.TypeLoginResponse, resp["type"])
	assert.Equal(t, "a", resp["requestId"])
	assert.Equal(t, protocol.ResultOK, resp["result"])
	assert.NotEmpty(t, resp["playerId"])
	assert.Equal(t, PhaseAuthenticated, s.Phase())
}

func TestSession_LoginEmptyUsernameIsInvalid(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	s, out := newTestSession(t, reg)

	raw := `{"id":"a","type":"login","details":{"username":"","color":1,"border_color":2}}`
	assert.NoError(t, s.Dispatch([]byte(raw)))

	resp := drain(t, out)
	assert.Equal(t, protocol.ResultInvalidName, resp["result"])
	assert.Equal(t, PhaseHandshake, s.Phase())
}

func TestSession_DuplicateLoginIsProtocolViolation(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	s, out := newTestSession(t, reg)
	login(t, s, "a", "u1")
	drain(t, out)

	raw := `{"id":"b","type":"login","details":{"username":"u2","color":1,"border_color":2}}`
	err := s.Dispatch([]byte(raw))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSession_NonLoginTypeInHandshakeIsProtocolViolation(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	s, _ := newTestSession(t, reg)

	err := s.Dispatch([]byte(`{"id":"a","type":"room_create"}`))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSession_MalformedFrameIsProtocolViolation(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	s, _ := newTestSession(t, reg)

	err := s.Dispatch([]byte(`not json`))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSession_RoomCreateThenJoinFlow(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	host, hostOut := newTestSession(t, reg)
	login(t, host, "a", "alice")
	drain(t, hostOut)

	assert.NoError(t, host.Dispatch([]byte(`{"id":"b","type":"room_create"}`)))
	createResp := drain(t, hostOut)
	assert.Equal(t, protocol.ResultOK, createResp["result"])
	inviteID := createResp["inviteId"].(string)
	assert.Equal(t, PhaseInRoom, host.Phase())

	joiner, joinerOut := newTestSession(t, reg)
	login(t, joiner, "c", "bob")
	drain(t, joinerOut)

	assert.NoError(t, joiner.Dispatch([]byte(`{"id":"d","type":"room_join","inviteId":"`+inviteID+`"}`)))
	joinResp := drain(t, joinerOut)
	assert.Equal(t, protocol.ResultOK, joinResp["result"])
	players := joinResp["players"].([]any)
	assert.Len(t, players, 2)
	assert.Equal(t, PhaseInRoom, joiner.Phase())

	evt := drain(t, hostOut)
	assert.Equal(t, protocol.TypeEventPlayerJoined, evt["type"])
}

func TestSession_RoomJoinNameConflict(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	host, hostOut := newTestSession(t, reg)
	login(t, host, "a", "alice")
	drain(t, hostOut)
	assert.NoError(t, host.Dispatch([]byte(`{"id":"b","type":"room_create"}`)))
	createResp := drain(t, hostOut)
	inviteID := createResp["inviteId"].(string)

	dup, dupOut := newTestSession(t, reg)
	login(t, dup, "c", "alice")
	drain(t, dupOut)

	assert.NoError(t, dup.Dispatch([]byte(`{"id":"d","type":"room_join","inviteId":"`+inviteID+`"}`)))
	resp := drain(t, dupOut)
	assert.Equal(t, protocol.ResultNameConflict, resp["result"])
	assert.Equal(t, PhaseAuthenticated, dup.Phase())
}

func TestSession_RoomJoinUnknownInviteID(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	s, out := newTestSession(t, reg)
	login(t, s, "a", "alice")
	drain(t, out)

	assert.NoError(t, s.Dispatch([]byte(`{"id":"b","type":"room_join","inviteId":"ZZZZZZ"}`)))
	resp := drain(t, out)
	assert.Equal(t, protocol.ResultRoomNotFound, resp["result"])
}

func TestSession_RoomLeaveHandsOffExplicitHost(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	host, hostOut := newTestSession(t, reg)
	login(t, host, "a", "alice")
	drain(t, hostOut)
	assert.NoError(t, host.Dispatch([]byte(`{"id":"b","type":"room_create"}`)))
	createResp := drain(t, hostOut)
	inviteID := createResp["inviteId"].(string)

	joiner, joinerOut := newTestSession(t, reg)
	login(t, joiner, "c", "bob")
	drain(t, joinerOut)
	assert.NoError(t, joiner.Dispatch([]byte(`{"id":"d","type":"room_join","inviteId":"`+inviteID+`"}`)))
	joinResp := drain(t, joinerOut)
	bobID := joinResp["players"].([]any)[1].(map[string]any)["id"].(string)
	drain(t, hostOut) // event_player_joined

	assert.NoError(t, host.Dispatch([]byte(`{"id":"e","type":"room_leave","new_host":"`+bobID+`"}`)))
	leaveResp := drain(t, hostOut)
	assert.Equal(t, protocol.ResultOK, leaveResp["result"])
	assert.Equal(t, PhaseAuthenticated, host.Phase())

	evt := drain(t, joinerOut)
	assert.Equal(t, protocol.TypeEventPlayerLeft, evt["type"])

	r, err := reg.Lookup(inviteID)
	assert.NoError(t, err)
	snap := r.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, bobID, snap[0].ID)
	assert.True(t, snap[0].Host, "the named new_host should now be host")
}

func TestSession_RoomStartByNonHostIsProtocolViolation(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	host, hostOut := newTestSession(t, reg)
	login(t, host, "a", "alice")
	drain(t, hostOut)
	assert.NoError(t, host.Dispatch([]byte(`{"id":"b","type":"room_create"}`)))
	createResp := drain(t, hostOut)
	inviteID := createResp["inviteId"].(string)

	joiner, joinerOut := newTestSession(t, reg)
	login(t, joiner, "c", "bob")
	drain(t, joinerOut)
	assert.NoError(t, joiner.Dispatch([]byte(`{"id":"d","type":"room_join","inviteId":"`+inviteID+`"}`)))
	drain(t, joinerOut)
	drain(t, hostOut) // event_player_joined

	err := joiner.Dispatch([]byte(`{"id":"e","type":"room_start","connectionType":"server_broadcast"}`))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSession_StartAckTransitionsToRelayingAndRelaysFrames(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	host, hostOut := newTestSession(t, reg)
	login(t, host, "a", "alice")
	drain(t, hostOut)
	assert.NoError(t, host.Dispatch([]byte(`{"id":"b","type":"room_create"}`)))
	createResp := drain(t, hostOut)
	inviteID := createResp["inviteId"].(string)

	joiner, joinerOut := newTestSession(t, reg)
	login(t, joiner, "c", "bob")
	drain(t, joinerOut)
	assert.NoError(t, joiner.Dispatch([]byte(`{"id":"d","type":"room_join","inviteId":"`+inviteID+`"}`)))
	drain(t, joinerOut)
	drain(t, hostOut) // event_player_joined

	assert.NoError(t, host.Dispatch([]byte(`{"id":"e","type":"room_start","connectionType":"server_broadcast"}`)))

	hostStartEvt := drain(t, hostOut)
	assert.Equal(t, protocol.TypeEventRoomStart, hostStartEvt["type"])
	hostEvtID := hostStartEvt["id"].(string)

	joinerStartEvt := drain(t, joinerOut)
	assert.Equal(t, protocol.TypeEventRoomStart, joinerStartEvt["type"])
	joinerEvtID := joinerStartEvt["id"].(string)

	assert.NoError(t, host.Dispatch([]byte(`{"id":"f","type":"event_room_start_acknowledge","responseId":"`+hostEvtID+`"}`)))
	assert.Equal(t, PhaseRelaying, host.Phase())

	assert.NoError(t, joiner.Dispatch([]byte(`{"id":"g","type":"event_room_start_acknowledge","responseId":"`+joinerEvtID+`"}`)))
	assert.Equal(t, PhaseRelaying, joiner.Phase())

	assert.NoError(t, host.Dispatch([]byte(`{"anything":"goes"}`)))
	relayed := <-joinerOut
	assert.JSONEq(t, `{"anything":"goes"}`, string(relayed))

	select {
	case <-hostOut:
		t.Fatal("sender should not receive an echo of its own relay frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_RelayOverflowClosesSessionWithoutDeadlockingRoom(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	host, hostOut := newTestSession(t, reg)
	login(t, host, "a", "alice")
	drain(t, hostOut)
	assert.NoError(t, host.Dispatch([]byte(`{"id":"b","type":"room_create"}`)))
	createResp := drain(t, hostOut)
	inviteID := createResp["inviteId"].(string)

	joiner, joinerOut := newTestSession(t, reg)
	login(t, joiner, "c", "bob")
	drain(t, joinerOut)
	assert.NoError(t, joiner.Dispatch([]byte(`{"id":"d","type":"room_join","inviteId":"`+inviteID+`"}`)))
	drain(t, joinerOut)
	drain(t, hostOut) // event_player_joined

	assert.NoError(t, host.Dispatch([]byte(`{"id":"e","type":"room_start","connectionType":"server_broadcast"}`)))
	hostStartEvt := drain(t, hostOut)
	hostEvtID := hostStartEvt["id"].(string)
	drain(t, joinerOut) // joiner's own event_room_start, deliberately left unacked

	assert.NoError(t, host.Dispatch([]byte(`{"id":"f","type":"event_room_start_acknowledge","responseId":"`+hostEvtID+`"}`)))
	assert.Equal(t, PhaseRelaying, host.Phase())

	// joiner never acks, so every relay frame buffers in its relayQueue
	// instead of being written out. Push past capacity to force the Room
	// actor to treat joiner as a dead recipient while it is still inside
	// the Relay call that is delivering to it.
	for i := 0; i <= relayQueueMax; i++ {
		raw := []byte(`{"frame":` + fmt.Sprint(i) + `}`)
		assert.NoError(t, host.Dispatch(raw))
	}

	r, err := reg.Lookup(inviteID)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(r.Snapshot()) == 1
	}, time.Second, 10*time.Millisecond, "room actor must stay responsive and evict the overflowed recipient")

	assert.Eventually(t, func() bool {
		return joiner.Phase() == PhaseClosed
	}, time.Second, 10*time.Millisecond, "overflowing its own relay buffer should close the session")
}

func TestSession_AckWithWrongResponseIDIsNonFatal(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	host, hostOut := newTestSession(t, reg)
	login(t, host, "a", "alice")
	drain(t, hostOut)
	assert.NoError(t, host.Dispatch([]byte(`{"id":"b","type":"room_create"}`)))
	createResp := drain(t, hostOut)
	inviteID := createResp["inviteId"].(string)

	joiner, joinerOut := newTestSession(t, reg)
	login(t, joiner, "c", "bob")
	drain(t, joinerOut)
	assert.NoError(t, joiner.Dispatch([]byte(`{"id":"d","type":"room_join","inviteId":"`+inviteID+`"}`)))
	drain(t, joinerOut)
	drain(t, hostOut)

	assert.NoError(t, host.Dispatch([]byte(`{"id":"e","type":"room_start","connectionType":"server_broadcast"}`)))
	drain(t, hostOut)
	drain(t, joinerOut)

	err := host.Dispatch([]byte(`{"id":"f","type":"event_room_start_acknowledge","responseId":"not-the-id"}`))
	assert.NoError(t, err)
	errFrame := drain(t, hostOut)
	assert.Equal(t, "invalid_ack", errFrame["error"])
	assert.Equal(t, PhaseInRoom, host.Phase())
}

func TestSession_CloseSynthesizesLeaveWithHostMigration(t *testing.T) {
	reg := room.NewRegistry(broadcast.New())
	host, hostOut := newTestSession(t, reg)
	login(t, host, "a", "alice")
	drain(t, hostOut)
	assert.NoError(t, host.Dispatch([]byte(`{"id":"b","type":"room_create"}`)))
	createResp := drain(t, hostOut)
	inviteID := createResp["inviteId"].(string)

	joiner, joinerOut := newTestSession(t, reg)
	login(t, joiner, "c", "bob")
	drain(t, joinerOut)
	assert.NoError(t, joiner.Dispatch([]byte(`{"id":"d","type":"room_join","inviteId":"`+inviteID+`"}`)))
	drain(t, joinerOut)
	drain(t, hostOut)

	host.Close()

	evt := drain(t, joinerOut)
	assert.Equal(t, protocol.TypeEventPlayerLeft, evt["type"])
	assert.Equal(t, PhaseClosed, host.Phase())

	r, err := reg.Lookup(inviteID)
	assert.NoError(t, err)
	snap := r.Snapshot()
	assert.Len(t, snap, 1)
	assert.True(t, snap[0].Host, "sole remaining member should have been elected host")

	select {
	case <-host.Done():
	default:
		t.Fatal("Done() should be closed")
	}
}
