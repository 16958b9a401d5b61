// Package protocol defines the wire envelopes and message catalog for the
// matchmaking and relay server. Every request, response, and event is a
// single JSON object discriminated by a mandatory "type" field, per the
// protocol document this server implements.
package protocol

import "encoding/json"

// ClientFrame is the shape every inbound matchmaking-phase frame is first
// decoded into. Payload fields specific to a given type are decoded a
// second time from the raw envelope by the handler for that type.
type ClientFrame struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the raw frame alongside the discriminator
// fields so handlers can re-decode type-specific payloads without a second
// pass over the socket.
func (f *ClientFrame) UnmarshalJSON(data []byte) error {
	type shallow struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	var s shallow
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	f.Type = s.Type
	f.ID = s.ID
	f.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Message type discriminators, client -> server.
const (
	TypeLogin             = "login"
	TypeRoomCreate        = "room_create"
	TypeRoomJoin          = "room_join"
	TypeRoomLeave         = "room_leave"
	TypeRoomStart         = "room_start"
	TypeEventRoomStartAck = "event_room_start_acknowledge"
)

// Message type discriminators, server -> client.
const (
	TypeLoginResponse      = "login_response"
	TypeRoomCreateResponse = "room_create_response"
	TypeRoomJoinResponse   = "room_join_response"
	TypeRoomLeaveResponse  = "room_leave_response"
	TypeEventPlayerJoined  = "event_player_joined"
	TypeEventPlayerLeft    = "event_player_left"
	TypeEventRoomStart     = "event_room_start"
)

// Result values carried in a response's "result" field.
const (
	ResultOK             = "ok"
	ResultRoomNotFound   = "room_not_found"
	ResultNameConflict   = "name_conflict"
	ResultAlreadyPlaying = "already_playing"
	ResultInvalidName    = "invalid_name"
	ResultNameTaken      = "name_taken"
	ResultRoomFull       = "room_full"
)

// ConnectionType values accepted on room_start.
const ConnectionTypeServerBroadcast = "server_broadcast"

// PlayerObject is the public, wire-facing view of a Player.
type PlayerObject struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Color       int    `json:"color"`
	BorderColor int    `json:"border_color"`
	Host        bool   `json:"host"`
}

// LoginDetails is the payload of a login request. ID and Host, if present
// on the wire, are ignored: the server always assigns both.
type LoginDetails struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username"`
	Color       int    `json:"color"`
	BorderColor int    `json:"border_color"`
	Host        bool   `json:"host,omitempty"`
}

type LoginRequest struct {
	Details LoginDetails `json:"details"`
}

type LoginResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Result    string `json:"result"`
	PlayerID  string `json:"playerId,omitempty"`
}

type RoomCreateResponse struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	Result    string         `json:"result"`
	Players   []PlayerObject `json:"players,omitempty"`
	InviteID  string         `json:"inviteId,omitempty"`
}

type RoomJoinRequest struct {
	InviteID string `json:"inviteId"`
}

type RoomJoinResponse struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	Result    string         `json:"result"`
	Players   []PlayerObject `json:"players,omitempty"`
}

type RoomLeaveRequest struct {
	NewHost string `json:"new_host,omitempty"`
}

// RoomLeaveResponse uses the legacy request_id spelling, per the protocol
// document's documented field-name inconsistency.
type RoomLeaveResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Result    string `json:"result"`
}

type RoomStartRequest struct {
	ConnectionType string `json:"connectionType"`
}

type EventRoomStartAck struct {
	ResponseID string `json:"responseId"`
}

type EventPlayerJoined struct {
	Type   string       `json:"type"`
	ID     string       `json:"id"`
	Player PlayerObject `json:"player"`
}

type EventPlayerLeft struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Player string `json:"player"`
}

type EventRoomStart struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ProtocolError reports a non-fatal rejection of a request that has no
// response type of its own: a room_start the Room refuses for a reason
// other than the requester not being host, or an
// event_room_start_acknowledge the Room does not accept. Malformed frames
// never get one; the connection is closed without a response.
type ProtocolError struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
