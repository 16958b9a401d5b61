package room

import (
	"matchmaking-server/internal/protocol"
)

// Player is the server's record of one logged-in participant. It exists
// independent of any Room until a room_create or room_join binds it to
// one.
type Player struct {
	ID          string
	Username    string
	Color       int
	BorderColor int
	Host        bool
}

// NewPlayerID mints an opaque, process-unique, printable player id,
// mirroring the wire-id scheme used for every other server-assigned
// identifier in this protocol.
func NewPlayerID() (string, error) {
	return protocol.GenerateID()
}

// Object renders the wire-facing view of a Player.
func (p Player) Object() protocol.PlayerObject {
	return protocol.PlayerObject{
		ID:          p.ID,
		Username:    p.Username,
		Color:       p.Color,
		BorderColor: p.BorderColor,
		Host:        p.Host,
	}
}
