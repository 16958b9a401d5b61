package protocol_test

import (
	"testing"

	"matchmaking-server/internal/protocol"

	"github.com/stretchr/testify/assert"
)

func TestGenerateID_ProducesDistinctValues(t *testing.T) {
	seen := make(map[string]bool)

	for range 500 {
		id, err := protocol.GenerateID()
		assert.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "id %s generated twice", id)
		seen[id] = true
	}
}

func TestGenerateID_IsURLSafe(t *testing.T) {
	id, err := protocol.GenerateID()
	assert.NoError(t, err)

	for _, ch := range id {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') ||
			(ch >= '0' && ch <= '9') || ch == '-' || ch == '_'
		assert.True(t, ok, "unexpected character %q in id %s", ch, id)
	}
}
