package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		assert.Len(t, id, 20)
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	assert.True(t, strings.HasPrefix(id, "sess-"))
	assert.NotEqual(t, id, NewSessionID())
}
