package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("alice", "sess-1")

	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "sess-1", sid)
}

func TestSessionLookupMissing(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("nobody")
	assert.False(t, ok)
}

func TestSessionReconnectOverwrites(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("alice", "sess-1")
	r.Register("alice", "sess-2")

	sid, ok := r.SessionFor("alice")
	assert.True(t, ok)
	assert.Equal(t, "sess-2", sid)
}

func TestSessionRemoveBySessionID(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("alice", "sess-1")
	r.Register("bob", "sess-1")
	r.Register("carol", "sess-2")

	r.Remove("sess-1")

	_, aliceOK := r.SessionFor("alice")
	_, bobOK := r.SessionFor("bob")
	carolSID, carolOK := r.SessionFor("carol")

	assert.False(t, aliceOK)
	assert.False(t, bobOK)
	assert.True(t, carolOK)
	assert.Equal(t, "sess-2", carolSID)
}
