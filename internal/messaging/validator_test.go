package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator_Check(t *testing.T) {
	opener := NewWindowID()
	v := Validator{Opener: opener, Origin: "https://portal.example.org"}
	good := json.RawMessage(`{"type":"LocalOccurrencesAction","occurrences":[]}`)

	tests := []struct {
		name   string
		ev     Event
		ok     bool
		typ    string
		reason string
	}{
		{"accepted", Event{Source: opener, Origin: v.Origin, Data: good}, true, TypeLocalOccurrences, ""},
		{"other window", Event{Source: NewWindowID(), Origin: v.Origin, Data: good}, false, "", DropSource},
		{"other origin", Event{Source: opener, Origin: "https://evil.example.com", Data: good}, false, "", DropOrigin},
		{"no tag", Event{Source: opener, Origin: v.Origin, Data: json.RawMessage(`{"foo":1}`)}, false, "", DropMalformed},
		{"numeric tag", Event{Source: opener, Origin: v.Origin, Data: json.RawMessage(`{"type":1}`)}, false, "", DropMalformed},
		{"unknown tag passes the gate", Event{Source: opener, Origin: v.Origin, Data: json.RawMessage(`{"type":"Later"}`)}, true, "Later", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			typ, reason, ok := v.Check(tc.ev)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.typ, typ)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestValidator_NoOpenerRejectsAll(t *testing.T) {
	v := Validator{Origin: "https://portal.example.org"}
	_, reason, ok := v.Check(Event{Source: "", Origin: v.Origin, Data: json.RawMessage(`{"type":"PointDataAction"}`)})
	assert.False(t, ok)
	assert.Equal(t, DropSource, reason)
	assert.False(t, v.Accepting())

	// an opener without a launch origin accepts nothing, not even origin-less events
	v = Validator{Opener: NewWindowID()}
	_, reason, ok = v.Check(Event{Source: v.Opener, Origin: "", Data: json.RawMessage(`{"type":"PointDataAction"}`)})
	assert.False(t, ok)
	assert.Equal(t, DropOrigin, reason)
	assert.False(t, v.Accepting())

	assert.True(t, Validator{Opener: NewWindowID(), Origin: "https://portal.example.org"}.Accepting())
}

func TestNewWindowID_Unique(t *testing.T) {
	seen := map[WindowID]bool{}
	for range 100 {
		id := NewWindowID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
