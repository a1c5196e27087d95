package messaging

import (
	"encoding/json"

	"github.com/google/uuid"
)

// WindowID identifies one connected window. The hub assigns it; browsers
// cannot choose or forge their own.
type WindowID string

func NewWindowID() WindowID { return WindowID(uuid.NewString()) }

// Event is a message as observed by its receiver: who sent it, from which
// origin, and the untouched payload.
type Event struct {
	Source WindowID        `json:"source"`
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Drop reasons reported by Validator.Check.
const (
	DropSource    = "source_mismatch"
	DropOrigin    = "origin_mismatch"
	DropMalformed = "malformed"
)

// Validator accepts only events from the opener window at the expected
// origin that carry a string type tag.
type Validator struct {
	Opener WindowID
	Origin string
}

// Accepting reports whether any event can pass: both the opener and its
// origin must be known.
func (v Validator) Accepting() bool { return v.Opener != "" && v.Origin != "" }

// Check returns the message tag, or the reason the event must be ignored.
func (v Validator) Check(e Event) (typ string, reason string, ok bool) {
	if v.Opener == "" || e.Source != v.Opener {
		return "", DropSource, false
	}
	if v.Origin == "" || e.Origin != v.Origin {
		return "", DropOrigin, false
	}
	typ, err := PeekType(e.Data)
	if err != nil {
		return "", DropMalformed, false
	}
	return typ, "", true
}
