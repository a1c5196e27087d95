// Package messaging implements the cross-window protocol between the record
// page (opener) and the map window it opens: the tagged message set, the
// acceptance rules for incoming events, and the websocket hub that relays
// them with server-stamped source and origin.
package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lifemapper/mapfront/internal/core/model"
)

const (
	TypeLoaded               = "LoadedAction"
	TypeGetPinInfo           = "GetPinInfoAction"
	TypeBasicInformation     = "BasicInformationAction"
	TypeLocalOccurrences     = "LocalOccurrencesAction"
	TypePointData            = "PointDataAction"
	TypeResolveLeafletLayers = "ResolveLeafletLayersAction"
)

var (
	ErrUnknownType = errors.New("messaging: unknown message type")
	ErrMalformed   = errors.New("messaging: malformed message")
)

// Message is one of the protocol actions. The set is closed.
type Message interface {
	Type() string
	message()
}

// LoadedAction tells the opener the map window is ready (child → parent).
type LoadedAction struct {
	Version string `json:"version"`
}

// GetPinInfoAction asks the opener for a point's full locality (child → parent).
type GetPinInfoAction struct {
	Index int `json:"index"`
}

// BasicInformationAction supplies the tile configuration (parent → child).
type BasicInformationAction struct {
	SystemInfo    json.RawMessage     `json:"systemInfo,omitempty"`
	LeafletLayers *model.TileLayerSet `json:"leafletLayers"`
}

// LocalOccurrencesAction replaces the points to plot (parent → child).
type LocalOccurrencesAction struct {
	Occurrences []model.OccurrenceData `json:"occurrences"`
}

// PointDataAction answers a GetPinInfoAction (parent → child).
type PointDataAction struct {
	Index        int                `json:"index"`
	LocalityData model.LocalityData `json:"localityData"`
}

// ResolveLeafletLayersAction is raised inside the child when no tile
// configuration arrived in time. It never crosses windows.
type ResolveLeafletLayersAction struct {
	TileLayers *model.TileLayerSet `json:"tileLayers"`
}

func (LoadedAction) Type() string               { return TypeLoaded }
func (GetPinInfoAction) Type() string           { return TypeGetPinInfo }
func (BasicInformationAction) Type() string     { return TypeBasicInformation }
func (LocalOccurrencesAction) Type() string     { return TypeLocalOccurrences }
func (PointDataAction) Type() string            { return TypePointData }
func (ResolveLeafletLayersAction) Type() string { return TypeResolveLeafletLayers }

func (LoadedAction) message()               {}
func (GetPinInfoAction) message()           {}
func (BasicInformationAction) message()     {}
func (LocalOccurrencesAction) message()     {}
func (PointDataAction) message()            {}
func (ResolveLeafletLayersAction) message() {}

// Incoming reports whether m is a kind the opener may send to the child.
func Incoming(m Message) bool {
	switch m.(type) {
	case BasicInformationAction, LocalOccurrencesAction, PointDataAction:
		return true
	}
	return false
}

type tagOnly struct {
	Type json.RawMessage `json:"type"`
}

// PeekType returns the string tag of a raw message.
func PeekType(raw []byte) (string, error) {
	var t tagOnly
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var s string
	if len(t.Type) == 0 || json.Unmarshal(t.Type, &s) != nil {
		return "", fmt.Errorf("%w: type tag is not a string", ErrMalformed)
	}
	return s, nil
}

// Decode parses a tagged message. Unrecognized tags yield ErrUnknownType.
func Decode(raw []byte) (Message, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeLoaded:
		return decodeAs[LoadedAction](raw)
	case TypeGetPinInfo:
		return decodeAs[GetPinInfoAction](raw)
	case TypeBasicInformation:
		return decodeAs[BasicInformationAction](raw)
	case TypeLocalOccurrences:
		return decodeAs[LocalOccurrencesAction](raw)
	case TypePointData:
		return decodeAs[PointDataAction](raw)
	case TypeResolveLeafletLayers:
		return decodeAs[ResolveLeafletLayersAction](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func decodeAs[T Message](raw []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Type(), err)
	}
	if v, ok := any(m).(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Type(), err)
		}
	}
	return m, nil
}

func (m BasicInformationAction) validate() error {
	if m.LeafletLayers == nil {
		return errors.New("leafletLayers is required")
	}
	return nil
}

func (m ResolveLeafletLayersAction) validate() error {
	if m.TileLayers == nil {
		return errors.New("tileLayers is required")
	}
	return nil
}

func (m PointDataAction) validate() error {
	if m.Index < 0 {
		return fmt.Errorf("negative index %d", m.Index)
	}
	return nil
}

// Encode renders m with its "type" tag first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	tag, _ := json.Marshal(m.Type())

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
