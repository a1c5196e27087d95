// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"strings"
)

type ServerType int

const (
	TileServer ServerType = iota
	WMS
)

func (s ServerType) String() string {
	if s == WMS {
		return "wms"
	}
	return "tileServer"
}

func (s ServerType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the wire names used by the browser and the broker
func (s *ServerType) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "tileserver", "tile", "":
		*s = TileServer
	case "wms":
		*s = WMS
	default:
		return fmt.Errorf("unknown server type %q (want tileServer|wms)", string(b))
	}
	return nil
}

type LegendKind string

const (
	LegendPoint    LegendKind = "point"
	LegendGradient LegendKind = "gradient"
)

type Legend struct {
	Kind   LegendKind `json:"kind"`
	Colors []string   `json:"colors"`
}

// OverlayDescriptor is one togglable map layer. ID is the stable identity
// used for preferences and layer-control bookkeeping; Label is display only.
type OverlayDescriptor struct {
	ID           string         `json:"id"`
	Label        string         `json:"label"`
	Source       string         `json:"source"`
	Endpoint     string         `json:"endpoint"`
	ServerType   ServerType     `json:"serverType"`
	LayerOptions map[string]any `json:"layerOptions"`
	IsDefault    bool           `json:"isDefault"`
	Legend       *Legend        `json:"legend,omitempty"`
}

// Clone returns a copy that shares no mutable state with d
func (d OverlayDescriptor) Clone() OverlayDescriptor {
	out := d
	out.LayerOptions = CloneOptions(d.LayerOptions)
	if d.Legend != nil {
		lg := *d.Legend
		lg.Colors = append([]string(nil), d.Legend.Colors...)
		out.Legend = &lg
	}
	return out
}

// Definition strips the visibility hint, leaving what a renderer needs
func (d OverlayDescriptor) Definition() LayerDefinition {
	return LayerDefinition{
		Label:        d.Label,
		Endpoint:     d.Endpoint,
		ServerType:   d.ServerType,
		LayerOptions: CloneOptions(d.LayerOptions),
	}
}

func OverlayID(source string, parts ...string) string {
	b := strings.Builder{}
	b.WriteString(strings.TrimSpace(source))
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(p))
	}
	return b.String()
}

// CloneOptions deep-copies nested maps and slices; scalars are shared.
func CloneOptions(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneOptions(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
