package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const PreferredBaseLayer = "Satellite Map (ESRI)"

// LayerDefinition is a declarative tile layer without visibility policy.
type LayerDefinition struct {
	Label        string         `json:"-"`
	Endpoint     string         `json:"endpoint"`
	ServerType   ServerType     `json:"serverType"`
	LayerOptions map[string]any `json:"layerOptions"`
}

func (d LayerDefinition) Clone() LayerDefinition {
	d.LayerOptions = CloneOptions(d.LayerOptions)
	return d
}

// TileLayerSet keeps base maps and overlays in their declared order. On the
// wire each group is a JSON object keyed by label.
type TileLayerSet struct {
	BaseMaps []LayerDefinition
	Overlays []LayerDefinition
}

func (s *TileLayerSet) Clone() *TileLayerSet {
	if s == nil {
		return nil
	}
	out := &TileLayerSet{
		BaseMaps: make([]LayerDefinition, len(s.BaseMaps)),
		Overlays: make([]LayerDefinition, len(s.Overlays)),
	}
	for i := range s.BaseMaps {
		out.BaseMaps[i] = s.BaseMaps[i].Clone()
	}
	for i := range s.Overlays {
		out.Overlays[i] = s.Overlays[i].Clone()
	}
	return out
}

// BaseMap returns the named base map, or false
func (s *TileLayerSet) BaseMap(label string) (LayerDefinition, bool) {
	if s == nil {
		return LayerDefinition{}, false
	}
	for _, d := range s.BaseMaps {
		if d.Label == label {
			return d, true
		}
	}
	return LayerDefinition{}, false
}

func (s TileLayerSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"baseMaps":`)
	if err := writeGroup(&buf, s.BaseMaps); err != nil {
		return nil, fmt.Errorf("baseMaps: %w", err)
	}
	buf.WriteString(`,"overlays":`)
	if err := writeGroup(&buf, s.Overlays); err != nil {
		return nil, fmt.Errorf("overlays: %w", err)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeGroup(buf *bytes.Buffer, defs []LayerDefinition) error {
	buf.WriteByte('{')
	for i, d := range defs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(d.Label)
		if err != nil {
			return err
		}
		if d.LayerOptions == nil {
			d.LayerOptions = map[string]any{}
		}
		v, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("layer %q: %w", d.Label, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return nil
}

func (s *TileLayerSet) UnmarshalJSON(b []byte) error {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(b, &root); err != nil {
		return fmt.Errorf("parse leaflet layers: %w", err)
	}
	out := TileLayerSet{}
	for group, raw := range root {
		defs, err := readGroup(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", group, err)
		}
		switch group {
		case "baseMaps":
			out.BaseMaps = defs
		case "overlays":
			out.Overlays = defs
		default:
			// unknown groups are ignored
		}
	}
	*s = out
	return nil
}

// reads a JSON object of label -> definition, keeping key order
func readGroup(raw json.RawMessage) ([]LayerDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("layer group must be an object")
	}
	var defs []LayerDefinition
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read label: %w", err)
		}
		label, ok := kt.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", kt)
		}
		var d LayerDefinition
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("layer %q: %w", label, err)
		}
		if strings.TrimSpace(d.Endpoint) == "" {
			return nil, fmt.Errorf("layer %q: missing endpoint", label)
		}
		d.Label = label
		if d.LayerOptions == nil {
			d.LayerOptions = map[string]any{}
		}
		defs = append(defs, d)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("close group: %w", err)
	}
	return defs, nil
}

// DefaultTileLayers is the configuration used when no parent supplies one.
func DefaultTileLayers() *TileLayerSet {
	return &TileLayerSet{
		BaseMaps: []LayerDefinition{{
			Label:      PreferredBaseLayer,
			Endpoint:   "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			ServerType: TileServer,
			LayerOptions: map[string]any{
				"attribution": "Tiles &copy; Esri &mdash; Source: Esri, i-cubed, USDA, USGS, AEX, GeoEye, Getmapping, Aerogrid, IGN, IGP, UPR-EGP, and the GIS User Community",
			},
		}},
		Overlays: []LayerDefinition{{
			Label:      "Labels and boundaries",
			Endpoint:   "https://server.arcgisonline.com/ArcGIS/rest/services/Reference/World_Reference_Overlay/MapServer/tile/{z}/{y}/{x}",
			ServerType: TileServer,
			LayerOptions: map[string]any{
				"attribution": "Esri, HERE, Garmin, (c) OpenStreetMap contributors, and the GIS user community",
				"className":   "darkened",
			},
		}},
	}
}
