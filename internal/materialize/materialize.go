// Package materialize turns layer descriptions into live layers the renderer
// can draw. Nothing here performs I/O; URLs are built per viewport on demand.
package materialize

import (
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/lifemapper/mapfront/internal/core/model"
)

const grayscaleClass = "grayscale"

type Options struct {
	// Grayscale only takes effect on base maps.
	Grayscale bool
	Base      bool
}

type LiveLayer interface {
	Label() string
	Kind() model.ServerType
	IsBase() bool
	Endpoint() string
	// Options returns a copy of the renderer options.
	Options() map[string]any
}

type layer struct {
	label    string
	endpoint string
	base     bool
	opts     map[string]any
}

func (l *layer) Label() string           { return l.label }
func (l *layer) IsBase() bool            { return l.base }
func (l *layer) Endpoint() string        { return l.endpoint }
func (l *layer) Options() map[string]any { return model.CloneOptions(l.opts) }

type TileLayer struct{ layer }

func (*TileLayer) Kind() model.ServerType { return model.TileServer }

type WMSLayer struct{ layer }

func (*WMSLayer) Kind() model.ServerType { return model.WMS }

// Materialize builds a fresh live layer for def. Every call deep-copies the
// options, so two layers from the same definition share no state.
func Materialize(def model.LayerDefinition, o Options) LiveLayer {
	opts := map[string]any{"className": ""}
	if o.Base && o.Grayscale {
		opts["className"] = grayscaleClass
	}
	maps.Copy(opts, model.CloneOptions(def.LayerOptions))

	l := layer{label: def.Label, endpoint: def.Endpoint, base: o.Base, opts: opts}
	if def.ServerType == model.WMS {
		return &WMSLayer{l}
	}
	return &TileLayer{l}
}

// Rendered is the wire form of a live layer handed to the browser renderer.
type Rendered struct {
	Label    string           `json:"label"`
	Kind     model.ServerType `json:"serverType"`
	Endpoint string           `json:"endpoint"`
	Options  map[string]any   `json:"layerOptions"`
	Visible  bool             `json:"visible"`
}

func Render(l LiveLayer, visible bool) Rendered {
	return Rendered{
		Label:    l.Label(),
		Kind:     l.Kind(),
		Endpoint: l.Endpoint(),
		Options:  l.Options(),
		Visible:  visible,
	}
}

// Descriptor materializes an overlay descriptor; overlays are never gray.
func Descriptor(d model.OverlayDescriptor) LiveLayer {
	return Materialize(d.Definition(), Options{})
}

// Set is a materialized tile layer set.
type Set struct {
	BaseMaps []LiveLayer
	Overlays []LiveLayer
}

// MaterializeSet materializes every layer of s. When grayscaleBase is set,
// satellite base maps are drawn in grayscale.
func MaterializeSet(s *model.TileLayerSet, grayscaleBase bool) Set {
	var out Set
	if s == nil {
		return out
	}
	for _, d := range s.BaseMaps {
		gray := grayscaleBase && strings.HasPrefix(d.Label, "Satellite")
		out.BaseMaps = append(out.BaseMaps, Materialize(d, Options{Base: true, Grayscale: gray}))
	}
	for _, d := range s.Overlays {
		out.Overlays = append(out.Overlays, Materialize(d, Options{}))
	}
	return out
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// TileURL expands the endpoint template for one tile. Besides {z}, {x}, {y},
// {s} and {r}, any placeholder is filled from the layer options.
func (t *TileLayer) TileURL(z, x, y int) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(t.endpoint, func(m string) string {
		key := m[1 : len(m)-1]
		switch key {
		case "z":
			return strconv.Itoa(z)
		case "x":
			return strconv.Itoa(x)
		case "y":
			return strconv.Itoa(y)
		case "r":
			return ""
		case "s":
			return t.subdomain(x, y)
		}
		v, ok := t.opts[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return fmt.Sprint(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("tile template %q: no value for %v", t.endpoint, missing)
	}
	return out, nil
}

func (t *TileLayer) subdomain(x, y int) string {
	subs := "abc"
	if v, ok := t.opts["subdomains"].(string); ok && v != "" {
		subs = v
	}
	i := (x + y) % len(subs)
	if i < 0 {
		i += len(subs)
	}
	return subs[i : i+1]
}

// options the renderer consumes itself; everything else is a WMS parameter
var rendererOptions = map[string]struct{}{
	"attribution": {}, "className": {}, "opacity": {}, "zIndex": {},
	"minZoom": {}, "maxZoom": {}, "subdomains": {}, "tileSize": {},
	"uppercase": {}, "crs": {}, "errorTileUrl": {},
}

// GetMapURL builds the GetMap request for the given web-mercator bounds.
func (w *WMSLayer) GetMapURL(b orb.Bound) string {
	q := url.Values{}
	q.Set("service", "WMS")
	q.Set("request", "GetMap")
	q.Set("styles", "")
	keys := slices.Sorted(maps.Keys(w.opts))
	for _, k := range keys {
		if _, skip := rendererOptions[k]; skip {
			continue
		}
		q.Set(k, fmt.Sprint(w.opts[k]))
	}
	q.Set("bbox", fmt.Sprintf("%s,%s,%s,%s",
		fmtCoord(b.Min.X()), fmtCoord(b.Min.Y()), fmtCoord(b.Max.X()), fmtCoord(b.Max.Y())))

	sep := "?"
	if strings.Contains(w.endpoint, "?") {
		sep = "&"
	}
	return w.endpoint + sep + q.Encode()
}

func fmtCoord(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
