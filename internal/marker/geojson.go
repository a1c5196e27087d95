package marker

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ToFeatureCollection flattens marker groups for the browser renderer.
// Each feature carries its layer, point index and popup HTML; circles are
// points with a radius property.
func ToFeatureCollection(groups []Groups) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, g := range groups {
		for _, m := range g.Marker {
			fc.Append(pinFeature(LayerMarker, m))
		}
		for _, s := range g.Polygon {
			f := newFeature(LayerPolygon, s.Geometry, s.binding)
			if s.IsLine() {
				f.Properties["weight"] = 3
				f.Properties["opacity"] = 0.5
				f.Properties["smoothFactor"] = 1
			}
			fc.Append(f)
		}
		for _, m := range g.PolygonBoundary {
			fc.Append(pinFeature(LayerPolygonBoundary, m))
		}
		for _, c := range g.ErrorRadius {
			f := newFeature(LayerErrorRadius, c.Center, c.binding)
			f.Properties["radius"] = c.Radius
			fc.Append(f)
		}
	}
	return fc
}

func pinFeature(layer Layer, m Marker) *geojson.Feature {
	f := newFeature(layer, m.Point, m.binding)
	if m.IconClass != "" {
		f.Properties["iconClass"] = m.IconClass
	}
	return f
}

func newFeature(layer Layer, g orb.Geometry, b binding) *geojson.Feature {
	f := geojson.NewFeature(g)
	f.Properties["layer"] = string(layer)
	f.Properties["index"] = b.Index()
	f.Properties["popup"] = b.Popup()
	return f
}
