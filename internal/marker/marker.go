// Package marker turns a locality record into map vectors: a pin, an extent
// (line or rectangle) with boundary pins, or a pin with an uncertainty
// circle. Geometries are orb values in (lon, lat) order.
package marker

import (
	"strings"

	"github.com/paulmach/orb"

	"github.com/lifemapper/mapfront/internal/core/model"
)

type Options struct {
	Index     int
	OnClick   func(index int)
	IconClass string
}

// binding is what every vector carries: the point index, a popup rendered
// on demand from the locality captured at build time, and the click hook.
type binding struct {
	index   int
	popup   func() string
	onClick func(int)
}

func (b binding) Index() int { return b.index }

func (b binding) Popup() string {
	if b.popup == nil {
		return ""
	}
	return b.popup()
}

// Click forwards to the OnClick option, if any.
func (b binding) Click() {
	if b.onClick != nil {
		b.onClick(b.index)
	}
}

type Marker struct {
	binding
	Point     orb.Point
	IconClass string
}

// Shape is an extent: an orb.LineString for line localities, else an
// orb.Polygon rectangle.
type Shape struct {
	binding
	Geometry orb.Geometry
}

func (s Shape) IsLine() bool {
	_, ok := s.Geometry.(orb.LineString)
	return ok
}

// Circle is the uncertainty radius around a point, in the locality's
// accuracy units.
type Circle struct {
	binding
	Center orb.Point
	Radius float64
}

type Groups struct {
	Marker          []Marker
	Polygon         []Shape
	PolygonBoundary []Marker
	ErrorRadius     []Circle
}

func (g Groups) Empty() bool {
	return len(g.Marker) == 0 && len(g.Polygon) == 0 && len(g.PolygonBoundary) == 0 && len(g.ErrorRadius) == 0
}

// Click fires the click hook of the locality's first vector. It reports
// false when there is nothing to click.
func (g Groups) Click() bool {
	switch {
	case len(g.Marker) > 0:
		g.Marker[0].Click()
	case len(g.Polygon) > 0:
		g.Polygon[0].Click()
	default:
		return false
	}
	return true
}

// Points returns the pins that take part in clustering.
func (g Groups) Points() []Marker {
	out := make([]Marker, 0, len(g.Marker)+len(g.PolygonBoundary))
	out = append(out, g.Marker...)
	return append(out, g.PolygonBoundary...)
}

// Build derives the vectors for one locality. A locality without numeric
// latitude1/longitude1 yields empty groups.
func Build(l model.LocalityData, o Options) Groups {
	var g Groups
	lat1, ok1 := l.Number(model.FieldLatitude1)
	lng1, ok2 := l.Number(model.FieldLongitude1)
	if !ok1 || !ok2 {
		return g
	}

	snapshot := l.Clone()
	b := binding{
		index:   o.Index,
		popup:   func() string { return FormatPopup(snapshot, o.Index, false) },
		onClick: o.OnClick,
	}
	pin := func(lat, lng float64) Marker {
		return Marker{binding: b, Point: orb.Point{lng, lat}, IconClass: o.IconClass}
	}

	lat2, ok3 := l.Number(model.FieldLatitude2)
	lng2, ok4 := l.Number(model.FieldLongitude2)
	if !ok3 || !ok4 {
		if r, ok := l.AccuracyRadius(); ok {
			g.ErrorRadius = append(g.ErrorRadius, Circle{binding: b, Center: orb.Point{lng1, lat1}, Radius: r})
		}
		g.Marker = append(g.Marker, pin(lat1, lng1))
		return g
	}

	llType, _ := l.String(model.FieldLatLongType)
	var geom orb.Geometry
	if strings.EqualFold(llType, "line") {
		geom = orb.LineString{{lng1, lat1}, {lng2, lat2}}
	} else {
		geom = orb.Polygon{orb.Ring{
			{lng1, lat1},
			{lng1, lat2},
			{lng2, lat2},
			{lng2, lat1},
			{lng1, lat1},
		}}
	}
	g.Polygon = append(g.Polygon, Shape{binding: b, Geometry: geom})
	g.PolygonBoundary = append(g.PolygonBoundary, pin(lat1, lng1), pin(lat1, lng2))
	return g
}
