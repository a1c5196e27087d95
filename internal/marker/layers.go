package marker

type Layer string

const (
	LayerMarker          Layer = "marker"
	LayerPolygon         Layer = "polygon"
	LayerPolygonBoundary Layer = "polygonBoundary"
	LayerErrorRadius     Layer = "errorRadius"
)

type LayerInfo struct {
	Name    Layer
	Label   string
	Default bool
}

// Layers lists the marker layer toggles in control order.
var Layers = []LayerInfo{
	{LayerMarker, "Pins", true},
	{LayerPolygon, "Polygons", true},
	{LayerPolygonBoundary, "Polygon Boundaries", false},
	{LayerErrorRadius, "Error Radius", false},
}

// LayerByLabel finds a toggle from the label the layer control reports.
func LayerByLabel(label string) (LayerInfo, bool) {
	for _, l := range Layers {
		if l.Label == label {
			return l, true
		}
	}
	return LayerInfo{}, false
}
