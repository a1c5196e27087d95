package view

import (
	"github.com/paulmach/orb/geojson"

	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/marker"
	"github.com/lifemapper/mapfront/internal/materialize"
)

const mapDescription = "This map shows all occurrences of this taxon from iDigBio and GBIF."

// SceneLayer is a rendered overlay plus the id the layer control reports
// back in overlayadd and overlayremove events.
type SceneLayer struct {
	ID string `json:"id"`
	materialize.Rendered
	Legend *model.Legend `json:"legend,omitempty"`
}

type MarkerToggle struct {
	ID      marker.Layer `json:"id"`
	Label   string       `json:"label"`
	Visible bool         `json:"visible"`
}

// Scene is everything the browser needs to draw the map.
type Scene struct {
	// Empty means there is nothing to show and the map must not render.
	Empty bool `json:"empty"`
	// Complete is set once every overlay source has answered.
	Complete     bool                       `json:"complete"`
	BaseLayer    string                     `json:"baseLayer"`
	BaseMaps     []materialize.Rendered     `json:"baseMaps"`
	Overlays     []SceneLayer               `json:"overlays"`
	Markers      *geojson.FeatureCollection `json:"markers"`
	MarkerLayers []MarkerToggle             `json:"markerLayers"`
	Clusters     []marker.Bucket            `json:"clusters,omitempty"`
	Details      []string                   `json:"details"`
}
