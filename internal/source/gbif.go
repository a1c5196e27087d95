package source

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
)

const (
	gbifSource      = "gbif"
	DefaultGBIFTile = "https://api.gbif.org/v2/map/occurrence/{source}/{z}/{x}/{y}{format}?{params}"
	gbifDetail      = "For GBIF data, individual points and clusters of points are shown as " +
		"hexagons of different shading ranging from yellow to orange to red with the " +
		"dark red hexagons corresponding to densest distributions of points."
)

// GBIF builds the hex-binned density tile layer. It never touches the
// network; tiles are fetched by the renderer.
type GBIF struct {
	template string
	log      *slog.Logger
}

func NewGBIF(template string, log *slog.Logger) *GBIF {
	if template == "" {
		template = DefaultGBIFTile
	}
	if log == nil {
		log = logger.Discard()
	}
	return &GBIF{template: template, log: log}
}

func (a *GBIF) Name() string { return gbifSource }

func (a *GBIF) Layers(ctx context.Context, q Query) Result {
	if q.TaxonKey == "" {
		a.log.DebugContext(ctx, "no gbif taxon key")
		observability.IncAdapterResult(gbifSource, observability.OutcomeNoData)
		return Result{}
	}
	observability.IncAdapterResult(gbifSource, observability.OutcomeOK)
	return Result{
		Overlays: []model.OverlayDescriptor{{
			ID:         model.OverlayID(gbifSource, "density"),
			Label:      "GBIF",
			Source:     gbifSource,
			Endpoint:   a.template,
			ServerType: model.TileServer,
			LayerOptions: map[string]any{
				"attribution": "",
				"source":      "density",
				"format":      "@1x.png",
				"className":   "saturated",
				"params":      gbifParams(q.TaxonKey),
			},
			IsDefault: true,
			Legend:    &model.Legend{Kind: model.LegendGradient, Colors: []string{"#ee0", "#d11"}},
		}},
		Details: []string{gbifDetail},
	}
}

// gbifParams keeps the fixed parameter order the map API documents.
func gbifParams(taxonKey string) string {
	return "srs=EPSG:3857&style=classic.poly&bin=hex&hexPerTile=20&taxonKey=" + taxonKey
}
