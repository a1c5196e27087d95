package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lifemapper/mapfront/internal/broker"
	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
)

const (
	layerTypeRaster  = "raster"
	projectionSource = "projection"
)

var layerTypeLabels = map[string]string{
	layerTypeRaster: "Lifemapper Distribution Model",
}

type mapLister interface {
	Map(ctx context.Context, namestr, scenario string) (broker.Envelope, error)
}

type ProjectionConfig struct {
	Scenario  string
	MaxLayers int
}

// Projection lists distribution-model rasters for a species.
type Projection struct {
	broker   mapLister
	scenario string
	max      int
	log      *slog.Logger
}

func NewProjection(b mapLister, cfg ProjectionConfig, log *slog.Logger) *Projection {
	if cfg.Scenario == "" {
		cfg.Scenario = "worldclim-curr"
	}
	if cfg.MaxLayers <= 0 {
		cfg.MaxLayers = 10
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Projection{broker: b, scenario: cfg.Scenario, max: cfg.MaxLayers, log: log}
}

func (p *Projection) Name() string { return projectionSource }

func (p *Projection) Layers(ctx context.Context, q Query) Result {
	if q.ScientificName == "" {
		return Result{}
	}
	env, err := p.broker.Map(ctx, q.ScientificName, p.scenario)
	if err != nil {
		p.log.ErrorContext(ctx, "projection lookup failed", "name", q.ScientificName, "err", err)
		observability.IncAdapterResult(projectionSource, observability.OutcomeError)
		return Result{}
	}
	if !env.Valid() {
		p.log.DebugContext(ctx, "no projection for species", "name", q.ScientificName, "errors", env.ErrorText())
		observability.IncAdapterResult(projectionSource, observability.OutcomeNoData)
		return Result{}
	}

	records := env.Records[0].Records
	res, err := p.build(records)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to display projection map", "name", q.ScientificName, "err", err)
		observability.IncAdapterResult(projectionSource, observability.OutcomeError)
		return Result{}
	}
	if res.Empty() {
		observability.IncAdapterResult(projectionSource, observability.OutcomeNoData)
	} else {
		observability.IncAdapterResult(projectionSource, observability.OutcomeOK)
	}
	return res
}

func (p *Projection) build(records []broker.Record) (Result, error) {
	// totals span every record of a type, not just the matching scenario
	totals := map[string]int{}
	for _, r := range records {
		lt, _ := r.Text("s2n:layer_type")
		totals[lt]++
	}

	seen := map[string]int{}
	var out []model.OverlayDescriptor
	for _, r := range records {
		lt, _ := r.Text("s2n:layer_type")
		scenario, _ := r.Text("s2n:sdm_projection_scenario_code")
		if scenario != p.scenario || lt != layerTypeRaster {
			continue
		}
		seen[lt]++
		k := seen[lt]
		if k > p.max {
			continue
		}

		endpoint, ok := r.Text("s2n:endpoint")
		if !ok {
			return Result{}, fmt.Errorf("record %d of type %s has no endpoint", k, lt)
		}
		layerName, _ := r.Text("s2n:layer_name")

		label := layerTypeLabels[lt]
		if totals[lt] != 1 {
			label = fmt.Sprintf("%s (%d)", label, k)
		}
		out = append(out, model.OverlayDescriptor{
			ID:         model.OverlayID(projectionSource, lt, strconv.Itoa(k)),
			Label:      label,
			Source:     projectionSource,
			Endpoint:   endpoint,
			ServerType: model.WMS,
			LayerOptions: map[string]any{
				"layers":      layerName,
				"opacity":     0.7,
				"transparent": true,
				"service":     "wms",
				"version":     "1.0",
				"height":      "400",
				"width":       "800",
				"format":      "image/png",
				"request":     "getmap",
				"srs":         "epsg:3857",
			},
			IsDefault: k == 1,
			Legend:    &model.Legend{Kind: model.LegendGradient, Colors: []string{"#fff", "#0a0"}},
		})
	}

	if len(out) == 0 {
		return Result{}, nil
	}
	modtime, _ := records[0].Text("s2n:modtime")
	ts, err := parseModTime(modtime)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Overlays: out,
		Details: []string{
			"It also displays a predicted distribution model from Lifemapper. " +
				"Model computed with default Maxent parameters: " + ts.Format("Mon Jan 02 2006"),
		},
	}, nil
}

var modTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseModTime(s string) (time.Time, error) {
	for _, l := range modTimeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized model timestamp %q", s)
}
