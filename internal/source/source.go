// Package source holds the overlay adapters. Each adapter turns a query into
// zero or more overlay descriptors and never returns an error: failures are
// logged and collapse to an empty result.
package source

import (
	"context"

	"github.com/lifemapper/mapfront/internal/core/model"
)

type Query struct {
	ScientificName string
	CollectionCode string
	TaxonKey       string
}

type Result struct {
	Overlays []model.OverlayDescriptor
	// Details are descriptive paragraphs shown under the map.
	Details []string
}

func (r Result) Empty() bool { return len(r.Overlays) == 0 }

type Source interface {
	Name() string
	Layers(ctx context.Context, q Query) Result
}
