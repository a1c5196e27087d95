// Package mapstate holds what the map window knows: the tile configuration,
// the occurrence batch to plot and the detailed locality fetched per point.
package mapstate

import (
	"errors"
	"fmt"
	"maps"

	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/messaging"
)

// ErrUnhandledMessage means a message the child only ever sends reached the
// reducer. That is a wiring bug, not bad input.
var ErrUnhandledMessage = errors.New("mapstate: unhandled message")

type State struct {
	TileLayers *model.TileLayerSet
	// nil until the opener sends a batch; an empty batch is a valid value
	OccurrencePoints         []model.OccurrenceData
	ExtendedOccurrencePoints map[int]model.LocalityData
}

// Ready reports whether both tile layers and a point batch are known.
func (s State) Ready() bool {
	return s.TileLayers != nil && s.OccurrencePoints != nil
}

// Locality returns the extended locality for index when fetched, else the
// one from the batch.
func (s State) Locality(index int) (model.LocalityData, bool) {
	if l, ok := s.ExtendedOccurrencePoints[index]; ok {
		return l, true
	}
	if index < 0 || index >= len(s.OccurrencePoints) {
		return nil, false
	}
	return s.OccurrencePoints[index].LocalityData, true
}

// Reduce applies m to s and returns the next state. s is never mutated.
func Reduce(s State, m messaging.Message) (State, error) {
	switch a := m.(type) {
	case messaging.BasicInformationAction:
		s.TileLayers = a.LeafletLayers
	case messaging.ResolveLeafletLayersAction:
		if s.TileLayers == nil {
			s.TileLayers = a.TileLayers
		}
	case messaging.LocalOccurrencesAction:
		pts := a.Occurrences
		if pts == nil {
			pts = []model.OccurrenceData{}
		}
		s.OccurrencePoints = pts
	case messaging.PointDataAction:
		// the index may point past the current batch; it is kept anyway
		next := make(map[int]model.LocalityData, len(s.ExtendedOccurrencePoints)+1)
		maps.Copy(next, s.ExtendedOccurrencePoints)
		next[a.Index] = a.LocalityData
		s.ExtendedOccurrencePoints = next
	case messaging.LoadedAction, messaging.GetPinInfoAction:
		return s, fmt.Errorf("%w: %s", ErrUnhandledMessage, m.Type())
	default:
		return s, fmt.Errorf("%w: %T", ErrUnhandledMessage, m)
	}
	return s, nil
}
