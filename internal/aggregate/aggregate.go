// Package aggregate runs the overlay adapters concurrently and merges their
// layers into one ordered list with visibility resolved from preferences.
package aggregate

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
	"github.com/lifemapper/mapfront/internal/prefs"
	"github.com/lifemapper/mapfront/internal/source"
)

// Prefs is the read side of the preference store.
type Prefs interface {
	Get(ctx context.Context, k prefs.Key) (json.RawMessage, bool, error)
}

type Aggregator struct {
	sources []source.Source
	prefs   Prefs
	log     *slog.Logger
}

func New(sources []source.Source, p Prefs, log *slog.Logger) *Aggregator {
	if log == nil {
		log = logger.Discard()
	}
	return &Aggregator{sources: sources, prefs: p, log: log}
}

func (a *Aggregator) Sources() []source.Source { return a.sources }

// Result is the merged outcome of one aggregation.
type Result struct {
	Overlays []model.OverlayDescriptor
	Details  []string
}

// Run queries every adapter and merges the results in adapter order.
func (a *Aggregator) Run(ctx context.Context, scope string, q source.Query) Result {
	results := Collect(ctx, a.sources, q)

	layers := make([][]model.OverlayDescriptor, len(results))
	var details []string
	for i, r := range results {
		layers[i] = r.Overlays
		details = append(details, r.Details...)
	}
	return Result{Overlays: a.Merge(ctx, scope, layers), Details: details}
}

// Merge flattens results in order, drops repeated IDs after the first, and
// resolves each layer's visibility. Inputs are not modified.
func (a *Aggregator) Merge(ctx context.Context, scope string, results [][]model.OverlayDescriptor) []model.OverlayDescriptor {
	seen := map[string]struct{}{}
	out := []model.OverlayDescriptor{}
	for _, group := range results {
		for _, d := range group {
			if _, dup := seen[d.ID]; dup {
				a.log.WarnContext(ctx, "duplicate overlay id dropped", "id", d.ID, "label", d.Label)
				continue
			}
			seen[d.ID] = struct{}{}
			c := d.Clone()
			c.IsDefault = a.Visible(ctx, scope, d)
			out = append(out, c)
		}
	}
	observability.ObserveOverlaysMerged(len(out))
	return out
}

// Visible returns the stored visibility for d, looked up by ID and then by
// label for values written before overlays had IDs. Without a stored value
// the adapter's suggestion wins.
func (a *Aggregator) Visible(ctx context.Context, scope string, d model.OverlayDescriptor) bool {
	if a.prefs == nil {
		return d.IsDefault
	}
	for _, name := range []string{d.ID, d.Label} {
		if name == "" {
			continue
		}
		raw, ok, err := a.prefs.Get(ctx, prefs.Key{Scope: scope, Category: prefs.Overlays, Name: name})
		if err != nil {
			a.log.WarnContext(ctx, "overlay preference read failed", "id", d.ID, "err", err)
			return d.IsDefault
		}
		if !ok {
			continue
		}
		var v bool
		if json.Unmarshal(raw, &v) == nil {
			return v
		}
	}
	return d.IsDefault
}

// Collect calls every source concurrently and returns the results in call
// order. Total latency is that of the slowest source.
func Collect(ctx context.Context, sources []source.Source, q source.Query) []source.Result {
	out := make([]source.Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sources {
		g.Go(func() error {
			out[i] = s.Layers(gctx, q)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Partial is one source's result as it resolves. Index is the source's call
// position so consumers can restore the deterministic order.
type Partial struct {
	Index  int
	Source string
	Result source.Result
}

// Stream is Collect that hands each result to emit as soon as it resolves.
// emit runs on the caller's goroutine, one partial at a time. Stream returns
// early when ctx is done; partials not yet emitted are dropped.
func Stream(ctx context.Context, sources []source.Source, q source.Query, emit func(Partial)) error {
	ch := make(chan Partial, len(sources))
	for i, s := range sources {
		go func() {
			ch <- Partial{Index: i, Source: s.Name(), Result: s.Layers(ctx, q)}
		}()
	}
	for range sources {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-ch:
			if err := ctx.Err(); err != nil {
				return err
			}
			emit(p)
		}
	}
	return nil
}
