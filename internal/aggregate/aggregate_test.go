package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/prefs"
	"github.com/lifemapper/mapfront/internal/source"
)

type fakeSource struct {
	name  string
	delay time.Duration
	descs []model.OverlayDescriptor
	calls *atomic.Int32
}

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) Layers(ctx context.Context, _ source.Query) source.Result {
	if f.calls != nil {
		f.calls.Add(1)
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return source.Result{}
	}
	return source.Result{Overlays: f.descs, Details: []string{f.name}}
}

func desc(id, label string, def bool) model.OverlayDescriptor {
	return model.OverlayDescriptor{ID: id, Label: label, IsDefault: def, LayerOptions: map[string]any{"k": "v"}}
}

func TestRun_PreservesCallOrderRegardlessOfLatency(t *testing.T) {
	srcs := []source.Source{
		fakeSource{name: "slow", delay: 40 * time.Millisecond, descs: []model.OverlayDescriptor{desc("a:1", "A1", true), desc("a:2", "A2", false)}},
		fakeSource{name: "fast", delay: 0, descs: []model.OverlayDescriptor{desc("b:1", "B1", true)}},
		fakeSource{name: "empty"},
	}
	agg := New(srcs, nil, nil)

	start := time.Now()
	res := agg.Run(context.Background(), "s", source.Query{})
	if el := time.Since(start); el > 200*time.Millisecond {
		t.Fatalf("sources did not run concurrently: %v", el)
	}

	var ids []string
	for _, d := range res.Overlays {
		ids = append(ids, d.ID)
	}
	if len(ids) != 3 || ids[0] != "a:1" || ids[1] != "a:2" || ids[2] != "b:1" {
		t.Fatalf("order=%v", ids)
	}
	if len(res.Details) != 3 || res.Details[0] != "slow" {
		t.Fatalf("details=%v", res.Details)
	}
}

func TestMerge_DropsDuplicateIDsAndDoesNotAlias(t *testing.T) {
	agg := New(nil, nil, nil)
	in := [][]model.OverlayDescriptor{
		{desc("x", "first", true)},
		{desc("x", "second", true), desc("y", "Y", false)},
	}
	out := agg.Merge(context.Background(), "s", in)
	if len(out) != 2 || out[0].Label != "first" || out[1].ID != "y" {
		t.Fatalf("unexpected merge %+v", out)
	}
	out[0].LayerOptions["k"] = "changed"
	if in[0][0].LayerOptions["k"] != "v" {
		t.Fatalf("merge output aliases its input")
	}
}

func TestMerge_VisibilityFromPreferences(t *testing.T) {
	ctx := context.Background()
	store := prefs.New(prefs.NewMemory(16))
	_ = store.Set(ctx, prefs.Key{Scope: "s", Category: prefs.Overlays, Name: "gbif:density"}, false, prefs.SetOptions{Overwrite: true})
	// label-keyed value from an older client
	_ = store.Set(ctx, prefs.Key{Scope: "s", Category: prefs.Overlays, Name: "iDigBio"}, false, prefs.SetOptions{Overwrite: true})
	// other scope does not leak
	_ = store.Set(ctx, prefs.Key{Scope: "other", Category: prefs.Overlays, Name: "projection:raster:2"}, true, prefs.SetOptions{Overwrite: true})

	agg := New(nil, store, nil)
	out := agg.Merge(ctx, "s", [][]model.OverlayDescriptor{{
		desc("gbif:density", "GBIF", true),
		desc("idigbio:all", "iDigBio", true),
		desc("projection:raster:2", "Model (2)", false),
		desc("projection:raster:1", "Model (1)", true),
	}})

	want := []bool{false, false, false, true}
	for i, d := range out {
		if d.IsDefault != want[i] {
			t.Fatalf("%s visible=%v want %v", d.ID, d.IsDefault, want[i])
		}
	}
}

type brokenPrefs struct{}

func (brokenPrefs) Get(context.Context, prefs.Key) (json.RawMessage, bool, error) {
	return nil, false, errors.New("down")
}

func TestVisible_ReadFailureFallsBackToSuggestion(t *testing.T) {
	agg := New(nil, brokenPrefs{}, nil)
	if !agg.Visible(context.Background(), "s", desc("a", "A", true)) {
		t.Fatalf("expected adapter suggestion on read failure")
	}
}

func TestStream_EmitsAsResolvedWithIndex(t *testing.T) {
	srcs := []source.Source{
		fakeSource{name: "slow", delay: 30 * time.Millisecond, descs: []model.OverlayDescriptor{desc("a", "A", true)}},
		fakeSource{name: "fast", descs: []model.OverlayDescriptor{desc("b", "B", true)}},
	}
	var got []Partial
	if err := Stream(context.Background(), srcs, source.Query{}, func(p Partial) { got = append(got, p) }); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("partials=%d want 2", len(got))
	}
	if got[0].Source != "fast" || got[0].Index != 1 || got[1].Index != 0 {
		t.Fatalf("unexpected emission order %+v", got)
	}
}

func TestStream_StopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	srcs := []source.Source{
		fakeSource{name: "hang", delay: time.Hour, calls: &calls},
		fakeSource{name: "hang2", delay: time.Hour, calls: &calls},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Stream(ctx, srcs, source.Query{}, func(Partial) { t.Errorf("nothing should be emitted") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}
