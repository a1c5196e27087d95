// Package view runs the map window on the server side. One View per child
// window validates what the opener sends, keeps the map state, merges the
// overlay sources as they resolve and pushes a fresh Scene to the browser
// after every change.
package view

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lifemapper/mapfront/internal/aggregate"
	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/core/observability"
	"github.com/lifemapper/mapfront/internal/logger"
	"github.com/lifemapper/mapfront/internal/mapper"
	"github.com/lifemapper/mapfront/internal/mapstate"
	"github.com/lifemapper/mapfront/internal/marker"
	"github.com/lifemapper/mapfront/internal/materialize"
	"github.com/lifemapper/mapfront/internal/messaging"
	"github.com/lifemapper/mapfront/internal/prefs"
	"github.com/lifemapper/mapfront/internal/source"
)

const (
	DefaultResolveTimeout = 250 * time.Millisecond
	DefaultMaxClusters    = 256
	// base layer choices are remembered per map instance
	baseLayerCache = "occurrence"
)

var (
	ErrMarkersNotReady = errors.New("view: markers are not built yet")
	ErrUnknownMarker   = errors.New("view: no marker at index")
)

// Poster sends a message to another window.
type Poster interface {
	Post(to messaging.WindowID, data json.RawMessage, targetOrigin string) error
}

type Renderer interface {
	Render(ctx context.Context, s Scene) error
}

type PrefStore interface {
	aggregate.Prefs
	String(ctx context.Context, k prefs.Key, def string) string
	Set(ctx context.Context, k prefs.Key, v any, opts prefs.SetOptions) error
}

// QueryResolver produces the overlay query, typically from broker lookups.
type QueryResolver func(ctx context.Context) (source.Query, error)

type Config struct {
	Opener  messaging.WindowID
	Origin  string
	Version string
	// Scope namespaces preferences, e.g. per user.
	Scope          string
	Query          source.Query
	Resolve        QueryResolver
	ResolveTimeout time.Duration
	ClusterRes     int
	// MaxClusters caps the buckets sent to the browser.
	MaxClusters   int
	GrayscaleBase bool
	IconClass     string
}

type Deps struct {
	Aggregator *aggregate.Aggregator
	Prefs      PrefStore
	Mapper     mapper.Interface
	Poster     Poster
	Renderer   Renderer
	Log        *slog.Logger
}

type View struct {
	cfg       Config
	deps      Deps
	validator messaging.Validator
	machine   *mapstate.Machine
	tracker   *marker.ClickTracker
	log       *slog.Logger

	renderMu sync.Mutex

	mu       sync.Mutex
	partials [][]model.OverlayDescriptor
	details  [][]string
	complete bool
	markers  map[int]marker.Groups
	closed   bool
	cancel   context.CancelFunc
	timer    *time.Timer
	done     chan struct{}
}

func New(cfg Config, deps Deps) *View {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.MaxClusters <= 0 {
		cfg.MaxClusters = DefaultMaxClusters
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	n := 0
	if deps.Aggregator != nil {
		n = len(deps.Aggregator.Sources())
	}
	return &View{
		cfg:       cfg,
		deps:      deps,
		validator: messaging.Validator{Opener: cfg.Opener, Origin: cfg.Origin},
		machine:   mapstate.NewMachine(deps.Log),
		tracker:   marker.NewClickTracker(),
		log:       deps.Log,
		partials:  make([][]model.OverlayDescriptor, n),
		details:   make([][]string, n),
		done:      make(chan struct{}),
	}
}

// Start announces the window to its opener and begins loading overlays.
// Without an opener or origin only the fallback timer is armed, so the map
// still renders with the default tile layers.
func (v *View) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	updates := v.machine.Subscribe()

	v.mu.Lock()
	v.cancel = cancel
	v.timer = time.AfterFunc(v.cfg.ResolveTimeout, func() {
		v.dispatch(ctx, messaging.ResolveLeafletLayersAction{TileLayers: model.DefaultTileLayers()})
	})
	v.mu.Unlock()

	go v.watch(ctx, updates)

	if v.validator.Accepting() {
		if err := v.post(messaging.LoadedAction{Version: v.cfg.Version}); err != nil {
			v.log.WarnContext(ctx, "failed to announce map window", "err", err)
		}
	}

	go func() {
		defer close(v.done)
		v.loadOverlays(ctx)
	}()
}

// Done is closed once every overlay source has answered or the view closed.
func (v *View) Done() <-chan struct{} { return v.done }

// Deliver handles an event posted to this window. Events that fail the
// opener, origin or type checks are dropped without a trace beyond a metric.
func (v *View) Deliver(e messaging.Event) {
	_, reason, ok := v.validator.Check(e)
	if !ok {
		observability.IncMessageDropped(reason)
		return
	}
	msg, err := messaging.Decode(e.Data)
	if err != nil {
		observability.IncMessageDropped(messaging.DropMalformed)
		return
	}
	if !messaging.Incoming(msg) {
		observability.IncMessageDropped("unexpected_type")
		return
	}
	v.dispatch(context.Background(), msg)
}

func (v *View) dispatch(ctx context.Context, msg messaging.Message) {
	if _, err := v.machine.Dispatch(msg); err != nil {
		v.log.ErrorContext(ctx, "map state rejected message", "type", msg.Type(), "err", err)
	}
}

// Control handles layer control and click frames from the browser.
func (v *View) Control(f messaging.Frame) {
	ctx := context.Background()
	switch f.Kind {
	case messaging.FrameClick:
		if f.Index == nil {
			return
		}
		if err := v.ClickMarker(*f.Index); err != nil {
			v.log.WarnContext(ctx, "marker click ignored", "index", *f.Index, "err", err)
		}
	case messaging.FrameLayer:
		if err := v.LayerEvent(ctx, f.Event, f.Name); err != nil {
			v.log.WarnContext(ctx, "layer preference not saved", "event", f.Event, "name", f.Name, "err", err)
		}
	}
}

// LayerEvent persists a layer control change. name is the base layer label
// for baselayerchange and the overlay id otherwise.
func (v *View) LayerEvent(ctx context.Context, event, name string) error {
	if v.deps.Prefs == nil {
		return nil
	}
	var (
		k   prefs.Key
		val any
	)
	switch event {
	case "baselayerchange":
		k, val = prefs.Key{Scope: v.cfg.Scope, Category: prefs.BaseLayer, Name: baseLayerCache}, name
	case "overlayadd", "overlayremove":
		// marker toggles report their label; store them under the layer name
		if l, ok := marker.LayerByLabel(name); ok {
			name = string(l.Name)
		}
		k, val = prefs.Key{Scope: v.cfg.Scope, Category: prefs.Overlays, Name: name}, event == "overlayadd"
	default:
		return fmt.Errorf("unknown layer event %q", event)
	}
	return v.deps.Prefs.Set(ctx, k, val, prefs.SetOptions{Overwrite: true})
}

// ClickMarker requests the full locality of a point from the opener, once
// per index. Clicking before the markers exist is a caller bug.
func (v *View) ClickMarker(index int) error {
	v.mu.Lock()
	markers := v.markers
	v.mu.Unlock()
	if markers == nil {
		return ErrMarkersNotReady
	}
	g, ok := markers[index]
	if !ok || !g.Click() {
		return fmt.Errorf("%w %d", ErrUnknownMarker, index)
	}
	return nil
}

func (v *View) requestPinInfo(index int) {
	if !v.tracker.Fire(index) {
		return
	}
	if v.cfg.Opener == "" || v.cfg.Origin == "" {
		return
	}
	if err := v.post(messaging.GetPinInfoAction{Index: index}); err != nil {
		v.log.Warn("pin info request failed", "index", index, "err", err)
	}
}

func (v *View) post(m messaging.Message) error {
	if v.deps.Poster == nil {
		return nil
	}
	b, err := messaging.Encode(m)
	if err != nil {
		return err
	}
	return v.deps.Poster.Post(v.cfg.Opener, b, v.cfg.Origin)
}

// Close stops listening. Overlay results still in flight are discarded.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	if v.timer != nil {
		v.timer.Stop()
	}
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()
	v.machine.Close()
}

func (v *View) watch(ctx context.Context, updates <-chan mapstate.State) {
	for range updates {
		v.render(ctx)
	}
}

func (v *View) loadOverlays(ctx context.Context) {
	if v.deps.Aggregator == nil {
		v.finish(ctx)
		return
	}
	q := v.cfg.Query
	if v.cfg.Resolve != nil {
		resolved, err := v.cfg.Resolve(ctx)
		if err != nil {
			// no query means no overlays; points may still render
			v.log.ErrorContext(ctx, "overlay query lookup failed", "err", err)
			v.finish(ctx)
			return
		}
		q = resolved
	}

	err := aggregate.Stream(ctx, v.deps.Aggregator.Sources(), q, func(p aggregate.Partial) {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return
		}
		v.partials[p.Index] = p.Result.Overlays
		v.details[p.Index] = p.Result.Details
		v.mu.Unlock()
		v.render(ctx)
	})
	if err != nil {
		return
	}
	v.finish(ctx)
}

func (v *View) finish(ctx context.Context) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.complete = true
	v.mu.Unlock()
	v.render(ctx)
}

// Scene renders the current state. ok is false until tile layers are known.
func (v *View) Scene(ctx context.Context) (Scene, bool) {
	st := v.machine.Snapshot()

	v.mu.Lock()
	partials := slices.Clone(v.partials)
	var details []string
	for _, d := range v.details {
		details = append(details, d...)
	}
	complete := v.complete
	v.mu.Unlock()

	groups := v.buildMarkers(st)
	if st.TileLayers == nil {
		return Scene{}, false
	}

	var overlays []model.OverlayDescriptor
	if v.deps.Aggregator != nil {
		overlays = v.deps.Aggregator.Merge(ctx, v.cfg.Scope, partials)
	}

	var built []marker.Groups
	plottable := 0
	for _, i := range sortedKeys(groups) {
		built = append(built, groups[i])
		if !groups[i].Empty() {
			plottable++
		}
	}

	// points are settled once a batch arrived or no opener can send one
	pointsKnown := st.Ready() || !v.validator.Accepting()
	s := Scene{
		Complete: complete,
		Empty:    complete && pointsKnown && len(overlays) == 0 && plottable == 0,
		Details:  append([]string{mapDescription}, details...),
	}
	if s.Empty {
		return s, true
	}

	set := materialize.MaterializeSet(st.TileLayers, v.cfg.GrayscaleBase)
	s.BaseLayer = v.chooseBaseLayer(ctx, st.TileLayers)
	for _, l := range set.BaseMaps {
		s.BaseMaps = append(s.BaseMaps, materialize.Render(l, l.Label() == s.BaseLayer))
	}
	for _, l := range set.Overlays {
		s.Overlays = append(s.Overlays, SceneLayer{
			ID:       l.Label(),
			Rendered: materialize.Render(l, v.visible(ctx, true, l.Label())),
		})
	}
	for _, d := range overlays {
		s.Overlays = append(s.Overlays, SceneLayer{
			ID:       d.ID,
			Rendered: materialize.Render(materialize.Descriptor(d), d.IsDefault),
			Legend:   d.Legend,
		})
	}

	s.Markers = marker.ToFeatureCollection(built)
	if plottable > 0 {
		for _, l := range marker.Layers {
			s.MarkerLayers = append(s.MarkerLayers, MarkerToggle{
				ID:      l.Name,
				Label:   l.Label,
				Visible: v.visible(ctx, l.Default, string(l.Name), l.Label),
			})
		}
		if v.deps.Mapper != nil {
			buckets, err := v.cluster(built)
			if err != nil {
				v.log.WarnContext(ctx, "marker clustering failed", "err", err)
			}
			s.Clusters = buckets
		}
	}
	return s, true
}

// cluster buckets the markers at the configured resolution and merges them
// into parent cells until at most MaxClusters remain.
func (v *View) cluster(built []marker.Groups) ([]marker.Bucket, error) {
	res := v.cfg.ClusterRes
	buckets, err := marker.Cluster(v.deps.Mapper, built, res)
	for err == nil && len(buckets) > v.cfg.MaxClusters && res > 0 {
		res--
		buckets, err = marker.Coarsen(v.deps.Mapper, buckets, res)
	}
	return buckets, err
}

// buildMarkers rebuilds marker groups from the state; extended locality
// replaces the batch locality when present. Markers count as built once a
// point batch has arrived.
func (v *View) buildMarkers(st mapstate.State) map[int]marker.Groups {
	if st.OccurrencePoints == nil {
		return nil
	}
	out := make(map[int]marker.Groups, len(st.OccurrencePoints))
	for i := range st.OccurrencePoints {
		l, _ := st.Locality(i)
		out[i] = marker.Build(l, marker.Options{
			Index:     i,
			OnClick:   v.requestPinInfo,
			IconClass: v.cfg.IconClass,
		})
	}
	v.mu.Lock()
	if !v.closed {
		v.markers = out
	}
	v.mu.Unlock()
	return out
}

func (v *View) chooseBaseLayer(ctx context.Context, set *model.TileLayerSet) string {
	if v.deps.Prefs != nil {
		want := v.deps.Prefs.String(ctx, prefs.Key{Scope: v.cfg.Scope, Category: prefs.BaseLayer, Name: baseLayerCache}, "")
		if _, ok := set.BaseMap(want); ok && want != "" {
			return want
		}
	}
	if _, ok := set.BaseMap(model.PreferredBaseLayer); ok {
		return model.PreferredBaseLayer
	}
	if len(set.BaseMaps) > 0 {
		return set.BaseMaps[0].Label
	}
	return ""
}

// visible reads the first stored overlay preference among names.
func (v *View) visible(ctx context.Context, def bool, names ...string) bool {
	if v.deps.Prefs == nil {
		return def
	}
	for _, n := range names {
		raw, ok, err := v.deps.Prefs.Get(ctx, prefs.Key{Scope: v.cfg.Scope, Category: prefs.Overlays, Name: n})
		if err != nil || !ok {
			continue
		}
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			return b
		}
	}
	return def
}

func (v *View) render(ctx context.Context) {
	v.renderMu.Lock()
	defer v.renderMu.Unlock()

	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return
	}
	// markers are rebuilt even without a renderer so clicks can resolve
	s, ok := v.Scene(ctx)
	if !ok || v.deps.Renderer == nil {
		return
	}
	if err := v.deps.Renderer.Render(ctx, s); err != nil {
		v.log.WarnContext(ctx, "scene not delivered", "err", err)
	}
}

func sortedKeys(m map[int]marker.Groups) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
