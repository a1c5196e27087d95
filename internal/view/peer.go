package view

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lifemapper/mapfront/internal/aggregate"
	"github.com/lifemapper/mapfront/internal/broker"
	"github.com/lifemapper/mapfront/internal/logger"
	"github.com/lifemapper/mapfront/internal/mapper"
	"github.com/lifemapper/mapfront/internal/messaging"
	"github.com/lifemapper/mapfront/internal/source"
)

// RoleMap marks a websocket connection as a map window; other windows are
// plain relay endpoints.
const RoleMap = "map"

// Lookup is the broker side used to derive the overlay query.
type Lookup interface {
	Occurrence(ctx context.Context, occid string) ([]broker.BrokerRecord, error)
	Name(ctx context.Context, namestr string) ([]broker.BrokerRecord, error)
}

// Factory builds a View for every map window that connects to the hub.
type Factory struct {
	Aggregator     *aggregate.Aggregator
	Prefs          PrefStore
	Mapper         mapper.Interface
	Broker         Lookup
	Version        string
	ResolveTimeout time.Duration
	ClusterRes     int
	MaxClusters    int
	Log            *slog.Logger
}

// Attach satisfies messaging.PeerFactory. It reads the window's handshake
// query: role, opener, origin, scope, grayscale and the overlay
// identifiers occid, namestr, collectioncode and taxonkey.
func (f Factory) Attach(ctx context.Context, w *messaging.Window) messaging.Peer {
	q := w.Query()
	if q.Get("role") != RoleMap {
		return nil
	}
	log := f.Log
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("window_id", string(w.ID()))

	origin := q.Get("origin")
	if !strings.HasPrefix(origin, "http") {
		origin = ""
	}
	gray, _ := strconv.ParseBool(q.Get("grayscale"))

	cfg := Config{
		Opener:         messaging.WindowID(q.Get("opener")),
		Origin:         origin,
		Version:        f.Version,
		Scope:          q.Get("scope"),
		ResolveTimeout: f.ResolveTimeout,
		ClusterRes:     f.ClusterRes,
		MaxClusters:    f.MaxClusters,
		GrayscaleBase:  gray,
		Resolve: f.resolver(q.Get("occid"), source.Query{
			ScientificName: q.Get("namestr"),
			CollectionCode: q.Get("collectioncode"),
			TaxonKey:       q.Get("taxonkey"),
		}),
	}
	log.DebugContext(ctx, "map window attached", "opener", string(cfg.Opener), "origin", origin)

	return New(cfg, Deps{
		Aggregator: f.Aggregator,
		Prefs:      f.Prefs,
		Mapper:     f.Mapper,
		Poster:     w,
		Renderer:   WindowRenderer{W: w},
		Log:        log,
	})
}

// resolver fills what the handshake did not say from broker lookups.
// Explicit query parameters win over broker values.
func (f Factory) resolver(occid string, given source.Query) QueryResolver {
	return func(ctx context.Context) (source.Query, error) {
		if f.Broker == nil || (occid == "" && given.ScientificName == "") {
			return given, nil
		}
		var occ, name []broker.BrokerRecord
		var err error
		if occid != "" {
			if occ, err = f.Broker.Occurrence(ctx, occid); err != nil {
				return source.Query{}, fmt.Errorf("occurrence %s: %w", occid, err)
			}
		}
		if given.ScientificName != "" {
			if name, err = f.Broker.Name(ctx, given.ScientificName); err != nil {
				return source.Query{}, fmt.Errorf("name %s: %w", given.ScientificName, err)
			}
		}
		return Merge(given, QueryFrom(broker.NewLayerQuery(occ, name))), nil
	}
}

// Merge returns q with its empty fields taken from fallback.
func Merge(q, fallback source.Query) source.Query {
	if q.ScientificName == "" {
		q.ScientificName = fallback.ScientificName
	}
	if q.CollectionCode == "" {
		q.CollectionCode = fallback.CollectionCode
	}
	if q.TaxonKey == "" {
		q.TaxonKey = fallback.TaxonKey
	}
	return q
}

// QueryFrom converts broker identifiers into adapter input.
func QueryFrom(q broker.LayerQuery) source.Query {
	return source.Query{
		ScientificName: q.ScientificName,
		CollectionCode: q.CollectionCode,
		TaxonKey:       q.TaxonKey,
	}
}

type sender interface {
	Send(f messaging.Frame) error
}

// WindowRenderer pushes scenes down the window's websocket.
type WindowRenderer struct {
	W sender
}

func (r WindowRenderer) Render(_ context.Context, s Scene) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	return r.W.Send(messaging.Frame{Kind: messaging.FrameScene, Data: b})
}
