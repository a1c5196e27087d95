// Package router holds the JSON API handlers: overlays for the parent page,
// marker geometry, and the preference store.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/lifemapper/mapfront/internal/aggregate"
	"github.com/lifemapper/mapfront/internal/broker"
	"github.com/lifemapper/mapfront/internal/core/model"
	"github.com/lifemapper/mapfront/internal/logger"
	"github.com/lifemapper/mapfront/internal/mapper"
	"github.com/lifemapper/mapfront/internal/marker"
	"github.com/lifemapper/mapfront/internal/prefs"
	"github.com/lifemapper/mapfront/internal/source"
	"github.com/lifemapper/mapfront/internal/view"
)

const maxBodyBytes = 4 << 20

type OverlayService interface {
	Run(ctx context.Context, scope string, q source.Query) aggregate.Result
}

type PrefStore interface {
	Value(ctx context.Context, k prefs.Key) (json.RawMessage, error)
	Set(ctx context.Context, k prefs.Key, v any, opts prefs.SetOptions) error
}

type API struct {
	Overlays   OverlayService
	Broker     view.Lookup
	Prefs      PrefStore
	Mapper     mapper.Interface
	ClusterRes int
	Log        *slog.Logger
}

func (a API) log() *slog.Logger {
	if a.Log == nil {
		return logger.Discard()
	}
	return a.Log
}

type overlaysResponse struct {
	Overlays []model.OverlayDescriptor `json:"overlays"`
	Details  []string                  `json:"details"`
	Stats    map[string]string         `json:"stats,omitempty"`
}

// HandleOverlays aggregates the overlays for a species. Nothing to show
// answers 204.
func (a API) HandleOverlays(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := source.Query{
		ScientificName: strings.TrimSpace(params.Get("namestr")),
		CollectionCode: strings.TrimSpace(params.Get("collectioncode")),
		TaxonKey:       strings.TrimSpace(params.Get("taxonkey")),
	}
	occid := strings.TrimSpace(params.Get("occid"))
	if occid == "" && q == (source.Query{}) {
		http.Error(w, "missing required parameter: one of namestr, taxonkey, collectioncode, occid", http.StatusBadRequest)
		return
	}

	var stats map[string]string
	if a.Broker != nil && (occid != "" || q.ScientificName != "") {
		var occ, name []broker.BrokerRecord
		var err error
		if occid != "" {
			if occ, err = a.Broker.Occurrence(r.Context(), occid); err != nil {
				a.log().ErrorContext(r.Context(), "occurrence lookup failed", "occid", occid, "err", err)
				http.Error(w, "upstream lookup failed", http.StatusBadGateway)
				return
			}
		}
		if q.ScientificName != "" {
			if name, err = a.Broker.Name(r.Context(), q.ScientificName); err != nil {
				a.log().ErrorContext(r.Context(), "name lookup failed", "namestr", q.ScientificName, "err", err)
				http.Error(w, "upstream lookup failed", http.StatusBadGateway)
				return
			}
		}
		if broker.NoData(occ, name) && q.TaxonKey == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		q = view.Merge(q, view.QueryFrom(broker.NewLayerQuery(occ, name)))
		if sp := broker.StatsParams(occ); len(sp) > 0 {
			stats = map[string]string{}
			for k := range sp {
				stats[k] = sp.Get(k)
			}
		}
	}

	res := a.Overlays.Run(r.Context(), params.Get("scope"), q)
	if len(res.Overlays) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, overlaysResponse{Overlays: res.Overlays, Details: res.Details, Stats: stats})
}

type markersResponse struct {
	Markers  *geojson.FeatureCollection `json:"markers"`
	Clusters []marker.Bucket            `json:"clusters,omitempty"`
}

// HandleMarkers builds marker geometry from a single locality object or an
// array of occurrences. Optional bbox keeps only features inside it; res
// sets the cluster resolution.
func (a API) HandleMarkers(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	occs, err := ParseMarkerBody(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := a.ClusterRes
	if v := strings.TrimSpace(r.URL.Query().Get("res")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 15 {
			http.Error(w, "invalid res: must be an integer in [0,15]", http.StatusBadRequest)
			return
		}
		res = n
	}
	var bound *orb.Bound
	if v := strings.TrimSpace(r.URL.Query().Get("bbox")); v != "" {
		b, err := ParseBBox(v)
		if err != nil {
			http.Error(w, "invalid bbox: "+err.Error(), http.StatusBadRequest)
			return
		}
		bound = &b
	}

	groups := make([]marker.Groups, 0, len(occs))
	for i, o := range occs {
		g := marker.Build(o.LocalityData, marker.Options{Index: i})
		if bound != nil && !inBound(g, *bound) {
			continue
		}
		groups = append(groups, g)
	}

	out := markersResponse{Markers: marker.ToFeatureCollection(groups)}
	if a.Mapper != nil {
		buckets, err := marker.Cluster(a.Mapper, groups, res)
		if err != nil {
			a.log().WarnContext(r.Context(), "marker clustering failed", "err", err)
		}
		out.Clusters = buckets
	}
	writeJSON(w, http.StatusOK, out)
}

// ParseMarkerBody accepts a LocalityData object or an OccurrenceData array.
func ParseMarkerBody(body []byte) ([]model.OccurrenceData, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var occs []model.OccurrenceData
		if err := json.Unmarshal(body, &occs); err != nil {
			return nil, fmt.Errorf("parse occurrences: %w", err)
		}
		return occs, nil
	}
	var l model.LocalityData
	if err := json.Unmarshal(body, &l); err != nil {
		return nil, fmt.Errorf("parse locality: %w", err)
	}
	return []model.OccurrenceData{{LocalityData: l}}, nil
}

func inBound(g marker.Groups, b orb.Bound) bool {
	for _, m := range g.Points() {
		if b.Contains(m.Point) {
			return true
		}
	}
	for _, s := range g.Polygon {
		if b.Intersects(s.Geometry.Bound()) {
			return true
		}
	}
	return false
}

// ParseBBox reads "x1,y1,x2,y2" with an optional trailing EPSG:4326.
func ParseBBox(v string) (orb.Bound, error) {
	parts := strings.Split(v, ",")
	if len(parts) == 5 {
		if srid := strings.ToUpper(strings.TrimSpace(parts[4])); srid != "EPSG:4326" {
			return orb.Bound{}, fmt.Errorf("only EPSG:4326 is supported (got %q)", srid)
		}
		parts = parts[:4]
	}
	if len(parts) != 4 {
		return orb.Bound{}, errors.New("expected 4 comma-separated values: x1,y1,x2,y2")
	}
	var f [4]float64
	for i, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("value %d: %w", i+1, err)
		}
		f[i] = n
	}
	xMin, yMin, xMax, yMax := f[0], f[1], f[2], f[3]
	if !(xMin >= -180 && xMin <= 180 && xMax >= -180 && xMax <= 180) {
		return orb.Bound{}, errors.New("longitude must be in [-180,180]")
	}
	if !(yMin >= -90 && yMin <= 90 && yMax >= -90 && yMax <= 90) {
		return orb.Bound{}, errors.New("latitude must be in [-90,90]")
	}
	if xMax <= xMin || yMax <= yMin {
		return orb.Bound{}, errors.New("coordinates must satisfy x2>x1 and y2>y1")
	}
	return orb.Bound{Min: orb.Point{xMin, yMin}, Max: orb.Point{xMax, yMax}}, nil
}

func (a API) prefKey(r *http.Request) prefs.Key {
	return prefs.Key{
		Scope:    r.URL.Query().Get("scope"),
		Category: prefs.Category(chi.URLParam(r, "category")),
		Name:     chi.URLParam(r, "key"),
	}
}

func (a API) HandleGetPref(w http.ResponseWriter, r *http.Request) {
	k := a.prefKey(r)
	if !k.Category.Valid() {
		http.Error(w, fmt.Sprintf("unknown category %q", k.Category), http.StatusBadRequest)
		return
	}
	raw, err := a.Prefs.Value(r.Context(), k)
	switch {
	case errors.Is(err, prefs.ErrNotFound):
		http.Error(w, "preference not found", http.StatusNotFound)
		return
	case err != nil:
		a.log().ErrorContext(r.Context(), "preference read failed", "err", err)
		http.Error(w, "preference store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// HandlePutPref always overwrites; the last writer wins.
func (a API) HandlePutPref(w http.ResponseWriter, r *http.Request) {
	k := a.prefKey(r)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	v, err := k.Category.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.Prefs.Set(r.Context(), k, v, prefs.SetOptions{Overwrite: true}); err != nil {
		a.log().ErrorContext(r.Context(), "preference write failed", "err", err)
		http.Error(w, "preference store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
