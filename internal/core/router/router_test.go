package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/lifemapper/mapfront/internal/aggregate"
	"github.com/lifemapper/mapfront/internal/broker"
	"github.com/lifemapper/mapfront/internal/core/model"
	h3mapper "github.com/lifemapper/mapfront/internal/mapper/h3"
	"github.com/lifemapper/mapfront/internal/prefs"
	"github.com/lifemapper/mapfront/internal/source"
)

type fakeOverlays struct {
	got source.Query
	res aggregate.Result
}

func (f *fakeOverlays) Run(_ context.Context, _ string, q source.Query) aggregate.Result {
	f.got = q
	return f.res
}

type fakeLookup struct {
	occ, name []broker.BrokerRecord
}

func (f fakeLookup) Occurrence(context.Context, string) ([]broker.BrokerRecord, error) {
	return f.occ, nil
}

func (f fakeLookup) Name(context.Context, string) ([]broker.BrokerRecord, error) {
	return f.name, nil
}

func routes(a API) http.Handler {
	r := chi.NewRouter()
	r.Get("/overlays", a.HandleOverlays)
	r.Post("/markers", a.HandleMarkers)
	r.Get("/prefs/{category}/{key}", a.HandleGetPref)
	r.Put("/prefs/{category}/{key}", a.HandlePutPref)
	return r
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestParseBBox_Valid(t *testing.T) {
	b, err := ParseBBox("11.0,55.0,12.0,56.0,EPSG:4326")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := orb.Bound{Min: orb.Point{11, 55}, Max: orb.Point{12, 56}}
	if b != want {
		t.Fatalf("got %+v want %+v", b, want)
	}
}

func TestParseBBox_Invalid(t *testing.T) {
	for _, v := range []string{
		"11,55,12,56,EPSG:3857",
		"11,55,12",
		"12,55,11,56",
		"11,-95,12,56",
		"a,55,12,56",
	} {
		if _, err := ParseBBox(v); err == nil {
			t.Fatalf("expected error for %q", v)
		}
	}
}

func TestParseMarkerBody(t *testing.T) {
	occs, err := ParseMarkerBody([]byte(`{"latitude1":{"headerName":"Lat","value":10},"longitude1":{"headerName":"Lng","value":20}}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(occs) != 1 {
		t.Fatalf("got %d occurrences, want 1", len(occs))
	}
	if v, ok := occs[0].LocalityData.Number(model.FieldLatitude1); !ok || v != 10 {
		t.Fatalf("latitude1 = %v, %v", v, ok)
	}

	occs, err = ParseMarkerBody([]byte(` [{"localityId":1,"localityData":{}},{"localityId":2,"localityData":{}}]`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(occs) != 2 || occs[1].LocalityID != 2 {
		t.Fatalf("unexpected occurrences: %+v", occs)
	}

	if _, err := ParseMarkerBody([]byte("  ")); err == nil {
		t.Fatal("expected error for empty body")
	}
	if _, err := ParseMarkerBody([]byte("[1,2")); err == nil {
		t.Fatal("expected error for malformed array")
	}
}

func TestHandleOverlays_RequiresIdentifier(t *testing.T) {
	rec := do(routes(API{Overlays: &fakeOverlays{}}), http.MethodGet, "/overlays", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleOverlays_NoOverlays(t *testing.T) {
	rec := do(routes(API{Overlays: &fakeOverlays{}}), http.MethodGet, "/overlays?taxonkey=1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHandleOverlays_FillsFromBroker(t *testing.T) {
	ov := &fakeOverlays{res: aggregate.Result{
		Overlays: []model.OverlayDescriptor{{ID: "gbif", Label: "GBIF"}},
		Details:  []string{"about"},
	}}
	a := API{Overlays: ov, Broker: fakeLookup{
		occ: []broker.BrokerRecord{{Provider: broker.Provider{Code: "idb"}, Record: broker.Record{
			"dwc:scientificName": "Puma concolor",
		}}},
		name: []broker.BrokerRecord{{Provider: broker.Provider{Code: "gbif"}, Record: broker.Record{"s2n:gbif_taxon_key": "2435099"}}},
	}}
	rec := do(routes(a), http.MethodGet, "/overlays?occid=abc&namestr=Puma+concolor", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	want := source.Query{ScientificName: "Puma concolor", TaxonKey: "2435099"}
	if ov.got != want {
		t.Fatalf("query = %+v, want %+v", ov.got, want)
	}
	var body overlaysResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Overlays) != 1 || body.Overlays[0].ID != "gbif" || body.Details[0] != "about" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHandleOverlays_BrokerNoData(t *testing.T) {
	rec := do(routes(API{Overlays: &fakeOverlays{}, Broker: fakeLookup{}}), http.MethodGet, "/overlays?occid=abc", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

const twoPoints = `[
 {"localityId":1,"localityData":{"latitude1":{"headerName":"Lat","value":10},"longitude1":{"headerName":"Lng","value":20}}},
 {"localityId":2,"localityData":{"latitude1":{"headerName":"Lat","value":-40},"longitude1":{"headerName":"Lng","value":150}}}
]`

func TestHandleMarkers(t *testing.T) {
	a := API{Mapper: h3mapper.New(), ClusterRes: 2}
	rec := do(routes(a), http.MethodPost, "/markers", twoPoints)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Markers struct {
			Features []json.RawMessage `json:"features"`
		} `json:"markers"`
		Clusters []json.RawMessage `json:"clusters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Markers.Features) != 2 {
		t.Fatalf("features = %d, want 2", len(body.Markers.Features))
	}
	if len(body.Clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(body.Clusters))
	}

	rec = do(routes(a), http.MethodPost, "/markers?bbox=0,0,30,30", twoPoints)
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Markers.Features) != 1 {
		t.Fatalf("bbox features = %d, want 1", len(body.Markers.Features))
	}
}

func TestHandleMarkers_BadInput(t *testing.T) {
	h := routes(API{})
	for _, tc := range []struct{ target, body string }{
		{"/markers", ""},
		{"/markers?res=16", twoPoints},
		{"/markers?bbox=1,2", twoPoints},
	} {
		if rec := do(h, http.MethodPost, tc.target, tc.body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.target, rec.Code)
		}
	}
}

func TestPrefs_RoundTrip(t *testing.T) {
	h := routes(API{Prefs: prefs.New(prefs.NewMemory(16))})

	if rec := do(h, http.MethodGet, "/prefs/leafletOverlays/gbif", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing pref status = %d, want 404", rec.Code)
	}
	if rec := do(h, http.MethodPut, "/prefs/leafletOverlays/gbif", "false"); rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d, want 204", rec.Code)
	}
	rec := do(h, http.MethodGet, "/prefs/leafletOverlays/gbif", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "false" {
		t.Fatalf("get = %d %q", rec.Code, rec.Body.String())
	}

	// last writer wins
	do(h, http.MethodPut, "/prefs/leafletBaseLayer/occurrence", `"Satellite"`)
	do(h, http.MethodPut, "/prefs/leafletBaseLayer/occurrence", `"Street Map"`)
	rec = do(h, http.MethodGet, "/prefs/leafletBaseLayer/occurrence", "")
	if strings.TrimSpace(rec.Body.String()) != `"Street Map"` {
		t.Fatalf("base layer = %q", rec.Body.String())
	}

	// scopes are independent
	if rec := do(h, http.MethodGet, "/prefs/leafletOverlays/gbif?scope=other", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("scoped pref status = %d, want 404", rec.Code)
	}
}

func TestPrefs_Rejects(t *testing.T) {
	h := routes(API{Prefs: prefs.New(prefs.NewMemory(16))})
	if rec := do(h, http.MethodGet, "/prefs/colors/x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown category status = %d, want 400", rec.Code)
	}
	if rec := do(h, http.MethodPut, "/prefs/leafletOverlays/gbif", `"yes"`); rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong type status = %d, want 400", rec.Code)
	}
}
