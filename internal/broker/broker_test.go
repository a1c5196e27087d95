package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func rec(provider string, fields map[string]any) BrokerRecord {
	return BrokerRecord{Record: Record(fields), Provider: Provider{Code: provider}}
}

func TestEnvelope_Valid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"ok", `{"errors":{},"records":[{"errors":{},"records":[{"a":1}]}]}`, true},
		{"missing errors", `{"records":[{"records":[{"a":1}]}]}`, true},
		{"top errors", `{"errors":{"x":"boom"},"records":[{"records":[{"a":1}]}]}`, false},
		{"inner errors", `{"errors":{},"records":[{"errors":{"warning":"w"},"records":[{"a":1}]}]}`, false},
		{"no providers", `{"errors":{},"records":[]}`, false},
		{"no records", `{"errors":{},"records":[{"errors":{},"records":[]}]}`, false},
		{"empty list errors", `{"errors":[],"records":[{"records":[{"a":1}]}]}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var env Envelope
			if err := json.Unmarshal([]byte(tc.raw), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := env.Valid(); got != tc.want {
				t.Fatalf("Valid=%v want %v", got, tc.want)
			}
		})
	}
}

func TestExtractField_PrefersProviderThenFirstNonEmpty(t *testing.T) {
	recs := []BrokerRecord{
		rec("gbif", map[string]any{"dwc:scientificName": "", "k": float64(212)}),
		rec("idb", map[string]any{"dwc:scientificName": "Puma concolor"}),
		rec("mopho", map[string]any{"dwc:scientificName": "Felis concolor"}),
	}

	if v, ok := ExtractField(recs, "mopho", "dwc:scientificName"); !ok || v != "Felis concolor" {
		t.Fatalf("provider value: %q,%v", v, ok)
	}
	// gbif has an empty value, so the first non-empty one wins
	if v, ok := ExtractField(recs, "gbif", "dwc:scientificName"); !ok || v != "Puma concolor" {
		t.Fatalf("fallback value: %q,%v", v, ok)
	}
	if v, ok := ExtractField(recs, "idb", "k"); !ok || v != "212" {
		t.Fatalf("numeric value: %q,%v", v, ok)
	}
	if _, ok := ExtractField(recs, "idb", "missing"); ok {
		t.Fatalf("missing field should not be found")
	}
}

func TestNewLayerQuery(t *testing.T) {
	occ := []BrokerRecord{
		rec("idb", map[string]any{"dwc:scientificName": "Puma concolor", "dwc:collectionCode": "KUM"}),
	}
	name := []BrokerRecord{
		rec("gbif", map[string]any{"s2n:canonical_name": "Puma", "s2n:gbif_taxon_key": float64(2435099)}),
	}

	q := NewLayerQuery(occ, name)
	if q.ScientificName != "Puma concolor" || q.CollectionCode != "KUM" || q.TaxonKey != "2435099" {
		t.Fatalf("unexpected query %+v", q)
	}

	q = NewLayerQuery(nil, name)
	if q.ScientificName != "Puma" || q.CollectionCode != "" {
		t.Fatalf("fallback query %+v", q)
	}

	if !NoData(nil, nil) || NoData(occ, nil) {
		t.Fatalf("NoData mismatch")
	}
}

func TestStatsParams(t *testing.T) {
	occ := []BrokerRecord{
		rec("gbif", map[string]any{"dwc:institutionCode": "KU", "gbif:publishingOrgKey": "org-1", "dwc:collectionCode": "G"}),
		rec("idb", map[string]any{"dwc:collectionCode": "KUM"}),
	}
	got := StatsParams(occ)
	if got.Get("institution_code") != "KU" || got.Get("collection_code") != "KUM" || got.Get("publishing_org_key") != "org-1" {
		t.Fatalf("unexpected params %v", got)
	}
	if len(StatsParams(nil)) != 0 {
		t.Fatalf("no records should produce no params")
	}
}

func TestClient_FetchAllOrdersByProviderAndSkipsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/occ/" || r.URL.Query().Get("occid") != "abc" {
			http.NotFound(w, r)
			return
		}
		p := r.URL.Query().Get("provider")
		switch p {
		case "gbif":
			time.Sleep(20 * time.Millisecond) // answer last
			_, _ = w.Write([]byte(`{"service":"occ","errors":{},"records":[{"provider":{"code":"gbif"},"errors":{},"records":[{"dwc:collectionCode":"G"}]}]}`))
		case "idb":
			_, _ = w.Write([]byte(`{"service":"occ","errors":{},"records":[{"provider":{"code":"idb"},"errors":{},"records":[{"dwc:collectionCode":"I"}]}]}`))
		case "mopho":
			_, _ = w.Write([]byte(`{"errors":{"error":"down"},"records":[]}`))
		default:
			http.Error(w, "bad", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", OccProviders: []string{"gbif", "idb", "mopho", "specify"}}, srv.Client(), nil)
	recs, err := c.Occurrence(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Occurrence: %v", err)
	}
	if len(recs) != 2 || recs[0].Provider.Code != "gbif" || recs[1].Provider.Code != "idb" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if recs[0].Service != "occ" {
		t.Fatalf("service not carried: %+v", recs[0])
	}

	none, err := c.Occurrence(context.Background(), "")
	if err != nil || none != nil {
		t.Fatalf("empty occid should short-circuit: %v %v", none, err)
	}
}
