package broker

import (
	"net/url"
)

// BrokerRecord is the first record a provider returned for a lookup.
type BrokerRecord struct {
	Record   Record
	Service  string
	Provider Provider
}

// ExtractField returns provider's value for field; when that provider has
// none, the first non-empty value from any provider in order.
func ExtractField(records []BrokerRecord, provider, field string) (string, bool) {
	var fallback string
	found := false
	for _, r := range records {
		v, ok := r.Record.Text(field)
		if !ok {
			continue
		}
		if r.Provider.Code == provider {
			return v, true
		}
		if !found {
			fallback, found = v, true
		}
	}
	return fallback, found
}

// providerField is ExtractField without the cross-provider fallback.
func providerField(records []BrokerRecord, provider, field string) (string, bool) {
	for _, r := range records {
		if r.Provider.Code != provider {
			continue
		}
		return r.Record.Text(field)
	}
	return "", false
}

// LayerQuery holds the identifiers the overlay adapters need.
type LayerQuery struct {
	ScientificName string
	CollectionCode string
	TaxonKey       string
}

// NewLayerQuery derives adapter inputs from the occurrence and name lookups.
// The scientific name prefers the iDigBio occurrence record and falls back to
// the canonical name reported by GBIF.
func NewLayerQuery(occurrence, name []BrokerRecord) LayerQuery {
	var q LayerQuery
	if v, ok := providerField(occurrence, "idb", "dwc:scientificName"); ok {
		q.ScientificName = v
	} else if v, ok := providerField(name, "gbif", "s2n:canonical_name"); ok {
		q.ScientificName = v
	}
	q.CollectionCode, _ = providerField(occurrence, "idb", "dwc:collectionCode")
	q.TaxonKey, _ = providerField(name, "gbif", "s2n:gbif_taxon_key")
	return q
}

// NoData reports that neither lookup produced anything to show.
func NoData(occurrence, name []BrokerRecord) bool {
	return len(occurrence) == 0 && len(name) == 0
}

type statsParam struct {
	name      string
	key       string
	providers []string
}

var statsParams = []statsParam{
	{name: "institution_code", key: "dwc:institutionCode", providers: []string{"idb", "gbif"}},
	{name: "collection_code", key: "dwc:collectionCode", providers: []string{"idb", "gbif"}},
	{name: "publishing_org_key", key: "gbif:publishingOrgKey", providers: []string{"gbif"}},
}

// StatsParams builds the query for the collection statistics page. An empty
// result means there is nothing to link to.
func StatsParams(occurrence []BrokerRecord) url.Values {
	out := url.Values{}
	for _, p := range statsParams {
		for _, prov := range p.providers {
			if v, ok := providerField(occurrence, prov, p.key); ok {
				out.Set(p.name, v)
				break
			}
		}
	}
	return out
}
