// Package broker talks to the specimen-to-network broker: occurrence and
// name lookups across providers, and the field extraction that turns those
// records into overlay queries.
package broker

import (
	"bytes"
	"encoding/json"
	"strconv"
)

type Provider struct {
	Code  string `json:"code"`
	Label string `json:"label,omitempty"`
}

type Record map[string]any

// ProviderResponse is one provider's slice of a broker response.
type ProviderResponse struct {
	Provider Provider        `json:"provider"`
	Errors   json.RawMessage `json:"errors,omitempty"`
	Records  []Record        `json:"records"`
}

type Envelope struct {
	Service string             `json:"service,omitempty"`
	Errors  json.RawMessage    `json:"errors,omitempty"`
	Records []ProviderResponse `json:"records"`
}

// Valid reports whether both the envelope and its first provider response
// carry no errors and at least one record.
func (e Envelope) Valid() bool {
	if !noErrors(e.Errors) || len(e.Records) == 0 {
		return false
	}
	first := e.Records[0]
	return noErrors(first.Errors) && len(first.Records) > 0
}

// ErrorText returns the raw error payloads, for logging.
func (e Envelope) ErrorText() string {
	if !noErrors(e.Errors) {
		return string(e.Errors)
	}
	if len(e.Records) > 0 && !noErrors(e.Records[0].Errors) {
		return string(e.Records[0].Errors)
	}
	return ""
}

func noErrors(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	default:
		return false
	}
}

// Text renders a record value the way it would print in the page.
func (r Record) Text(field string) (string, bool) {
	v, ok := r[field]
	if !ok || !truthy(v) {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// truthy mirrors how the page filters empty values: nil, "", 0 and false
// count as absent.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case bool:
		return t
	default:
		return true
	}
}
