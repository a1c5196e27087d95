package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	FieldLatitude1       = "latitude1"
	FieldLongitude1      = "longitude1"
	FieldLatitude2       = "latitude2"
	FieldLongitude2      = "longitude2"
	FieldLatLongType     = "latlongtype"
	FieldLatLongAccuracy = "latlongaccuracy"

	localityPrefix = "locality."
)

// MappingFields are the locality columns consumed by the marker builder.
var MappingFields = []string{
	FieldLatitude1, FieldLongitude1,
	FieldLatitude2, FieldLongitude2,
	FieldLatLongType, FieldLatLongAccuracy,
}

// FieldValue holds either a string or a number, as sent by the parent window.
type FieldValue struct {
	str   string
	num   float64
	isNum bool
	set   bool
}

func StringValue(s string) FieldValue  { return FieldValue{str: s, set: true} }
func NumberValue(n float64) FieldValue { return FieldValue{num: n, isNum: true, set: true} }
func (v FieldValue) IsNumber() bool    { return v.set && v.isNum }
func (v FieldValue) IsString() bool    { return v.set && !v.isNum }
func (v FieldValue) Number() float64   { return v.num }
func (v FieldValue) StringVal() string { return v.str }
func (v FieldValue) IsEmpty() bool     { return !v.set || (!v.isNum && v.str == "") }

// Text renders the value for popups
func (v FieldValue) Text() string {
	switch {
	case !v.set:
		return ""
	case v.isNum:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	default:
		return v.str
	}
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch {
	case !v.set:
		return []byte("null"), nil
	case v.isNum:
		return json.Marshal(v.num)
	default:
		return json.Marshal(v.str)
	}
}

func (v *FieldValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = FieldValue{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("field value: %w", err)
		}
		*v = StringValue(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("field value must be string or number: %w", err)
	}
	*v = NumberValue(n)
	return nil
}

type Field struct {
	HeaderName string     `json:"headerName"`
	Value      FieldValue `json:"value"`
}

// LocalityData maps a field name to its display header and value.
type LocalityData map[string]Field

func (l LocalityData) lookup(name string) (Field, bool) {
	if f, ok := l[localityPrefix+name]; ok {
		return f, true
	}
	f, ok := l[name]
	return f, ok
}

// Number returns the value only when it was sent as a number
func (l LocalityData) Number(name string) (float64, bool) {
	f, ok := l.lookup(name)
	if !ok || !f.Value.IsNumber() {
		return 0, false
	}
	return f.Value.Number(), true
}

func (l LocalityData) String(name string) (string, bool) {
	f, ok := l.lookup(name)
	if !ok || !f.Value.IsString() {
		return "", false
	}
	return f.Value.StringVal(), true
}

func (l LocalityData) Plottable() bool {
	_, okLat := l.Number(FieldLatitude1)
	_, okLng := l.Number(FieldLongitude1)
	return okLat && okLng
}

func (l LocalityData) Boxed() bool {
	if !l.Plottable() {
		return false
	}
	_, okLat := l.Number(FieldLatitude2)
	_, okLng := l.Number(FieldLongitude2)
	return okLat && okLng
}

// AccuracyRadius parses latlongaccuracy; only finite values >= 1 count.
func (l LocalityData) AccuracyRadius() (float64, bool) {
	var r float64
	if s, ok := l.String(FieldLatLongAccuracy); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		r = n
	} else if n, ok := l.Number(FieldLatLongAccuracy); ok {
		r = n
	} else {
		return 0, false
	}
	if math.IsNaN(r) || math.IsInf(r, 0) || r < 1 {
		return 0, false
	}
	return r, true
}

// IsMappingField reports whether name is one of the locality columns
func IsMappingField(name string) bool {
	name = strings.TrimPrefix(name, localityPrefix)
	for _, f := range MappingFields {
		if f == name {
			return true
		}
	}
	return false
}

func (l LocalityData) Clone() LocalityData {
	if l == nil {
		return nil
	}
	out := make(LocalityData, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

type OccurrenceData struct {
	CollectionObjectID int64        `json:"collectionObjectId"`
	CollectingEventID  int64        `json:"collectingEventId"`
	LocalityID         int64        `json:"localityId"`
	LocalityData       LocalityData `json:"localityData"`
}
