package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"
)

var keyShape = regexp.MustCompile(`^mapfront:pref:[A-Za-z0-9_.\-]+:[A-Za-z0-9_.\-]+:[A-Za-z0-9_.\-]*:h=[0-9a-f]{16}$`)

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	k1 := Pref("cache-1", "leafletOverlays", "gbif:density")
	k2 := Pref("cache-1", "leafletOverlays", "gbif:density")
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if !keyShape.MatchString(k1) {
		t.Fatalf("unexpected key shape: %s", k1)
	}
}

func TestWhitespaceVariantsProduceSameKey(t *testing.T) {
	k1 := Pref(" cache-1 ", "leafletBaseLayer", "Satellite   Map (ESRI)")
	k2 := Pref("cache-1", "leafletBaseLayer", "Satellite Map (ESRI)")
	if k1 != k2 {
		t.Fatalf("normalized keys differ:\n k1=%s\n k2=%s", k1, k2)
	}
}

func TestDifference_TupleMembersDoNotCollide(t *testing.T) {
	cases := [][2]string{
		{Pref("a", "leafletOverlays", "x"), Pref("b", "leafletOverlays", "x")},
		{Pref("a", "leafletOverlays", "x"), Pref("a", "leafletBaseLayer", "x")},
		// both sanitize to "idigbio-all"
		{Pref("a", "leafletOverlays", "idigbio:all"), Pref("a", "leafletOverlays", "idigbio/all")},
	}
	for i, c := range cases {
		if c[0] == c[1] {
			t.Fatalf("case %d: keys collide: %s", i, c[0])
		}
	}
}

func TestUnicodeSafety_NoPanicAndHashSuffixPresent(t *testing.T) {
	k := Pref("", "leafletOverlays", "iDigBio (Göteborg 雪 points only)")
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if !strings.Contains(k, ":default:") {
		t.Fatalf("empty scope should map to default: %s", k)
	}
	if !keyShape.MatchString(k) {
		t.Fatalf("unexpected key shape: %s", k)
	}
}

func TestLongNamesAreTruncated(t *testing.T) {
	k := Pref("s", "c", strings.Repeat("x", 500))
	if len(k) > 200 {
		t.Fatalf("key too long (%d): %s", len(k), k)
	}
}
