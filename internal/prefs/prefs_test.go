package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/lifemapper/mapfront/internal/cache/redisstore"
	"github.com/lifemapper/mapfront/internal/prefevents"
)

type recordingPublisher struct {
	mu  sync.Mutex
	evs []prefevents.Event
}

func (r *recordingPublisher) Publish(ev prefevents.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func newRedisBackend(t *testing.T) (*Redis, *redisstore.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return NewRedis(rc), rc
}

func backends(t *testing.T) map[string]Backend {
	r, _ := newRedisBackend(t)
	r2, _ := newRedisBackend(t)
	return map[string]Backend{
		"memory":  NewMemory(16),
		"redis":   r,
		"layered": NewLayered(NewMemory(16), r2),
	}
}

func TestStore_SetSemantics(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(b)
			k := Key{Scope: "map-1", Category: Overlays, Name: "gbif:density"}

			if got := s.Bool(ctx, k, true); !got {
				t.Fatalf("absent key should return default true")
			}

			if err := s.Set(ctx, k, false, SetOptions{}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			// without Overwrite the existing value stays
			if err := s.Set(ctx, k, true, SetOptions{}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if got := s.Bool(ctx, k, true); got {
				t.Fatalf("no-overwrite Set replaced the value")
			}

			if err := s.Set(ctx, k, true, SetOptions{Overwrite: true}); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			if got := s.Bool(ctx, k, false); !got {
				t.Fatalf("overwrite Set did not replace the value")
			}
		})
	}
}

func TestStore_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory(16))
	base := Key{Scope: "map-1", Category: BaseLayer, Name: "map-1"}
	other := Key{Scope: "map-2", Category: BaseLayer, Name: "map-2"}

	_ = s.Set(ctx, base, "Street Map", SetOptions{Overwrite: true})
	_ = s.Set(ctx, other, "Satellite Map (ESRI)", SetOptions{Overwrite: true})

	if got := s.String(ctx, base, ""); got != "Street Map" {
		t.Fatalf("base=%q", got)
	}
	if got := s.String(ctx, other, ""); got != "Satellite Map (ESRI)" {
		t.Fatalf("other=%q", got)
	}
}

func TestStore_TypeMismatchFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory(16))
	k := Key{Scope: "m", Category: Overlays, Name: "x"}
	_ = s.Set(ctx, k, "not-a-bool", SetOptions{Overwrite: true})
	if got := s.Bool(ctx, k, true); !got {
		t.Fatalf("mismatched type should yield default")
	}
}

func TestStore_RejectsUnknownCategory(t *testing.T) {
	s := New(NewMemory(16))
	err := s.Set(context.Background(), Key{Category: "nope", Name: "x"}, true, SetOptions{Overwrite: true})
	if err == nil {
		t.Fatalf("expected error for unknown category")
	}
}

func TestStore_PublishesOnlyWrittenChanges(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	s := New(NewMemory(16), WithPublisher(pub))
	k := Key{Scope: "m", Category: Overlays, Name: "idigbio:all"}

	_ = s.Set(ctx, k, true, SetOptions{})
	_ = s.Set(ctx, k, false, SetOptions{}) // not written
	_ = s.Set(ctx, k, false, SetOptions{Overwrite: true})

	if len(pub.evs) != 2 {
		t.Fatalf("events=%d want 2", len(pub.evs))
	}
	if string(pub.evs[1].Value) != "false" || pub.evs[1].Name != "idigbio:all" {
		t.Fatalf("unexpected event %+v", pub.evs[1])
	}
}

func TestLayered_ReadsThroughAndFillsFront(t *testing.T) {
	ctx := context.Background()
	back, rc := newRedisBackend(t)
	front := NewMemory(16)
	s := New(NewLayered(front, back))
	k := Key{Scope: "m", Category: Overlays, Name: "gbif:density"}

	if err := rc.Set(ctx, k.storageKey(), []byte("false"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if got := s.Bool(ctx, k, true); got {
		t.Fatalf("expected value from redis")
	}
	if _, ok, _ := front.Load(ctx, k.storageKey()); !ok {
		t.Fatalf("front cache not populated after read-through")
	}
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }
func (failingBackend) Load(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (failingBackend) Save(context.Context, string, []byte, bool) (bool, error) {
	return false, errors.New("down")
}

func TestStore_BackendErrors(t *testing.T) {
	ctx := context.Background()
	s := New(failingBackend{}, WithTimeout(10*time.Millisecond))
	k := Key{Scope: "m", Category: BaseLayer, Name: "m"}

	if got := s.String(ctx, k, "Satellite Map (ESRI)"); got != "Satellite Map (ESRI)" {
		t.Fatalf("read failure should yield default, got %q", got)
	}
	if err := s.Set(ctx, k, "x", SetOptions{Overwrite: true}); err == nil {
		t.Fatalf("expected Set error")
	}
	front := NewMemory(4)
	_, _ = front.Save(ctx, k.storageKey(), []byte(`"stale"`), true)
	l := New(NewLayered(front, failingBackend{}))
	if err := l.Set(ctx, k, "x", SetOptions{Overwrite: true}); err == nil {
		t.Fatalf("expected layered Set error")
	}
	if _, ok, _ := front.Load(ctx, k.storageKey()); ok {
		t.Fatalf("front entry should be dropped after a failed durable write")
	}
}

func TestCategoryDecode(t *testing.T) {
	tests := []struct {
		cat  Category
		raw  string
		want any
		err  error
	}{
		{BaseLayer, `"Satellite Map (ESRI)"`, "Satellite Map (ESRI)", nil},
		{BaseLayer, `true`, nil, ErrValueType},
		{Overlays, `false`, false, nil},
		{Overlays, `"yes"`, nil, ErrValueType},
		{Category("zoom"), `1`, nil, ErrUnknownCategory},
	}
	for _, tc := range tests {
		got, err := tc.cat.Decode(json.RawMessage(tc.raw))
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%s %s: err=%v want %v", tc.cat, tc.raw, err, tc.err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s %s: got (%v, %v) want %v", tc.cat, tc.raw, got, err, tc.want)
		}
	}
}

func TestValue_NotFound(t *testing.T) {
	s := New(NewMemory(8))
	ctx := context.Background()
	k := Key{Scope: "u", Category: Overlays, Name: "gbif:density"}

	if _, err := s.Value(ctx, k); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if err := s.Set(ctx, k, true, SetOptions{Overwrite: true}); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := s.Value(ctx, k)
	if err != nil || string(raw) != "true" {
		t.Fatalf("value=(%s, %v)", raw, err)
	}
}

func TestInvalidate_RereadsSharedBackend(t *testing.T) {
	r, _ := newRedisBackend(t)
	a := New(NewLayered(NewMemory(16), r))
	b := New(NewLayered(NewMemory(16), r))
	ctx := context.Background()
	k := Key{Scope: "s", Category: Overlays, Name: "gbif"}

	if err := a.Set(ctx, k, true, SetOptions{Overwrite: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !b.Bool(ctx, k, false) {
		t.Fatal("replica b should read the shared value")
	}
	if err := a.Set(ctx, k, false, SetOptions{Overwrite: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !b.Bool(ctx, k, false) {
		t.Fatal("replica b should still serve its cached copy")
	}
	b.Invalidate(ctx, k.Scope, string(k.Category), k.Name)
	if b.Bool(ctx, k, true) {
		t.Fatal("replica b should reread after invalidation")
	}

	// memory-only stores have nothing to evict
	m := New(NewMemory(4))
	_ = m.Set(ctx, k, true, SetOptions{Overwrite: true})
	m.Invalidate(ctx, k.Scope, string(k.Category), k.Name)
	if !m.Bool(ctx, k, false) {
		t.Fatal("memory store lost its value")
	}
}
