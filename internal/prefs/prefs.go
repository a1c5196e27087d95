// Package prefs persists per-user map preferences: the chosen base layer and
// the visibility of each overlay.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lifemapper/mapfront/internal/cache/keys"
	"github.com/lifemapper/mapfront/internal/logger"
	"github.com/lifemapper/mapfront/internal/prefevents"
)

type Category string

const (
	// BaseLayer values are layer labels, one per map instance.
	BaseLayer Category = "leafletBaseLayer"
	// Overlays values are booleans keyed by overlay or marker group ID.
	Overlays Category = "leafletOverlays"
)

var (
	ErrNotFound        = errors.New("prefs: not found")
	ErrUnknownCategory = errors.New("prefs: unknown category")
	ErrValueType       = errors.New("prefs: wrong value type")
)

func (c Category) Valid() bool { return c == BaseLayer || c == Overlays }

// Decode parses raw as a value of the category: a string label for base
// layers, a boolean for overlays.
func (c Category) Decode(raw json.RawMessage) (any, error) {
	switch c {
	case BaseLayer:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s wants a string", ErrValueType, c)
		}
		return v, nil
	case Overlays:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s wants a boolean", ErrValueType, c)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownCategory, c)
}

type Key struct {
	Scope    string
	Category Category
	Name     string
}

func (k Key) storageKey() string {
	return keys.Pref(k.Scope, string(k.Category), k.Name)
}

type SetOptions struct {
	// Overwrite replaces an existing value; without it Set only writes when
	// the key is absent.
	Overwrite bool
}

// Backend stores encoded values under storage keys.
type Backend interface {
	Name() string
	Load(ctx context.Context, key string) ([]byte, bool, error)
	// Save reports whether the value was written.
	Save(ctx context.Context, key string, val []byte, overwrite bool) (bool, error)
}

type Publisher interface {
	Publish(ev prefevents.Event)
}

type Store struct {
	backend Backend
	events  Publisher
	timeout time.Duration
	log     *slog.Logger
}

type Option func(*Store)

func WithPublisher(p Publisher) Option { return func(s *Store) { s.events = p } }
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func New(b Backend, opts ...Option) *Store {
	s := &Store{backend: b, timeout: 250 * time.Millisecond, log: logger.Discard()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Get returns the raw JSON value stored for k.
func (s *Store) Get(ctx context.Context, k Key) (json.RawMessage, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	b, ok, err := s.backend.Load(ctx, k.storageKey())
	if err != nil {
		return nil, false, fmt.Errorf("prefs: load %s/%s: %w", k.Category, k.Name, err)
	}
	return b, ok, nil
}

// Value is Get with absence reported as ErrNotFound.
func (s *Store) Value(ctx context.Context, k Key) (json.RawMessage, error) {
	raw, ok, err := s.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, k.Category, k.Name)
	}
	return raw, nil
}

// Bool returns the stored boolean or def when absent, unreadable, or of
// another type. Read failures are logged and never surface to the map.
func (s *Store) Bool(ctx context.Context, k Key, def bool) bool {
	raw, ok, err := s.Get(ctx, k)
	if err != nil {
		s.log.WarnContext(ctx, "preference read failed", "category", string(k.Category), "name", k.Name, "err", err)
		return def
	}
	if !ok {
		return def
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// String is Bool for string-valued preferences.
func (s *Store) String(ctx context.Context, k Key, def string) string {
	raw, ok, err := s.Get(ctx, k)
	if err != nil {
		s.log.WarnContext(ctx, "preference read failed", "category", string(k.Category), "name", k.Name, "err", err)
		return def
	}
	if !ok {
		return def
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Set stores v (JSON encoded). Different keys never conflict; for the same
// key the last overwriting writer wins.
func (s *Store) Set(ctx context.Context, k Key, v any, opts SetOptions) error {
	if !k.Category.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownCategory, k.Category)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("prefs: encode %s/%s: %w", k.Category, k.Name, err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	wrote, err := s.backend.Save(ctx, k.storageKey(), raw, opts.Overwrite)
	if err != nil {
		return fmt.Errorf("prefs: save %s/%s: %w", k.Category, k.Name, err)
	}
	if wrote && s.events != nil {
		s.events.Publish(prefevents.Event{
			Scope:    k.Scope,
			Category: string(k.Category),
			Name:     k.Name,
			Value:    raw,
		})
	}
	return nil
}

type evicter interface {
	Evict(key string)
}

// Invalidate forgets any locally cached copy of a preference changed
// elsewhere. Backends without a local cache ignore it.
func (s *Store) Invalidate(_ context.Context, scope, category, name string) {
	if e, ok := s.backend.(evicter); ok {
		e.Evict(Key{Scope: scope, Category: Category(category), Name: name}.storageKey())
	}
}
