// Package model holds the change-tracked object model: property stores,
// entities with their New/Requested/Deleted lifecycle, deferred queryable
// collections and the session that ties them to a transport and a batch.
package model

import (
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"time"

	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// PropertyStore is the per-object backing map of an entity. It records the
// last value loaded from the server for each property and which properties
// were set since. Not safe for concurrent use.
type PropertyStore struct {
	values   map[string]any
	original map[string]any
	changed  map[string]struct{}

	// strict is set once the owner was requested: reading an absent
	// property is then an error rather than a zero value.
	strict bool
}

// NewPropertyStore returns an empty store for a newly constructed object.
func NewPropertyStore() *PropertyStore {
	return &PropertyStore{
		values:   make(map[string]any),
		original: make(map[string]any),
		changed:  make(map[string]struct{}),
	}
}

// Get returns the stored value of name. A property that was never loaded
// fails with sdkerr.ErrPropertyNotLoaded once the owner is requested; on a
// new object it reads as nil.
func (s *PropertyStore) Get(name string) (any, error) {
	if v, ok := s.values[name]; ok {
		return v, nil
	}

	if s.strict {
		return nil, sdkerr.NewClientError(sdkerr.ErrPropertyNotLoaded, "%s was not retrieved from the server", name)
	}

	return nil, nil
}

// Set stores v and marks name changed, unless v equals the last loaded
// value, in which case any earlier change is undone. Integers of any width
// are stored as int64 like every decoded integer.
func (s *PropertyStore) Set(name string, v any) {
	v = normalizeInt(v)

	s.values[name] = v

	if orig, ok := s.original[name]; ok && sameValue(orig, v) {
		delete(s.changed, name)
		return
	}

	s.changed[name] = struct{}{}
}

// SetQuiet stores v as loaded from the server without marking it changed.
func (s *PropertyStore) SetQuiet(name string, v any) {
	s.values[name] = v
	s.original[name] = v
	delete(s.changed, name)
}

// Hydrate quietly stores every value of rec.
func (s *PropertyStore) Hydrate(rec map[string]any) {
	for k, v := range rec {
		s.SetQuiet(k, v)
	}
}

// HasValue reports whether any value, nil included, was recorded for name.
func (s *PropertyStore) HasValue(name string) bool {
	_, ok := s.values[name]
	return ok
}

// IsLoaded reports whether name holds a value that came from the server.
func (s *PropertyStore) IsLoaded(name string) bool {
	_, ok := s.original[name]
	return ok
}

// HasChanges reports whether any property was changed since load.
func (s *PropertyStore) HasChanges() bool {
	return len(s.changed) > 0
}

// Changed returns the names of changed properties, sorted.
func (s *PropertyStore) Changed() []string {
	return slices.Sorted(maps.Keys(s.changed))
}

// ChangedValues returns the changed properties and their values: the
// minimal patch for an update.
func (s *PropertyStore) ChangedValues() map[string]any {
	out := make(map[string]any, len(s.changed))
	for k := range s.changed {
		out[k] = s.values[k]
	}

	return out
}

// Values returns a copy of every recorded value.
func (s *PropertyStore) Values() map[string]any {
	return maps.Clone(s.values)
}

// Commit makes the current values the loaded ones and clears the changed
// markers. Called after a successful persist.
func (s *PropertyStore) Commit() {
	for k := range s.changed {
		s.original[k] = s.values[k]
	}

	clear(s.changed)
}

func (s *PropertyStore) setStrict() {
	s.strict = true
}

// GetValue reads name from s as a T. A nil or absent value on a new object
// yields the zero T; an int64 is converted when T is another integer type.
func GetValue[T any](s *PropertyStore, name string) (T, error) {
	var zero T

	v, err := s.Get(name)
	if err != nil || v == nil {
		return zero, err
	}

	if t, ok := v.(T); ok {
		return t, nil
	}

	// Wire decoding yields int64 for every integer field.
	if n, ok := v.(int64); ok {
		if rt := reflect.TypeFor[T](); isIntKind(rt.Kind()) {
			return reflect.ValueOf(n).Convert(rt).Interface().(T), nil
		}
	}

	return zero, fmt.Errorf("model: property %s holds %T, not %T", name, v, zero)
}

// normalizeInt widens signed and unsigned integers to int64. A uint that
// does not fit is kept as is.
func normalizeInt(v any) any {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if n := rv.Uint(); n <= math.MaxInt64 {
			return int64(n)
		}
	}

	return v
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}

func sameValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}

	return reflect.DeepEqual(a, b)
}
