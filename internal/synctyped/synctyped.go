package synctyped

import "sync"

// Map is a sync.Map keyed by string holding values of type T.
type Map[T any] struct {
	m sync.Map
}

func (m *Map[T]) Store(k string, t T) {
	m.m.Store(k, t)
}

func (m *Map[T]) Load(k string) (t T, ok bool) {
	v, ok := m.m.Load(k)
	if !ok {
		return t, ok
	}

	return v.(T), true
}

// LoadOrStore returns the existing value for k if present.
// Otherwise it stores t and returns it with loaded false.
func (m *Map[T]) LoadOrStore(k string, t T) (actual T, loaded bool) {
	v, loaded := m.m.LoadOrStore(k, t)
	return v.(T), loaded
}

func (m *Map[T]) Delete(k string) {
	m.m.Delete(k)
}

// Range calls fn for each entry until fn returns false.
func (m *Map[T]) Range(fn func(k string, t T) bool) {
	m.m.Range(func(k, v any) bool {
		return fn(k.(string), v.(T))
	})
}
