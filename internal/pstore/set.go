package pstore

import "iter"

// Set is a persistent set of keys.
type Set[K Key] struct {
	m Map[K, struct{}]
}

// SetOf returns a set holding keys.
func SetOf[K Key](keys ...K) Set[K] {
	var s Set[K]
	for _, k := range keys {
		s = s.With(k)
	}
	return s
}

func (s Set[K]) Len() int { return s.m.Len() }

func (s Set[K]) Has(k K) bool { return s.m.Has(k) }

// With returns a set that contains k.
func (s Set[K]) With(k K) Set[K] {
	if s.m.Has(k) {
		return s
	}
	return Set[K]{m: s.m.WithInserted(k, struct{}{})}
}

// Without returns a set that does not contain k.
func (s Set[K]) Without(k K) Set[K] {
	return Set[K]{m: s.m.WithRemoved(k)}
}

// Sorted returns the members in ascending order.
func (s Set[K]) Sorted() []K { return s.m.Keys() }

// All iterates members in ascending order.
func (s Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range s.m.All() {
			if !yield(k) {
				return
			}
		}
	}
}

// Equal reports whether both sets hold the same members.
func (s Set[K]) Equal(o Set[K]) bool {
	return s.m.Equal(o.m, func(struct{}, struct{}) bool { return true })
}

// Diff returns the members added and removed going from s to next.
func (s Set[K]) Diff(next Set[K]) (added, removed []K) {
	for _, c := range s.m.Diff(next.m, func(struct{}, struct{}) bool { return true }) {
		switch c.Kind {
		case Added:
			added = append(added, c.Key)
		case Removed:
			removed = append(removed, c.Key)
		}
	}
	return added, removed
}
