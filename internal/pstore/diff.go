package pstore

import (
	"cmp"
	"slices"
)

// ChangeKind classifies one difference between two maps.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Removed
	Updated
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Updated:
		return "updated"
	}
	return "unknown"
}

// Change is one difference between an old and a new map.
type Change[K Key, V any] struct {
	Kind ChangeKind
	Key  K
	Old  V
	New  V
}

// Diff returns the changes that turn m into next, sorted by key.
//
// Subtrees shared by both versions are skipped without inspection, so the
// cost is proportional to the size of the change rather than the size of the
// maps. eq decides whether a value present in both maps changed.
func (m Map[K, V]) Diff(next Map[K, V], eq func(a, b V) bool) []Change[K, V] {
	var out []Change[K, V]
	diffNodes(m.root, next.root, eq, &out)
	slices.SortFunc(out, func(a, b Change[K, V]) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

// Equal reports whether both maps hold the same keys with eq-equal values.
func (m Map[K, V]) Equal(o Map[K, V], eq func(a, b V) bool) bool {
	if m.root == o.root {
		return true
	}
	if m.size != o.size {
		return false
	}
	return len(m.Diff(o, eq)) == 0
}

func diffNodes[K Key, V any](a, b *hnode[K, V], eq func(V, V) bool, out *[]Change[K, V]) {
	if a == b {
		return
	}
	if a == nil || b == nil {
		diffEntries(collect(a), collect(b), eq, out)
		return
	}
	union := a.bitmap | b.bitmap
	for union != 0 {
		bit := union & -union
		union &^= bit
		inA, inB := a.bitmap&bit != 0, b.bitmap&bit != 0
		switch {
		case inA && !inB:
			diffEntries(a.slots[a.position(bit)].entries(), nil, eq, out)
		case !inA && inB:
			diffEntries(nil, b.slots[b.position(bit)].entries(), eq, out)
		default:
			sa, sb := a.slots[a.position(bit)], b.slots[b.position(bit)]
			switch {
			case sa.child != nil && sb.child != nil:
				diffNodes(sa.child, sb.child, eq, out)
			case sa.bucket != nil && sb.bucket != nil && sa.bucket == sb.bucket:
			default:
				diffEntries(sa.entries(), sb.entries(), eq, out)
			}
		}
	}
}

func (s hslot[K, V]) entries() []hentry[K, V] {
	if s.bucket != nil {
		return s.bucket.entries
	}
	return collect(s.child)
}

func collect[K Key, V any](n *hnode[K, V]) []hentry[K, V] {
	var out []hentry[K, V]
	n.walk(func(k K, v V) bool {
		out = append(out, hentry[K, V]{key: k, value: v})
		return true
	})
	return out
}

func diffEntries[K Key, V any](old, next []hentry[K, V], eq func(V, V) bool, out *[]Change[K, V]) {
	byKey := make(map[K]V, len(next))
	for _, e := range next {
		byKey[e.key] = e.value
	}
	for _, e := range old {
		nv, ok := byKey[e.key]
		if !ok {
			*out = append(*out, Change[K, V]{Kind: Removed, Key: e.key, Old: e.value})
			continue
		}
		delete(byKey, e.key)
		if !eq(e.value, nv) {
			*out = append(*out, Change[K, V]{Kind: Updated, Key: e.key, Old: e.value, New: nv})
		}
	}
	for _, e := range next {
		if _, ok := byKey[e.key]; ok {
			*out = append(*out, Change[K, V]{Kind: Added, Key: e.key, New: e.value})
		}
	}
}
