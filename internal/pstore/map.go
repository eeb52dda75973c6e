// Package pstore provides persistent (immutable, structurally shared)
// containers: a hash array mapped trie Map, a 32-way trie Vector, and a Set.
//
// Every update returns a new container and leaves the receiver untouched.
// Unchanged subtrees are shared between versions, so copying is O(1), an
// update is O(log32 n) and diffing two versions only walks the paths that
// differ. Zero values are valid empty containers, and all containers are
// safe for concurrent reads.
package pstore

import (
	"cmp"
	"iter"
	"math/bits"
	"slices"
)

// Key is the constraint for Map and Set keys.
type Key interface {
	~string
}

const (
	bitsPerLevel = 5
	levelMask    = 1<<bitsPerLevel - 1
)

// Map is a persistent hash map.
type Map[K Key, V any] struct {
	root *hnode[K, V]
	size int
}

type hentry[K Key, V any] struct {
	key   K
	value V
}

// hbucket holds every entry whose 64-bit hash is identical.
type hbucket[K Key, V any] struct {
	hash    uint64
	entries []hentry[K, V]
}

type hslot[K Key, V any] struct {
	child  *hnode[K, V]
	bucket *hbucket[K, V]
}

type hnode[K Key, V any] struct {
	bitmap uint32
	slots  []hslot[K, V]
}

// hashKey is FNV-1a followed by a splitmix64 finalizer so that short keys
// spread over every trie level.
func hashKey[K Key](k K) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	s := string(k)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return h
}

func slotIndex(hash uint64, depth int) uint32 {
	shift := uint(depth * bitsPerLevel)
	if shift >= 64 {
		return 0
	}
	return uint32(hash>>shift) & levelMask
}

func (n *hnode[K, V]) position(bit uint32) int {
	return bits.OnesCount32(n.bitmap & (bit - 1))
}

// NewMap returns a map holding the given entries.
func NewMap[K Key, V any](entries map[K]V) Map[K, V] {
	var m Map[K, V]
	for k, v := range entries {
		m = m.WithInserted(k, v)
	}
	return m
}

// Len returns the number of entries.
func (m Map[K, V]) Len() int { return m.size }

// Get returns the value for k.
func (m Map[K, V]) Get(k K) (V, bool) {
	h := hashKey(k)
	n := m.root
	for depth := 0; n != nil; depth++ {
		bit := uint32(1) << slotIndex(h, depth)
		if n.bitmap&bit == 0 {
			break
		}
		s := n.slots[n.position(bit)]
		if s.child != nil {
			n = s.child
			continue
		}
		if s.bucket.hash == h {
			for _, e := range s.bucket.entries {
				if e.key == k {
					return e.value, true
				}
			}
		}
		break
	}
	var zero V
	return zero, false
}

// Has reports whether k is present.
func (m Map[K, V]) Has(k K) bool {
	_, ok := m.Get(k)
	return ok
}

// WithInserted returns a map where k maps to v.
func (m Map[K, V]) WithInserted(k K, v V) Map[K, V] {
	root, added := insertNode(m.root, 0, hashKey(k), k, v)
	size := m.size
	if added {
		size++
	}
	return Map[K, V]{root: root, size: size}
}

// WithRemoved returns a map without k. The receiver is returned unchanged
// (same root) when k is absent.
func (m Map[K, V]) WithRemoved(k K) Map[K, V] {
	root, removed := removeNode(m.root, 0, hashKey(k), k)
	if !removed {
		return m
	}
	return Map[K, V]{root: root, size: m.size - 1}
}

// WithUpdated applies fn to the value of an existing key. ok is false and the
// receiver is returned when k is absent.
func (m Map[K, V]) WithUpdated(k K, fn func(V) V) (Map[K, V], bool) {
	v, ok := m.Get(k)
	if !ok {
		return m, false
	}
	return m.WithInserted(k, fn(v)), true
}

func insertNode[K Key, V any](n *hnode[K, V], depth int, h uint64, k K, v V) (*hnode[K, V], bool) {
	if n == nil {
		n = &hnode[K, V]{}
	}
	bit := uint32(1) << slotIndex(h, depth)
	pos := n.position(bit)

	if n.bitmap&bit == 0 {
		slots := make([]hslot[K, V], len(n.slots)+1)
		copy(slots, n.slots[:pos])
		slots[pos] = hslot[K, V]{bucket: &hbucket[K, V]{hash: h, entries: []hentry[K, V]{{key: k, value: v}}}}
		copy(slots[pos+1:], n.slots[pos:])
		return &hnode[K, V]{bitmap: n.bitmap | bit, slots: slots}, true
	}

	s := n.slots[pos]
	var repl hslot[K, V]
	added := false
	switch {
	case s.child != nil:
		child, a := insertNode(s.child, depth+1, h, k, v)
		repl, added = hslot[K, V]{child: child}, a
	case s.bucket.hash == h:
		b, a := s.bucket.with(k, v)
		repl, added = hslot[K, V]{bucket: b}, a
	default:
		nb := &hbucket[K, V]{hash: h, entries: []hentry[K, V]{{key: k, value: v}}}
		repl, added = hslot[K, V]{child: mergeBuckets(depth+1, s.bucket, nb)}, true
	}
	slots := slices.Clone(n.slots)
	slots[pos] = repl
	return &hnode[K, V]{bitmap: n.bitmap, slots: slots}, added
}

func (b *hbucket[K, V]) with(k K, v V) (*hbucket[K, V], bool) {
	entries := slices.Clone(b.entries)
	for i := range entries {
		if entries[i].key == k {
			entries[i].value = v
			return &hbucket[K, V]{hash: b.hash, entries: entries}, false
		}
	}
	entries = append(entries, hentry[K, V]{key: k, value: v})
	return &hbucket[K, V]{hash: b.hash, entries: entries}, true
}

func mergeBuckets[K Key, V any](depth int, a, b *hbucket[K, V]) *hnode[K, V] {
	ia, ib := slotIndex(a.hash, depth), slotIndex(b.hash, depth)
	if ia == ib {
		return &hnode[K, V]{
			bitmap: 1 << ia,
			slots:  []hslot[K, V]{{child: mergeBuckets(depth+1, a, b)}},
		}
	}
	if ia > ib {
		a, b = b, a
		ia, ib = ib, ia
	}
	return &hnode[K, V]{
		bitmap: 1<<ia | 1<<ib,
		slots:  []hslot[K, V]{{bucket: a}, {bucket: b}},
	}
}

func removeNode[K Key, V any](n *hnode[K, V], depth int, h uint64, k K) (*hnode[K, V], bool) {
	if n == nil {
		return nil, false
	}
	bit := uint32(1) << slotIndex(h, depth)
	if n.bitmap&bit == 0 {
		return n, false
	}
	pos := n.position(bit)
	s := n.slots[pos]

	var repl *hslot[K, V]
	if s.child != nil {
		child, removed := removeNode(s.child, depth+1, h, k)
		if !removed {
			return n, false
		}
		switch {
		case child == nil:
		case len(child.slots) == 1 && child.slots[0].bucket != nil:
			// Pull a lone bucket up so the trie stays canonical.
			repl = &hslot[K, V]{bucket: child.slots[0].bucket}
		default:
			repl = &hslot[K, V]{child: child}
		}
	} else {
		if s.bucket.hash != h {
			return n, false
		}
		idx := slices.IndexFunc(s.bucket.entries, func(e hentry[K, V]) bool { return e.key == k })
		if idx < 0 {
			return n, false
		}
		if len(s.bucket.entries) > 1 {
			repl = &hslot[K, V]{bucket: &hbucket[K, V]{hash: h, entries: slices.Delete(slices.Clone(s.bucket.entries), idx, idx+1)}}
		}
	}

	if repl != nil {
		slots := slices.Clone(n.slots)
		slots[pos] = *repl
		return &hnode[K, V]{bitmap: n.bitmap, slots: slots}, true
	}
	if len(n.slots) == 1 {
		return nil, true
	}
	slots := make([]hslot[K, V], 0, len(n.slots)-1)
	slots = append(slots, n.slots[:pos]...)
	slots = append(slots, n.slots[pos+1:]...)
	return &hnode[K, V]{bitmap: n.bitmap &^ bit, slots: slots}, true
}

// walk visits every entry in trie order.
func (n *hnode[K, V]) walk(fn func(K, V) bool) bool {
	if n == nil {
		return true
	}
	for _, s := range n.slots {
		if s.child != nil {
			if !s.child.walk(fn) {
				return false
			}
			continue
		}
		for _, e := range s.bucket.entries {
			if !fn(e.key, e.value) {
				return false
			}
		}
	}
	return true
}

// Keys returns every key in ascending order.
func (m Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.size)
	m.root.walk(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)
	return keys
}

// All iterates entries in ascending key order.
func (m Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		type kv struct {
			k K
			v V
		}
		entries := make([]kv, 0, m.size)
		m.root.walk(func(k K, v V) bool {
			entries = append(entries, kv{k, v})
			return true
		})
		slices.SortFunc(entries, func(a, b kv) int { return cmp.Compare(a.k, b.k) })
		for _, e := range entries {
			if !yield(e.k, e.v) {
				return
			}
		}
	}
}

// Values returns every value in ascending key order.
func (m Map[K, V]) Values() []V {
	out := make([]V, 0, m.size)
	for _, v := range m.All() {
		out = append(out, v)
	}
	return out
}

// ToMap copies the entries into a Go map.
func (m Map[K, V]) ToMap() map[K]V {
	out := make(map[K]V, m.size)
	m.root.walk(func(k K, v V) bool {
		out[k] = v
		return true
	})
	return out
}

// Same reports whether both maps share the same root, which implies equal
// contents without looking at them.
func (m Map[K, V]) Same(o Map[K, V]) bool {
	return m.root == o.root
}
