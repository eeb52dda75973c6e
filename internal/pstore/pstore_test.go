package pstore

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eqInt(a, b int) bool { return a == b }

func TestMapBasics(t *testing.T) {
	var m Map[string, int]
	assert.Equal(t, 0, m.Len())
	_, ok := m.Get("x")
	assert.False(t, ok)

	m1 := m.WithInserted("a", 1).WithInserted("b", 2)
	m2 := m1.WithInserted("a", 10)

	v, ok := m1.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v, "older version unchanged")
	v, _ = m2.Get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, m2.Len())

	m3 := m2.WithRemoved("a")
	assert.False(t, m3.Has("a"))
	assert.True(t, m2.Has("a"))
	assert.Equal(t, 1, m3.Len())

	same := m3.WithRemoved("missing")
	assert.True(t, same.Same(m3))

	_, ok = m3.WithUpdated("missing", func(int) int { return 0 })
	assert.False(t, ok)
	m4, ok := m3.WithUpdated("b", func(v int) int { return v + 1 })
	require.True(t, ok)
	v, _ = m4.Get("b")
	assert.Equal(t, 3, v)
}

func TestMapAgainstGoMap(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	ref := map[string]int{}
	var m Map[string, int]
	versions := []Map[string, int]{}
	refs := []map[string]int{}

	for i := 0; i < 5000; i++ {
		k := fmt.Sprintf("k%d", r.IntN(800))
		if r.IntN(3) == 0 {
			delete(ref, k)
			m = m.WithRemoved(k)
		} else {
			ref[k] = i
			m = m.WithInserted(k, i)
		}
		if i%500 == 0 {
			versions = append(versions, m)
			cp := make(map[string]int, len(ref))
			for k, v := range ref {
				cp[k] = v
			}
			refs = append(refs, cp)
		}
	}

	assert.Equal(t, ref, m.ToMap())
	assert.Equal(t, len(ref), m.Len())
	for i, v := range versions {
		assert.Equal(t, refs[i], v.ToMap(), "version %d must not change", i)
	}

	keys := m.Keys()
	assert.True(t, slices.IsSorted(keys))
}

func TestMapCollisions(t *testing.T) {
	// Force every key into one bucket path by building buckets directly
	// through mergeBuckets with equal hashes.
	a := &hbucket[string, int]{hash: 42, entries: []hentry[string, int]{{key: "a", value: 1}}}
	b, added := a.with("b", 2)
	require.True(t, added)
	m := Map[string, int]{root: &hnode[string, int]{bitmap: 1 << slotIndex(42, 0), slots: []hslot[string, int]{{bucket: b}}}, size: 2}

	assert.ElementsMatch(t, []string{"a", "b"}, m.Keys())
	c, added := b.with("a", 5)
	assert.False(t, added)
	assert.Equal(t, 5, c.entries[0].value)
	assert.Equal(t, 1, b.entries[0].value)
}

func TestMapAllSorted(t *testing.T) {
	m := NewMap(map[string]int{"c": 3, "a": 1, "b": 2})
	var keys []string
	var vals []int
	for k, v := range m.All() {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
	assert.Equal(t, []int{1, 2, 3}, vals)
	assert.Equal(t, []int{1, 2, 3}, m.Values())
}

func TestMapDiff(t *testing.T) {
	base := Map[string, int]{}
	for i := 0; i < 1000; i++ {
		base = base.WithInserted(fmt.Sprintf("e%04d", i), i)
	}

	next := base.
		WithInserted("e0005", -5).
		WithRemoved("e0100").
		WithInserted("new", 7).
		WithInserted("e0200", 200)

	changes := base.Diff(next, eqInt)
	require.Len(t, changes, 3)
	assert.Equal(t, Change[string, int]{Kind: Updated, Key: "e0005", Old: 5, New: -5}, changes[0])
	assert.Equal(t, Change[string, int]{Kind: Removed, Key: "e0100", Old: 100}, changes[1])
	assert.Equal(t, Change[string, int]{Kind: Added, Key: "new", New: 7}, changes[2])

	assert.Empty(t, base.Diff(base, eqInt))
	assert.True(t, base.Equal(base.WithInserted("e0001", 1), eqInt))
	assert.False(t, base.Equal(next, eqInt))
}

func TestMapDiffMatchesNaive(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	var a Map[string, int]
	for i := 0; i < 300; i++ {
		a = a.WithInserted(fmt.Sprintf("k%d", r.IntN(400)), r.IntN(3))
	}
	b := a
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%d", r.IntN(400))
		if r.IntN(2) == 0 {
			b = b.WithRemoved(k)
		} else {
			b = b.WithInserted(k, r.IntN(3))
		}
	}

	am, bm := a.ToMap(), b.ToMap()
	want := map[string]ChangeKind{}
	for k, v := range am {
		if nv, ok := bm[k]; !ok {
			want[k] = Removed
		} else if nv != v {
			want[k] = Updated
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			want[k] = Added
		}
	}

	got := map[string]ChangeKind{}
	for _, c := range a.Diff(b, eqInt) {
		got[c.Key] = c.Kind
	}
	assert.Equal(t, want, got)
}

func TestVector(t *testing.T) {
	var v Vector[int]
	versions := []Vector[int]{}
	for i := 0; i < 2000; i++ {
		v = v.Append(i)
		if i == 31 || i == 32 || i == 1055 || i == 1056 {
			versions = append(versions, v)
		}
	}
	require.Equal(t, 2000, v.Len())
	for i := 0; i < 2000; i++ {
		require.Equal(t, i, v.Get(i))
	}
	for _, old := range versions {
		for i := 0; i < old.Len(); i++ {
			require.Equal(t, i, old.Get(i))
		}
	}

	w := v.WithSet(10, -10).WithSet(1999, -1999)
	assert.Equal(t, 10, v.Get(10))
	assert.Equal(t, -10, w.Get(10))
	assert.Equal(t, -1999, w.Get(1999))
	assert.False(t, v.Equal(w, eqInt))
	assert.True(t, v.Equal(v.WithSet(10, 10), eqInt))

	last, ok := w.Last()
	assert.True(t, ok)
	assert.Equal(t, -1999, last)

	assert.Panics(t, func() { v.Get(2000) })
	assert.Panics(t, func() { v.WithSet(-1, 0) })
}

func TestVectorInsert(t *testing.T) {
	v := VectorOf(1, 2, 4)
	w := v.WithInserted(2, 3)
	assert.Equal(t, []int{1, 2, 3, 4}, w.Slice())
	assert.Equal(t, []int{1, 2, 4}, v.Slice())
	assert.Equal(t, []int{1, 2, 4, 5}, v.WithInserted(3, 5).Slice())
	assert.Equal(t, []int{0, 1, 2, 4}, v.WithInserted(0, 0).Slice())
}

// checkVector verifies the tree shape: uniform leaf depth, accurate counts
// and no empty or overfull nodes below the root.
func checkVector[T any](t *testing.T, v Vector[T]) {
	t.Helper()
	if v.root == nil {
		require.Zero(t, v.size)
		return
	}
	depth := -1
	var walk func(n *vnode[T], d int, root bool) int
	walk = func(n *vnode[T], d int, root bool) int {
		require.LessOrEqual(t, n.width(), vectorWidth)
		if !root {
			require.Positive(t, n.width())
		}
		if n.isLeaf() {
			if depth < 0 {
				depth = d
			}
			require.Equal(t, depth, d, "leaves at different depths")
			return len(n.values)
		}
		require.Len(t, n.counts, len(n.children))
		total := 0
		for i, c := range n.children {
			got := walk(c, d+1, false)
			require.Equal(t, n.counts[i], got, "stale count")
			total += got
		}
		return total
	}
	require.Equal(t, v.size, walk(v.root, 0, true))
	if !v.root.isLeaf() {
		require.Greater(t, len(v.root.children), 1, "root with a single child")
	}
}

func leafSet[T any](v Vector[T]) map[*vnode[T]]bool {
	out := map[*vnode[T]]bool{}
	var walk func(n *vnode[T])
	walk = func(n *vnode[T]) {
		if n.isLeaf() {
			out[n] = true
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	if v.root != nil {
		walk(v.root)
	}
	return out
}

func TestVectorRemove(t *testing.T) {
	base := make([]int, 1000)
	for i := range base {
		base[i] = i
	}
	v := VectorOf(base...)

	for _, i := range []int{0, 500, 999} {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			w := v.WithRemoved(i)
			checkVector(t, w)
			assert.Equal(t, slices.Delete(slices.Clone(base), i, i+1), w.Slice())
			assert.Equal(t, base, v.Slice(), "older version unchanged")
		})
	}

	one := VectorOf(7).WithRemoved(0)
	assert.Zero(t, one.Len())
	assert.True(t, one.Equal(Vector[int]{}, eqInt))
	assert.Panics(t, func() { v.WithRemoved(1000) })
	assert.Panics(t, func() { Vector[int]{}.WithRemoved(0) })

	drained := v
	for drained.Len() > 0 {
		drained = drained.WithRemoved(drained.Len() / 3)
		checkVector(t, drained)
	}
}

func TestVectorInsertAtEdges(t *testing.T) {
	base := make([]int, 2000)
	for i := range base {
		base[i] = i
	}
	v := VectorOf(base...)

	for _, i := range []int{0, 1000, 2000} {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			w := v.WithInserted(i, -1)
			checkVector(t, w)
			assert.Equal(t, slices.Insert(slices.Clone(base), i, -1), w.Slice())
			assert.Equal(t, -1, w.Get(i))
			assert.Equal(t, 2000, v.Len())
		})
	}
	assert.Panics(t, func() { v.WithInserted(2001, 0) })
}

func TestVectorMatchesSlice(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	var v Vector[int]
	var want []int
	type version struct {
		v    Vector[int]
		want []int
	}
	var kept []version

	for step := range 5000 {
		switch op := rng.IntN(10); {
		case op < 4 || len(want) == 0:
			i := rng.IntN(len(want) + 1)
			v = v.WithInserted(i, step)
			want = slices.Insert(want, i, step)
		case op < 7:
			i := rng.IntN(len(want))
			v = v.WithRemoved(i)
			want = slices.Delete(want, i, i+1)
		case op < 9:
			i := rng.IntN(len(want))
			v = v.WithSet(i, -step)
			want[i] = -step
		default:
			v = v.Append(step)
			want = append(want, step)
		}
		if step%250 == 0 {
			checkVector(t, v)
			kept = append(kept, version{v, slices.Clone(want)})
		}
	}
	checkVector(t, v)
	require.Equal(t, want, v.Slice())
	for i := range want {
		require.Equal(t, want[i], v.Get(i))
	}
	for _, k := range kept {
		require.Equal(t, k.want, k.v.Slice(), "retained versions are never modified")
	}
}

func TestVectorSharesStructure(t *testing.T) {
	base := make([]int, 10_000)
	for i := range base {
		base[i] = i
	}
	v := VectorOf(base...)
	old := leafSet(v)

	for name, w := range map[string]Vector[int]{
		"insert head":   v.WithInserted(0, -1),
		"insert middle": v.WithInserted(5000, -1),
		"insert tail":   v.WithInserted(10_000, -1),
		"remove head":   v.WithRemoved(0),
		"remove middle": v.WithRemoved(5000),
		"remove tail":   v.WithRemoved(9999),
		"set":           v.WithSet(4321, -1),
	} {
		t.Run(name, func(t *testing.T) {
			fresh := 0
			for leaf := range leafSet(w) {
				if !old[leaf] {
					fresh++
				}
			}
			assert.LessOrEqual(t, fresh, 2, "only leaves on the changed path are copied")
			assert.False(t, w.Same(v))
		})
	}

	w := v.WithSet(4321, 4321)
	assert.True(t, v.Equal(w, eqInt))
	assert.False(t, v.Equal(w.WithSet(9999, 0), eqInt))
}

func TestVectorAll(t *testing.T) {
	v := VectorOf[string]()
	for i := 0; i < 70; i++ {
		v = v.Append(fmt.Sprint(i))
	}
	n := 0
	for i, s := range v.All() {
		assert.Equal(t, fmt.Sprint(i), s)
		n++
	}
	assert.Equal(t, 70, n)
}

func TestSet(t *testing.T) {
	s := SetOf("b", "a")
	s2 := s.With("c").Without("a")
	assert.Equal(t, []string{"a", "b"}, s.Sorted())
	assert.Equal(t, []string{"b", "c"}, s2.Sorted())
	assert.True(t, s.Equal(SetOf("a", "b")))

	added, removed := s.Diff(s2)
	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, []string{"a"}, removed)
	assert.Same(t, s.m.root, s.With("a").m.root)
}

func BenchmarkMapDiffSmallChange(b *testing.B) {
	var m Map[string, int]
	for i := 0; i < 100_000; i++ {
		m = m.WithInserted(fmt.Sprintf("e%d", i), i)
	}
	next := m.WithInserted("e500", -1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Diff(next, eqInt)
	}
}
