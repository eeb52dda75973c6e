package pstore

import (
	"iter"
	"slices"
)

const (
	vectorWidth = 1 << bitsPerLevel
	vectorMin   = vectorWidth / 2
)

// Vector is a persistent indexed sequence.
//
// It is a B+tree whose branches record how many elements sit below each
// child. Every leaf is at the same depth and holds at most 32 elements.
// Get, WithSet, WithInserted, WithRemoved and Append walk one root-to-leaf
// path, so they are O(log n) and copy only that path; the rest of the tree
// is shared with the previous version.
type Vector[T any] struct {
	root *vnode[T]
	size int
}

// vnode is a leaf when children is nil.
type vnode[T any] struct {
	values   []T
	children []*vnode[T]
	counts   []int
}

func (n *vnode[T]) isLeaf() bool { return n.children == nil }

func (n *vnode[T]) width() int {
	if n.isLeaf() {
		return len(n.values)
	}
	return len(n.children)
}

func (n *vnode[T]) count() int {
	if n.isLeaf() {
		return len(n.values)
	}
	total := 0
	for _, c := range n.counts {
		total += c
	}
	return total
}

// locate maps i to a child and the offset inside it. i == count() maps past
// the end of the last child, which is where an append goes.
func (n *vnode[T]) locate(i int) (int, int) {
	for idx, c := range n.counts {
		if i < c {
			return idx, i
		}
		i -= c
	}
	last := len(n.counts) - 1
	return last, i + n.counts[last]
}

func (n *vnode[T]) shallow() *vnode[T] {
	return &vnode[T]{children: slices.Clone(n.children), counts: slices.Clone(n.counts)}
}

func newBranch[T any](children []*vnode[T]) *vnode[T] {
	counts := make([]int, len(children))
	for i, c := range children {
		counts[i] = c.count()
	}
	return &vnode[T]{children: children, counts: counts}
}

func checkIndex(i, n int) {
	if i < 0 || i >= n {
		panic("pstore: vector index out of range")
	}
}

// VectorOf returns a vector holding items in order. Leaves are packed full.
func VectorOf[T any](items ...T) Vector[T] {
	if len(items) == 0 {
		return Vector[T]{}
	}
	var level []*vnode[T]
	for start := 0; start < len(items); start += vectorWidth {
		end := min(start+vectorWidth, len(items))
		level = append(level, &vnode[T]{values: slices.Clone(items[start:end])})
	}
	for len(level) > 1 {
		var up []*vnode[T]
		for start := 0; start < len(level); start += vectorWidth {
			end := min(start+vectorWidth, len(level))
			up = append(up, newBranch(slices.Clone(level[start:end])))
		}
		level = up
	}
	return Vector[T]{root: level[0], size: len(items)}
}

// Len returns the number of elements.
func (v Vector[T]) Len() int { return v.size }

// Get returns the element at i. It panics when i is out of range, like a
// slice index.
func (v Vector[T]) Get(i int) T {
	checkIndex(i, v.size)
	n := v.root
	for !n.isLeaf() {
		var idx int
		idx, i = n.locate(i)
		n = n.children[idx]
	}
	return n.values[i]
}

// Last returns the final element.
func (v Vector[T]) Last() (T, bool) {
	if v.size == 0 {
		var zero T
		return zero, false
	}
	return v.Get(v.size - 1), true
}

// Append returns a vector with x added at the end.
func (v Vector[T]) Append(x T) Vector[T] {
	return v.WithInserted(v.size, x)
}

// WithSet returns a vector whose element i is x. It panics when i is out of
// range.
func (v Vector[T]) WithSet(i int, x T) Vector[T] {
	checkIndex(i, v.size)
	return Vector[T]{root: v.root.set(i, x), size: v.size}
}

func (n *vnode[T]) set(i int, x T) *vnode[T] {
	if n.isLeaf() {
		values := slices.Clone(n.values)
		values[i] = x
		return &vnode[T]{values: values}
	}
	idx, off := n.locate(i)
	out := n.shallow()
	out.children[idx] = n.children[idx].set(off, x)
	return out
}

// WithInserted returns a vector with x inserted before index i (i == Len
// appends). It panics when i is out of range.
func (v Vector[T]) WithInserted(i int, x T) Vector[T] {
	if i < 0 || i > v.size {
		panic("pstore: vector index out of range")
	}
	if v.root == nil {
		return Vector[T]{root: &vnode[T]{values: []T{x}}, size: 1}
	}
	left, right := v.root.insert(i, x)
	if right != nil {
		left = newBranch([]*vnode[T]{left, right})
	}
	return Vector[T]{root: left, size: v.size + 1}
}

// splitPoint is where an overflowing node of n entries is cut. Growth at the
// end keeps the left node full so appended vectors stay densely packed.
func splitPoint(n int, atEnd bool) int {
	if atEnd {
		return n - 1
	}
	return n / 2
}

// insert returns the node with x at i. A node that overflows comes back as
// two siblings.
func (n *vnode[T]) insert(i int, x T) (*vnode[T], *vnode[T]) {
	if n.isLeaf() {
		values := make([]T, 0, len(n.values)+1)
		values = append(values, n.values[:i]...)
		values = append(values, x)
		values = append(values, n.values[i:]...)
		if len(values) <= vectorWidth {
			return &vnode[T]{values: values}, nil
		}
		at := splitPoint(len(values), i == len(n.values))
		return &vnode[T]{values: values[:at:at]}, &vnode[T]{values: values[at:]}
	}

	idx, off := n.locate(i)
	left, right := n.children[idx].insert(off, x)
	out := n.shallow()
	out.children[idx] = left
	if right == nil {
		out.counts[idx]++
		return out, nil
	}
	out.counts[idx] = left.count()
	out.children = slices.Insert(out.children, idx+1, right)
	out.counts = slices.Insert(out.counts, idx+1, right.count())
	if len(out.children) <= vectorWidth {
		return out, nil
	}
	at := splitPoint(len(out.children), idx == len(n.children)-1)
	return &vnode[T]{children: out.children[:at:at], counts: out.counts[:at:at]},
		&vnode[T]{children: out.children[at:], counts: out.counts[at:]}
}

// WithRemoved returns a vector without element i. It panics when i is out of
// range.
func (v Vector[T]) WithRemoved(i int) Vector[T] {
	checkIndex(i, v.size)
	if v.size == 1 {
		return Vector[T]{}
	}
	root := v.root.remove(i)
	for !root.isLeaf() && len(root.children) == 1 {
		root = root.children[0]
	}
	return Vector[T]{root: root, size: v.size - 1}
}

func (n *vnode[T]) remove(i int) *vnode[T] {
	if n.isLeaf() {
		return &vnode[T]{values: slices.Delete(slices.Clone(n.values), i, i+1)}
	}
	idx, off := n.locate(i)
	child := n.children[idx].remove(off)
	out := n.shallow()
	if child.width() == 0 {
		out.children = slices.Delete(out.children, idx, idx+1)
		out.counts = slices.Delete(out.counts, idx, idx+1)
		return out
	}
	out.children[idx] = child
	out.counts[idx]--
	if child.width() < vectorMin && len(out.children) > 1 {
		out.rebalance(idx)
	}
	return out
}

// rebalance merges the underfull child at idx with a neighbour. When the
// pair does not fit one node it is split evenly instead. n must be a fresh
// copy.
func (n *vnode[T]) rebalance(idx int) {
	l := idx
	if l == len(n.children)-1 {
		l--
	}
	merged := concat(n.children[l], n.children[l+1])
	total := n.counts[l] + n.counts[l+1]
	if merged.width() <= vectorWidth {
		n.children[l], n.counts[l] = merged, total
		n.children = slices.Delete(n.children, l+1, l+2)
		n.counts = slices.Delete(n.counts, l+1, l+2)
		return
	}
	a, b := merged.halves()
	n.children[l], n.children[l+1] = a, b
	n.counts[l], n.counts[l+1] = a.count(), b.count()
}

// concat joins two siblings. Siblings are at the same depth, so both are
// leaves or both are branches.
func concat[T any](a, b *vnode[T]) *vnode[T] {
	if a.isLeaf() {
		return &vnode[T]{values: slices.Concat(a.values, b.values)}
	}
	return &vnode[T]{children: slices.Concat(a.children, b.children), counts: slices.Concat(a.counts, b.counts)}
}

func (n *vnode[T]) halves() (*vnode[T], *vnode[T]) {
	at := n.width() / 2
	if n.isLeaf() {
		return &vnode[T]{values: n.values[:at:at]}, &vnode[T]{values: n.values[at:]}
	}
	return &vnode[T]{children: n.children[:at:at], counts: n.counts[:at:at]},
		&vnode[T]{children: n.children[at:], counts: n.counts[at:]}
}

// leaves yields the leaf arrays in order.
func (v Vector[T]) leaves() iter.Seq[[]T] {
	return func(yield func([]T) bool) {
		if v.root != nil {
			v.root.walk(yield)
		}
	}
}

func (n *vnode[T]) walk(yield func([]T) bool) bool {
	if n.isLeaf() {
		return len(n.values) == 0 || yield(n.values)
	}
	for _, c := range n.children {
		if !c.walk(yield) {
			return false
		}
	}
	return true
}

// All iterates elements in order.
func (v Vector[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		i := 0
		for leaf := range v.leaves() {
			for _, x := range leaf {
				if !yield(i, x) {
					return
				}
				i++
			}
		}
	}
}

// Slice copies the elements into a new slice.
func (v Vector[T]) Slice() []T {
	out := make([]T, 0, v.size)
	for leaf := range v.leaves() {
		out = append(out, leaf...)
	}
	return out
}

// Same reports whether both vectors share their storage, which implies equal
// contents without looking at them.
func (v Vector[T]) Same(o Vector[T]) bool {
	return v.size == o.size && v.root == o.root
}

// Equal reports whether both vectors hold eq-equal elements in order. Runs
// of elements stored in a shared leaf are skipped.
func (v Vector[T]) Equal(o Vector[T], eq func(a, b T) bool) bool {
	if v.size != o.size {
		return false
	}
	if v.root == o.root {
		return true
	}
	next, stop := iter.Pull(o.leaves())
	defer stop()

	var b []T
	for a := range v.leaves() {
		for len(a) > 0 {
			if len(b) == 0 {
				var ok bool
				if b, ok = next(); !ok {
					return false
				}
			}
			k := min(len(a), len(b))
			if &a[0] != &b[0] {
				for j := range k {
					if !eq(a[j], b[j]) {
						return false
					}
				}
			}
			a, b = a[k:], b[k:]
		}
	}
	return true
}
