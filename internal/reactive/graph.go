// Package reactive implements a push-dirty / pull-recompute dependency graph.
//
// Source nodes read their value from the committed input (the engine's
// Model). Derived nodes compute from declared dependencies. Commit only marks
// nodes dirty; values are recomputed when read, and a node whose recomputed
// value equals the previous one keeps its version so its dependents are not
// recomputed (early cut-off). Eager nodes are recomputed by Stabilize in
// topological order.
//
// A Graph has a single owner: it is not safe for concurrent use. Other
// goroutines consume values the owner has published.
package reactive

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/geocore/internal/fault"
)

var (
	// ErrSealed is returned by Define after Seal.
	ErrSealed = errors.New("reactive: graph is sealed")

	// ErrNotSealed is returned by reads before Seal.
	ErrNotSealed = errors.New("reactive: graph is not sealed")

	// ErrUndeclaredDependency is returned when a compute reads a key it did
	// not declare.
	ErrUndeclaredDependency = errors.New("reactive: undeclared dependency")

	// ErrReentrantRead is returned when a compute function reads the graph
	// directly instead of through its Scope.
	ErrReentrantRead = errors.New("reactive: read during evaluation of another node")
)

// Handle identifies a node.
type Handle struct {
	key string
}

// Key returns the node key.
func (h Handle) Key() string { return h.key }

// ComputeFunc derives a node value from its dependencies.
type ComputeFunc func(s *Scope) (any, error)

// EqualFunc decides whether a recomputed value equals the previous one.
type EqualFunc func(a, b any) bool

// Option configures a node.
type Option func(*node)

// Eager marks a node for evaluation by Stabilize.
func Eager() Option {
	return func(n *node) { n.eager = true }
}

// WithEqual sets the equality used for early cut-off. Without it, values of
// comparable dynamic type compare with == and other values always count as
// changed.
func WithEqual(eq EqualFunc) Option {
	return func(n *node) { n.eq = eq }
}

type node struct {
	key        string
	deps       []string
	dependents []string
	source     func(input any) any
	compute    ComputeFunc
	eq         EqualFunc
	eager      bool

	value       any
	version     uint64
	computed    bool
	dirty       bool
	evaluating  bool
	depVersions []uint64
	runs        int
}

// Graph is a set of keyed nodes.
type Graph struct {
	nodes  map[string]*node
	order  []string
	sealed bool
	input  any
	stack  []string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Source adds a node whose value is read from the committed input.
func (g *Graph) Source(key string, get func(input any) any, opts ...Option) (Handle, error) {
	return g.add(&node{key: key, source: get}, opts)
}

// Define adds a derived node. deps may name nodes defined later; a
// definition that closes a cycle is rejected with fault.CyclicDependency and
// leaves the graph unchanged.
func (g *Graph) Define(key string, deps []string, fn ComputeFunc, opts ...Option) (Handle, error) {
	return g.add(&node{key: key, deps: slices.Clone(deps), compute: fn}, opts)
}

func (g *Graph) add(n *node, opts []Option) (Handle, error) {
	if g.sealed {
		return Handle{}, ErrSealed
	}
	if n.key == "" {
		return Handle{}, errors.New("reactive: empty node key")
	}
	if _, dup := g.nodes[n.key]; dup {
		return Handle{}, fmt.Errorf("reactive: node %q already defined", n.key)
	}
	for _, opt := range opts {
		opt(n)
	}
	g.nodes[n.key] = n
	if path := findCycleThrough(g.depGraph(), n.key); path != nil {
		delete(g.nodes, n.key)
		return Handle{}, cycleError(path)
	}
	return Handle{key: n.key}, nil
}

func (g *Graph) depGraph() depGraph {
	dg := make(depGraph, len(g.nodes))
	for k, n := range g.nodes {
		dg[k] = n.deps
	}
	return dg
}

// Seal checks that every dependency exists and that the graph is acyclic,
// then fixes the topological order. No nodes can be added afterwards.
func (g *Graph) Seal() error {
	if g.sealed {
		return nil
	}
	keys := g.keys()
	for _, k := range keys {
		for _, d := range g.nodes[k].deps {
			if _, ok := g.nodes[d]; !ok {
				return fmt.Errorf("reactive: node %q depends on undefined node %q", k, d)
			}
		}
	}
	if cs := cycles(g.depGraph()); len(cs) > 0 {
		return cycleError(cs[0])
	}

	for _, k := range keys {
		for _, d := range g.nodes[k].deps {
			dn := g.nodes[d]
			if !slices.Contains(dn.dependents, k) {
				dn.dependents = append(dn.dependents, k)
			}
		}
	}
	g.order = g.topoOrder(keys)
	for _, n := range g.nodes {
		n.dirty = true
	}
	g.sealed = true
	return nil
}

// topoOrder is Kahn's algorithm taking ready nodes in key order.
func (g *Graph) topoOrder(keys []string) []string {
	pending := make(map[string]int, len(keys))
	var ready []string
	for _, k := range keys {
		pending[k] = len(g.nodes[k].deps)
		if pending[k] == 0 {
			ready = append(ready, k)
		}
	}
	order := make([]string, 0, len(keys))
	for len(ready) > 0 {
		slices.Sort(ready)
		k := ready[0]
		ready = ready[1:]
		order = append(order, k)
		for _, dep := range g.nodes[k].dependents {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

func (g *Graph) keys() []string {
	keys := make([]string, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Order returns the node keys in evaluation order.
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

// Deps returns the declared dependencies of key.
func (g *Graph) Deps(key string) []string {
	if n, ok := g.nodes[key]; ok {
		return slices.Clone(n.deps)
	}
	return nil
}

// Commit installs a new input and marks the named sources, and everything
// depending on them, dirty. With no names every source is marked. Nothing is
// recomputed here.
func (g *Graph) Commit(input any, changed ...string) {
	g.input = input
	if len(changed) == 0 {
		for _, n := range g.nodes {
			if n.source != nil {
				g.invalidate(n)
			}
		}
		return
	}
	for _, k := range changed {
		if n, ok := g.nodes[k]; ok {
			g.invalidate(n)
		}
	}
}

// invalidate relies on dirtiness being downward closed: a dirty node's
// dependents are already dirty.
func (g *Graph) invalidate(n *node) {
	if n.dirty {
		return
	}
	n.dirty = true
	for _, d := range n.dependents {
		g.invalidate(g.nodes[d])
	}
}

// Read returns the current value of h, recomputing stale dependencies first.
func (g *Graph) Read(h Handle) (any, error) {
	if !g.sealed {
		return nil, ErrNotSealed
	}
	n, ok := g.nodes[h.key]
	if !ok {
		return nil, fmt.Errorf("reactive: unknown node %q", h.key)
	}
	if len(g.stack) > 0 {
		if n.evaluating {
			return nil, cycleError(append(slices.Clone(g.stack), n.key))
		}
		return nil, fmt.Errorf("%w: %q read while evaluating %q", ErrReentrantRead, n.key, g.stack[len(g.stack)-1])
	}
	if err := g.refresh(n); err != nil {
		return nil, err
	}
	return n.value, nil
}

// refresh brings n up to date.
func (g *Graph) refresh(n *node) error {
	if !n.dirty && n.computed {
		return nil
	}
	if n.evaluating {
		return cycleError(append(slices.Clone(g.stack), n.key))
	}
	n.evaluating = true
	g.stack = append(g.stack, n.key)
	defer func() {
		n.evaluating = false
		g.stack = g.stack[:len(g.stack)-1]
	}()

	var value any
	if n.source != nil {
		value = n.source(g.input)
	} else {
		versions := make([]uint64, len(n.deps))
		for i, d := range n.deps {
			dn := g.nodes[d]
			if err := g.refresh(dn); err != nil {
				return err
			}
			versions[i] = dn.version
		}
		if n.computed && slices.Equal(versions, n.depVersions) {
			n.dirty = false
			return nil
		}
		v, err := n.compute(&Scope{g: g, n: n})
		if err != nil {
			return fmt.Errorf("reactive: compute %q: %w", n.key, err)
		}
		value = v
		n.depVersions = versions
	}

	n.runs++
	if !n.computed || !g.equal(n, n.value, value) {
		n.value = value
		n.version++
	}
	n.computed = true
	n.dirty = false
	return nil
}

func (g *Graph) equal(n *node, a, b any) bool {
	if n.eq != nil {
		return n.eq(a, b)
	}
	return defaultEqual(a, b)
}

func defaultEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Stabilize recomputes every eager node in topological order.
func (g *Graph) Stabilize() error {
	if !g.sealed {
		return ErrNotSealed
	}
	for _, k := range g.order {
		n := g.nodes[k]
		if !n.eager {
			continue
		}
		if err := g.refresh(n); err != nil {
			return err
		}
	}
	return nil
}

// Settled reports whether every eager node is up to date.
func (g *Graph) Settled() bool {
	for _, n := range g.nodes {
		if n.eager && (n.dirty || !n.computed) {
			return false
		}
	}
	return true
}

// Version returns the version of h. It changes only when a recomputation
// produced a different value.
func (g *Graph) Version(h Handle) uint64 {
	if n, ok := g.nodes[h.key]; ok {
		return n.version
	}
	return 0
}

// Dirty reports whether h will recompute on its next read.
func (g *Graph) Dirty(h Handle) bool {
	n, ok := g.nodes[h.key]
	return ok && (n.dirty || !n.computed)
}

// Stats reports how many times each node was evaluated.
func (g *Graph) Stats() map[string]int {
	out := make(map[string]int, len(g.nodes))
	for k, n := range g.nodes {
		out[k] = n.runs
	}
	return out
}

// Describe renders the graph in evaluation order, one node per line.
func (g *Graph) Describe() string {
	var b strings.Builder
	for _, k := range g.order {
		n := g.nodes[k]
		kind := "derived"
		if n.source != nil {
			kind = "source"
		}
		if n.eager {
			kind += ",eager"
		}
		fmt.Fprintf(&b, "%s [%s]", k, kind)
		if len(n.deps) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(n.deps, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Scope gives a compute function access to its declared dependencies.
type Scope struct {
	g *Graph
	n *node
}

// Get returns the value of a declared dependency.
func (s *Scope) Get(key string) (any, error) {
	if !slices.Contains(s.n.deps, key) {
		return nil, fmt.Errorf("%w: %q reads %q", ErrUndeclaredDependency, s.n.key, key)
	}
	return s.g.nodes[key].value, nil
}

// IsCycle reports whether err reports a dependency cycle.
func IsCycle(err error) bool {
	return fault.Is(err, fault.CyclicDependency)
}
