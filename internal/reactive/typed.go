package reactive

import "fmt"

// Node is a Handle with a static value type.
type Node[T any] struct {
	Handle
}

// Read returns the node value as T.
func (n Node[T]) Read(g *Graph) (T, error) {
	v, err := g.Read(n.Handle)
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](n.key, v)
}

// SourceOf adds a source node reading a T from an input of type M.
func SourceOf[M, T any](g *Graph, key string, get func(M) T, opts ...Option) (Node[T], error) {
	h, err := g.Source(key, func(input any) any {
		m, _ := input.(M)
		return get(m)
	}, opts...)
	return Node[T]{Handle: h}, err
}

// Derive adds a derived node producing a T.
func Derive[T any](g *Graph, key string, deps []string, fn func(*Scope) (T, error), opts ...Option) (Node[T], error) {
	h, err := g.Define(key, deps, func(s *Scope) (any, error) {
		return fn(s)
	}, opts...)
	return Node[T]{Handle: h}, err
}

// Dep reads a declared dependency as T.
func Dep[T any](s *Scope, key string) (T, error) {
	v, err := s.Get(key)
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](key, v)
}

// EqualBy returns an Option comparing T values with eq.
func EqualBy[T any](eq func(a, b T) bool) Option {
	return WithEqual(func(a, b any) bool {
		ta, okA := a.(T)
		tb, okB := b.(T)
		return okA && okB && eq(ta, tb)
	})
}

func cast[T any](key string, v any) (T, error) {
	if v == nil {
		var zero T
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("reactive: node %q holds %T, not %T", key, v, zero)
	}
	return t, nil
}
