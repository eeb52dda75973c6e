package reactive

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/geocore/internal/fault"
)

type input struct {
	A, B int
	Name string
}

// buildDiamond wires a -> (double, plusB) -> total.
func buildDiamond(t *testing.T) (*Graph, Node[int], Node[int]) {
	t.Helper()
	g := New()
	_, err := SourceOf(g, "a", func(in input) int { return in.A })
	require.NoError(t, err)
	_, err = SourceOf(g, "b", func(in input) int { return in.B })
	require.NoError(t, err)
	double, err := Derive(g, "double", []string{"a"}, func(s *Scope) (int, error) {
		a, err := Dep[int](s, "a")
		return a * 2, err
	})
	require.NoError(t, err)
	_, err = Derive(g, "plusB", []string{"a", "b"}, func(s *Scope) (int, error) {
		a, _ := Dep[int](s, "a")
		b, _ := Dep[int](s, "b")
		return a + b, nil
	})
	require.NoError(t, err)
	total, err := Derive(g, "total", []string{"double", "plusB"}, func(s *Scope) (int, error) {
		d, _ := Dep[int](s, "double")
		p, _ := Dep[int](s, "plusB")
		return d + p, nil
	})
	require.NoError(t, err)
	require.NoError(t, g.Seal())
	return g, double, total
}

func TestReadComputesOnDemand(t *testing.T) {
	g, _, total := buildDiamond(t)
	g.Commit(input{A: 1, B: 10})

	assert.Zero(t, g.Stats()["total"], "commit does not compute")
	v, err := total.Read(g)
	require.NoError(t, err)
	assert.Equal(t, 2+11, v)
	assert.Equal(t, 1, g.Stats()["total"])
}

func TestMemoization(t *testing.T) {
	g, _, total := buildDiamond(t)
	g.Commit(input{A: 1, B: 10})

	for i := 0; i < 5; i++ {
		_, err := total.Read(g)
		require.NoError(t, err)
	}
	stats := g.Stats()
	assert.Equal(t, 1, stats["total"])
	assert.Equal(t, 1, stats["double"])
	assert.Equal(t, 1, stats["plusB"])

	// Changing an unrelated field keeps everything cached.
	g.Commit(input{A: 1, B: 10, Name: "x"})
	_, err := total.Read(g)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Stats()["total"])
}

func TestEarlyCutoff(t *testing.T) {
	g, double, total := buildDiamond(t)
	g.Commit(input{A: 1, B: 10})
	_, err := total.Read(g)
	require.NoError(t, err)
	v0 := g.Version(double.Handle)

	// b changes: plusB and total recompute, double does not.
	g.Commit(input{A: 1, B: 20}, "b")
	got, err := total.Read(g)
	require.NoError(t, err)
	assert.Equal(t, 2+21, got)
	stats := g.Stats()
	assert.Equal(t, 1, stats["double"])
	assert.Equal(t, 2, stats["plusB"])
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, v0, g.Version(double.Handle))

	// a is marked changed but its value is the same: the source re-reads,
	// nothing downstream recomputes.
	g.Commit(input{A: 1, B: 20}, "a")
	_, err = total.Read(g)
	require.NoError(t, err)
	stats = g.Stats()
	assert.Equal(t, 1, stats["double"])
	assert.Equal(t, 2, stats["total"])
}

func TestCommitOnlyMarksNamedSources(t *testing.T) {
	g, double, _ := buildDiamond(t)
	g.Commit(input{A: 1})
	_, err := double.Read(g)
	require.NoError(t, err)
	assert.False(t, g.Dirty(double.Handle))

	g.Commit(input{A: 5}, "b")
	assert.False(t, g.Dirty(double.Handle))
	v, err := double.Read(g)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "a was not reported changed")

	g.Commit(input{A: 5}, "a")
	assert.True(t, g.Dirty(double.Handle))
	v, _ = double.Read(g)
	assert.Equal(t, 10, v)
}

func TestForwardReferencesAndSeal(t *testing.T) {
	g := New()
	_, err := g.Define("late", []string{"early"}, func(s *Scope) (any, error) {
		v, err := s.Get("early")
		return v.(int) + 1, err
	})
	require.NoError(t, err)
	_, err = g.Source("early", func(any) any { return 41 })
	require.NoError(t, err)
	require.NoError(t, g.Seal())

	v, err := g.Read(Handle{key: "late"})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, []string{"early", "late"}, g.Order())

	_, err = g.Source("more", func(any) any { return 0 })
	assert.ErrorIs(t, err, ErrSealed)
}

func TestSealRejectsUndefinedDependency(t *testing.T) {
	g := New()
	_, err := g.Define("x", []string{"missing"}, func(*Scope) (any, error) { return 1, nil })
	require.NoError(t, err)
	err = g.Seal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestDefineRejectsCycle(t *testing.T) {
	g := New()
	noop := func(*Scope) (any, error) { return nil, nil }
	_, err := g.Define("a", []string{"c"}, noop)
	require.NoError(t, err)
	_, err = g.Define("b", []string{"a"}, noop)
	require.NoError(t, err)

	_, err = g.Define("c", []string{"b"}, noop)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CyclicDependency))
	assert.True(t, IsCycle(err))
	assert.Contains(t, err.Error(), "c -> b -> a -> c")

	_, err = g.Define("self", []string{"self"}, noop)
	assert.True(t, IsCycle(err))

	// The rejected definitions left no trace.
	_, err = g.Source("c", func(any) any { return 0 })
	require.NoError(t, err)
	require.NoError(t, g.Seal())
}

func TestCyclesFindsComponents(t *testing.T) {
	dg := depGraph{
		"a": {"b"},
		"b": {"a"},
		"c": {"c"},
		"d": {"a"},
	}
	got := cycles(dg)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"a", "b", "a"}, got[0])
	assert.Equal(t, []string{"c", "c"}, got[1])
}

func TestReentrantReadIsRejected(t *testing.T) {
	g := New()
	var self Handle
	var other Handle
	var err error
	other, err = g.Source("other", func(any) any { return 1 })
	require.NoError(t, err)
	self, err = g.Define("self", nil, func(*Scope) (any, error) {
		return g.Read(self)
	})
	require.NoError(t, err)
	sneaky, err := g.Define("sneaky", nil, func(*Scope) (any, error) {
		return g.Read(other)
	})
	require.NoError(t, err)
	require.NoError(t, g.Seal())

	_, err = g.Read(self)
	assert.True(t, IsCycle(err), "got %v", err)
	assert.True(t, fault.IsFatal(err))

	_, err = g.Read(sneaky)
	assert.ErrorIs(t, err, ErrReentrantRead)

	// The guard unwinds, so normal reads still work.
	v, err := g.Read(other)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestUndeclaredDependency(t *testing.T) {
	g := New()
	_, err := g.Source("a", func(any) any { return 1 })
	require.NoError(t, err)
	_, err = g.Source("b", func(any) any { return 2 })
	require.NoError(t, err)
	h, err := g.Define("c", []string{"a"}, func(s *Scope) (any, error) {
		return s.Get("b")
	})
	require.NoError(t, err)
	require.NoError(t, g.Seal())

	_, err = g.Read(h)
	assert.ErrorIs(t, err, ErrUndeclaredDependency)
}

func TestComputeErrorIsNotCached(t *testing.T) {
	g := New()
	fail := true
	_, err := g.Source("in", func(input any) any { return input })
	require.NoError(t, err)
	h, err := g.Define("out", []string{"in"}, func(s *Scope) (any, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.NoError(t, g.Seal())

	g.Commit(1)
	_, err = g.Read(h)
	require.Error(t, err)
	fail = false
	v, err := g.Read(h)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestStabilizeEvaluatesEagerNodesInOrder(t *testing.T) {
	g := New()
	var trace []string
	record := func(key string) ComputeFunc {
		return func(*Scope) (any, error) {
			trace = append(trace, key)
			return key, nil
		}
	}
	_, err := g.Source("src", func(input any) any { return input })
	require.NoError(t, err)
	_, err = g.Define("view", []string{"mid", "src"}, record("view"), Eager())
	require.NoError(t, err)
	_, err = g.Define("mid", []string{"src"}, record("mid"), Eager())
	require.NoError(t, err)
	_, err = g.Define("lazy", []string{"src"}, record("lazy"))
	require.NoError(t, err)
	require.NoError(t, g.Seal())

	g.Commit(1)
	assert.False(t, g.Settled())
	require.NoError(t, g.Stabilize())
	assert.Equal(t, []string{"mid", "view"}, trace)
	assert.True(t, g.Settled(), "lazy nodes do not count")

	require.NoError(t, g.Stabilize())
	assert.Equal(t, []string{"mid", "view"}, trace, "clean eager nodes are not recomputed")

	g.Commit(2, "src")
	assert.False(t, g.Settled())
}

func TestEqualByCutsOffSliceValues(t *testing.T) {
	g := New()
	_, err := SourceOf(g, "n", func(in input) int { return in.A })
	require.NoError(t, err)
	list, err := Derive(g, "list", []string{"n"}, func(s *Scope) ([]int, error) {
		n, _ := Dep[int](s, "n")
		return []int{n % 2}, nil
	}, EqualBy(func(a, b []int) bool { return len(a) == len(b) && a[0] == b[0] }))
	require.NoError(t, err)
	_, err = Derive(g, "sum", []string{"list"}, func(s *Scope) (int, error) {
		l, _ := Dep[[]int](s, "list")
		return l[0], nil
	})
	require.NoError(t, err)
	require.NoError(t, g.Seal())

	g.Commit(input{A: 1})
	_, err = g.Read(Handle{key: "sum"})
	require.NoError(t, err)
	g.Commit(input{A: 3})
	_, err = g.Read(Handle{key: "sum"})
	require.NoError(t, err)

	assert.Equal(t, 2, g.Stats()["list"])
	assert.Equal(t, 1, g.Stats()["sum"])
	assert.Equal(t, uint64(1), g.Version(list.Handle))
}

func TestReadBeforeSeal(t *testing.T) {
	g := New()
	h, err := g.Source("a", func(any) any { return 1 })
	require.NoError(t, err)
	_, err = g.Read(h)
	assert.ErrorIs(t, err, ErrNotSealed)
}

func TestDescribe(t *testing.T) {
	g, _, _ := buildDiamond(t)
	out := g.Describe()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, []string{
		"a [source]",
		"b [source]",
		"double [derived] <- a",
		"plusB [derived] <- a, b",
		"total [derived] <- double, plusB",
	}, lines)
}
