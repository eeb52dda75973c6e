package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence(t *testing.T) {
	var s sequence
	assert.Zero(t, s.current())
	assert.Equal(t, uint64(1), s.next())
	assert.Equal(t, uint64(2), s.next())
	assert.Equal(t, uint64(2), s.current(), "current does not advance")
}

func TestSequence_Concurrent(t *testing.T) {
	var s sequence
	const workers, each = 16, 250

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*each)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				n := s.next()
				mu.Lock()
				seen[n] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*each)
	assert.Equal(t, uint64(workers*each), s.current())
}
