package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestFixedClock_Frozen(t *testing.T) {
	clock := NewFixedClock(start)
	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())
}

func TestFixedClock_AdvanceAndSet(t *testing.T) {
	clock := NewFixedClock(start)

	assert.Equal(t, start.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, start.Add(time.Second), clock.Now())

	later := start.Add(time.Hour)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestFixedClock_ThreadSafety(t *testing.T) {
	clock := NewFixedClock(start)

	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(goroutines*time.Millisecond), clock.Now())
}

func TestSequenceIDs(t *testing.T) {
	ids := NewSequenceIDs("line")
	assert.Equal(t, "line-1", ids.Generate())
	assert.Equal(t, "line-2", ids.Generate())
	assert.Equal(t, 2, ids.Count())

	assert.Equal(t, "id-1", NewSequenceIDs("").Generate())
}
