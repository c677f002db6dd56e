package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtGivenTimeInUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	start := time.Date(2026, time.January, 5, 8, 0, 0, 0, loc)

	clock := NewFakeClock(start)

	assert.True(t, clock.Now().Equal(start))
	assert.Equal(t, time.UTC, clock.Now().Location())
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	clock.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), clock.Now())

	clock.AdvanceDays(7)
	assert.Equal(t, start.Add(90*time.Minute).AddDate(0, 0, 7), clock.Now())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	start := time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(numGoroutines*time.Second), clock.Now())
}
