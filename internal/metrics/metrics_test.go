package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnknownEngineDerivesFullyAvailable(t *testing.T) {
	s := NewStore()
	d := s.Derive("never-seen")
	assert.Equal(t, 1.0, d.Availability)
	assert.Zero(t, d.LatencyP95Ms)
	assert.Zero(t, d.Calls)
}

func TestCountsAndCost(t *testing.T) {
	s := NewStore()
	s.Record("e1", 100, true, 0.001)
	s.Record("e1", 200, false, 0)
	s.Record("e1", 150, true, 0.002)

	d := s.Derive("e1")
	assert.Equal(t, int64(3), d.Calls)
	assert.Equal(t, int64(1), d.Errors)
	assert.InDelta(t, 0.003, d.CostUSD, 1e-9)
	assert.InDelta(t, 2.0/3.0, d.Availability, 1e-9)
}

func TestP95PicksTailLatency(t *testing.T) {
	s := NewStore()
	for i := 1; i <= 100; i++ {
		s.Record("e1", int64(i), true, 0)
	}
	d := s.Derive("e1")
	assert.Equal(t, int64(95), d.LatencyP95Ms)
}

func TestErrorRateUsesTrailingHourOnly(t *testing.T) {
	s := NewStore()
	now := time.Now()

	// two old failures, then the clock advances two hours
	s.SetClock(func() time.Time { return now.Add(-2 * time.Hour) })
	s.Record("e1", 50, false, 0)
	s.Record("e1", 50, false, 0)

	s.SetClock(func() time.Time { return now })
	s.Record("e1", 50, true, 0)
	s.Record("e1", 50, true, 0)

	d := s.Derive("e1")
	assert.Zero(t, d.ErrorRate1h)
	// availability still covers the whole window
	assert.InDelta(t, 0.5, d.Availability, 1e-9)
}

func TestWindowIsBounded(t *testing.T) {
	s := NewStore()
	for i := 0; i < windowSize+100; i++ {
		s.Record("e1", 10, i < 100, 0) // first 100 successes fall out of the window
	}
	d := s.Derive("e1")
	assert.Zero(t, d.Availability)
	assert.Equal(t, int64(windowSize+100), d.Calls)
}

func TestSnapshotCoversAllEngines(t *testing.T) {
	s := NewStore()
	s.Record("a", 10, true, 0)
	s.Record("b", 20, false, 0)

	snap := s.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap["a"].Calls)
	assert.Equal(t, int64(1), snap["b"].Errors)
}

func TestConcurrentRecordAndDerive(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Record("e1", int64(j), j%2 == 0, 0.0001)
				_ = s.Derive("e1")
			}
		}()
	}
	wg.Wait()

	d := s.Derive("e1")
	assert.Equal(t, int64(1600), d.Calls)
	assert.Equal(t, int64(800), d.Errors)
}

func TestResetClears(t *testing.T) {
	s := NewStore()
	s.Record("e1", 10, true, 0)
	s.Reset()
	assert.Zero(t, s.Derive("e1").Calls)
}
