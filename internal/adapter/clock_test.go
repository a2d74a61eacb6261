package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulatedClock(t *testing.T) {
	start := time.Unix(1_800_000_000, 0)
	c := NewSimulatedClock(start)

	assert.Equal(t, start, c.Now())

	fired := <-c.After(10 * time.Minute)
	assert.Equal(t, start.Add(10*time.Minute), fired)
	assert.Equal(t, start.Add(10*time.Minute), c.Now())
	assert.Equal(t, 10*time.Minute, c.Since(start))
}
