package mpegts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockReference(t *testing.T) {
	cr := newClockReference(3271034319, 58)
	assert.Equal(t, uint64(3271034319), cr.Base())
	assert.Equal(t, uint16(58), cr.Extension())
	assert.Equal(t, 36344825768814*time.Nanosecond, cr.Duration())
	assert.Equal(t, int64(36344), cr.Time().Unix())
}

func TestClockReferenceWrap(t *testing.T) {
	cr := NewClockReference(baseMask+10, 0)
	assert.Equal(t, uint64(10), cr.Base())
}

func TestClockReferenceAddTicksWraps(t *testing.T) {
	cr := NewClockReference(baseMask, 0)
	wrapped := cr.AddTicks(1)
	assert.Equal(t, uint64(0), wrapped.Base())
}

func TestTickDiff90k(t *testing.T) {
	assert.Equal(t, int64(10), tickDiff90k(20, 10))
	assert.Equal(t, int64(-10), tickDiff90k(10, 20))
	// Wraparound: a is just after the ring rolled over from b.
	assert.True(t, tickDiff90k(5, baseMask-5) > 0)
}

func TestRebase90k(t *testing.T) {
	// rebase(in=100, base=100, offset=5000) == 5000
	assert.Equal(t, uint64(5000), rebase90k(100, 100, 5000))
}
