package mpegts

import "time"

// Clock constants. PCR/PTS/DTS all derive from a 27MHz reference; the
// 90kHz base ticks wrap at 2^33 (~26.5h).
const (
	ClockBaseHz      = 90000
	ClockExtensionHz = 27000000
	baseMask         = uint64(1)<<33 - 1 // 33 bits
)

// ClockReference represents a PCR-style clock sample: a 33-bit 90kHz base
// and a 9-bit 27MHz extension (extension counts 27MHz ticks within one
// 90kHz tick, 0-299).
type ClockReference struct {
	base uint64 // 33 bits
	ext  uint16 // 9 bits, 0-299
}

// NewClockReference builds a ClockReference from a base and extension,
// normalizing both into their valid ranges.
func NewClockReference(base uint64, ext uint16) *ClockReference {
	return &ClockReference{base: base & baseMask, ext: ext % 300}
}

// newClockReference mirrors the teacher's lower-case constructor signature
// used throughout packet/PES parsing call sites, which hand it raw base/ext
// values straight out of a bit reader.
func newClockReference(base int64, ext int64) *ClockReference {
	return NewClockReference(uint64(base), uint16(ext))
}

// Base returns the 33-bit 90kHz base.
func (cr *ClockReference) Base() uint64 { return cr.base }

// Extension returns the 9-bit 27MHz extension (0-299).
func (cr *ClockReference) Extension() uint16 { return cr.ext }

// Bytes27MHz returns the full value on the 27MHz scale (base*300 + ext),
// useful for PCR monotonicity comparisons.
func (cr *ClockReference) Bytes27MHz() uint64 {
	return cr.base*300 + uint64(cr.ext)
}

// Duration returns the clock value as a time.Duration since an arbitrary
// epoch, at 27MHz resolution.
func (cr *ClockReference) Duration() time.Duration {
	return time.Duration(cr.base*1e9/ClockBaseHz) + time.Duration(uint64(cr.ext)*1e9/ClockExtensionHz)
}

// Time returns the clock value as a wall-clock time, treating the value as
// an offset from the Unix epoch. Only meaningful for display/debugging.
func (cr *ClockReference) Time() time.Time {
	return time.Unix(0, 0).Add(cr.Duration())
}

// AddTicks adds n 90kHz ticks to the base, wrapping modulo 2^33.
func (cr *ClockReference) AddTicks(n int64) *ClockReference {
	base := int64(cr.base) + n
	base %= int64(baseMask + 1)
	if base < 0 {
		base += int64(baseMask + 1)
	}
	return NewClockReference(uint64(base), cr.ext)
}

// tickDiff90k returns (a - b) interpreted on the 33-bit 90kHz ring, in the
// range [-2^32, 2^32), i.e. the shortest signed distance from b to a.
func tickDiff90k(a, b uint64) int64 {
	const m = int64(baseMask + 1)
	d := (int64(a) - int64(b)) % m
	if d >= m/2 {
		d -= m
	} else if d < -m/2 {
		d += m
	}
	return d
}

// After reports whether cr is strictly after other on the 33-bit ring,
// tolerating wraparound (i.e. treats the ring as locally linear around the
// two samples being compared — this is only meaningful for samples that are
// close together in real time, as spec.md requires for consecutive PCR
// checks).
func (cr *ClockReference) After(other *ClockReference) bool {
	return tickDiff90k(cr.base, other.base) > 0
}

// rebase90k computes (in - base + offset) mod 2^33, the core operation used
// by the splice engine to rebase PTS/DTS/PCR bases across a cut.
func rebase90k(in, base, offset uint64) uint64 {
	const m = baseMask + 1
	return ((in+m-base%m)%m + offset%m) % m
}
