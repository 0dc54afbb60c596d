package mpegts

import (
	"bytes"

	"github.com/icza/bitio"
)

// SectionAccumulator reassembles PSI sections for a single PID across TS
// packet boundaries, discarding buffered bytes on discontinuity and
// ignoring a repeated (same continuity counter) packet. Narrowed from the teacher's general-purpose
// packetAccumulator/packetPool (every PID, any table) to the two PSI PIDs
// this system actually tracks per input: PAT and the input's PMT PID.
type SectionAccumulator struct {
	pid    uint16
	q      []*Packet
	lastCC uint8
	hasCC  bool
}

// NewSectionAccumulator creates an accumulator for pid.
func NewSectionAccumulator(pid uint16) *SectionAccumulator {
	return &SectionAccumulator{pid: pid}
}

// Add feeds one packet for this PID in and returns a parsed PSIData once a
// complete section has been reassembled, or nil if more packets are needed.
func (a *SectionAccumulator) Add(p *Packet) (*PSIData, error) {
	if p.Header.TransportErrorIndicator || !p.Header.HasPayload {
		return nil, nil
	}

	if a.hasDiscontinuity(p) {
		a.q = nil
	}
	if a.isSameAsPrevious(p) {
		return nil, nil
	}

	if p.Header.PayloadUnitStartIndicator {
		complete := a.q
		a.q = []*Packet{p}
		a.lastCC = p.Header.ContinuityCounter
		a.hasCC = true
		if d, ok := a.tryParse(complete); ok {
			return d, nil
		}
		if d, ok := a.tryParse(a.q); ok {
			a.q = nil
			return d, nil
		}
		return nil, nil
	}

	a.q = append(a.q, p)
	a.lastCC = p.Header.ContinuityCounter
	a.hasCC = true

	if d, ok := a.tryParse(a.q); ok {
		a.q = nil
		return d, nil
	}
	return nil, nil
}

func (a *SectionAccumulator) hasDiscontinuity(p *Packet) bool {
	if p.Header.HasAdaptationField && p.AdaptationField != nil && p.AdaptationField.DiscontinuityIndicator {
		return true
	}
	if !a.hasCC {
		return false
	}
	return p.Header.ContinuityCounter != (a.lastCC+1)%16
}

func (a *SectionAccumulator) isSameAsPrevious(p *Packet) bool {
	return a.hasCC && p.Header.ContinuityCounter == a.lastCC && len(a.q) > 0
}

// tryParse attempts to parse a PSIData from the concatenated payloads of ps.
// A malformed/incomplete concatenation simply fails to parse and the caller
// keeps accumulating.
func (a *SectionAccumulator) tryParse(ps []*Packet) (*PSIData, bool) {
	if len(ps) == 0 || !ps[0].Header.PayloadUnitStartIndicator {
		return nil, false
	}

	var buf bytes.Buffer
	for _, p := range ps {
		buf.Write(p.Payload)
	}

	r := bitio.NewCountReader(bytes.NewReader(buf.Bytes()))
	d, err := ParsePSIData(r)
	if err != nil || len(d.Sections) == 0 {
		return nil, false
	}
	for _, s := range d.Sections {
		if s.Header.TableID != PSITableIDNull && s.Syntax == nil {
			return nil, false
		}
	}
	return d, true
}
