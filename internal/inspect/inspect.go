// Package inspect extracts the fields later components need from TS
// packets: classification, PAT/PMT tables, PES headers straddling packet
// boundaries, NAL units, and PCR samples. Grounded on the teacher's
// demuxer payload dispatch (isPSIPayload/isPESPayload branching in
// parseData), narrowed to the two table types and PES case this system
// cares about, plus H.264/H.265 NAL scanning wired into the video branch.
package inspect

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
	"github.com/ts-splice/mpegts"
)

// Classification is the cheap, per-packet summary the splice engine and
// PSI/section accumulators dispatch on.
type Classification struct {
	PID            uint16
	PUSI           bool
	HasPCR         bool
	HasAdaptation  bool
	PayloadPresent bool
}

// Classify extracts the routing-relevant fields of p without touching its
// payload.
func Classify(p *mpegts.Packet) Classification {
	c := Classification{
		PID:            p.Header.PID,
		PUSI:           p.Header.PayloadUnitStartIndicator,
		HasAdaptation:  p.Header.HasAdaptationField,
		PayloadPresent: p.Header.HasPayload && len(p.Payload) > 0,
	}
	if p.AdaptationField != nil {
		c.HasPCR = p.AdaptationField.HasPCR
	}
	return c
}

// ExtractPCR returns the packet's PCR sample, if present.
func ExtractPCR(p *mpegts.Packet) *mpegts.ClockReference {
	if p.AdaptationField == nil {
		return nil
	}
	return p.AdaptationField.PCR
}

// ParsePAT parses a reassembled PAT section's payload into program→PMT PID
// mappings.
func ParsePAT(d *mpegts.PSIData) (map[uint16]uint16, error) {
	out := make(map[uint16]uint16)
	for _, s := range d.Sections {
		if s.Header.TableID != mpegts.PSITableIDPAT || s.Syntax == nil || s.Syntax.Data.PAT == nil {
			continue
		}
		for _, pgm := range s.Syntax.Data.PAT.Programs {
			if pgm.ProgramNumber == 0 {
				continue // reserved for NIT
			}
			out[pgm.ProgramNumber] = pgm.ProgramMapID
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("inspect: no PAT programs found")
	}
	return out, nil
}

// StreamInfo is the subset of PMT fields the rest of the system tracks per
// input: PCR PID, and video/audio elementary PIDs with their stream types.
type StreamInfo struct {
	ProgramNumber uint16
	PCRPID        uint16
	VideoPID      uint16
	VideoType     uint8
	AudioPID      uint16
	AudioType     uint8
}

// ParsePMT extracts StreamInfo from a reassembled PMT section.
func ParsePMT(d *mpegts.PSIData) (*StreamInfo, error) {
	for _, s := range d.Sections {
		if s.Header.TableID != mpegts.PSITableIDPMT || s.Syntax == nil || s.Syntax.Data.PMT == nil {
			continue
		}
		pmt := s.Syntax.Data.PMT
		info := &StreamInfo{
			ProgramNumber: pmt.ProgramNumber,
			PCRPID:        pmt.PCRPID,
		}
		for _, es := range pmt.ElementaryStreams {
			switch {
			case es.IsVideo():
				info.VideoPID = es.ElementaryPID
				info.VideoType = es.StreamType
			case isAudio(es.StreamType):
				info.AudioPID = es.ElementaryPID
				info.AudioType = es.StreamType
			}
		}
		if info.VideoPID == 0 {
			return nil, fmt.Errorf("inspect: PMT carries no video stream")
		}
		return info, nil
	}
	return nil, fmt.Errorf("inspect: no PMT section found")
}

func isAudio(t uint8) bool {
	switch t {
	case mpegts.StreamTypeMPEG1Audio, mpegts.StreamTypeMPEG2HalvedSampleRateAudio, mpegts.StreamTypeAACAudio:
		return true
	}
	return false
}

// ParsePESHeader parses the PES header out of the concatenated payload of
// a PES packet's constituent TS packets. Only the first TS packet of a PES
// packet (PUSI=1) carries the header; subsequent packets are pure payload
// continuation and must be appended by the caller before invoking this.
func ParsePESHeader(payload []byte) (*mpegts.PESHeader, []byte, error) {
	r := bitio.NewCountReader(bytes.NewReader(payload))
	d, err := mpegts.ParsePESData(r, int64(len(payload))*8)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect: parsing PES header: %w", err)
	}
	return d.Header, d.Data, nil
}

// ScanNALs classifies every NAL unit in a video elementary stream payload,
// reusing scanner's byte walker across calls rather than allocating one per
// packet. isH265 selects the NAL type table and header width.
func ScanNALs(scanner *mpegts.NALScanner, payload []byte, isH265 bool) []mpegts.NALUnit {
	return scanner.Scan(payload, isH265)
}

// ParamSets holds the most recently observed codec configuration for an
// input, captured verbatim so the splice engine can re-inject them at a
// cut without re-deriving them from future packets.
type ParamSets struct {
	VPS []byte // H.265 only.
	SPS []byte
	PPS []byte
}

// UpdateParamSets scans units for VPS/SPS/PPS and overwrites the
// corresponding field in ps with a copy of the raw NAL bytes. Slice
// boundaries are on NAL granularity so later frames' parameter sets
// naturally supersede earlier ones (e.g. after a mid-stream encoder
// reconfiguration).
func UpdateParamSets(ps *ParamSets, units []mpegts.NALUnit, isH265 bool) {
	for _, u := range units {
		if isH265 {
			switch u.Type {
			case mpegts.NALUTypeH265VPS:
				ps.VPS = append([]byte(nil), u.Bytes...)
			case mpegts.NALUTypeH265SPS:
				ps.SPS = append([]byte(nil), u.Bytes...)
			case mpegts.NALUTypeH265PPS:
				ps.PPS = append([]byte(nil), u.Bytes...)
			}
			continue
		}
		switch u.Type {
		case mpegts.NALUTypeH264SPS:
			ps.SPS = append([]byte(nil), u.Bytes...)
		case mpegts.NALUTypeH264PPS:
			ps.PPS = append([]byte(nil), u.Bytes...)
		}
	}
}

// HasIDR reports whether units contains a video IDR access unit start, per
// codec.
func HasIDR(units []mpegts.NALUnit, isH265 bool) bool {
	for _, u := range units {
		if isH265 {
			if mpegts.IsH265IDR(u) {
				return true
			}
		} else if mpegts.IsH264IDR(u) {
			return true
		}
	}
	return false
}
