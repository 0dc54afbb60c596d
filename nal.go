package mpegts

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALUTypeH264NonIDRSlice = 1
	NALUTypeH264IDRSlice    = 5
	NALUTypeH264SEI         = 6
	NALUTypeH264SPS         = 7
	NALUTypeH264PPS         = 8
	NALUTypeH264AUD         = 9
)

// H.265/HEVC NAL unit types (ITU-T H.265 Table 7-1), covering just the
// ranges the splice engine needs to tell apart: IDR-class slices and the
// VPS/SPS/PPS parameter sets re-injected at every cut.
const (
	NALUTypeH265BLAWLP       = 16
	NALUTypeH265IDRWRADL     = 19
	NALUTypeH265IDRNLP       = 20
	NALUTypeH265CRA          = 21
	NALUTypeH265VPS          = 32
	NALUTypeH265SPS          = 33
	NALUTypeH265PPS          = 34
)

// NALUnit is a single NAL unit found in an Annex-B byte stream, with its
// emulation-prevention bytes still in place (RBSPBytes returns the stripped
// form on demand, since most callers only need the type).
type NALUnit struct {
	Type  uint8
	Bytes []byte // includes the 1-byte (H.264) or 2-byte (H.265) NAL header, excludes the start code
}

// IsH264IDR reports whether u is an H.264 IDR slice NAL unit.
func IsH264IDR(u NALUnit) bool {
	return u.Type == NALUTypeH264IDRSlice
}

// IsH265IDR reports whether u is an H.265 IDR/BLA/CRA ("random access
// point") slice NAL unit.
func IsH265IDR(u NALUnit) bool {
	// Types 16..21: BLA_W_LP, BLA_W_RADL, BLA_N_LP, IDR_W_RADL, IDR_N_LP, CRA.
	return u.Type >= NALUTypeH265BLAWLP && u.Type <= NALUTypeH265CRA
}

// NALScanner walks repeated Annex-B payloads (one video PUSI packet at a
// time on the ingest path) without allocating a new byte walker per call:
// it holds a NoAllocBytesIterator and Resets it for each Scan. The zero
// value is ready to use.
type NALScanner struct {
	it *NoAllocBytesIterator
}

// Scan walks data (elementary-stream payload with 0x000001/0x00000001
// start codes) and returns each NAL unit found. isH265 picks the 1-byte vs
// 2-byte NAL header / type-mask convention.
func (s *NALScanner) Scan(data []byte, isH265 bool) []NALUnit {
	if s.it == nil {
		s.it = NewNoAllocBytesIterator(data)
	} else {
		s.it.Reset(data)
	}

	starts := findStartCodes(s.it)
	if len(starts) == 0 {
		return nil
	}

	var units []NALUnit
	for i, sc := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].offset
		}
		body := data[sc.offset+sc.length : end]
		if len(body) == 0 {
			continue
		}

		var nalType uint8
		if isH265 {
			nalType = (body[0] >> 1) & 0x3f
		} else {
			nalType = body[0] & 0x1f
		}
		units = append(units, NALUnit{Type: nalType, Bytes: body})
	}
	return units
}

// ScanAnnexBNALUs is a single-shot convenience wrapper over NALScanner for
// callers that don't scan repeatedly (tests, one-off inspection).
func ScanAnnexBNALUs(data []byte, isH265 bool) []NALUnit {
	var s NALScanner
	return s.Scan(data, isH265)
}

type startCode struct {
	offset int
	length int // 3 or 4
}

// findStartCodes locates every Annex-B start code in it's underlying data,
// preferring the longest match at a given position (0x00000001 over the
// 0x000001 it contains). Walking through the iterator's bounds-checked
// NextBytesNoCopy keeps this allocation-free regardless of how often the
// owning NALScanner is reused.
func findStartCodes(it *NoAllocBytesIterator) []startCode {
	var out []startCode
	n := it.Len()
	for i := 0; i+2 < n; i++ {
		it.Seek(i)
		b, err := it.NextBytesNoCopy(3)
		if err != nil {
			break
		}
		if b[0] != 0x00 || b[1] != 0x00 {
			continue
		}
		if b[2] == 0x01 {
			out = append(out, startCode{offset: i, length: 3})
			i += 2
			continue
		}
		if i+3 < n {
			it.Seek(i)
			b4, err := it.NextBytesNoCopy(4)
			if err == nil && b4[2] == 0x00 && b4[3] == 0x01 {
				out = append(out, startCode{offset: i, length: 4})
				i += 3
			}
		}
	}
	return out
}

// RBSPBytes strips emulation-prevention bytes (0x03 following 0x0000) from a
// NAL unit's payload, returning the raw RBSP. Only needed by callers that
// parse SPS/PPS contents; IDR detection never needs it.
func RBSPBytes(nalBytes []byte) []byte {
	out := make([]byte, 0, len(nalBytes))
	zeroRun := 0
	for i := 0; i < len(nalBytes); i++ {
		b := nalBytes[i]
		if zeroRun >= 2 && b == 0x03 && i+1 < len(nalBytes) && nalBytes[i+1] <= 0x03 {
			zeroRun = 0
			continue
		}
		if b == 0x00 {
			zeroRun++
		} else {
			zeroRun = 0
		}
		out = append(out, b)
	}
	return out
}
