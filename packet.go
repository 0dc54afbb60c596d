package mpegts

import "errors"

// PacketSize is the fixed size of an MPEG-TS packet.
const PacketSize = 188

// syncByte is the first byte of every TS packet.
const syncByte = 0x47

// SyncByte exports syncByte for callers that need to scan a raw byte
// stream for packet alignment (resynchronization after data loss).
const SyncByte = syncByte

// PIDs reserved by the spec.
const (
	PIDPAT  uint16 = 0x0000
	PIDNull uint16 = 0x1fff
)

// Scrambling controls.
const (
	ScramblingControlNotScrambled         = 0
	ScramblingControlReservedForFutureUse = 1
	ScramblingControlScrambledWithEvenKey = 2
	ScramblingControlScrambledWithOddKey  = 3
)

// ErrPacketMustStartWithASyncByte is returned when a packet's first byte
// isn't the sync byte.
var ErrPacketMustStartWithASyncByte = errors.New("mpegts: packet must start with a sync byte")

// Packet represents a single 188-byte transport stream packet.
type Packet struct {
	Bytes           []byte // the whole packet, including the 4-byte header
	Header          PacketHeader
	AdaptationField *PacketAdaptationField
	Payload         []byte // only the payload content, nil if HasPayload is false
}

// PacketHeader represents a packet's 4-byte header.
type PacketHeader struct {
	TransportErrorIndicator   bool
	PayloadUnitStartIndicator bool
	TransportPriority         bool
	PID                       uint16
	TransportScramblingControl uint8
	HasAdaptationField        bool
	HasPayload                bool
	ContinuityCounter         uint8 // 4 bits, 0x0-0xf
}

// PacketAdaptationField represents a packet's adaptation field.
type PacketAdaptationField struct {
	Length                            int
	DiscontinuityIndicator            bool
	RandomAccessIndicator             bool
	ElementaryStreamPriorityIndicator bool
	HasPCR                            bool
	HasOPCR                           bool
	HasSplicingCountdown              bool
	HasTransportPrivateData           bool
	HasAdaptationExtensionField       bool
	PCR                               *ClockReference
	OPCR                              *ClockReference
	SpliceCountdown                   int // two's complement
	TransportPrivateData              []byte
	StuffingLength                    int // trailing 0xff padding bytes written after the above fields
}

// ParsePacket parses a single PacketSize-byte slice into a Packet. The slice
// is retained by reference (Bytes and Payload alias it).
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < PacketSize {
		return nil, errors.New("mpegts: packet shorter than 188 bytes")
	}
	if b[0] != syncByte {
		return nil, ErrPacketMustStartWithASyncByte
	}

	p := &Packet{Bytes: b[:PacketSize]}
	p.Header = parsePacketHeader(b)

	offset := 4
	if p.Header.HasAdaptationField {
		af, n := parseAdaptationField(b[4:PacketSize])
		p.AdaptationField = af
		offset = 4 + n
	}
	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = b[offset:PacketSize]
	}
	return p, nil
}

func parsePacketHeader(b []byte) PacketHeader {
	return PacketHeader{
		TransportErrorIndicator:    b[1]&0x80 > 0,
		PayloadUnitStartIndicator:  b[1]&0x40 > 0,
		TransportPriority:          b[1]&0x20 > 0,
		PID:                        uint16(b[1]&0x1f)<<8 | uint16(b[2]),
		TransportScramblingControl: b[3] >> 6 & 0x3,
		HasAdaptationField:         b[3]&0x20 > 0,
		HasPayload:                 b[3]&0x10 > 0,
		ContinuityCounter:          b[3] & 0xf,
	}
}

// parseAdaptationField parses the adaptation field starting right after the
// 4-byte packet header. Returns the field and the number of bytes it (plus
// its own length byte) occupies, so the caller can locate the payload.
func parseAdaptationField(b []byte) (*PacketAdaptationField, int) {
	a := &PacketAdaptationField{Length: int(b[0])}
	if a.Length <= 0 {
		return a, 1
	}

	offset := 1
	flags := b[offset]
	a.DiscontinuityIndicator = flags&0x80 > 0
	a.RandomAccessIndicator = flags&0x40 > 0
	a.ElementaryStreamPriorityIndicator = flags&0x20 > 0
	a.HasPCR = flags&0x10 > 0
	a.HasOPCR = flags&0x08 > 0
	a.HasSplicingCountdown = flags&0x04 > 0
	a.HasTransportPrivateData = flags&0x02 > 0
	a.HasAdaptationExtensionField = flags&0x01 > 0
	offset++

	if a.HasPCR {
		a.PCR = parsePCR(b[offset:])
		offset += 6
	}
	if a.HasOPCR {
		a.OPCR = parsePCR(b[offset:])
		offset += 6
	}
	if a.HasSplicingCountdown {
		a.SpliceCountdown = int(int8(b[offset]))
		offset++
	}
	if a.HasTransportPrivateData {
		l := int(b[offset])
		offset++
		if l > 0 {
			a.TransportPrivateData = append([]byte(nil), b[offset:offset+l]...)
			offset += l
		}
	}
	// Adaptation extension field and further private descriptors aren't
	// needed by the splice engine; remaining bytes up to Length are stuffing.
	consumed := offset - 1
	if a.Length > consumed {
		a.StuffingLength = a.Length - consumed
	}
	return a, 1 + a.Length
}

// parsePCR parses a 48-bit (6-byte) PCR field: 33-bit base, 6 reserved bits,
// 9-bit extension.
func parsePCR(b []byte) *ClockReference {
	v := uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 | uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	base := v >> 15
	ext := v & 0x1ff
	return NewClockReference(base, uint16(ext))
}

// writePCR writes a ClockReference as a 48-bit PCR field into dst (len(dst) >= 6).
func writePCR(dst []byte, cr *ClockReference) {
	v := (cr.Base()<<15)&0xffffffff8000 | 0x7e00 | uint64(cr.Extension())&0x1ff
	dst[0] = byte(v >> 40)
	dst[1] = byte(v >> 32)
	dst[2] = byte(v >> 24)
	dst[3] = byte(v >> 16)
	dst[4] = byte(v >> 8)
	dst[5] = byte(v)
}

// WritePacketHeader writes the 4-byte header (and nothing else) into dst
// (len(dst) >= 4).
func WritePacketHeader(dst []byte, h PacketHeader) {
	dst[0] = syncByte
	dst[1] = 0
	if h.TransportErrorIndicator {
		dst[1] |= 0x80
	}
	if h.PayloadUnitStartIndicator {
		dst[1] |= 0x40
	}
	if h.TransportPriority {
		dst[1] |= 0x20
	}
	dst[1] |= byte(h.PID >> 8 & 0x1f)
	dst[2] = byte(h.PID)
	dst[3] = h.TransportScramblingControl << 6 & 0xc0
	if h.HasAdaptationField {
		dst[3] |= 0x20
	}
	if h.HasPayload {
		dst[3] |= 0x10
	}
	dst[3] |= h.ContinuityCounter & 0xf
}

// WriteAdaptationField writes an adaptation field (length byte included)
// into dst, returning the number of bytes written. dst must be large enough
// (at most 2 + 6 + 6 + 1 + 256 bytes).
func WriteAdaptationField(dst []byte, a *PacketAdaptationField, stuffTo int) int {
	flagsOffset := 1
	body := 1 // flags byte
	if a.HasPCR {
		body += 6
	}
	if a.HasOPCR {
		body += 6
	}
	if a.HasSplicingCountdown {
		body++
	}
	if a.HasTransportPrivateData {
		body += 1 + len(a.TransportPrivateData)
	}
	length := body
	if stuffTo > length {
		length = stuffTo
	}
	dst[0] = byte(length)

	o := flagsOffset + 1
	var flags byte
	if a.DiscontinuityIndicator {
		flags |= 0x80
	}
	if a.RandomAccessIndicator {
		flags |= 0x40
	}
	if a.ElementaryStreamPriorityIndicator {
		flags |= 0x20
	}
	if a.HasPCR {
		flags |= 0x10
	}
	if a.HasOPCR {
		flags |= 0x08
	}
	if a.HasSplicingCountdown {
		flags |= 0x04
	}
	if a.HasTransportPrivateData {
		flags |= 0x02
	}
	dst[flagsOffset] = flags

	if a.HasPCR {
		writePCR(dst[o:], a.PCR)
		o += 6
	}
	if a.HasOPCR {
		writePCR(dst[o:], a.OPCR)
		o += 6
	}
	if a.HasSplicingCountdown {
		dst[o] = byte(int8(a.SpliceCountdown))
		o++
	}
	if a.HasTransportPrivateData {
		dst[o] = byte(len(a.TransportPrivateData))
		o++
		o += copy(dst[o:], a.TransportPrivateData)
	}
	for o < 1+length {
		dst[o] = 0xff
		o++
	}
	return 1 + length
}
