package mpegts

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

// PTS/DTS indicator values.
const (
	PTSDTSIndicatorNoPTSOrDTS  = 0
	PTSDTSIndicatorOnlyPTS     = 2
	PTSDTSIndicatorBothPresent = 3
)

// Stream IDs.
const (
	StreamIDPaddingStream  = 190
	StreamIDPrivateStream2 = 191
)

const (
	pesHeaderLength    = 6
	ptsOrDTSByteLength = 5
)

// PESData is a parsed PES packet: a header plus the elementary-stream bytes
// that follow it. The splicer only ever rebases PTS/DTS, never reads ESCR,
// trick-mode, or the PES extension fields the full standard allows, so
// PESOptionalHeader only carries what that needs.
type PESData struct {
	Header *PESHeader
	Data   []byte
}

// PESHeader represents a PES packet header.
// https://en.wikipedia.org/wiki/Packetized_elementary_stream
type PESHeader struct {
	StreamID       uint8
	PacketLength   uint16
	OptionalHeader *PESOptionalHeader
}

// PESOptionalHeader carries only the PTS/DTS fields the splice engine
// rebases on every output packet.
type PESOptionalHeader struct {
	ScramblingControl      uint8
	Priority               bool
	DataAlignmentIndicator bool
	IsCopyrighted          bool
	IsOriginal             bool
	PTSDTSIndicator        uint8
	HeaderLength           uint8
	PTS                    *ClockReference
	DTS                    *ClockReference
}

// IsVideoStream reports whether h's stream ID marks a video elementary
// stream (so PacketLength may legally be 0, meaning "unbounded").
func (h *PESHeader) IsVideoStream() bool {
	return h.StreamID == 0xe0 || h.StreamID == 0xfd
}

func hasPESOptionalHeader(streamID uint8) bool {
	return streamID != StreamIDPaddingStream && streamID != StreamIDPrivateStream2
}

// ParsePESData parses a PES packet (concatenated payload of every TS
// packet belonging to it) and is the entry point external packages use;
// parsePESData is retained for the internal recursive call shape used by
// the root package's own tests.
func ParsePESData(r *bitio.CountReader, payloadLength int64) (*PESData, error) {
	return parsePESData(r, payloadLength)
}

// parsePESData parses a PES packet, skipping the 3-byte start code prefix
// that precedes the stream ID.
func parsePESData(r *bitio.CountReader, payloadLength int64) (*PESData, error) {
	d := &PESData{}

	skip := make([]byte, 3)
	TryReadFull(r, skip)

	header, dataStart, dataEnd, err := parsePESHeader(r, payloadLength)
	if err != nil {
		return nil, fmt.Errorf("parsing PES header failed: %w", err)
	}
	d.Header = header

	if dataStart > r.BitsCount {
		skip := make([]byte, (dataStart-r.BitsCount)/8)
		TryReadFull(r, skip)
	}

	d.Data = make([]byte, (dataEnd-dataStart)/8)
	TryReadFull(r, d.Data)

	return d, r.TryError
}

func parsePESHeader(r *bitio.CountReader, payloadLength int64) (h *PESHeader, dataStart, dataEnd int64, err error) {
	h = &PESHeader{}
	h.StreamID = r.TryReadByte()
	h.PacketLength = uint16(r.TryReadBits(16))

	if h.PacketLength > 0 {
		dataEnd = r.BitsCount + int64(h.PacketLength)*8
	} else {
		dataEnd = payloadLength
	}

	if hasPESOptionalHeader(h.StreamID) {
		h.OptionalHeader, dataStart, err = parsePESOptionalHeader(r)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("parsing PES optional header failed: %w", err)
		}
	} else {
		dataStart = r.BitsCount
	}
	return h, dataStart, dataEnd, r.TryError
}

func parsePESOptionalHeader(r *bitio.CountReader) (*PESOptionalHeader, int64, error) {
	h := &PESOptionalHeader{}

	_ = r.TryReadBits(2) // marker bits
	h.ScramblingControl = uint8(r.TryReadBits(2))
	h.Priority = r.TryReadBool()
	h.DataAlignmentIndicator = r.TryReadBool()
	h.IsCopyrighted = r.TryReadBool()
	h.IsOriginal = r.TryReadBool()

	h.PTSDTSIndicator = uint8(r.TryReadBits(2))
	hasESCR := r.TryReadBool()
	hasESRate := r.TryReadBool()
	hasDSMTrickMode := r.TryReadBool()
	hasAdditionalCopyInfo := r.TryReadBool()
	hasCRC := r.TryReadBool()
	hasExtension := r.TryReadBool()

	h.HeaderLength = r.TryReadByte()
	dataStart := r.BitsCount + int64(h.HeaderLength)*8

	var err error
	if h.PTSDTSIndicator == PTSDTSIndicatorOnlyPTS {
		_ = r.TryReadBits(4)
		if h.PTS, err = parsePTSOrDTS(r); err != nil {
			return nil, 0, fmt.Errorf("parsing PTS failed: %w", err)
		}
	} else if h.PTSDTSIndicator == PTSDTSIndicatorBothPresent {
		_ = r.TryReadBits(4)
		if h.PTS, err = parsePTSOrDTS(r); err != nil {
			return nil, 0, fmt.Errorf("parsing PTS failed: %w", err)
		}
		_ = r.TryReadBits(4)
		if h.DTS, err = parsePTSOrDTS(r); err != nil {
			return nil, 0, fmt.Errorf("parsing DTS failed: %w", err)
		}
	}

	// ESCR/ES-rate/trick-mode/copy-info/CRC/extension fields aren't needed
	// by the splicer; skip straight to the payload using HeaderLength,
	// which is authoritative regardless of how many of those flags are set.
	_ = hasESCR
	_ = hasESRate
	_ = hasDSMTrickMode
	_ = hasAdditionalCopyInfo
	_ = hasCRC
	_ = hasExtension

	return h, dataStart, r.TryError
}

// readPTSOrDTS reads the 5-byte, 3-marker-bit-interleaved PTS/DTS encoding
// shared by PTS, DTS and ESCR, returning the raw 33-bit base.
func readPTSOrDTS(r *bitio.CountReader) (int64, error) {
	buf := &bytes.Buffer{}
	w := bitio.NewWriter(buf)

	w.TryWriteBits(r.TryReadBits(3), 3)
	_ = r.TryReadBool()
	w.TryWriteBits(r.TryReadBits(15), 15)
	_ = r.TryReadBool()
	w.TryWriteBits(r.TryReadBits(15), 15)
	_ = r.TryReadBool()

	if r.TryError != nil {
		return 0, fmt.Errorf("read: %w", r.TryError)
	}
	if w.TryError != nil {
		return 0, fmt.Errorf("write: %w", w.TryError)
	}
	if _, err := w.Align(); err != nil {
		return 0, fmt.Errorf("align: %w", err)
	}

	base, err := bitio.NewReader(buf).ReadBits(33)
	if err != nil {
		return 0, fmt.Errorf("base: %w", err)
	}
	return int64(base), nil
}

func parsePTSOrDTS(r *bitio.CountReader) (*ClockReference, error) {
	base, err := readPTSOrDTS(r)
	return newClockReference(base, 0), err
}

// writePESData writes a PES packet. isPayloadStart controls whether the
// header is emitted (the first TS packet of a PES packet carries it; later
// ones carry only payload). Returns total bytes written and how many of
// payloadLeft were consumed.
func writePESData(
	w *bitio.Writer,
	h *PESHeader,
	payloadLeft []byte,
	isPayloadStart bool,
	bytesAvailable int,
) (totalBytesWritten, payloadBytesWritten int, err error) {
	if isPayloadStart {
		var n int
		n, err = writePESHeader(w, h, len(payloadLeft))
		if err != nil {
			err = fmt.Errorf("writing PES header failed: %w", err)
			return
		}
		totalBytesWritten += n
	}

	payloadBytesWritten = bytesAvailable - totalBytesWritten
	if payloadBytesWritten > len(payloadLeft) {
		payloadBytesWritten = len(payloadLeft)
	}

	if _, err = w.Write(payloadLeft[:payloadBytesWritten]); err != nil {
		err = fmt.Errorf("writing payload failed: %w", err)
		return
	}

	totalBytesWritten += payloadBytesWritten
	return
}

// BuildPESData serializes a complete PES packet (start code, header, and
// payload) into a single byte slice, for callers that packetize it into TS
// packets themselves (the splice engine's synthetic parameter-set access
// unit emitted at every cut).
func BuildPESData(h *PESHeader, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	if _, _, err := writePESData(w, h, data, true, len(data)+64); err != nil {
		return nil, fmt.Errorf("building PES data failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing PES writer failed: %w", err)
	}
	full := make([]byte, 0, 3+buf.Len())
	full = append(full, 0x00, 0x00, 0x01)
	full = append(full, buf.Bytes()...)
	return full, nil
}

// writePESHeader writes the header from the stream ID onward; the 3-byte
// start code prefix is left to the caller (BuildPESData prepends it).
func writePESHeader(w *bitio.Writer, h *PESHeader, payloadSize int) (int, error) {
	w.TryWriteByte(h.StreamID)

	packetLength := 0
	if !h.IsVideoStream() {
		packetLength = payloadSize
		if hasPESOptionalHeader(h.StreamID) {
			packetLength += int(calcPESOptionalHeaderLength(h.OptionalHeader))
		}
		if packetLength > 0xffff {
			packetLength = 0
		}
	}
	w.TryWriteBits(uint64(packetLength), 16)
	bytesWritten := pesHeaderLength - 3

	if hasPESOptionalHeader(h.StreamID) {
		n, err := writePESOptionalHeader(bitio.NewWriter(w), h.OptionalHeader)
		if err != nil {
			return 0, fmt.Errorf("writing optional header failed: %w", err)
		}
		bytesWritten += n
	}
	return bytesWritten, w.TryError
}

func calcPESOptionalHeaderLength(h *PESOptionalHeader) uint8 {
	if h == nil {
		return 0
	}
	return 3 + calcPESOptionalHeaderDataLength(h)
}

func calcPESOptionalHeaderDataLength(h *PESOptionalHeader) uint8 {
	switch h.PTSDTSIndicator {
	case PTSDTSIndicatorOnlyPTS:
		return ptsOrDTSByteLength
	case PTSDTSIndicatorBothPresent:
		return 2 * ptsOrDTSByteLength
	default:
		return 0
	}
}

func writePESOptionalHeader(w *bitio.Writer, h *PESOptionalHeader) (int, error) {
	if h == nil {
		return 0, nil
	}

	w.TryWriteBits(0b10, 2)
	w.TryWriteBits(uint64(h.ScramblingControl), 2)
	w.TryWriteBool(h.Priority)
	w.TryWriteBool(h.DataAlignmentIndicator)
	w.TryWriteBool(h.IsCopyrighted)
	w.TryWriteBool(h.IsOriginal)

	w.TryWriteBits(uint64(h.PTSDTSIndicator), 2)
	w.TryWriteBool(false) // ESCR
	w.TryWriteBool(false) // ES rate
	w.TryWriteBool(false) // DSM trick mode
	w.TryWriteBool(false) // additional copy info
	w.TryWriteBool(false) // CRC
	w.TryWriteBool(false) // extension

	dataLength := calcPESOptionalHeaderDataLength(h)
	w.TryWriteByte(dataLength)
	bytesWritten := 3

	if h.PTSDTSIndicator == PTSDTSIndicatorOnlyPTS {
		n, err := writePTSOrDTS(w, 0b0010, h.PTS)
		if err != nil {
			return 0, fmt.Errorf("PTS: %w", err)
		}
		bytesWritten += n
	} else if h.PTSDTSIndicator == PTSDTSIndicatorBothPresent {
		n, err := writePTSOrDTS(w, 0b0011, h.PTS)
		if err != nil {
			return 0, fmt.Errorf("PTS: %w", err)
		}
		bytesWritten += n

		n, err = writePTSOrDTS(w, 0b0001, h.DTS)
		if err != nil {
			return 0, fmt.Errorf("DTS: %w", err)
		}
		bytesWritten += n
	}
	return bytesWritten, w.TryError
}

func writePTSOrDTS(w *bitio.Writer, flag uint8, cr *ClockReference) (int, error) {
	w.TryWriteBits(uint64(flag), 4)
	w.TryWriteBits(cr.Base()>>30, 3)
	w.TryWriteBool(true)
	w.TryWriteBits(cr.Base()>>15&0x7fff, 15)
	w.TryWriteBool(true)
	w.TryWriteBits(cr.Base()&0x7fff, 15)
	w.TryWriteBool(true)
	return ptsOrDTSByteLength, w.TryError
}
