package mpegts

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

// PSI table IDs. Only PAT and PMT are parsed/written; anything else is
// recognized just well enough to be skipped cleanly (the splicer never
// forwards EIT/SDT/NIT/TOT, which spec.md's Non-goals exclude from output).
type PSITableID uint8

const (
	PSITableIDPAT  PSITableID = 0x00
	PSITableIDPMT  PSITableID = 0x02
	PSITableIDNull PSITableID = 0xff
)

func (t PSITableID) hasCRC32() bool {
	return t == PSITableIDPAT || t == PSITableIDPMT
}

func (t PSITableID) hasSyntaxHeader() bool {
	return t == PSITableIDPAT || t == PSITableIDPMT
}

func (t PSITableID) String() string {
	switch t {
	case PSITableIDPAT:
		return "PAT"
	case PSITableIDPMT:
		return "PMT"
	case PSITableIDNull:
		return "Null"
	default:
		return "Unknown"
	}
}

// PSIData is the pointer-field-prefixed sequence of sections carried in a
// PUSI-starting PSI payload.
type PSIData struct {
	PointerField int
	Sections     []*PSISection
}

// PSISection is a single PAT/PMT table instance.
type PSISection struct {
	Header *PSISectionHeader
	Syntax *PSISectionSyntax
	CRC32  uint32
}

// PSISectionHeader is the 3-byte header common to every PSI section.
type PSISectionHeader struct {
	TableID                PSITableID
	SectionSyntaxIndicator bool
	PrivateBit             bool
	SectionLength          uint16
}

// PSISectionSyntax is the syntax section that follows the header for PAT
// and PMT (section_syntax_indicator == 1).
type PSISectionSyntax struct {
	Header *PSISectionSyntaxHeader
	Data   *PSISectionSyntaxData
}

// PSISectionSyntaxHeader carries the table-specific identifier, version,
// and section-ordering fields.
type PSISectionSyntaxHeader struct {
	TableIDExtension     uint16
	VersionNumber        uint8
	CurrentNextIndicator bool
	SectionNumber        uint8
	LastSectionNumber    uint8
}

// PSISectionSyntaxData holds the parsed table body; exactly one of PAT/PMT
// is non-nil depending on the section's TableID.
type PSISectionSyntaxData struct {
	PAT *PATData
	PMT *PMTData
}

// ErrPSIInvalidCRC32 is returned when a parsed section's computed CRC32
// doesn't match the one carried in the stream.
var ErrPSIInvalidCRC32 = errors.New("mpegts: computed CRC32 doesn't match section CRC32")

// ErrPSIUnsupportedTable is returned by writePSISection for any table ID
// other than PAT/PMT.
var ErrPSIUnsupportedTable = errors.New("mpegts: unsupported PSI table")

// ParsePSIData parses a full PSI payload (pointer field plus one or more
// sections, terminated by a 0xff table ID or EOF).
func ParsePSIData(r *bitio.CountReader) (*PSIData, error) {
	d := &PSIData{}
	d.PointerField = int(r.TryReadByte())

	skip := make([]byte, d.PointerField)
	TryReadFull(r, skip)

	for {
		s, stop, err := parsePSISection(r)
		if err != nil {
			return nil, fmt.Errorf("parsing PSI section failed: %w", err)
		}
		if stop {
			break
		}
		d.Sections = append(d.Sections, s)
		if r.TryError != nil {
			break
		}
	}
	return d, r.TryError
}

func parsePSISection(r *bitio.CountReader) (*PSISection, bool, error) {
	cr := NewCRC32Reader(r)
	cw := bitio.NewCountReader(cr)
	cw.BitsCount = r.BitsCount

	s := &PSISection{}
	start := cw.BitsCount
	header, offsetSectionsEnd, offsetEnd, err := parsePSISectionHeader(cw)
	if err != nil {
		if cw.BitsCount == start {
			// Nothing left after the previous section: the payload ended at EOF.
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("parsing PSI section header failed: %w", err)
	}
	s.Header = header

	if header.TableID == PSITableIDNull {
		return s, true, nil
	}

	if header.SectionLength == 0 {
		skipToBit(cw, offsetEnd)
		return s, false, cw.TryError
	}

	if s.Syntax, err = parsePSISectionSyntax(cw, header, offsetSectionsEnd); err != nil {
		return nil, false, fmt.Errorf("parsing PSI section syntax failed: %w", err)
	}

	if header.TableID.hasCRC32() {
		computed := cr.CRC32()
		skipToBit(cw, offsetSectionsEnd)

		s.CRC32 = uint32(cw.TryReadBits(32))
		if cw.TryError == nil && computed != s.CRC32 {
			return nil, false, fmt.Errorf("%w: computed=%#x table=%#x", ErrPSIInvalidCRC32, computed, s.CRC32)
		}
	}

	skipToBit(cw, offsetEnd)
	return s, false, cw.TryError
}

func skipToBit(r *bitio.CountReader, offsetEndBits int64) {
	if offsetEndBits > r.BitsCount {
		skip := make([]byte, (offsetEndBits-r.BitsCount)/8)
		TryReadFull(r, skip)
	}
}

// TryReadFull fills p from r byte by byte; like the other Try* reads, it
// leaves any error in r.TryError and does nothing once one is set.
func TryReadFull(r *bitio.CountReader, p []byte) {
	for i := range p {
		p[i] = r.TryReadByte()
	}
}

func parsePSISectionHeader(r *bitio.CountReader) (h *PSISectionHeader, offsetSectionsEnd, offsetEnd int64, err error) {
	h = &PSISectionHeader{TableID: PSITableID(r.TryReadByte())}
	if h.TableID == PSITableIDNull {
		return h, 0, 0, r.TryError
	}

	h.SectionSyntaxIndicator = r.TryReadBool()
	h.PrivateBit = r.TryReadBool()
	_ = r.TryReadBits(2) // reserved
	h.SectionLength = uint16(r.TryReadBits(12))

	offsetEnd = r.BitsCount + int64(h.SectionLength)*8
	offsetSectionsEnd = offsetEnd
	if h.TableID.hasCRC32() {
		offsetSectionsEnd -= 32
	}
	return h, offsetSectionsEnd, offsetEnd, r.TryError
}

func parsePSISectionSyntax(r *bitio.CountReader, h *PSISectionHeader, offsetSectionsEnd int64) (*PSISectionSyntax, error) {
	s := &PSISectionSyntax{}
	var err error
	if h.TableID.hasSyntaxHeader() {
		if s.Header, err = parsePSISectionSyntaxHeader(r); err != nil {
			return nil, fmt.Errorf("parsing syntax header failed: %w", err)
		}
	}

	s.Data = &PSISectionSyntaxData{}
	switch h.TableID {
	case PSITableIDPAT:
		if s.Data.PAT, err = parsePATSection(r, offsetSectionsEnd, s.Header.TableIDExtension); err != nil {
			return nil, fmt.Errorf("parsing PAT section failed: %w", err)
		}
	case PSITableIDPMT:
		if s.Data.PMT, err = parsePMTSection(r, offsetSectionsEnd, s.Header.TableIDExtension); err != nil {
			return nil, fmt.Errorf("parsing PMT section failed: %w", err)
		}
	}
	return s, nil
}

func parsePSISectionSyntaxHeader(r *bitio.CountReader) (*PSISectionSyntaxHeader, error) {
	h := &PSISectionSyntaxHeader{}
	h.TableIDExtension = uint16(r.TryReadBits(16))
	_ = r.TryReadBits(2) // reserved
	h.VersionNumber = uint8(r.TryReadBits(5))
	h.CurrentNextIndicator = r.TryReadBool()
	h.SectionNumber = r.TryReadByte()
	h.LastSectionNumber = r.TryReadByte()
	return h, r.TryError
}

// WritePSIDataBytes serializes d (pointer field plus sections) into a
// standalone byte slice, for callers that packetize PSI into TS packets
// themselves rather than writing into an already-open bitio.Writer.
func WritePSIDataBytes(d *PSIData) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	if err := WritePSIData(w, d); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing PSI writer failed: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePSIData writes a full PSI payload (pointer field plus sections).
func WritePSIData(w *bitio.Writer, d *PSIData) error {
	w.TryWriteByte(uint8(d.PointerField))
	for i := 0; i < d.PointerField; i++ {
		w.TryWriteByte(0)
	}
	if w.TryError != nil {
		return fmt.Errorf("write: %w", w.TryError)
	}

	for _, s := range d.Sections {
		if _, err := writePSISection(w, s); err != nil {
			return fmt.Errorf("writing PSI section failed: %w", err)
		}
	}
	return nil
}

func calcPSISectionLength(s *PSISection) uint16 {
	length := uint16(0)
	if s.Header.TableID.hasSyntaxHeader() {
		length += 5
	}
	switch s.Header.TableID {
	case PSITableIDPAT:
		length += calcPATSectionLength(s.Syntax.Data.PAT)
	case PSITableIDPMT:
		length += calcPMTSectionLength(s.Syntax.Data.PMT)
	}
	if s.Header.TableID.hasCRC32() {
		length += 4
	}
	return length
}

func writePSISection(w *bitio.Writer, s *PSISection) (int, error) {
	if s.Header.TableID != PSITableIDPAT && s.Header.TableID != PSITableIDPMT {
		return 0, fmt.Errorf("%w: %s", ErrPSIUnsupportedTable, s.Header.TableID)
	}

	sectionLength := calcPSISectionLength(s)

	var cw *CRC32Writer
	out := w
	if s.Header.TableID.hasCRC32() {
		cw = NewCRC32Writer(w)
		out = bitio.NewWriter(cw)
	}

	out.TryWriteByte(uint8(s.Header.TableID))
	out.TryWriteBool(s.Header.SectionSyntaxIndicator)
	out.TryWriteBool(s.Header.PrivateBit)
	out.TryWriteBits(0b11, 2)
	out.TryWriteBits(uint64(sectionLength), 12)
	bytesWritten := 3

	n, err := writePSISectionSyntax(out, s)
	if err != nil {
		return 0, fmt.Errorf("writing PSI section syntax failed: %w", err)
	}
	bytesWritten += n

	if s.Header.TableID.hasCRC32() {
		// Flush any partial byte in `out` before reading the running CRC;
		// byte-aligned content guarantees there is none here since every
		// PAT/PMT field written above is itself byte-aligned.
		w.TryWriteBits(uint64(cw.CRC32()), 32)
		bytesWritten += 4
	}
	return bytesWritten, w.TryError
}

func writePSISectionSyntax(w *bitio.Writer, s *PSISection) (int, error) {
	bytesWritten := 0
	if s.Header.TableID.hasSyntaxHeader() {
		n, err := writePSISectionSyntaxHeader(w, s.Syntax.Header)
		if err != nil {
			return 0, fmt.Errorf("header: %w", err)
		}
		bytesWritten += n
	}

	var n int
	var err error
	switch s.Header.TableID {
	case PSITableIDPAT:
		n, err = writePATSection(w, s.Syntax.Data.PAT)
	case PSITableIDPMT:
		n, err = writePMTSection(w, s.Syntax.Data.PMT)
	}
	if err != nil {
		return 0, fmt.Errorf("data: %w", err)
	}
	bytesWritten += n
	return bytesWritten, nil
}

func writePSISectionSyntaxHeader(w *bitio.Writer, h *PSISectionSyntaxHeader) (int, error) {
	w.TryWriteBits(uint64(h.TableIDExtension), 16)
	w.TryWriteBits(0b11, 2)
	w.TryWriteBits(uint64(h.VersionNumber), 5)
	w.TryWriteBool(h.CurrentNextIndicator)
	w.TryWriteByte(h.SectionNumber)
	w.TryWriteByte(h.LastSectionNumber)
	return 5, w.TryError
}

// psiVersionCounter tracks a PAT/PMT's version_number (5 bits, wraps mod
// 32). The splice engine does not use it: it keeps its own PAT and PMT
// version fields.
type psiVersionCounter struct {
	v uint8
}

func (c *psiVersionCounter) next() uint8 {
	c.v = (c.v + 1) % 32
	return c.v
}

func (c *psiVersionCounter) current() uint8 {
	return c.v
}
