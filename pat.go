package mpegts

import "github.com/icza/bitio"

// PATData represents a parsed PAT section.
// https://en.wikipedia.org/wiki/Program-specific_information
type PATData struct {
	TransportStreamID uint16
	Programs          []*PATProgram
}

// PATProgram associates a program number with the PID carrying its PMT (or,
// for program number 0, the network PID).
type PATProgram struct {
	ProgramNumber uint16
	ProgramMapID  uint16
}

// parsePATSection parses a PAT section body (everything after the section
// syntax header, up to but excluding the trailing CRC32).
func parsePATSection(r *bitio.CountReader, offsetSectionsEnd int64, tableIDExtension uint16) (*PATData, error) {
	d := &PATData{TransportStreamID: tableIDExtension}
	for r.BitsCount < offsetSectionsEnd {
		programNumber := uint16(r.TryReadBits(16))
		_ = r.TryReadBits(3) // reserved
		programMapID := uint16(r.TryReadBits(13))
		d.Programs = append(d.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  programMapID,
		})
	}
	return d, r.TryError
}

func calcPATSectionLength(d *PATData) uint16 {
	return uint16(len(d.Programs) * 4)
}

func writePATSection(w *bitio.Writer, d *PATData) (int, error) {
	for _, p := range d.Programs {
		w.TryWriteBits(uint64(p.ProgramNumber), 16)
		w.TryWriteBits(0b111, 3) // reserved
		w.TryWriteBits(uint64(p.ProgramMapID), 13)
	}
	return len(d.Programs) * 4, w.TryError
}
