package mpegts

import "github.com/icza/bitio"

// Stream types. Only the ones the splicer needs to recognize (video/audio
// codecs the PSI/NAL inspector cares about, plus the handful the teacher
// already listed) are kept; anything else round-trips as an opaque uint8.
const (
	StreamTypeMPEG1Audio                 = 3  // ISO/IEC 11172-3
	StreamTypeMPEG2HalvedSampleRateAudio = 4  // ISO/IEC 13818-3
	StreamTypeMPEG2PacketizedData        = 6  // ITU-T Rec. H.222 and ISO/IEC 13818-1, e.g. AC-3/DVB subtitles
	StreamTypeAACAudio                   = 15 // ISO/IEC 13818-7
	StreamTypeLowerBitrateVideo          = 27 // ITU-T Rec. H.264 and ISO/IEC 14496-10
	StreamTypeHEVCVideo                  = 0x24
)

// PMTData represents a parsed PMT section.
// https://en.wikipedia.org/wiki/Program-specific_information
type PMTData struct {
	ProgramNumber      uint16
	PCRPID             uint16
	ProgramDescriptors []*Descriptor
	ElementaryStreams  []*PMTElementaryStream
}

// PMTElementaryStream is one entry of a PMT's stream list.
type PMTElementaryStream struct {
	StreamType                  uint8
	ElementaryPID                uint16
	ElementaryStreamDescriptors []*Descriptor
}

// IsVideo reports whether st is one of the video codecs the splice engine
// needs IDR-alignment/SPS-PPS handling for.
func (e *PMTElementaryStream) IsVideo() bool {
	return e.StreamType == StreamTypeLowerBitrateVideo || e.StreamType == StreamTypeHEVCVideo
}

func parsePMTSection(r *bitio.CountReader, offsetSectionsEnd int64, tableIDExtension uint16) (*PMTData, error) {
	d := &PMTData{ProgramNumber: tableIDExtension}

	_ = r.TryReadBits(3) // reserved
	d.PCRPID = uint16(r.TryReadBits(13))

	var err error
	if d.ProgramDescriptors, err = parseDescriptors(r); err != nil {
		return nil, err
	}

	for r.BitsCount < offsetSectionsEnd {
		e := &PMTElementaryStream{}
		e.StreamType = r.TryReadByte()
		_ = r.TryReadBits(3) // reserved
		e.ElementaryPID = uint16(r.TryReadBits(13))

		if e.ElementaryStreamDescriptors, err = parseDescriptors(r); err != nil {
			return nil, err
		}
		d.ElementaryStreams = append(d.ElementaryStreams, e)
	}
	return d, r.TryError
}

func calcPMTSectionLength(d *PMTData) uint16 {
	length := uint16(2) // reserved+PCR PID
	length += calcDescriptorsLength(d.ProgramDescriptors)
	for _, e := range d.ElementaryStreams {
		length += 1 + 2 // stream type, reserved+PID
		length += calcDescriptorsLength(e.ElementaryStreamDescriptors)
	}
	return length
}

func writePMTSection(w *bitio.Writer, d *PMTData) (int, error) {
	w.TryWriteBits(0b111, 3)
	w.TryWriteBits(uint64(d.PCRPID), 13)
	bytesWritten := 2

	n, err := writeDescriptors(w, d.ProgramDescriptors)
	if err != nil {
		return 0, err
	}
	bytesWritten += n

	for _, e := range d.ElementaryStreams {
		w.TryWriteByte(e.StreamType)
		w.TryWriteBits(0b111, 3)
		w.TryWriteBits(uint64(e.ElementaryPID), 13)
		bytesWritten += 3

		n, err = writeDescriptors(w, e.ElementaryStreamDescriptors)
		if err != nil {
			return 0, err
		}
		bytesWritten += n
	}
	return bytesWritten, w.TryError
}
