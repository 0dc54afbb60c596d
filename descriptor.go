package mpegts

import "github.com/icza/bitio"

// Descriptor tags the splice engine and inspector care about. PMT carries
// many more registered tags than this; anything else round-trips through
// Data unexamined.
const (
	DescriptorTagRegistration     = 0x05
	DescriptorTagISO639Language   = 0x0a
	DescriptorTagStreamIdentifier = 0x52
	DescriptorTagAVCVideo         = 0x28
	DescriptorTagHEVCVideo        = 0x38
)

// Descriptor is a generic PSI descriptor: a tag, a length, and its raw
// payload. Callers that care about a specific tag's internal structure
// (e.g. the inspector reading DescriptorTagRegistration to recognize HEVC
// signaled as private data) parse Data themselves.
type Descriptor struct {
	Tag    uint8
	Length uint8
	Data   []byte
}

// parseDescriptors reads a standard 4-reserved-bit + 12-bit descriptor-loop
// length followed by that many bytes of tag/length/data descriptors.
func parseDescriptors(r *bitio.CountReader) ([]*Descriptor, error) {
	_ = r.TryReadBits(4) // reserved
	length := int64(r.TryReadBits(12))
	if length <= 0 {
		return nil, r.TryError
	}

	offsetEnd := r.BitsCount/8 + length
	var out []*Descriptor
	for r.BitsCount/8 < offsetEnd {
		d := &Descriptor{
			Tag:    r.TryReadByte(),
			Length: r.TryReadByte(),
		}
		if r.TryError != nil {
			return nil, r.TryError
		}
		if d.Length > 0 {
			d.Data = make([]byte, d.Length)
			TryReadFull(r, d.Data)
		}
		out = append(out, d)
	}
	return out, r.TryError
}

func calcDescriptorsLength(ds []*Descriptor) uint16 {
	length := uint16(2) // reserved+length field itself
	for _, d := range ds {
		length += 2 + uint16(len(d.Data))
	}
	return length
}

func writeDescriptors(w *bitio.Writer, ds []*Descriptor) (int, error) {
	length := uint16(0)
	for _, d := range ds {
		length += 2 + uint16(len(d.Data))
	}

	w.TryWriteBits(0xf, 4)
	w.TryWriteBits(uint64(length), 12)
	bytesWritten := 2

	for _, d := range ds {
		w.TryWriteByte(d.Tag)
		w.TryWriteByte(uint8(len(d.Data)))
		if _, err := w.Write(d.Data); err != nil {
			return 0, err
		}
		bytesWritten += 2 + len(d.Data)
	}
	return bytesWritten, w.TryError
}
