package mpegts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeCRC32(t *testing.T) {
	// Empty input leaves the seed untouched.
	assert.Equal(t, uint32(0xffffffff), computeCRC32(nil))

	// Same input always produces the same checksum.
	b := []byte{0x00, 0x02, 0xb0, 0x0d, 0x00, 0x01, 0xc1, 0x00, 0x00, 0x00, 0x01, 0xe1, 0x00}
	assert.Equal(t, computeCRC32(b), computeCRC32(b))
}

func TestUpdateCRC32Incremental(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	whole := computeCRC32(b)

	crc := uint32(0xffffffff)
	crc = updateCRC32(crc, b[:2])
	crc = updateCRC32(crc, b[2:])
	assert.Equal(t, whole, crc)
}

func TestCRC32ReaderWriterAgree(t *testing.T) {
	b := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}

	var buf []byte
	cw := NewCRC32Writer(sliceWriter{&buf})
	_, err := cw.Write(b)
	assert.NoError(t, err)

	assert.Equal(t, computeCRC32(b), cw.CRC32())
}

type sliceWriter struct{ buf *[]byte }

func (s sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}
