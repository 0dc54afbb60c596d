package mpegts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanAnnexBNALUsH264(t *testing.T) {
	data := []byte{}
	data = append(data, 0x00, 0x00, 0x00, 0x01, 0x67, 0xaa, 0xbb) // SPS
	data = append(data, 0x00, 0x00, 0x01, 0x68, 0xcc)             // PPS
	data = append(data, 0x00, 0x00, 0x01, 0x65, 0xdd, 0xee)       // IDR slice

	units := ScanAnnexBNALUs(data, false)
	require.Len(t, units, 3)
	assert.Equal(t, uint8(NALUTypeH264SPS), units[0].Type)
	assert.Equal(t, uint8(NALUTypeH264PPS), units[1].Type)
	assert.Equal(t, uint8(NALUTypeH264IDRSlice), units[2].Type)
	assert.True(t, IsH264IDR(units[2]))
	assert.False(t, IsH264IDR(units[0]))
}

func TestScanAnnexBNALUsH265(t *testing.T) {
	var data []byte
	// VPS: forbidden(0) type=32(0b100000) layer/temporal low bits
	data = append(data, 0x00, 0x00, 0x01, byte(32)<<1, 0x01, 0xaa)
	// IDR_W_RADL: type=19
	data = append(data, 0x00, 0x00, 0x01, byte(19)<<1, 0x01, 0xbb, 0xcc)

	units := ScanAnnexBNALUs(data, true)
	require.Len(t, units, 2)
	assert.Equal(t, uint8(NALUTypeH265VPS), units[0].Type)
	assert.Equal(t, uint8(NALUTypeH265IDRWRADL), units[1].Type)
	assert.True(t, IsH265IDR(units[1]))
	assert.False(t, IsH265IDR(units[0]))
}

func TestRBSPBytesStripsEmulationPrevention(t *testing.T) {
	in := []byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x02}
	out := RBSPBytes(in)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x02}, out)
}

func TestScanAnnexBNALUsNoStartCode(t *testing.T) {
	assert.Nil(t, ScanAnnexBNALUs([]byte{0x01, 0x02, 0x03}, false))
}
