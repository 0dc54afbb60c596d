package mpegts

import (
	"bytes"
	"testing"

	"github.com/icza/bitio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPESDataRoundTripBothPTSAndDTS(t *testing.T) {
	h := &PESHeader{
		StreamID: 0xe0,
		OptionalHeader: &PESOptionalHeader{
			PTSDTSIndicator: PTSDTSIndicatorBothPresent,
			PTS:             NewClockReference(90000, 0),
			DTS:             NewClockReference(45000, 0),
		},
	}
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa, 0xbb}

	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	total, written, err := writePESData(w, h, payload, true, len(payload)+64)
	require.NoError(t, err)
	assert.Equal(t, len(payload), written)
	require.NoError(t, w.Close())
	assert.Greater(t, total, len(payload))

	full := append([]byte{0x00, 0x00, 0x01}, buf.Bytes()...)
	r := bitio.NewCountReader(bytes.NewReader(full))
	d, err := parsePESData(r, int64(len(full))*8)
	require.NoError(t, err)

	assert.Equal(t, uint8(0xe0), d.Header.StreamID)
	require.NotNil(t, d.Header.OptionalHeader)
	require.NotNil(t, d.Header.OptionalHeader.PTS)
	require.NotNil(t, d.Header.OptionalHeader.DTS)
	assert.Equal(t, uint64(90000), d.Header.OptionalHeader.PTS.Base())
	assert.Equal(t, uint64(45000), d.Header.OptionalHeader.DTS.Base())
	assert.Equal(t, payload, d.Data)
}

func TestPESDataNoOptionalHeaderForPaddingStream(t *testing.T) {
	assert.False(t, hasPESOptionalHeader(StreamIDPaddingStream))
	assert.True(t, hasPESOptionalHeader(0xe0))
}

func TestPESHeaderIsVideoStream(t *testing.T) {
	h := &PESHeader{StreamID: 0xe0}
	assert.True(t, h.IsVideoStream())
	h.StreamID = 0xc0
	assert.False(t, h.IsVideoStream())
}
