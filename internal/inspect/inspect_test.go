package inspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ts-splice/mpegts"
)

func TestParsePATAndPMT(t *testing.T) {
	patData := &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPAT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{TableIDExtension: 1, CurrentNextIndicator: true},
			Data: &mpegts.PSISectionSyntaxData{PAT: &mpegts.PATData{
				TransportStreamID: 1,
				Programs:          []*mpegts.PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}},
			}},
		},
	}}}

	pats, err := ParsePAT(patData)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1000), pats[1])

	pmtData := &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPMT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{TableIDExtension: 1, CurrentNextIndicator: true},
			Data: &mpegts.PSISectionSyntaxData{PMT: &mpegts.PMTData{
				ProgramNumber: 1,
				PCRPID:        0x100,
				ElementaryStreams: []*mpegts.PMTElementaryStream{
					{StreamType: mpegts.StreamTypeLowerBitrateVideo, ElementaryPID: 0x100},
					{StreamType: mpegts.StreamTypeAACAudio, ElementaryPID: 0x101},
				},
			}},
		},
	}}}

	info, err := ParsePMT(pmtData)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x100), info.VideoPID)
	assert.Equal(t, uint16(0x101), info.AudioPID)
}

func TestParsePMTRejectsMissingVideo(t *testing.T) {
	d := &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPMT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{TableIDExtension: 1, CurrentNextIndicator: true},
			Data:   &mpegts.PSISectionSyntaxData{PMT: &mpegts.PMTData{ProgramNumber: 1}},
		},
	}}}
	_, err := ParsePMT(d)
	assert.Error(t, err)
}

func TestUpdateParamSetsAndHasIDR(t *testing.T) {
	var data []byte
	data = append(data, 0x00, 0x00, 0x00, 0x01, 0x67, 0xaa)
	data = append(data, 0x00, 0x00, 0x01, 0x68, 0xbb)
	data = append(data, 0x00, 0x00, 0x01, 0x65, 0xcc)

	var scanner mpegts.NALScanner
	units := ScanNALs(&scanner, data, false)
	require.Len(t, units, 3)

	var ps ParamSets
	UpdateParamSets(&ps, units, false)
	assert.NotEmpty(t, ps.SPS)
	assert.NotEmpty(t, ps.PPS)
	assert.True(t, HasIDR(units, false))
}

func TestClassify(t *testing.T) {
	b := make([]byte, mpegts.PacketSize)
	b[0] = 0x47
	b[1] = 0x40 | 0x01
	b[3] = 0x10 | 0x03
	for i := 4; i < len(b); i++ {
		b[i] = 0xff
	}
	p, err := mpegts.ParsePacket(b)
	require.NoError(t, err)

	c := Classify(p)
	assert.Equal(t, uint16(1), c.PID)
	assert.True(t, c.PUSI)
	assert.True(t, c.PayloadPresent)
	assert.False(t, c.HasPCR)
}
