package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/icza/bitio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ts-splice/mpegts"
	"github.com/ts-splice/mpegts/internal/arbiter"
	"github.com/ts-splice/mpegts/internal/config"
	"github.com/ts-splice/mpegts/internal/health"
	"github.com/ts-splice/mpegts/internal/input"
	"github.com/ts-splice/mpegts/internal/inspect"
	"github.com/ts-splice/mpegts/internal/sink"
	"github.com/ts-splice/mpegts/internal/splice"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// staticOpener returns a fresh reader over the same fixed byte stream on
// every Open, so each reconnect after EOF replays the stream from the start.
type staticOpener struct{ data []byte }

func (o *staticOpener) Open(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

// memSink is an in-memory io.WriteCloser standing in for the output FIFO.
type memSink struct{ buf bytes.Buffer }

func (s *memSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memSink) Close() error                { return nil }

type staticSinkOpener struct{ w *memSink }

func (o staticSinkOpener) Open(ctx context.Context) (io.WriteCloser, error) { return o.w, nil }

func tsPacket(t *testing.T, pid uint16, pusi bool, cc uint8, af *mpegts.PacketAdaptationField, payload []byte) []byte {
	t.Helper()
	hdr := mpegts.PacketHeader{
		PayloadUnitStartIndicator: pusi,
		PID:                       pid,
		HasPayload:                len(payload) > 0,
		HasAdaptationField:        af != nil,
		ContinuityCounter:         cc,
	}
	b := make([]byte, mpegts.PacketSize)
	mpegts.WritePacketHeader(b, hdr)

	offset := 4
	if af != nil {
		afBytes := make([]byte, 2+6+6+1+1)
		n := mpegts.WriteAdaptationField(afBytes, af, 0)
		offset += copy(b[4:], afBytes[:n])
	}
	n := copy(b[offset:], payload)
	for i := offset + n; i < len(b); i++ {
		b[i] = 0xff
	}
	return b
}

func psiSectionBytes(t *testing.T, d *mpegts.PSIData) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	require.NoError(t, mpegts.WritePSIData(w, d))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// buildFallbackStream assembles a minimal decoder-valid program: PAT, PMT,
// a PCR-bearing video packet whose payload is a PES-wrapped IDR (preceded
// by SPS/PPS), and one audio packet.
func buildFallbackStream(t *testing.T) []byte {
	t.Helper()

	pat := psiSectionBytes(t, &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPAT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{TableIDExtension: 1, CurrentNextIndicator: true},
			Data: &mpegts.PSISectionSyntaxData{PAT: &mpegts.PATData{
				TransportStreamID: 1,
				Programs:          []*mpegts.PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}},
			}},
		},
	}}})

	pmt := psiSectionBytes(t, &mpegts.PSIData{Sections: []*mpegts.PSISection{{
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
	}}})

	var nalData []byte
	nalData = append(nalData, 0x00, 0x00, 0x00, 0x01, 0x67, 0xaa, 0xbb) // SPS
	nalData = append(nalData, 0x00, 0x00, 0x01, 0x68, 0xcc)             // PPS
	nalData = append(nalData, 0x00, 0x00, 0x01, 0x65, 0xdd, 0xee)       // IDR

	videoPES, err := mpegts.BuildPESData(&mpegts.PESHeader{
		StreamID: 0xe0,
		OptionalHeader: &mpegts.PESOptionalHeader{
			PTSDTSIndicator: mpegts.PTSDTSIndicatorOnlyPTS,
			PTS:             mpegts.NewClockReference(90000, 0),
		},
	}, nalData)
	require.NoError(t, err)

	audioPayload := []byte{0xff, 0xf1, 0x00, 0x00}

	var out []byte
	out = append(out, tsPacket(t, mpegts.PIDPAT, true, 0, nil, pat)...)
	out = append(out, tsPacket(t, 0x1000, true, 0, nil, pmt)...)
	out = append(out, tsPacket(t, 0x100, true, 0, &mpegts.PacketAdaptationField{HasPCR: true, PCR: mpegts.NewClockReference(89997, 0)}, videoPES)...)
	out = append(out, tsPacket(t, 0x101, true, 0, nil, audioPayload)...)
	return out
}

func buildOrchestrator(t *testing.T, fbData []byte) (*Orchestrator, *memSink) {
	t.Helper()
	healthCfg := health.Config{MaxDataAgeMS: 3000, BitrateWindowSec: 3}
	fallback := input.New(input.Config{Name: "fallback", Health: healthCfg}, &staticOpener{data: fbData}, testLogger())

	engine := splice.New(splice.Config{
		PIDVideo: 0x100, PIDAudio: 0x101, PIDPMT: 0x1000, ProgramNumber: 1,
		FrameDuration: defaultFrameDuration,
	})
	arb := arbiter.New(arbiter.Config{MinDwellMS: 3000, RecoveryDwellMS: 2000, LossToleranceMS: 2000}, disabledSource{}, fallback, testLogger())

	ms := &memSink{}
	out := sink.New(sink.Config{}, staticSinkOpener{w: ms}, testLogger())

	cfg := &config.Config{
		Output: config.Output{PIDVideo: 0x100, PIDAudio: 0x101, PIDPMT: 0x1000, ProgramNumber: 1, Pipe: "unused"},
		Splice: config.Splice{MinDwellMS: 3000, RecoveryDwellMS: 2000, LossToleranceMS: 2000},
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   testLogger(),
		fallback: fallback,
		fbName:   "fallback",
		arb:      arb,
		engine:   engine,
		out:      out,
		active:   arbiter.Fallback,
	}
	return o, ms
}

func TestCutToOntoFallbackWritesPreambleAndTracksPTS(t *testing.T) {
	o, ms := buildOrchestrator(t, buildFallbackStream(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.fallback.Start(ctx)
	defer o.fallback.Stop()

	deadline := time.Now().Add(2 * time.Second)
	info, err := o.fallback.AwaitStreamInfo(deadline)
	require.NoError(t, err)
	idrIndex, err := o.fallback.AwaitIDR(deadline)
	require.NoError(t, err)

	require.NoError(t, o.out.Open(context.Background()))
	require.NoError(t, o.cutTo(context.Background(), o.fallback, info.StreamInfo, info.ParamSets, idrIndex))

	assert.Greater(t, ms.buf.Len(), 0)
	assert.Greater(t, o.lastPTS, uint64(0))

	stats := o.out.Stats()
	assert.Greater(t, stats.PacketsWritten, uint64(0))
	assert.Equal(t, uint64(ms.buf.Len()), stats.BytesWritten)
}

func TestFirstTimestampsFindsVideoPTSAndPCR(t *testing.T) {
	videoPES, err := mpegts.BuildPESData(&mpegts.PESHeader{
		StreamID: 0xe0,
		OptionalHeader: &mpegts.PESOptionalHeader{
			PTSDTSIndicator: mpegts.PTSDTSIndicatorOnlyPTS,
			PTS:             mpegts.NewClockReference(5000, 0),
		},
	}, []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa})
	require.NoError(t, err)

	b := tsPacket(t, 0x100, true, 0, &mpegts.PacketAdaptationField{HasPCR: true, PCR: mpegts.NewClockReference(4999, 0)}, videoPES)
	p, err := mpegts.ParsePacket(b)
	require.NoError(t, err)

	pts, pcr, err := firstTimestamps([]*mpegts.Packet{p}, inspect.StreamInfo{VideoPID: 0x100})
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), pts)
	assert.Equal(t, uint64(4999)*300, pcr)
}

func TestFirstTimestampsDerivesPCRFromPTSWhenAbsent(t *testing.T) {
	videoPES, err := mpegts.BuildPESData(&mpegts.PESHeader{
		StreamID: 0xe0,
		OptionalHeader: &mpegts.PESOptionalHeader{
			PTSDTSIndicator: mpegts.PTSDTSIndicatorOnlyPTS,
			PTS:             mpegts.NewClockReference(7000, 0),
		},
	}, []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa})
	require.NoError(t, err)

	b := tsPacket(t, 0x100, true, 0, nil, videoPES)
	p, err := mpegts.ParsePacket(b)
	require.NoError(t, err)

	pts, pcr, err := firstTimestamps([]*mpegts.Packet{p}, inspect.StreamInfo{VideoPID: 0x100})
	require.NoError(t, err)
	assert.Equal(t, uint64(7000), pts)
	assert.Equal(t, uint64(7000)*300, pcr)
}

func TestFirstTimestampsErrorsWithoutPTS(t *testing.T) {
	b := tsPacket(t, 0x100, true, 0, nil, []byte{0xaa, 0xbb})
	p, err := mpegts.ParsePacket(b)
	require.NoError(t, err)

	_, _, err = firstTimestamps([]*mpegts.Packet{p}, inspect.StreamInfo{VideoPID: 0x100})
	assert.Error(t, err)
}

func TestNewRequiresFallbackInput(t *testing.T) {
	cfg := &config.Config{
		Output: config.Output{PIDVideo: 0x100, PIDAudio: 0x101, PIDPMT: 0x1000, ProgramNumber: 1, Pipe: "/tmp/out"},
	}
	_, err := New(cfg, testLogger(), nil)
	assert.Error(t, err)
}

func TestNewBuildsFallbackOnlyOrchestrator(t *testing.T) {
	cfg := &config.Config{
		Inputs: []config.Input{{Name: "fb", Source: "/tmp/does-not-exist.fifo", Role: config.RoleFallback}},
		Output: config.Output{PIDVideo: 0x100, PIDAudio: 0x101, PIDPMT: 0x1000, ProgramNumber: 1, Pipe: "/tmp/out.fifo"},
		Splice: config.Splice{MinDwellMS: 3000, RecoveryDwellMS: 2000, LossToleranceMS: 2000},
		Health: config.Health{MaxDataAgeMS: 3000, BitrateWindowSec: 3},
	}
	o, err := New(cfg, testLogger(), nil)
	require.NoError(t, err)
	assert.Nil(t, o.live)
	assert.Equal(t, arbiter.Fallback, o.ActiveSource())
}

func TestCurrentSourceFallsBackWhenLiveUnconfigured(t *testing.T) {
	o, _ := buildOrchestrator(t, buildFallbackStream(t))
	o.active = arbiter.Live // no live reader configured; must not panic or pick a nil reader
	assert.Same(t, o.fallback, o.currentSource())
}
