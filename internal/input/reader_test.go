package input

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
)

// staticOpener returns a fresh reader over the same fixed byte stream on
// every Open, so each reconnect after EOF replays the stream from the start.
type staticOpener struct {
	data []byte
}

func (o *staticOpener) Open(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func tsPacket(t *testing.T, pid uint16, pusi bool, cc uint8, payload []byte) []byte {
	t.Helper()
	b := make([]byte, mpegts.PacketSize)
	b[0] = mpegts.SyncByte
	pusiBit := byte(0)
	if pusi {
		pusiBit = 0x40
	}
	b[1] = pusiBit | byte(pid>>8)
	b[2] = byte(pid)
	b[3] = 0x10 | (cc & 0x0f)
	n := copy(b[4:], payload)
	for i := 4 + n; i < len(b); i++ {
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

func buildStream(t *testing.T) []byte {
	t.Helper()

	patBytes := psiSectionBytes(t, &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPAT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{TableIDExtension: 1, CurrentNextIndicator: true},
			Data: &mpegts.PSISectionSyntaxData{PAT: &mpegts.PATData{
				TransportStreamID: 1,
				Programs:          []*mpegts.PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}},
			}},
		},
	}}})

	pmtBytes := psiSectionBytes(t, &mpegts.PSIData{Sections: []*mpegts.PSISection{{
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

	var videoPayload []byte
	videoPayload = append(videoPayload, 0x00, 0x00, 0x00, 0x01, 0x67, 0xaa, 0xbb) // SPS
	videoPayload = append(videoPayload, 0x00, 0x00, 0x01, 0x68, 0xcc)             // PPS
	videoPayload = append(videoPayload, 0x00, 0x00, 0x01, 0x65, 0xdd, 0xee)       // IDR

	audioPayload := []byte{0xff, 0xf1, 0x00, 0x00}

	var out []byte
	out = append(out, tsPacket(t, mpegts.PIDPAT, true, 0, patBytes)...)
	out = append(out, tsPacket(t, 0x1000, true, 0, pmtBytes)...)
	out = append(out, tsPacket(t, 0x100, true, 0, videoPayload)...)
	out = append(out, tsPacket(t, 0x101, true, 0, audioPayload)...)
	return out
}

func buildVideoOnlyStream(t *testing.T) []byte {
	t.Helper()

	patBytes := psiSectionBytes(t, &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPAT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{TableIDExtension: 1, CurrentNextIndicator: true},
			Data: &mpegts.PSISectionSyntaxData{PAT: &mpegts.PATData{
				TransportStreamID: 1,
				Programs:          []*mpegts.PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}},
			}},
		},
	}}})

	pmtBytes := psiSectionBytes(t, &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPMT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{TableIDExtension: 1, CurrentNextIndicator: true},
			Data: &mpegts.PSISectionSyntaxData{PMT: &mpegts.PMTData{
				ProgramNumber: 1,
				PCRPID:        0x100,
				ElementaryStreams: []*mpegts.PMTElementaryStream{
					{StreamType: mpegts.StreamTypeLowerBitrateVideo, ElementaryPID: 0x100},
				},
			}},
		},
	}}})

	var videoPayload []byte
	videoPayload = append(videoPayload, 0x00, 0x00, 0x00, 0x01, 0x67, 0xaa, 0xbb) // SPS
	videoPayload = append(videoPayload, 0x00, 0x00, 0x01, 0x68, 0xcc)             // PPS
	videoPayload = append(videoPayload, 0x00, 0x00, 0x01, 0x65, 0xdd, 0xee)       // IDR

	var out []byte
	out = append(out, tsPacket(t, mpegts.PIDPAT, true, 0, patBytes)...)
	out = append(out, tsPacket(t, 0x1000, true, 0, pmtBytes)...)
	out = append(out, tsPacket(t, 0x100, true, 0, videoPayload)...)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReaderBecomesReady(t *testing.T) {
	data := buildStream(t)
	r := New(Config{Name: "live", BufferSize: 32}, &staticOpener{data: data}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	info, err := r.AwaitStreamInfo(deadline)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x100), info.VideoPID)
	assert.Equal(t, uint16(0x101), info.AudioPID)
	assert.NotEmpty(t, info.ParamSets.SPS)
	assert.NotEmpty(t, info.ParamSets.PPS)

	_, err = r.AwaitIDR(deadline)
	require.NoError(t, err)

	require.NoError(t, r.AwaitAudioSync(deadline))
	assert.True(t, r.Ready())

	pkts := r.ConsumeLive(10, 500*time.Millisecond)
	assert.NotEmpty(t, pkts)
}

func TestReaderNotReadyOnTimeout(t *testing.T) {
	r := New(Config{Name: "empty"}, &staticOpener{data: nil}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	_, err := r.AwaitStreamInfo(time.Now().Add(50 * time.Millisecond))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestOnSyncLossFiresAfterUnrecoverableResync(t *testing.T) {
	// Long enough all-zero run that no sync byte is ever found within the
	// reassembler's bounded scan window, forcing ErrUnrecoverableSyncLoss.
	junk := make([]byte, mpegts.PacketSize*9)
	r := New(Config{Name: "live", BufferSize: 32, BackoffMin: time.Millisecond}, &staticOpener{data: junk}, testLogger())

	fired := make(chan struct{}, 1)
	r.OnSyncLoss(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSyncLoss callback never fired")
	}
}

func TestReadyWaitsForAudioSyncByDefault(t *testing.T) {
	data := buildVideoOnlyStream(t)
	r := New(Config{Name: "live", BufferSize: 32}, &staticOpener{data: data}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	_, err := r.AwaitIDR(deadline)
	require.NoError(t, err)

	assert.False(t, r.Ready(), "no audio PID ever arrives, so Ready must stay false without AllowAudioDrop")
}

func TestReadyIgnoresAudioSyncWhenAudioDropAllowed(t *testing.T) {
	data := buildVideoOnlyStream(t)
	r := New(Config{Name: "live", BufferSize: 32, AllowAudioDrop: true}, &staticOpener{data: data}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	_, err := r.AwaitIDR(deadline)
	require.NoError(t, err)
	_, err = r.AwaitStreamInfo(deadline)
	require.NoError(t, err)

	assert.Eventually(t, r.Ready, 2*time.Second, 10*time.Millisecond)
}

func TestResetReadinessClearsIDRAndAudioSync(t *testing.T) {
	data := buildStream(t)
	r := New(Config{Name: "live", BufferSize: 32}, &staticOpener{data: data}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	_, err := r.AwaitIDR(deadline)
	require.NoError(t, err)

	r.ResetReadiness()
	assert.False(t, r.Ready())
}
