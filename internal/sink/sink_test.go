package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ts-splice/mpegts"
)

// memWriter is an in-memory io.WriteCloser that can be told to fail its
// next N writes, simulating a broken pipe.
type memWriter struct {
	buf      bytes.Buffer
	failNext int
	closed   bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.failNext > 0 {
		w.failNext--
		return 0, errors.New("broken pipe")
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

type sequenceOpener struct {
	writers []*memWriter
	i       int
}

func (o *sequenceOpener) Open(ctx context.Context) (io.WriteCloser, error) {
	w := o.writers[o.i]
	if o.i < len(o.writers)-1 {
		o.i++
	}
	return w, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samplePacket(t *testing.T) *mpegts.Packet {
	t.Helper()
	b := make([]byte, mpegts.PacketSize)
	b[0] = mpegts.SyncByte
	p, err := mpegts.ParsePacket(b)
	require.NoError(t, err)
	return p
}

func TestWritePacketCountsBytes(t *testing.T) {
	w := &memWriter{}
	o := &sequenceOpener{writers: []*memWriter{w}}
	s := New(Config{}, o, testLogger())
	require.NoError(t, s.Open(context.Background()))

	p := samplePacket(t)
	require.NoError(t, s.WritePacket(context.Background(), p))

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.PacketsWritten)
	assert.Equal(t, uint64(mpegts.PacketSize), stats.BytesWritten)
	assert.Equal(t, mpegts.PacketSize, w.buf.Len())
}

func TestWritePacketReconnectsOnBrokenPipe(t *testing.T) {
	w1 := &memWriter{failNext: 1}
	w2 := &memWriter{}
	o := &sequenceOpener{writers: []*memWriter{w1, w2}}
	s := New(Config{ReconnectGrace: time.Millisecond}, o, testLogger())
	require.NoError(t, s.Open(context.Background()))

	p := samplePacket(t)
	err := s.WritePacket(context.Background(), p)
	require.Error(t, err, "the failed packet is reported lost")
	assert.True(t, w1.closed)

	require.NoError(t, s.WritePacket(context.Background(), p))
	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Reconnects)
	assert.Equal(t, uint64(1), stats.PacketsWritten)
	assert.Equal(t, mpegts.PacketSize, w2.buf.Len())
}

func TestWritePacketsStopsAtFirstFailure(t *testing.T) {
	w1 := &memWriter{failNext: 1}
	w2 := &memWriter{}
	o := &sequenceOpener{writers: []*memWriter{w1, w2}}
	s := New(Config{ReconnectGrace: time.Millisecond}, o, testLogger())
	require.NoError(t, s.Open(context.Background()))

	pkts := []*mpegts.Packet{samplePacket(t), samplePacket(t), samplePacket(t)}
	err := s.WritePackets(context.Background(), pkts)
	require.Error(t, err)
	assert.Equal(t, uint64(0), s.Stats().PacketsWritten)
}

func TestOnReconnectFires(t *testing.T) {
	w1 := &memWriter{failNext: 1}
	w2 := &memWriter{}
	o := &sequenceOpener{writers: []*memWriter{w1, w2}}
	s := New(Config{ReconnectGrace: time.Millisecond}, o, testLogger())
	require.NoError(t, s.Open(context.Background()))

	var fired bool
	s.OnReconnect(func() { fired = true })

	_ = s.WritePacket(context.Background(), samplePacket(t))
	assert.True(t, fired)
}
