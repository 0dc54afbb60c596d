// Package sink implements the Output Sink: a blocking byte writer to a
// named pipe (or any io.WriteCloser opener) that reconnects after a
// failed write; the failed packet is dropped and its write error is still
// returned to the caller. Grounded on the
// reconnect-and-continue shape of the pack's sender implementations
// (ausocean-av/revid/senders.go's rtmpSender.restart/output loop) adapted
// from a pool-buffered async sender into a synchronous blocking writer,
// since the concurrency model gives the Output Sink no buffering of its
// own — every write call is made directly by the Orchestrator thread.
package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ts-splice/mpegts"
)

// Opener establishes (or re-establishes) the sink's destination. A FIFO
// opener blocks in Open until a reader attaches, matching the spec's
// "open the output FIFO for writing; blocks until a reader is present."
type Opener interface {
	Open(ctx context.Context) (io.WriteCloser, error)
}

// Config configures a Sink.
type Config struct {
	ReconnectGrace time.Duration
}

// Sink owns the output file descriptor. Safe for use by a single writer
// goroutine (the Orchestrator thread, per the concurrency model); Stats
// may be read concurrently for a metrics exporter.
type Sink struct {
	opener Opener
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	w  io.WriteCloser

	packetsWritten uint64
	bytesWritten   uint64
	reconnects     uint64

	onReconnect func()
}

// New creates a Sink. Open must be called before WritePacket.
func New(cfg Config, opener Opener, logger *slog.Logger) *Sink {
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 100 * time.Millisecond
	}
	return &Sink{opener: opener, cfg: cfg, logger: logger}
}

// OnReconnect registers a callback fired every time the sink reopens its
// destination after a broken pipe, for metrics wiring.
func (s *Sink) OnReconnect(f func()) { s.onReconnect = f }

// Open establishes the initial connection, blocking until a downstream
// reader attaches (FIFO) or the destination otherwise becomes writable.
func (s *Sink) Open(ctx context.Context) error {
	w, err := s.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("sink: opening output: %w", err)
	}
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
	return nil
}

// WritePacket writes one 188-byte TS packet, fully blocking. On a broken
// pipe the sink closes and reopens the destination after a brief grace
// period and returns the write error to the caller; the failed packet is
// considered lost, matching the spec's "one-packet loss is preferred over
// divergent downstream state."
func (s *Sink) WritePacket(ctx context.Context, p *mpegts.Packet) error {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()

	if w == nil {
		return fmt.Errorf("sink: not open")
	}

	n, err := w.Write(p.Bytes)
	if err == nil {
		s.mu.Lock()
		s.packetsWritten++
		s.bytesWritten += uint64(n)
		s.mu.Unlock()
		return nil
	}

	s.logger.Warn("output write failed, reconnecting", "err", err)
	s.reconnect(ctx, w)
	return fmt.Errorf("sink: write failed, packet dropped: %w", err)
}

// WritePackets writes a batch, stopping at the first failure (the cut
// procedure's injected PAT/PMT/parameter-set packets must land in order;
// a mid-batch reconnect would otherwise interleave old and new-source
// bytes around the break).
func (s *Sink) WritePackets(ctx context.Context, pkts []*mpegts.Packet) error {
	for _, p := range pkts {
		if err := s.WritePacket(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// reconnect closes the stale writer, waits the configured grace period,
// and reopens the destination. Errors reopening are logged and retried on
// the next WritePacket call rather than looped here, so a downstream
// reader that never comes back doesn't block the Orchestrator forever.
func (s *Sink) reconnect(ctx context.Context, stale io.WriteCloser) {
	stale.Close()

	s.mu.Lock()
	s.w = nil
	s.mu.Unlock()

	t := time.NewTimer(s.cfg.ReconnectGrace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	w, err := s.opener.Open(ctx)
	if err != nil {
		s.logger.Warn("reopening output failed", "err", err)
		return
	}

	s.mu.Lock()
	s.w = w
	s.reconnects++
	s.mu.Unlock()

	if s.onReconnect != nil {
		s.onReconnect()
	}
}

// Close releases the output descriptor.
func (s *Sink) Close() error {
	s.mu.Lock()
	w := s.w
	s.w = nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Stats is a point-in-time snapshot of the sink's counters.
type Stats struct {
	PacketsWritten uint64
	BytesWritten   uint64
	Reconnects     uint64
}

// Stats reports the current counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{PacketsWritten: s.packetsWritten, BytesWritten: s.bytesWritten, Reconnects: s.reconnects}
}
