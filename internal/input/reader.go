// Package input owns one upstream byte source: a dedicated ingest
// goroutine reads and reassembles it into packets, tracks PAT/PMT/NAL
// state, and exposes readiness signals plus a rolling packet buffer to the
// Orchestrator. Grounded on the ingest/retry lifecycle shape used across
// the example pack's capture loops (connect, read until failure, backoff,
// reconnect) generalized to TS byte sources instead of camera/audio
// capture.
package input

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ts-splice/mpegts"
	"github.com/ts-splice/mpegts/internal/health"
	"github.com/ts-splice/mpegts/internal/inspect"
	"github.com/ts-splice/mpegts/internal/reassemble"
	"github.com/ts-splice/mpegts/internal/ringbuffer"
)

// ErrNotReady is returned by the await_* methods on timeout.
var ErrNotReady = errors.New("input: not ready")

// Opener establishes (or re-establishes) the byte-stream connection for an
// input. Implementations wrap a FIFO open or a TCP dial; Close releases the
// descriptor. Kept as an interface so tests can substitute an in-memory
// source without a real pipe or socket.
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Config configures one Reader.
type Config struct {
	Name       string
	IsH265     bool
	BufferSize int // ring buffer capacity, in packets
	Health     health.Config
	BackoffMin time.Duration
	BackoffMax time.Duration

	// AllowAudioDrop mirrors splice.allow_audio_drop: when set, Ready() does
	// not block on audio sync, letting an audio-less source be cut in.
	AllowAudioDrop bool
}

// StreamInfo mirrors the per-input metadata the splice engine needs once
// an input becomes ready.
type StreamInfo struct {
	inspect.StreamInfo
	ParamSets inspect.ParamSets
}

// Reader consumes one input source on a dedicated goroutine.
type Reader struct {
	cfg    Config
	opener Opener
	logger *slog.Logger

	buf     *ringbuffer.Buffer
	monitor *health.Monitor

	mu         sync.Mutex
	cond       *sync.Cond
	patAcc     *mpegts.SectionAccumulator
	pmtAcc     *mpegts.SectionAccumulator
	streamInfo *StreamInfo
	patSeen    bool
	pmtPID     uint16
	programNum uint16
	sawIDR     bool
	idrIndex   int
	audioSync  bool
	history    []*mpegts.Packet // bounded mirror of buffered packets, indexable for snapshot_from
	headIndex  int              // global index of history[0]
	nalScanner mpegts.NALScanner

	cancel context.CancelFunc
	done   chan struct{}

	onSyncLoss func()
}

// OnSyncLoss registers a callback fired whenever the reassembler gives up
// resyncing and the ingest loop reconnects (wired to the metrics registry
// by the Orchestrator).
func (r *Reader) OnSyncLoss(f func()) { r.onSyncLoss = f }

// New constructs a Reader. Start must be called to begin ingest.
func New(cfg Config, opener Opener, logger *slog.Logger) *Reader {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1500
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	r := &Reader{
		cfg:     cfg,
		opener:  opener,
		logger:  logger.With("input", cfg.Name),
		buf:     ringbuffer.New(cfg.BufferSize),
		monitor: health.New(cfg.Health),
		patAcc:  mpegts.NewSectionAccumulator(mpegts.PIDPAT),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start spawns the ingest goroutine. Cancel ctx or call Stop to halt it.
func (r *Reader) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.ingestLoop(ctx)
}

// Stop halts the ingest goroutine and waits for it to exit.
func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
	r.buf.Close()
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Reader) ingestLoop(ctx context.Context) {
	defer close(r.done)

	backoff := r.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		rc, err := r.opener.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("opening input failed", "err", err, "retry_in", backoff)
			r.monitor.MarkDisconnected()
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, r.cfg.BackoffMax)
			continue
		}
		backoff = r.cfg.BackoffMin
		r.monitor.MarkConnected(time.Now())

		err = r.consume(ctx, rc)
		rc.Close()
		r.monitor.MarkDisconnected()
		r.ResetReadiness()

		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			r.logger.Warn("input ingest stopped", "err", err)
		}
		if !sleepCtx(ctx, r.cfg.BackoffMin) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// consume reassembles and inspects rc until it fails or EOFs.
func (r *Reader) consume(ctx context.Context, rc io.Reader) error {
	re := reassemble.New(rc)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p, err := re.Next()
		if err != nil {
			if errors.Is(err, reassemble.ErrUnrecoverableSyncLoss) {
				r.logger.Warn("unrecoverable sync loss, reconnecting")
				if r.onSyncLoss != nil {
					r.onSyncLoss()
				}
			}
			return err
		}

		r.monitor.Observe(time.Now(), mpegts.PacketSize)
		r.ingestPacket(p)
	}
}

// ingestPacket updates PSI/NAL readiness state and appends p to both the
// ring buffer (for consume_live) and the indexable history (for
// snapshot_from/await_idr index lookups).
func (r *Reader) ingestPacket(p *mpegts.Packet) {
	r.mu.Lock()
	r.appendHistoryLocked(p)
	r.trackReadinessLocked(p)
	r.cond.Broadcast()
	r.mu.Unlock()

	r.buf.Push(p)
}

func (r *Reader) appendHistoryLocked(p *mpegts.Packet) {
	const capacity = 1500
	r.history = append(r.history, p)
	if len(r.history) > capacity {
		drop := len(r.history) - capacity
		r.history = r.history[drop:]
		r.headIndex += drop
	}
}

// trackReadinessLocked updates PAT/PMT/NAL state machine. Caller holds mu.
func (r *Reader) trackReadinessLocked(p *mpegts.Packet) {
	c := inspect.Classify(p)

	if c.PID == mpegts.PIDPAT {
		if d, err := r.patAcc.Add(p); err == nil && d != nil {
			if pats, err := inspect.ParsePAT(d); err == nil {
				for pgm, pmtPID := range pats {
					r.programNum = pgm
					if r.pmtPID != pmtPID {
						r.pmtPID = pmtPID
						r.pmtAcc = mpegts.NewSectionAccumulator(pmtPID)
					}
					r.patSeen = true
					break
				}
			}
		}
	}

	if r.patSeen && r.pmtAcc != nil && c.PID == r.pmtPID {
		if d, err := r.pmtAcc.Add(p); err == nil && d != nil {
			if info, err := inspect.ParsePMT(d); err == nil {
				if r.streamInfo == nil {
					r.streamInfo = &StreamInfo{}
				}
				r.streamInfo.StreamInfo = *info
			}
		}
	}

	if r.streamInfo == nil {
		return
	}

	isH265 := r.cfg.IsH265
	switch c.PID {
	case r.streamInfo.VideoPID:
		if c.PUSI && len(p.Payload) > 0 {
			units := inspect.ScanNALs(&r.nalScanner, p.Payload, isH265)
			inspect.UpdateParamSets(&r.streamInfo.ParamSets, units, isH265)
			if inspect.HasIDR(units, isH265) {
				r.sawIDR = true
				r.idrIndex = r.headIndex + len(r.history) - 1
			}
		}
	case r.streamInfo.AudioPID:
		if c.PUSI && r.sawIDR && !r.audioSync && (r.headIndex+len(r.history)-1) >= r.idrIndex {
			r.audioSync = true
		}
	}
}

// ResetReadiness clears IDR and audio-sync flags so a subsequent cut-in
// waits for fresh alignment, per the arbiter's switch-in sequencing.
func (r *Reader) ResetReadiness() {
	r.mu.Lock()
	r.sawIDR = false
	r.audioSync = false
	r.patSeen = false
	r.streamInfo = nil
	r.cond.Broadcast()
	r.mu.Unlock()
}

// waitUntil blocks on the condvar until ready() is true, the deadline
// passes (returning ErrNotReady), or the reader is stopped.
func (r *Reader) waitUntil(deadline time.Time, ready func() bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !ready() {
		if r.done != nil {
			select {
			case <-r.done:
				return ErrNotReady
			default:
			}
		}
		if !time.Now().Before(deadline) {
			return ErrNotReady
		}
		timer := time.AfterFunc(time.Until(deadline), func() {
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		})
		r.cond.Wait()
		timer.Stop()
	}
	return nil
}

// AwaitStreamInfo blocks until PAT and PMT have been observed and codec
// parameters captured, or returns ErrNotReady at deadline.
func (r *Reader) AwaitStreamInfo(deadline time.Time) (*StreamInfo, error) {
	if err := r.waitUntil(deadline, func() bool {
		return r.streamInfo != nil && len(r.streamInfo.ParamSets.SPS) > 0
	}); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.streamInfo
	return &cp, nil
}

// AwaitIDR blocks until a video IDR is seen, returning its buffer index.
func (r *Reader) AwaitIDR(deadline time.Time) (int, error) {
	if err := r.waitUntil(deadline, func() bool { return r.sawIDR }); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idrIndex, nil
}

// AwaitAudioSync blocks until the first audio PUSI packet at or after the
// most recent IDR has been seen.
func (r *Reader) AwaitAudioSync(deadline time.Time) error {
	return r.waitUntil(deadline, func() bool { return r.audioSync })
}

// SnapshotFrom returns copies of packets from the global index forward up
// to the current head. Packets older than the retained history are
// unavailable and the snapshot simply starts from the oldest retained one.
func (r *Reader) SnapshotFrom(index int) []*mpegts.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := index - r.headIndex
	if start < 0 {
		start = 0
	}
	if start >= len(r.history) {
		return nil
	}
	out := make([]*mpegts.Packet, len(r.history)-start)
	copy(out, r.history[start:])
	return out
}

// ConsumeLive pulls up to maxCount freshly arriving packets, blocking up to
// timeout for at least one.
func (r *Reader) ConsumeLive(maxCount int, timeout time.Duration) []*mpegts.Packet {
	out := make([]*mpegts.Packet, 0, maxCount)
	deadline := time.Now().Add(timeout)

	for len(out) < maxCount {
		remaining := time.Until(deadline)
		if len(out) > 0 {
			remaining = 0 // don't block further once we have something
		}
		p, ok := r.buf.PopTimeout(remaining)
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out
}

// Health reports the current liveness snapshot for this input.
func (r *Reader) Health() health.Status {
	return r.monitor.Snapshot(time.Now())
}

// Ready reports whether the input has PSI, IDR, and (unless
// cfg.AllowAudioDrop opts out) audio sync all satisfied, the readiness bar
// the arbiter checks before cutting in.
func (r *Reader) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.AllowAudioDrop && !r.audioSync {
		return false
	}
	return r.streamInfo != nil && r.sawIDR
}

// ProgramNumber reports the most recently observed PAT program number.
func (r *Reader) ProgramNumber() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.programNum
}
