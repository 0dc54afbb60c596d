// Package orchestrator wires the Input Readers, Source Arbiter, Splice
// Engine, and Output Sink into the single steady-state thread: arbitrate,
// transform, write. Grounded on the teacher's Revid lifecycle shape
// (ausocean-av/revid/revid.go) — construct inputs, run one control loop
// owned by a single goroutine, stop cleanly on context cancellation —
// adapted from a filter/encoder pipeline into an arbitrate-splice-write
// pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ts-splice/mpegts"
	"github.com/ts-splice/mpegts/internal/arbiter"
	"github.com/ts-splice/mpegts/internal/config"
	"github.com/ts-splice/mpegts/internal/health"
	"github.com/ts-splice/mpegts/internal/input"
	"github.com/ts-splice/mpegts/internal/inspect"
	"github.com/ts-splice/mpegts/internal/metrics"
	"github.com/ts-splice/mpegts/internal/sink"
	"github.com/ts-splice/mpegts/internal/splice"
)

const (
	bootDeadline   = 10 * time.Second
	cutDeadline    = 5 * time.Second
	consumeBatch   = 64
	consumeTimeout = 100 * time.Millisecond

	// defaultFrameDuration assumes 30fps (90000/30 90kHz ticks) absent a
	// parsed framerate; SPS VUI timing info is not parsed, so no framerate
	// is derived from the stream.
	defaultFrameDuration = 3000
)

// disabledSource stands in for an unconfigured live input (fallback-only
// deployments, per spec.md's single-source operating mode): permanently
// unhealthy and never ready, so the arbiter holds StateFallback forever.
type disabledSource struct{}

func (disabledSource) Health() health.Status { return health.Status{} }
func (disabledSource) Ready() bool           { return false }
func (disabledSource) ResetReadiness()       {}

// Orchestrator owns the single steady-state thread. Only this goroutine
// may call the Splice Engine or Output Sink, per the concurrency model —
// they need no lock of their own.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Registry

	live     *input.Reader
	fallback *input.Reader
	liveName string
	fbName   string

	arb    *arbiter.Arbiter
	engine *splice.Engine
	out    *sink.Sink

	active  arbiter.SourceID
	lastPTS uint64
}

// New builds an Orchestrator from a validated configuration. reg may be
// nil, in which case metrics wiring is skipped.
func New(cfg *config.Config, logger *slog.Logger, reg *metrics.Registry) (*Orchestrator, error) {
	var liveIn, fbIn *config.Input
	for i := range cfg.Inputs {
		in := &cfg.Inputs[i]
		switch in.Role {
		case config.RoleLive:
			liveIn = in
		case config.RoleFallback:
			fbIn = in
		}
	}
	if fbIn == nil {
		return nil, fmt.Errorf("orchestrator: configuration carries no fallback input")
	}

	healthCfg := health.Config{
		MaxDataAgeMS:     cfg.Health.MaxDataAgeMS,
		MinBitrateBPS:    cfg.Health.MinBitrateBPS,
		BitrateWindowSec: cfg.Health.BitrateWindowSec,
	}

	fallback := input.New(input.Config{Name: fbIn.Name, Health: healthCfg, AllowAudioDrop: cfg.Splice.AllowAudioDrop}, input.NewOpener(fbIn.Source), logger)

	var liveSource arbiter.Source = disabledSource{}
	var live *input.Reader
	var liveName string
	if liveIn != nil {
		live = input.New(input.Config{Name: liveIn.Name, Health: healthCfg, AllowAudioDrop: cfg.Splice.AllowAudioDrop}, input.NewOpener(liveIn.Source), logger)
		liveSource = live
		liveName = liveIn.Name
	}

	engine := splice.New(splice.Config{
		PIDVideo:      cfg.Output.PIDVideo,
		PIDAudio:      cfg.Output.PIDAudio,
		PIDPMT:        cfg.Output.PIDPMT,
		ProgramNumber: cfg.Output.ProgramNumber,
		FrameDuration: defaultFrameDuration,
	})

	arb := arbiter.New(arbiter.Config{
		MinDwellMS:      cfg.Splice.MinDwellMS,
		RecoveryDwellMS: cfg.Splice.RecoveryDwellMS,
		LossToleranceMS: cfg.Splice.LossToleranceMS,
	}, liveSource, fallback, logger)

	out := sink.New(sink.Config{}, sink.FIFOOpener{Path: cfg.Output.Pipe}, logger)

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		metrics:  reg,
		live:     live,
		fallback: fallback,
		liveName: liveName,
		fbName:   fbIn.Name,
		arb:      arb,
		engine:   engine,
		out:      out,
		active:   arbiter.Fallback,
	}
	o.wireMetrics()
	return o, nil
}

func (o *Orchestrator) wireMetrics() {
	if o.metrics == nil {
		return
	}
	o.arb.OnTransition(func(from, to arbiter.State) {
		o.metrics.StateTransitions.WithLabelValues(to.String()).Inc()
	})
	o.out.OnReconnect(func() { o.metrics.Reconnects.Inc() })
	o.engine.OnPTSRegression(func() { o.metrics.PTSRegressions.Inc() })
	o.engine.OnPCRRegression(func() { o.metrics.PCRRegressions.Inc() })
	o.engine.OnMalformedPES(func() { o.metrics.MalformedPES.Inc() })
	o.fallback.OnSyncLoss(func() { o.metrics.SyncLosses.WithLabelValues(o.fbName).Inc() })
	if o.live != nil {
		o.live.OnSyncLoss(func() { o.metrics.SyncLosses.WithLabelValues(o.liveName).Inc() })
	}
}

// Run executes the full lifecycle: start the inputs, wait for the
// fallback to become ready, cut the Splice Engine onto it, then drive the
// steady-state loop until ctx is cancelled. Returns nil on clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.fallback.Start(ctx)
	defer o.fallback.Stop()
	if o.live != nil {
		o.live.Start(ctx)
		defer o.live.Stop()
	}

	deadline := time.Now().Add(bootDeadline)
	info, err := o.fallback.AwaitStreamInfo(deadline)
	if err != nil {
		return fmt.Errorf("orchestrator: fallback stream info not available at boot: %w", err)
	}
	idrIndex, err := o.fallback.AwaitIDR(deadline)
	if err != nil {
		return fmt.Errorf("orchestrator: fallback IDR not seen at boot: %w", err)
	}
	if !o.cfg.Splice.AllowAudioDrop {
		if err := o.fallback.AwaitAudioSync(deadline); err != nil {
			return fmt.Errorf("orchestrator: fallback audio sync not seen at boot: %w", err)
		}
	}

	if err := o.out.Open(ctx); err != nil {
		return fmt.Errorf("orchestrator: opening output: %w", err)
	}
	defer o.out.Close()

	if err := o.cutTo(ctx, o.fallback, info.StreamInfo, info.ParamSets, idrIndex); err != nil {
		return fmt.Errorf("orchestrator: initial cut onto fallback: %w", err)
	}
	o.active = arbiter.Fallback
	o.logger.Info("boot complete, streaming from fallback")

	return o.steadyState(ctx)
}

// steadyState is the Orchestrator's only loop: arbitrate, transform,
// write, with a periodic PSI-repetition check.
func (o *Orchestrator) steadyState(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		o.recordHealthMetrics()

		if d := o.arb.Tick(time.Now()); d.Switch {
			if err := o.handleCutDecision(ctx, d); err != nil {
				o.logger.Error("cut procedure failed, holding previous source", "target", d.Target, "err", err)
			}
			continue
		}

		src := o.currentSource()
		pkts := src.ConsumeLive(consumeBatch, consumeTimeout)
		for _, p := range pkts {
			o.transformAndWrite(ctx, p)
		}

		if o.engine.DueForPSIRepetition(time.Now()) {
			pats, err := o.engine.RepeatPATPMT()
			if err != nil {
				o.logger.Warn("PAT/PMT repetition failed", "err", err)
				continue
			}
			if err := o.writePackets(ctx, pats); err != nil {
				o.logger.Warn("writing repeated PAT/PMT failed", "err", err)
			}
		}
	}
}

// handleCutDecision performs the cut procedure for a finalized arbiter
// transition: snapshot the target from its fresh IDR forward and feed it
// through cutTo. The arbiter only reports Switch once the target is
// Ready(), so these awaits are a formality, not a real wait.
func (o *Orchestrator) handleCutDecision(ctx context.Context, d arbiter.Decision) error {
	src := o.live
	if d.Target == arbiter.Fallback {
		src = o.fallback
	}
	if src == nil {
		return fmt.Errorf("cut to %s requested but input not configured", d.Target)
	}

	deadline := time.Now().Add(cutDeadline)
	idrIndex, err := src.AwaitIDR(deadline)
	if err != nil {
		o.arb.Fail(time.Now(), d.Target)
		return fmt.Errorf("cut to %s: no fresh IDR: %w", d.Target, err)
	}
	info, err := src.AwaitStreamInfo(deadline)
	if err != nil {
		o.arb.Fail(time.Now(), d.Target)
		return fmt.Errorf("cut to %s: stream info unavailable: %w", d.Target, err)
	}

	if err := o.cutTo(ctx, src, info.StreamInfo, info.ParamSets, idrIndex); err != nil {
		o.arb.Fail(time.Now(), d.Target)
		return err
	}
	o.active = d.Target
	o.logger.Info("cut complete", "target", d.Target)
	return nil
}

// cutTo performs the full cut procedure onto src: extracts the new
// source's first PTS/PCR anchors from the fresh-IDR-forward snapshot,
// rebases the Splice Engine onto them, writes the PAT/PMT/parameter-set
// preamble, then transforms and writes every packet from the IDR forward.
func (o *Orchestrator) cutTo(ctx context.Context, src *input.Reader, info inspect.StreamInfo, ps inspect.ParamSets, idrIndex int) error {
	pkts := src.SnapshotFrom(idrIndex)
	firstPTS, firstPCR, err := firstTimestamps(pkts, info)
	if err != nil {
		return err
	}

	// PTSBase/DTSBase/PCRBase are left zero: Cut absorbs firstPTS/firstPCR
	// into the global offsets and zeros them itself.
	bases := splice.SourceBases{
		VideoPID: info.VideoPID,
		AudioPID: info.AudioPID,
		PCRPID:   info.PCRPID,
	}

	preamble, err := o.engine.Cut(bases, firstPTS, firstPCR, o.lastPTS, ps)
	if err != nil {
		return fmt.Errorf("cut: %w", err)
	}
	if err := o.writePackets(ctx, preamble); err != nil {
		return fmt.Errorf("cut: writing preamble: %w", err)
	}

	for _, p := range pkts {
		o.transformAndWrite(ctx, p)
	}
	return nil
}

// firstTimestamps scans pkts (expected to begin at a fresh IDR) for the
// new source's first video PTS and first PCR sample: the anchor points
// the Splice Engine rebases the whole source onto.
func firstTimestamps(pkts []*mpegts.Packet, info inspect.StreamInfo) (pts, pcr uint64, err error) {
	var havePTS, havePCR bool
	for _, p := range pkts {
		if !havePCR && p.AdaptationField != nil && p.AdaptationField.HasPCR && p.AdaptationField.PCR != nil {
			pcr = p.AdaptationField.PCR.Base()*300 + uint64(p.AdaptationField.PCR.Extension())
			havePCR = true
		}
		if !havePTS && p.Header.PID == info.VideoPID && p.Header.PayloadUnitStartIndicator && len(p.Payload) > 0 {
			h, _, perr := inspect.ParsePESHeader(p.Payload)
			if perr == nil && h.OptionalHeader != nil && h.OptionalHeader.PTS != nil {
				pts = h.OptionalHeader.PTS.Base()
				havePTS = true
			}
		}
		if havePTS && havePCR {
			break
		}
	}
	if !havePTS {
		return 0, 0, fmt.Errorf("no PTS found in cut-in packets")
	}
	if !havePCR {
		// No PCR sample landed before the IDR; derive one from PTS rather
		// than fail the cut outright.
		pcr = pts * 300
	}
	return pts, pcr, nil
}

// currentSource reports the input the Orchestrator is currently draining,
// mirroring the arbiter's active source.
func (o *Orchestrator) currentSource() *input.Reader {
	if o.active == arbiter.Live && o.live != nil {
		return o.live
	}
	return o.fallback
}

// transformAndWrite runs one packet through the Splice Engine and, if it
// wasn't dropped, writes it and tracks the last emitted video PTS so the
// next cut's timeline stays forward-moving.
func (o *Orchestrator) transformAndWrite(ctx context.Context, p *mpegts.Packet) {
	out, err := o.engine.TransformPacket(p)
	if err != nil {
		o.logger.Warn("dropping malformed packet", "err", err)
		return
	}
	if out == nil {
		return
	}
	o.trackOutputPTS(out)
	if err := o.writePacket(ctx, out); err != nil {
		o.logger.Warn("output write failed, packet dropped", "err", err)
	}
}

func (o *Orchestrator) trackOutputPTS(p *mpegts.Packet) {
	if p.Header.PID != o.cfg.Output.PIDVideo || !p.Header.PayloadUnitStartIndicator {
		return
	}
	h, _, err := inspect.ParsePESHeader(p.Payload)
	if err != nil || h.OptionalHeader == nil || h.OptionalHeader.PTS == nil {
		return
	}
	o.lastPTS = h.OptionalHeader.PTS.Base()
}

func (o *Orchestrator) writePacket(ctx context.Context, p *mpegts.Packet) error {
	if err := o.out.WritePacket(ctx, p); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.PacketsWritten.Inc()
		o.metrics.BytesWritten.Add(float64(mpegts.PacketSize))
	}
	return nil
}

func (o *Orchestrator) writePackets(ctx context.Context, pkts []*mpegts.Packet) error {
	for _, p := range pkts {
		if err := o.writePacket(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) recordHealthMetrics() {
	if o.metrics == nil {
		return
	}
	hs := o.fallback.Health()
	o.metrics.InputBitrate.WithLabelValues(o.fbName).Set(hs.BitrateBPS)
	o.metrics.InputHealthy.WithLabelValues(o.fbName).Set(boolToFloat(hs.Healthy()))

	if o.live != nil {
		hs := o.live.Health()
		o.metrics.InputBitrate.WithLabelValues(o.liveName).Set(hs.BitrateBPS)
		o.metrics.InputHealthy.WithLabelValues(o.liveName).Set(boolToFloat(hs.Healthy()))
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RequestFallback forces arbitration toward the fallback source
// regardless of live's health, for an operator control surface.
func (o *Orchestrator) RequestFallback() { o.arb.RequestFallback() }

// ClearFallbackOverride releases a prior RequestFallback.
func (o *Orchestrator) ClearFallbackOverride() { o.arb.ClearFallbackOverride() }

// ActiveSource reports the source currently driving the output.
func (o *Orchestrator) ActiveSource() arbiter.SourceID { return o.active }

// OutputStats reports the Output Sink's current counters.
func (o *Orchestrator) OutputStats() sink.Stats { return o.out.Stats() }
