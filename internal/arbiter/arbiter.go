// Package arbiter implements the state machine that decides which input
// drives the output: LIVE or FALLBACK, with transient SWITCHING_TO_* states
// guarding cut alignment. Fresh code in the teacher's small mutex-guarded
// state-struct idiom — no pack repo implements live/fallback arbitration,
// so the transition table here follows the guard conditions directly.
package arbiter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ts-splice/mpegts/internal/health"
)

// SourceID names one of the two arbitrated inputs.
type SourceID int

const (
	Fallback SourceID = iota
	Live
)

func (s SourceID) String() string {
	if s == Live {
		return "live"
	}
	return "fallback"
}

// State is the arbiter's current position in the transition table.
type State int

const (
	StateFallback State = iota
	StateLive
	StateSwitchingToLive
	StateSwitchingToFallback
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateSwitchingToLive:
		return "switching_to_live"
	case StateSwitchingToFallback:
		return "switching_to_fallback"
	default:
		return "fallback"
	}
}

// Source is the subset of an Input Reader's contract the arbiter needs:
// a health snapshot, a combined PSI+IDR+audio-sync readiness bit, and the
// ability to force a fresh IDR wait before a cut-in.
type Source interface {
	Health() health.Status
	Ready() bool
	ResetReadiness()
}

// Config carries the dwell/tolerance timers, in milliseconds, named after
// the configuration document's splice.* block.
type Config struct {
	MinDwellMS      int64
	RecoveryDwellMS int64
	LossToleranceMS int64
	TickInterval    time.Duration
}

// Decision is returned by Tick when a cut should be performed: Switch is
// true exactly once, on the tick that finalizes a transition, naming the
// source the Orchestrator must now cut to.
type Decision struct {
	Switch bool
	Target SourceID
}

// Arbiter owns the arbitration state. Tick is called by the Orchestrator
// (embedded 100ms loop, per the concurrency model); RequestFallback and
// ClearFallbackOverride come from an operator control surface. All of
// them are serialized by mu.
type Arbiter struct {
	cfg    Config
	logger *slog.Logger

	live     Source
	fallback Source

	mu             sync.Mutex
	state          State
	active         SourceID
	lastTransition time.Time
	liveHealthySince time.Time
	liveUnhealthySince time.Time
	forceFallback  bool

	onTransition func(from, to State)
}

// New creates an Arbiter starting in StateFallback, matching the
// Orchestrator's boot sequence: the fallback is cut in first, live is
// arbitrated toward once it proves healthy and ready.
func New(cfg Config, live, fallback Source, logger *slog.Logger) *Arbiter {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	return &Arbiter{
		cfg:      cfg,
		logger:   logger,
		live:     live,
		fallback: fallback,
		state:    StateFallback,
		active:   Fallback,
	}
}

// OnTransition registers a callback invoked whenever the arbiter's state
// changes, for metrics/logging wiring.
func (a *Arbiter) OnTransition(f func(from, to State)) { a.onTransition = f }

// ActiveSource reports the source the Splice Engine should currently be
// fed from: the last source a cut was finalized onto, held steady through
// any in-progress SWITCHING_TO_* state until that cut completes.
func (a *Arbiter) ActiveSource() SourceID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// State reports the current arbiter state, mainly for logging/metrics.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// RequestFallback forces a transition toward FALLBACK regardless of live's
// health (operator command / privacy toggle), subject to anti-flap.
func (a *Arbiter) RequestFallback() {
	a.mu.Lock()
	a.forceFallback = true
	a.mu.Unlock()
}

// ClearFallbackOverride releases a prior RequestFallback, allowing the
// arbiter to return to evaluating live's health normally.
func (a *Arbiter) ClearFallbackOverride() {
	a.mu.Lock()
	a.forceFallback = false
	a.mu.Unlock()
}

// Tick evaluates the transition table once. Call at cfg.TickInterval
// cadence (or let the Orchestrator's embedded loop do so). Returns a
// Decision naming the source to cut to, exactly on the tick a transition
// finalizes.
func (a *Arbiter) Tick(now time.Time) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.trackLiveHealthLocked(now)

	switch a.state {
	case StateFallback:
		if a.withinDwellLocked(now) {
			return Decision{}
		}
		if !a.forceFallback && a.recoveredLocked(now) {
			a.beginSwitchLocked(StateSwitchingToLive, Live)
		}
	case StateLive:
		if a.withinDwellLocked(now) {
			return Decision{}
		}
		if a.forceFallback || a.lostLocked(now) {
			a.beginSwitchLocked(StateSwitchingToFallback, Fallback)
		}
	case StateSwitchingToLive:
		if a.forceFallback {
			a.beginSwitchLocked(StateSwitchingToFallback, Fallback)
			break
		}
		if a.live.Ready() {
			return a.finalizeLocked(now, StateLive, Live)
		}
	case StateSwitchingToFallback:
		if a.fallback.Ready() {
			return a.finalizeLocked(now, StateFallback, Fallback)
		}
	}
	return Decision{}
}

// trackLiveHealthLocked updates the continuous healthy/unhealthy-since
// timestamps live's health status has held, used by recoveredLocked and
// lostLocked to measure dwell duration. Caller holds mu.
func (a *Arbiter) trackLiveHealthLocked(now time.Time) {
	if a.live.Health().Healthy() {
		if a.liveHealthySince.IsZero() {
			a.liveHealthySince = now
		}
		a.liveUnhealthySince = time.Time{}
		return
	}
	if a.liveUnhealthySince.IsZero() {
		a.liveUnhealthySince = now
	}
	a.liveHealthySince = time.Time{}
}

// recoveredLocked reports whether live has been healthy continuously for
// at least RecoveryDwellMS and is fully ready to cut to.
func (a *Arbiter) recoveredLocked(now time.Time) bool {
	if a.liveHealthySince.IsZero() {
		return false
	}
	if now.Sub(a.liveHealthySince) < time.Duration(a.cfg.RecoveryDwellMS)*time.Millisecond {
		return false
	}
	return a.live.Ready()
}

// lostLocked reports whether live has been unhealthy continuously for at
// least LossToleranceMS.
func (a *Arbiter) lostLocked(now time.Time) bool {
	if a.liveUnhealthySince.IsZero() {
		return false
	}
	return now.Sub(a.liveUnhealthySince) >= time.Duration(a.cfg.LossToleranceMS)*time.Millisecond
}

// withinDwellLocked reports whether now is still inside the anti-flap
// window following the last finalized transition.
func (a *Arbiter) withinDwellLocked(now time.Time) bool {
	if a.lastTransition.IsZero() {
		return false
	}
	return now.Sub(a.lastTransition) < time.Duration(a.cfg.MinDwellMS)*time.Millisecond
}

// beginSwitchLocked enters a SWITCHING_TO_* state and resets the target's
// readiness so the cut waits for a fresh IDR, not a stale buffered one.
func (a *Arbiter) beginSwitchLocked(next State, target SourceID) {
	a.setStateLocked(next)
	a.targetLocked(target).ResetReadiness()
}

func (a *Arbiter) targetLocked(target SourceID) Source {
	if target == Live {
		return a.live
	}
	return a.fallback
}

// finalizeLocked completes a pending switch: records the transition time
// (anti-flap resets from here, not from when switching began) and flips
// the active source.
func (a *Arbiter) finalizeLocked(now time.Time, next State, target SourceID) Decision {
	a.setStateLocked(next)
	a.active = target
	a.lastTransition = now
	return Decision{Switch: true, Target: target}
}

// Fail reports that the caller could not complete the cut a prior Decision
// finalized (e.g. the IDR snapshot or the Splice Engine cut errored). Since
// finalizeLocked already flips the arbiter's internal state and active
// source before the caller performs the actual cut, a failure here must
// revert both back to the source still genuinely driving the output, or
// the arbiter would believe the switch succeeded and never evaluate or
// retry it again.
func (a *Arbiter) Fail(now time.Time, failedTarget SourceID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != failedTarget {
		// Another transition has since finalized; nothing to revert.
		return
	}
	revertState, revertTarget := StateLive, Live
	if failedTarget == Live {
		revertState, revertTarget = StateFallback, Fallback
	}
	a.setStateLocked(revertState)
	a.active = revertTarget
	a.lastTransition = now
}

func (a *Arbiter) setStateLocked(next State) {
	prev := a.state
	a.state = next
	if prev == next {
		return
	}
	if a.logger != nil {
		a.logger.Info("arbiter state transition", "from", prev, "to", next)
	}
	if a.onTransition != nil {
		a.onTransition(prev, next)
	}
}

// Run blocks, ticking at cfg.TickInterval until stop is closed, invoking
// onDecision for every Decision with Switch set. Convenience for callers
// that want arbitration on its own goroutine rather than folded into the
// Orchestrator's steady-state loop.
func (a *Arbiter) Run(stop <-chan struct{}, onDecision func(Decision)) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if d := a.Tick(now); d.Switch {
				onDecision(d)
			}
		}
	}
}

