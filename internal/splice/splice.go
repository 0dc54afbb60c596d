// Package splice implements the per-packet transform and cut procedure
// that turns packets drawn from a selected input into decoder-valid output
// packets: PID remapping, continuity-counter rewriting, PTS/DTS/PCR
// rebasing, and PSI/parameter-set injection at cut points. Grounded on the
// teacher's muxer PAT/PMT serialization and packet header rewrite
// (packet.go's WritePacketHeader/WriteAdaptationField), generalized from
// "mux one program from scratch" into "remap and rebase an existing
// program while regenerating its PSI."
package splice

import (
	"errors"
	"fmt"
	"time"

	"github.com/ts-splice/mpegts"
	"github.com/ts-splice/mpegts/internal/inspect"
)

// Sentinel errors named after the per-packet failure modes in the error
// handling design: logged and locally recovered, never fatal.
var (
	ErrMalformedPESHeader = errors.New("splice: malformed PES header")
)

const (
	tickWrap33  = uint64(1) << 33
	pcrWrap42   = uint64(1) << 42
	patPMTEvery = 100 * time.Millisecond
)

// Config carries the normalized output PID set and cadence.
type Config struct {
	PIDVideo      uint16
	PIDAudio      uint16
	PIDPMT        uint16
	ProgramNumber uint16
	IsH265        bool
	FrameDuration uint64 // 90kHz ticks, e.g. 90000/fps
}

// SourceBases are the timestamp/PCR origin points captured for the
// currently selected source, used to compute the relative offset every
// packet is rebased through.
type SourceBases struct {
	PTSBase uint64
	DTSBase uint64
	PCRBase uint64

	VideoPID uint16
	AudioPID uint16
	PCRPID   uint16
}

// Engine owns all output-side mutable state: per-PID continuity counters,
// global offset accumulators, and the last emitted PCR. It is single
// owner per the concurrency model — only the Orchestrator goroutine may
// call its methods.
type Engine struct {
	cfg Config

	cc map[uint16]uint8

	globalPTSOffset uint64
	globalDTSOffset uint64
	globalPCROffset uint64
	haveLastPCR     bool
	lastOutputPCR   uint64

	bases SourceBases

	patVersion uint8
	pmtVersion uint8
	lastPSI    time.Time

	onPTSRegression func()
	onPCRRegression func()
	onMalformedPES  func()
}

// New creates an Engine for cfg.
func New(cfg Config) *Engine {
	return &Engine{
		cfg: cfg,
		cc:  make(map[uint16]uint8),
	}
}

// OnPTSRegression, OnPCRRegression, and OnMalformedPES register optional
// counters (wired to the metrics registry by the Orchestrator).
func (e *Engine) OnPTSRegression(f func())  { e.onPTSRegression = f }
func (e *Engine) OnPCRRegression(f func())  { e.onPCRRegression = f }
func (e *Engine) OnMalformedPES(f func())   { e.onMalformedPES = f }

// nextCC returns and advances the output continuity counter for pid.
func (e *Engine) nextCC(pid uint16, hasPayload bool) uint8 {
	cur := e.cc[pid]
	if !hasPayload {
		return cur
	}
	next := (cur + 1) % 16
	e.cc[pid] = next
	return next
}

// Cut performs the global-offset update for a new source and returns the
// packets that must precede the source's own packets: PAT, PMT, and a
// synthetic PES carrying SPS/PPS (or VPS/SPS/PPS). firstInPTS/firstInPCR
// are the new source's first post-IDR timestamps; lastOutPTS is the most
// recently emitted output PTS (0 at boot).
func (e *Engine) Cut(bases SourceBases, firstInPTS, firstInPCR, lastOutPTS uint64, paramSets inspect.ParamSets) ([]*mpegts.Packet, error) {
	e.bases = bases

	targetOutPTS := lastOutPTS + e.cfg.FrameDuration
	e.globalPTSOffset = rebaseOffset(targetOutPTS, firstInPTS, tickWrap33)
	e.globalDTSOffset = e.globalPTSOffset

	targetOutPCR := (targetOutPTS * 300) % pcrWrap42
	e.globalPCROffset = rebaseOffset(targetOutPCR, firstInPCR, pcrWrap42)

	// firstInPTS/firstInPCR are now absorbed into the global offsets above;
	// the rebase helpers must not subtract them again.
	e.bases.PTSBase = 0
	e.bases.DTSBase = 0
	e.bases.PCRBase = 0

	var out []*mpegts.Packet
	pat, err := e.buildPAT()
	if err != nil {
		return nil, err
	}
	out = append(out, pat...)

	pmt, err := e.buildPMT()
	if err != nil {
		return nil, err
	}
	out = append(out, pmt...)
	e.lastPSI = time.Now()

	paramPkts, err := e.buildParamSetPacket(paramSets, targetOutPTS)
	if err != nil {
		return nil, err
	}
	out = append(out, paramPkts...)

	return out, nil
}

// rebaseOffset computes (target - in) mod wrap, the additive constant that
// maps the source's clock onto the output clock at a cut.
func rebaseOffset(target, in, wrap uint64) uint64 {
	return ((target%wrap - in%wrap) + wrap) % wrap
}

// TransformPacket applies the per-packet transform described in the
// splice engine's design to a single packet drawn from the active source,
// returning the output-ready packet, or (nil, nil) if the packet should be
// dropped (source PAT/PMT, since the engine emits its own).
func (e *Engine) TransformPacket(p *mpegts.Packet) (*mpegts.Packet, error) {
	outPID, ok := e.remapPID(p.Header.PID)
	if !ok {
		return nil, nil
	}

	hdr := p.Header
	hdr.PID = outPID
	hdr.ContinuityCounter = e.nextCC(outPID, p.Header.HasPayload)

	var af *mpegts.PacketAdaptationField
	if p.AdaptationField != nil {
		afCopy := *p.AdaptationField
		if afCopy.HasPCR {
			e.rebasePCR(&afCopy)
		}
		af = &afCopy
	}

	payload := p.Payload
	isElementary := outPID == e.cfg.PIDVideo || outPID == e.cfg.PIDAudio
	if isElementary && p.Header.PayloadUnitStartIndicator && looksLikePESStart(payload) {
		rebased, err := e.rebasePESPayload(payload)
		if err != nil {
			if e.onMalformedPES != nil {
				e.onMalformedPES()
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedPESHeader, err)
		}
		payload = rebased
	}

	return assemblePacket(hdr, af, payload), nil
}

func looksLikePESStart(payload []byte) bool {
	return len(payload) >= 3 && payload[0] == 0x00 && payload[1] == 0x00 && payload[2] == 0x01
}

// remapPID maps a source PID onto the normalized output PID set. Source
// PAT/PMT and any PID the source doesn't advertise as video, audio, or PCR
// carrier are dropped — the engine regenerates PSI itself.
func (e *Engine) remapPID(pid uint16) (uint16, bool) {
	switch pid {
	case e.bases.VideoPID:
		return e.cfg.PIDVideo, true
	case e.bases.AudioPID:
		return e.cfg.PIDAudio, true
	case e.bases.PCRPID:
		// PCR PID equals the output video PID by convention; a source
		// whose PCR rides a dedicated PID still lands there.
		return e.cfg.PIDVideo, true
	}
	return 0, false
}

func (e *Engine) rebasePCR(af *mpegts.PacketAdaptationField) {
	in := af.PCR.Base()*300 + uint64(af.PCR.Extension())
	out := (in - e.bases.PCRBase%pcrWrap42 + e.globalPCROffset) % pcrWrap42

	if e.haveLastPCR && !pcrGreater(out, e.lastOutputPCR) {
		if e.onPCRRegression != nil {
			e.onPCRRegression()
		}
		af.HasPCR = false
		af.PCR = nil
		return
	}

	e.lastOutputPCR = out
	e.haveLastPCR = true
	af.PCR = mpegts.NewClockReference(out/300, uint16(out%300))
}

// pcrGreater reports whether b is strictly after a on the 42-bit PCR wheel,
// treating a jump of more than half the wheel as a wrap rather than a
// regression.
func pcrGreater(b, a uint64) bool {
	diff := (b - a + pcrWrap42) % pcrWrap42
	return diff != 0 && diff < pcrWrap42/2
}

// rebasePESPayload parses the PES header of payload, rebases PTS/DTS, and
// re-serializes it with the data untouched.
func (e *Engine) rebasePESPayload(payload []byte) ([]byte, error) {
	h, data, err := inspect.ParsePESHeader(payload)
	if err != nil {
		return nil, err
	}
	if h.OptionalHeader == nil {
		return payload, nil
	}

	if h.OptionalHeader.PTS != nil {
		outPTS := (h.OptionalHeader.PTS.Base() - e.bases.PTSBase%tickWrap33 + e.globalPTSOffset) % tickWrap33
		h.OptionalHeader.PTS = mpegts.NewClockReference(outPTS, 0)
	}
	if h.OptionalHeader.DTS != nil {
		outDTS := (h.OptionalHeader.DTS.Base() - e.bases.DTSBase%tickWrap33 + e.globalDTSOffset) % tickWrap33
		h.OptionalHeader.DTS = mpegts.NewClockReference(outDTS, 0)
	} else if h.OptionalHeader.PTS != nil {
		h.OptionalHeader.DTS = h.OptionalHeader.PTS
	}

	if h.OptionalHeader.PTS != nil && h.OptionalHeader.DTS != nil && h.OptionalHeader.PTS.Base() < h.OptionalHeader.DTS.Base() {
		if e.onPTSRegression != nil {
			e.onPTSRegression()
		}
		bumped := (h.OptionalHeader.DTS.Base() + e.cfg.FrameDuration) % tickWrap33
		h.OptionalHeader.PTS = mpegts.NewClockReference(bumped, 0)
	}

	return mpegts.BuildPESData(h, data)
}

func (e *Engine) buildPAT() ([]*mpegts.Packet, error) {
	e.patVersion = (e.patVersion + 1) % 32
	d := &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPAT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{
				TableIDExtension:     1,
				VersionNumber:        e.patVersion,
				CurrentNextIndicator: true,
				SectionNumber:        0,
				LastSectionNumber:    0,
			},
			Data: &mpegts.PSISectionSyntaxData{PAT: &mpegts.PATData{
				TransportStreamID: 1,
				Programs: []*mpegts.PATProgram{
					{ProgramNumber: e.cfg.ProgramNumber, ProgramMapID: e.cfg.PIDPMT},
				},
			}},
		},
	}}}
	return e.packetizePSI(mpegts.PIDPAT, d)
}

func (e *Engine) buildPMT() ([]*mpegts.Packet, error) {
	e.pmtVersion = (e.pmtVersion + 1) % 32
	videoType := uint8(mpegts.StreamTypeLowerBitrateVideo)
	if e.cfg.IsH265 {
		videoType = mpegts.StreamTypeHEVCVideo
	}
	d := &mpegts.PSIData{Sections: []*mpegts.PSISection{{
		Header: &mpegts.PSISectionHeader{TableID: mpegts.PSITableIDPMT, SectionSyntaxIndicator: true},
		Syntax: &mpegts.PSISectionSyntax{
			Header: &mpegts.PSISectionSyntaxHeader{
				TableIDExtension:     e.cfg.ProgramNumber,
				VersionNumber:        e.pmtVersion,
				CurrentNextIndicator: true,
				SectionNumber:        0,
				LastSectionNumber:    0,
			},
			Data: &mpegts.PSISectionSyntaxData{PMT: &mpegts.PMTData{
				ProgramNumber: e.cfg.ProgramNumber,
				PCRPID:        e.cfg.PIDVideo,
				ElementaryStreams: []*mpegts.PMTElementaryStream{
					{StreamType: videoType, ElementaryPID: e.cfg.PIDVideo},
					{StreamType: mpegts.StreamTypeAACAudio, ElementaryPID: e.cfg.PIDAudio},
				},
			}},
		},
	}}}
	return e.packetizePSI(e.cfg.PIDPMT, d)
}

// buildParamSetPacket wraps SPS/PPS (or VPS/SPS/PPS) in a synthetic PES
// packet timestamped at the coming IDR, so the new source's codec
// configuration is visible to the decoder before any slice data arrives.
func (e *Engine) buildParamSetPacket(ps inspect.ParamSets, outPTS uint64) ([]*mpegts.Packet, error) {
	var au []byte
	if len(ps.VPS) > 0 {
		au = append(au, 0x00, 0x00, 0x00, 0x01)
		au = append(au, ps.VPS...)
	}
	if len(ps.SPS) > 0 {
		au = append(au, 0x00, 0x00, 0x00, 0x01)
		au = append(au, ps.SPS...)
	}
	if len(ps.PPS) > 0 {
		au = append(au, 0x00, 0x00, 0x00, 0x01)
		au = append(au, ps.PPS...)
	}
	if len(au) == 0 {
		return nil, nil
	}

	h := &mpegts.PESHeader{
		StreamID: 0xe0,
		OptionalHeader: &mpegts.PESOptionalHeader{
			PTSDTSIndicator: mpegts.PTSDTSIndicatorOnlyPTS,
			PTS:             mpegts.NewClockReference(outPTS, 0),
		},
	}
	data, err := mpegts.BuildPESData(h, au)
	if err != nil {
		return nil, fmt.Errorf("splice: building parameter-set PES: %w", err)
	}
	return e.packetizePayload(e.cfg.PIDVideo, data), nil
}

// packetizePSI serializes d and splits it across as many TS packets as
// needed (always one, for PAT/PMT this small).
func (e *Engine) packetizePSI(pid uint16, d *mpegts.PSIData) ([]*mpegts.Packet, error) {
	b, err := mpegts.WritePSIDataBytes(d)
	if err != nil {
		return nil, fmt.Errorf("splice: serializing PSI for PID %d: %w", pid, err)
	}
	return e.packetizePayload(pid, b), nil
}

// packetizePayload splits an arbitrary byte payload across 184-byte TS
// packet payloads, PUSI set only on the first.
func (e *Engine) packetizePayload(pid uint16, payload []byte) []*mpegts.Packet {
	const maxPayload = mpegts.PacketSize - 4
	var out []*mpegts.Packet
	for i := 0; i < len(payload) || i == 0; i += maxPayload {
		end := i + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[i:end]

		hdr := mpegts.PacketHeader{
			PayloadUnitStartIndicator: i == 0,
			PID:                       pid,
			HasPayload:                true,
			ContinuityCounter:         e.nextCC(pid, true),
		}

		b := make([]byte, mpegts.PacketSize)
		mpegts.WritePacketHeader(b, hdr)
		n := copy(b[4:], chunk)
		for j := 4 + n; j < mpegts.PacketSize; j++ {
			b[j] = 0xff
		}
		p, _ := mpegts.ParsePacket(b)
		out = append(out, p)

		if len(payload) == 0 {
			break
		}
	}
	return out
}

// assemblePacket serializes hdr, af (optional), and payload into a single
// 188-byte packet.
func assemblePacket(hdr mpegts.PacketHeader, af *mpegts.PacketAdaptationField, payload []byte) *mpegts.Packet {
	hdr.HasAdaptationField = af != nil
	b := make([]byte, mpegts.PacketSize)
	mpegts.WritePacketHeader(b, hdr)

	offset := 4
	if af != nil {
		stuffTo := 0
		afBytes := make([]byte, 2+6+6+1+1+len(af.TransportPrivateData)+af.StuffingLength)
		n := mpegts.WriteAdaptationField(afBytes, af, stuffTo)
		offset += copy(b[4:], afBytes[:n])
	}
	copy(b[offset:], payload)
	for j := offset + len(payload); j < mpegts.PacketSize; j++ {
		b[j] = 0xff
	}

	p, _ := mpegts.ParsePacket(b)
	return p
}

// DueForPSIRepetition reports whether a PAT/PMT pair should be injected
// ahead of the next payload packet: on every cut (the caller resets
// lastPSI via Cut) or every patPMTEvery thereafter.
func (e *Engine) DueForPSIRepetition(now time.Time) bool {
	return now.Sub(e.lastPSI) >= patPMTEvery
}

// RepeatPATPMT emits a fresh PAT/PMT pair and records the repetition time.
func (e *Engine) RepeatPATPMT() ([]*mpegts.Packet, error) {
	var out []*mpegts.Packet
	pat, err := e.buildPAT()
	if err != nil {
		return nil, err
	}
	pmt, err := e.buildPMT()
	if err != nil {
		return nil, err
	}
	out = append(out, pat...)
	out = append(out, pmt...)
	e.lastPSI = time.Now()
	return out, nil
}
