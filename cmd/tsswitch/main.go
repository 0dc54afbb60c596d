// Command tsswitch runs the high-availability MPEG-TS splicer: it loads a
// configuration document, arbitrates between a live and fallback input,
// and writes a decoder-valid program to an output pipe. Grounded on
// cmd/astits-probe/main.go's shape almost verbatim: package-scope flag
// vars, a FlagCmd-selected mode, and a handleSignals goroutine cancelling
// a context on SIGINT/SIGTERM/SIGQUIT/SIGABRT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/asticode/go-astikit"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ts-splice/mpegts/internal/config"
	"github.com/ts-splice/mpegts/internal/metrics"
	"github.com/ts-splice/mpegts/internal/orchestrator"
)

// Flags
var (
	ctx, cancel   = context.WithCancel(context.Background())
	configPath    = flag.String("c", "", "path to the YAML configuration document")
	cpuProfiling  = flag.Bool("cpuprofile", false, "if yes, cpu profiling is enabled")
	memProfiling  = flag.Bool("memprofile", false, "if yes, memory profiling is enabled")
	disableInputs = astikit.NewFlagStrings()
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s <run|validate|print-config>:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Var(disableInputs, "disable-input", "input name to exclude at startup (repeatable)")
	cmd := astikit.FlagCmd()
	flag.Parse()

	handleSignals()

	if *cpuProfiling {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	} else if *memProfiling {
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	if *configPath == "" {
		fatal("use -c to indicate a configuration path")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("loading configuration: %v", err)
	}
	applyDisabledInputs(cfg)
	if err := cfg.Validate(); err != nil {
		fatal("configuration invalid after -disable-input: %v", err)
	}

	switch cmd {
	case "validate":
		fmt.Println("configuration is valid")
	case "print-config":
		printConfig(cfg)
	default:
		if err := run(cfg); err != nil {
			fatal("%v", err)
		}
	}
}

// applyDisabledInputs drops any input named via -disable-input, letting an
// operator temporarily force fallback-only operation without editing the
// configuration document.
func applyDisabledInputs(cfg *config.Config) {
	if len(disableInputs.Map) == 0 {
		return
	}
	kept := cfg.Inputs[:0]
	for _, in := range cfg.Inputs {
		if _, ok := disableInputs.Map[in.Name]; ok {
			continue
		}
		kept = append(kept, in)
	}
	cfg.Inputs = kept
}

func printConfig(cfg *config.Config) {
	fmt.Printf("output: pipe=%s video_pid=0x%x audio_pid=0x%x pmt_pid=0x%x program=%d\n",
		cfg.Output.Pipe, cfg.Output.PIDVideo, cfg.Output.PIDAudio, cfg.Output.PIDPMT, cfg.Output.ProgramNumber)
	for _, in := range cfg.Inputs {
		fmt.Printf("input: name=%s role=%s source=%s\n", in.Name, in.Role, in.Source)
	}
	fmt.Printf("splice: min_dwell_ms=%d recovery_dwell_ms=%d loss_tolerance_ms=%d allow_audio_drop=%v\n",
		cfg.Splice.MinDwellMS, cfg.Splice.RecoveryDwellMS, cfg.Splice.LossToleranceMS, cfg.Splice.AllowAudioDrop)
	fmt.Printf("health: max_data_age_ms=%d min_bitrate_bps=%.0f bitrate_window_seconds=%.0f\n",
		cfg.Health.MaxDataAgeMS, cfg.Health.MinBitrateBPS, cfg.Health.BitrateWindowSec)
	fmt.Printf("log: level=%s\n", cfg.Log.Level)
}

func run(cfg *config.Config) error {
	logger := newLogger(cfg.Log.Level)
	reg := metrics.New(prometheus.NewRegistry())

	o, err := orchestrator.New(cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}
	logger.Info("starting tsswitch", "config", *configPath)
	return o.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch)
	go func() {
		for s := range ch {
			switch s {
			case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM:
				cancel()
				return
			}
		}
	}()
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
