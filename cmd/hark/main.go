// Hark - voice dictation client: captures speech, streams it to a local
// model server, and types the recognized text.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/harkvoice/hark/internal/audio"
	"github.com/harkvoice/hark/internal/calibrate"
	"github.com/harkvoice/hark/internal/config"
	"github.com/harkvoice/hark/internal/desktop"
	"github.com/harkvoice/hark/internal/errors"
	"github.com/harkvoice/hark/internal/proc"
	"github.com/harkvoice/hark/internal/resilience"
	"github.com/harkvoice/hark/internal/session"
	"github.com/harkvoice/hark/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	command := "listen"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("hark", flag.ExitOnError)
	threshold := fs.Float64("threshold", -1, "silence threshold override for VAD")
	serverURL := fs.String("server", "", "model server URL override")
	noClipboard := fs.Bool("no-clipboard", false, "disable clipboard copy in long mode")
	noSave := fs.Bool("no-save-transcripts", false, "disable saving transcripts to files")
	calDuration := fs.Int("duration", 10, "calibration duration in seconds")
	verbose := fs.Bool("v", false, "enable debug logging")
	_ = fs.Parse(args)

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg := config.Load()
	if *threshold >= 0 {
		cfg.SilenceThreshold = *threshold
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *noClipboard {
		cfg.ClipboardOnLong = false
	}
	if *noSave {
		cfg.SaveTranscripts = false
	}

	switch command {
	case "calibrate":
		return runCalibrate(cfg, *calDuration)
	case "listen":
		return runToggled(cfg, "listen", func(ctx context.Context, s *session.Session) error {
			return s.RunListen(ctx)
		})
	case "long":
		return runToggled(cfg, "long_dictation", func(ctx context.Context, s *session.Session) error {
			return s.RunLongDictation(ctx)
		})
	default:
		fmt.Fprintf(os.Stderr, "usage: hark [listen|long|calibrate] [flags]\n")
		return 1
	}
}

// runCalibrate measures ambient noise and persists the recommended threshold.
func runCalibrate(cfg *config.Config, durationSec int) int {
	desktop.Notify("Hark Calibration",
		fmt.Sprintf("Measuring background noise for %d seconds. Please remain quiet.", durationSec))
	slog.Info("starting microphone calibration, please remain quiet", "seconds", durationSec)

	stats := calibrate.Run(func() (audio.Source, error) {
		return audio.OpenMicrophone(cfg.SampleRate, cfg.ChunkSamples())
	}, calibrate.Config{
		Duration:     time.Duration(durationSec) * time.Second,
		ChunkMillis:  cfg.ChunkMillis,
		ThresholdMin: cfg.SilenceThresholdMin,
		ThresholdMax: cfg.SilenceThresholdMax,
		Fallback:     cfg.SilenceThresholdFallback,
		Progress:     os.Stderr,
	})

	cfg.SilenceThreshold = stats.Threshold
	if err := cfg.Save(); err != nil {
		slog.Error("could not save calibrated threshold", "error", err)
		return 1
	}
	slog.Info("calibration saved", "threshold", stats.Threshold, "config", config.File())
	desktop.Notify("Calibration Complete", fmt.Sprintf("Threshold set to %.0f", stats.Threshold))
	return 0
}

// runToggled implements toggle semantics: a second invocation of the same
// command stops the running instance instead of starting a new one.
func runToggled(cfg *config.Config, name string, runFn func(context.Context, *session.Session) error) int {
	manager, err := proc.NewManager(name, config.RuntimeDir())
	if err != nil {
		slog.Error("process manager init failed", "error", err)
		return 1
	}

	// Install the stop handler before the PID becomes visible so a toggle
	// racing our startup cancels the session instead of being lost.
	ctx, cancel := proc.NotifyStop(context.Background())
	defer cancel()

	result, err := manager.Toggle(os.Getpid())
	switch result {
	case proc.ToggleBusy:
		slog.Error("another operation is in progress", "name", name)
		return 1
	case proc.ToggleStopped:
		if err != nil {
			slog.Error("stop failed", "name", name, "error", err)
			return 1
		}
		slog.Info("stopped running process", "name", name)
		return 0
	}
	if err != nil {
		slog.Error("could not register process", "name", name, "error", err)
		return 1
	}
	defer manager.CleanupPIDFile()

	client := transport.New(cfg.ServerURL,
		transport.WithTimeout(time.Duration(cfg.HTTPTimeout*float64(time.Second))),
		transport.WithHealthTimeout(time.Duration(cfg.HealthCheckTimeout*float64(time.Second))))

	if err := waitReady(ctx, client, cfg.ServerURL); err != nil {
		slog.Error(err.Error())
		desktop.Notify("Hark", "Model server not reachable")
		return 1
	}

	sess := session.New(cfg, client, func() (audio.Source, error) {
		return audio.OpenMicrophone(cfg.SampleRate, cfg.ChunkSamples())
	})

	if err := runFn(ctx, sess); err != nil {
		slog.Error(err.Error())
		return 1
	}
	return 0
}

// waitReady probes the backend's health endpoint with a few retries before
// touching the microphone.
func waitReady(ctx context.Context, client *transport.Client, url string) error {
	cfg := resilience.RetryConfig{
		MaxRetries:  3,
		BaseDelay:   200 * time.Millisecond,
		IsRetryable: func(error) bool { return true },
	}
	err := resilience.Retry(ctx, cfg, func() error {
		if !client.Health(ctx) {
			return errors.Newf(errors.CodeUnreachable, "model server at %s is not ready", url)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, errors.CodeUnreachable,
			"could not reach the model server at %s (start it first)", url)
	}
	return nil
}
