package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/ari"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/banner"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/call"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/config"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/health"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/logger"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/mailer"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/media"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/orchestrator"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/rtp"
	"github.com/maladrill/asterisk-to-openai-rt-community/internal/transcript"
)

const primingWAVPath = "/var/lib/asterisk/sounds/custom/openai_silence_30ms.wav"

func main() {
	envFile := flag.String("env", "", "optional env file (dotenv format)")
	writePrimingWAV := flag.Bool("write-priming-wav", false,
		"write the dialplan silence priming WAV and exit")
	flag.Parse()

	if *writePrimingWAV {
		if err := media.WriteSilencePrimingWAV(primingWAVPath, 30*time.Millisecond); err != nil {
			fmt.Fprintf(os.Stderr, "write priming wav: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(primingWAVPath)
		return
	}

	logger.InitLogger(os.Stdout)

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		outputs := []io.Writer{os.Stdout, logger.NewRotatingFile(cfg.LogFile)}
		logger.InitLogger(outputs...)
	}

	portLo, portHi := cfg.RTPPortStart, cfg.RTPPortStart+cfg.MaxConcurrentCalls-1
	banner.Print("ASTERISK / OPENAI REALTIME BRIDGE", []banner.ConfigLine{
		{Label: "ARI", Value: cfg.ARIURL + " (app " + cfg.ARIApp + ")"},
		{Label: "Realtime Model", Value: cfg.RealtimeModel},
		{Label: "RTP Range", Value: fmt.Sprintf("%d-%d", portLo, portHi)},
		{Label: "Max Calls", Value: fmt.Sprintf("%d", cfg.MaxConcurrentCalls)},
		{Label: "Recordings", Value: cfg.RecordingsDir},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	pool := rtp.NewPool(cfg.RTPPortStart, cfg.MaxConcurrentCalls)
	registry := call.NewRegistry()
	sink := transcript.NewSink(cfg.RecordingsDir)
	mail := mailer.New(cfg.Email)
	client := ari.NewClient(cfg.ARIURL, cfg.ARIUsername, cfg.ARIPassword, cfg.ARIApp)

	orch := orchestrator.New(cfg, client, registry, pool, sink, mail, nil)

	listener, err := ari.NewListener(cfg.ARIURL, cfg.ARIUsername, cfg.ARIPassword, cfg.ARIApp, orch)
	if err != nil {
		slog.Error("ARI listener setup failed", "error", err)
		os.Exit(1)
	}
	listener.Start()

	var probe *health.Server
	if cfg.HealthPort > 0 {
		probe = health.NewServer(cfg.HealthPort, listener.Connected)
		probe.Start()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig.String())

	// Past the shutdown grace the process force-exits so a wedged
	// teardown cannot hold the supervisor hostage.
	force := time.AfterFunc(cfg.ShutdownTimeout, func() {
		slog.Error("Shutdown grace elapsed, forcing exit")
		os.Exit(1)
	})
	defer force.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	orch.Shutdown(ctx)
	listener.Stop()
	if probe != nil {
		probe.Stop(ctx)
	}

	slog.Info("Bridge stopped", "live_calls", registry.Count())
}
