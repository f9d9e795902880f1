// RoadDoc server - voice Q&A about Korean traffic law over HTTP, WebSocket and gRPC health
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"google.golang.org/grpc"

	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/answer"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/audio"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/config"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/deeplink"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/feedback"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/grpcclient"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/openai"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/orchestrator"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/resilience"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/server"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/settings"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/speech"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/transcribe"
	"github.com/GriffinCanCode/roaddoc/backend/platform/internal/usage"
)

const shutdownTimeout = 5 * time.Second

// Options are the command line flags.
type Options struct {
	Config string `short:"c" long:"config" description:"path to roaddoc.yaml"`
	Ask    string `long:"ask" description:"answer one typed question, speak it, then exit"`
	Listen bool   `long:"listen" description:"start recording as soon as the server is up"`
	Probe  string `long:"probe" value-name:"ADDR" description:"check the gRPC health of a running server and exit"`
}

func parseOptions(args []string) (*Options, error) {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if flags.WroteHelp(err) {
			fmt.Println(err)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		slog.Error("roaddoc failed", "error", err)
		os.Exit(1)
	}
}

func run(opts *Options) error {
	if opts.Probe != "" {
		return probe(opts.Probe)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(cfg)
	if err != nil {
		return err
	}

	if opts.Ask != "" {
		defer app.close()
		if err := app.session.AskQuestion(ctx, opts.Ask); err != nil {
			return err
		}
		fmt.Println(app.session.Snapshot().Answer)
		return nil
	}
	return serve(ctx, cfg, app, opts.Listen)
}

type app struct {
	session  *orchestrator.Manager
	settings *settings.Store
	usage    server.UsageStatus
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.session.Shutdown(ctx); err != nil {
		slog.Error("session shutdown error", "error", err)
	}
}

// build wires the remote clients, devices and session from cfg.
func build(cfg *config.Config) (*app, error) {
	api, err := openai.New(openai.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Breaker: resilience.DefaultConfig(),
	})
	if err != nil {
		return nil, err
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.OpenAI.RetryCount
	retry.BaseDelay = cfg.OpenAI.RetryBaseDelay
	retry.OnRetry = func(failures int, delay time.Duration, err error) {
		slog.Info("retrying remote call", "failures", failures, "delay", delay, "error", err)
	}

	recorder, err := audio.NewRecorder(audio.Config{
		SampleRate:       cfg.Audio.SampleRate,
		MeteringInterval: cfg.Audio.MeteringInterval,
		Dir:              cfg.Audio.RecordingsDir,
		ExcludedDevices:  cfg.Audio.ExcludedDevices,
	})
	if err != nil {
		return nil, err
	}

	out := speech.NewSpeaker(0)
	player := speech.NewPlayer(api, out, speech.Config{
		Model: cfg.OpenAI.SpeechModel,
		Voice: cfg.OpenAI.Voice,
	}, speech.Callbacks{
		OnStart:   func(text string) { slog.Debug("speech started", "chars", len([]rune(text))) },
		OnStopped: func() { slog.Debug("speech stopped") },
	})

	var sink feedback.Sink = feedback.Log{}
	if cfg.Feedback.Tones {
		sink = feedback.Multi{feedback.Log{}, feedback.NewTones(out)}
	}

	st := settings.NewStore(settings.Values{
		TTSSpeed:         cfg.Voice.TTSSpeed,
		SilenceTimeoutMs: cfg.Voice.SilenceTimeoutMs,
	})

	deps := orchestrator.Deps{
		Recorder: recorder,
		Transcriber: transcribe.New(api, transcribe.Config{
			Model:    cfg.OpenAI.TranscriptionModel,
			Language: cfg.TranscriptionLanguage(),
			Hint:     cfg.OpenAI.TranscriptionHint,
			Retry:    retry,
		}),
		Answerer: answer.New(api, answer.Config{
			Model:             cfg.OpenAI.CompletionModel,
			SystemPrompt:      cfg.OpenAI.SystemPrompt,
			Temperature:       float32(cfg.OpenAI.Temperature),
			MaxTokens:         cfg.OpenAI.MaxTokens,
			MaxTokensDetailed: cfg.OpenAI.MaxTokensDetailed,
			Retry:             retry,
		}),
		Speaker:  player,
		Settings: st,
		Feedback: sink,
	}

	a := &app{settings: st}
	if cfg.Usage.Enabled {
		limiter, err := usage.NewLimiter(usage.Config{
			FreeLimit:    cfg.Usage.FreeLimit,
			PremiumLimit: cfg.Usage.PremiumLimit,
		}, usage.NewFileStore(cfg.Usage.StateFile))
		if err != nil {
			_ = recorder.Close()
			return nil, err
		}
		if cfg.Usage.Premium {
			if err := limiter.SetPremium(true); err != nil {
				slog.Warn("failed to persist premium flag", "error", err)
			}
		}
		deps.Usage = limiter
		a.usage = limiter
	}

	a.session, err = orchestrator.New(deps, orchestrator.Config{
		SilenceThresholdDB: cfg.Voice.SilenceThresholdDB,
		SilenceGrace:       cfg.Voice.GracePeriod,
	})
	if err != nil {
		_ = recorder.Close()
		return nil, err
	}
	return a, nil
}

func serve(ctx context.Context, cfg *config.Config, a *app, listen bool) error {
	srv := server.New(a.session, a.settings, a.usage)

	httpServer := &http.Server{
		Addr:        cfg.Server.HTTPAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
		// stop and ask return after the answer has been spoken
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("http server starting", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var gs *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			_ = httpServer.Close()
			a.close()
			return fmt.Errorf("grpc listen %s: %w", cfg.Server.GRPCAddr, err)
		}
		gs = srv.NewGRPCServer()
		go func() {
			slog.Info("grpc health server starting", "addr", cfg.Server.GRPCAddr)
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	if listen {
		if err := a.session.HandleDeepLink(ctx, deeplink.StartRecordingURL); err != nil {
			slog.Warn("could not start listening", "error", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case runErr = <-errCh:
	}

	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if gs != nil {
		gs.GracefulStop()
	}
	a.close()

	slog.Info("shutdown complete")
	return runErr
}

// probe exits non-zero unless the server at addr reports SERVING.
func probe(addr string) error {
	client, err := grpcclient.New(addr)
	if err != nil {
		return err
	}
	defer func(c io.Closer) { _ = c.Close() }(client)

	ok, err := client.Check(context.Background(), server.HealthService)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not serving", addr)
	}
	fmt.Println("SERVING")
	return nil
}
