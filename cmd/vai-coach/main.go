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

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-coach/internal/dotenv"
	"github.com/vango-go/vai-coach/pkg/coach/config"
	"github.com/vango-go/vai-coach/pkg/coach/feedback"
	"github.com/vango-go/vai-coach/pkg/coach/prompt"
	"github.com/vango-go/vai-coach/pkg/coach/server"
	"github.com/vango-go/vai-coach/pkg/coach/upstream"
)

const fallbackBreakerCooldown = 30 * time.Second

type coachDeps struct {
	loadConfig   func() (config.Config, error)
	listen       func(network, addr string) (net.Listener, error)
	newCoach     func(context.Context, config.Config, *slog.Logger) (server.Coach, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultCoachDeps() coachDeps {
	return coachDeps{
		loadConfig: config.LoadFromEnv,
		listen:     net.Listen,
		newCoach:   newUpstreamClient,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newUpstreamClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (server.Coach, error) {
	gen, err := upstream.NewGenAIGenerator(ctx, upstream.GenAIConfig{
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		BaseURL:           cfg.FallbackBaseURL,
		SystemInstruction: prompt.SystemInstruction,
	})
	if err != nil {
		return nil, fmt.Errorf("create fallback client: %w", err)
	}
	client, err := upstream.New(upstream.Options{
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		Voice:             cfg.Voice,
		ResponseModality:  cfg.ResponseModality,
		StreamURL:         cfg.StreamURL,
		SystemInstruction: prompt.SystemInstruction,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ResponseTimeout:   cfg.ResponseTimeout,
		FallbackTimeout:   cfg.FallbackTimeout,
		ProbeTimeout:      cfg.ProbeTimeout,
		Generator:         upstream.WithCircuitBreaker(gen, fallbackBreakerCooldown, logger),
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func runCoach(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, deps coachDeps) error {
	if deps.loadConfig == nil || deps.listen == nil || deps.newCoach == nil {
		return errors.New("missing startup dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level != nil {
		level.Set(cfg.LogLevel)
	}

	strategy, err := feedback.LoadStrategy(cfg.ScoringRulesPath)
	if err != nil {
		return fmt.Errorf("load scoring rules: %w", err)
	}
	coach, err := deps.newCoach(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ln, err := deps.listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	srv := server.New(cfg, coach, feedback.NewBuilder(strategy, cfg.Model), logger)
	httpSrv := buildHTTPServer(srv.Handler())
	life := srv.Lifecycle()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	logger.Info("starting voice coach", "addr", ln.Addr().String(), "model", cfg.Model, "modality", cfg.ResponseModality)

	g, gctx := errgroup.WithContext(ctx)
	superviseCtx, stopSupervise := context.WithCancel(gctx)
	defer stopSupervise()

	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Supervise(superviseCtx)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			life.RequestShutdown("signal " + sig.String())
		case <-life.Done():
		case <-gctx.Done():
			life.RequestShutdown("stopped")
		}
		stopSupervise()

		reason := life.Reason()
		logger.Info("shutdown requested", "reason", reason)
		srv.BeginShutdown(reason)

		grace := cfg.ShutdownGracePeriod
		if grace <= 0 {
			grace = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		if !srv.WaitSessions(shutdownCtx) {
			logger.Warn("client sessions still open after grace period")
		}
		if err := coach.Disconnect(); err != nil {
			logger.Warn("upstream disconnect failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("voice coach stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps coachDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-coach: %v\n", err)
		return 1
	}

	if err := runCoach(ctx, logger, level, deps); err != nil {
		fmt.Fprintf(stderr, "vai-coach: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultCoachDeps()))
}
