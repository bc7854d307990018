package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/sfu-signaling/internal/adapters/http"
	"github.com/dkeye/sfu-signaling/internal/adapters/rtc"
	"github.com/dkeye/sfu-signaling/internal/app"
	"github.com/dkeye/sfu-signaling/internal/app/orch"
	"github.com/dkeye/sfu-signaling/internal/config"
)

var errEngineDied = errors.New("media engine died")

func main() {
	root := &cobra.Command{
		Use:           "sfu-signaling",
		Short:         "WebSocket signaling coordinator for a single-router SFU",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().Int("port", 3000, "HTTP listen port")
	root.Flags().String("mode", "release", "gin mode: debug or release")
	root.Flags().String("log-level", "info", "trace, debug, info, warn or error")
	root.Flags().String("config-env", "", "loads config/config.<env>.yaml (default $CONFIG_ENV or dev)")

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("server exited")
		cancel()
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	setupLogging(cfg)

	engine, err := rtc.NewEngine(rtc.Config{
		ListenIP:      cfg.Engine.ListenIP,
		AnnouncedIP:   cfg.Engine.AnnouncedIP,
		MinPort:       cfg.Engine.RTCMinPort,
		MaxPort:       cfg.Engine.RTCMaxPort,
		EnableUDP:     cfg.Engine.EnableUDP,
		EnableTCP:     cfg.Engine.EnableTCP,
		ICEServers:    cfg.Engine.ICEServers,
		GatherTimeout: cfg.Engine.GatherTimeout,
		LoggerFactory: rtc.NewLoggerFactory(log.Logger),
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	o := &orch.Orchestrator{
		Engine:             engine,
		Registry:           app.NewRegistry(),
		Sessions:           app.NewSessions(),
		ConsumeConcurrency: cfg.ConsumeConcurrency,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("ws", cfg.WSPath).Msg("SFU signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-engine.Done():
			if gctx.Err() != nil {
				return nil
			}
			log.Error().Err(engine.Err()).Msg("media engine died, exiting")
			return fmt.Errorf("%w: %v", errEngineDied, engine.Err())
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		o.CloseAll(shutdownCtx)
		if err := engine.Close(); err != nil {
			log.Warn().Err(err).Msg("media engine close")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
