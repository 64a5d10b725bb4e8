package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/engine"
	"github.com/agleyzer/hlsplay/internal/metrics"
	"github.com/agleyzer/hlsplay/internal/server"
)

type playOptions struct {
	startLevel      int
	startPosition   float64
	maxBufferLength float64
	testBandwidth   bool
	lowLatency      bool
	listen          string
	paused          bool
}

func newPlayCmd(global *globalOptions) *cobra.Command {
	opts := &playOptions{}
	cmd := &cobra.Command{
		Use:   "play <playlist-url>",
		Short: "Play a stream until it ends or is interrupted",
		Long: `Play loads the playlist at the given URL and plays it against a
simulated playhead. VOD streams stop at the end; live streams run until
interrupted. Session stats and Prometheus metrics are served on the status
address unless it is empty.`,
		Example: `  hlsplay play https://example.com/master.m3u8
  hlsplay play --start-level 2 --listen :9090 https://example.com/master.m3u8
  hlsplay play --config hlsplay.yaml --log-level debug https://example.com/live.m3u8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig(cmd.Flags(), func(cfg *config.Config) {
				opts.apply(cmd.Flags(), cfg)
			})
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logger.Info("hlsplay starting", "version", version)
			_, err = runPlay(ctx, args[0], cfg, opts.paused, http.DefaultClient, logger)
			return err
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.startLevel, "start-level", -1, "variant index to start with, -1 for automatic")
	f.Float64Var(&opts.startPosition, "start-position", -1, "start position in seconds, -1 for the default")
	f.Float64Var(&opts.maxBufferLength, "max-buffer-length", 0, "seconds of media to buffer ahead")
	f.BoolVar(&opts.testBandwidth, "test-bandwidth", true, "measure bandwidth with a throwaway fragment first")
	f.BoolVar(&opts.lowLatency, "low-latency", true, "load parts of low-latency live playlists")
	f.StringVar(&opts.listen, "listen", "", "status server address, empty disables it")
	f.BoolVar(&opts.paused, "paused", false, "buffer without advancing the playhead")
	return cmd
}

// apply copies the explicitly set flags over cfg.
func (o *playOptions) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("start-level") {
		cfg.StartLevel = o.startLevel
	}
	if flags.Changed("start-position") {
		cfg.StartPosition = o.startPosition
	}
	if flags.Changed("max-buffer-length") {
		cfg.Buffer.MaxBufferLength = o.maxBufferLength
	}
	if flags.Changed("test-bandwidth") {
		cfg.TestBandwidth = o.testBandwidth
	}
	if flags.Changed("low-latency") {
		cfg.LowLatencyMode = o.lowLatency
	}
	if flags.Changed("listen") {
		cfg.Server.Listen = o.listen
	}
}

// runPlay plays url until it ends, fails or ctx is cancelled, and returns
// the final session stats.
func runPlay(ctx context.Context, url string, cfg *config.Config, paused bool, client *http.Client, logger *slog.Logger) (engine.Stats, error) {
	e, err := engine.New(url, engine.Options{
		Config: cfg,
		Client: client,
		Paused: paused,
		Logger: logger,
	})
	if err != nil {
		return engine.Stats{}, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	unsubscribe := metrics.New(reg).Observe(e.Hub())
	defer unsubscribe()
	metrics.RegisterStats(reg, e.Stats)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	logger.Info("starting playback", "session", e.ID(), "url", url)
	g.Go(func() error {
		// the status server stops with the session
		defer cancel()
		return e.Run(gctx)
	})

	if cfg.Server.Listen != "" {
		srv := server.New(cfg.Server.Listen, logger, func() any { return e.Stats() })
		srv.MountStatus(e.Stats, reg)
		g.Go(func() error {
			return srv.Start(gctx)
		})
		g.Go(func() error {
			select {
			case <-srv.Ready():
				logger.Info("status server ready",
					"stats", "http://"+srv.Addr()+"/stats",
					"metrics", "http://"+srv.Addr()+"/metrics",
				)
			case <-gctx.Done():
			}
			return nil
		})
	}

	err = g.Wait()
	stats := e.Stats()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("playback failed", "error", err)
		return stats, err
	}
	logger.Info("playback finished",
		"ended", stats.Ended,
		"position", stats.Position,
		"fragments", stats.FragmentsLoaded,
		"bytes", stats.BytesLoaded,
		"stalls", stats.Stalls,
	)
	return stats, nil
}
