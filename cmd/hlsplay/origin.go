package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/origin"
	"github.com/agleyzer/hlsplay/internal/server"
)

type originOptions struct {
	listen     string
	windowSize int
	loopAfter  time.Duration
}

func newOriginCmd(global *globalOptions) *cobra.Command {
	opts := &originOptions{}
	cmd := &cobra.Command{
		Use:   "origin <playlist-url>",
		Short: "Serve a VOD playlist as a looping live stream",
		Long: `Origin fetches a VOD playlist (media or multivariant) and serves it as
a live stream: a sliding window moves one segment per target duration and
wraps around at the end with a discontinuity. Segments are served by the
source; only playlists are rewritten.`,
		Example: `  hlsplay origin https://example.com/playlist.m3u8
  hlsplay origin --listen :8080 --window-size 6 https://example.com/master.m3u8
  hlsplay origin --loop-after 1m30s https://example.com/playlist.m3u8`,
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

			logger.Info("hlsplay origin starting", "version", version)
			return runOrigin(ctx, args[0], cfg, &http.Client{Timeout: 30 * time.Second}, logger, nil)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "", "address to serve playlists on")
	f.IntVar(&opts.windowSize, "window-size", 0, "number of segments in the sliding window")
	f.DurationVar(&opts.loopAfter, "loop-after", 0, "loop after about this much media, 0 uses every segment")
	return cmd
}

func (o *originOptions) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("listen") {
		cfg.Origin.Listen = o.listen
	}
	if flags.Changed("window-size") {
		cfg.Origin.WindowSize = o.windowSize
	}
	if flags.Changed("loop-after") {
		cfg.Origin.LoopAfter = config.Duration(o.loopAfter)
	}
}

// runOrigin serves the looped playlist until ctx is cancelled. ready, when
// not nil, receives the listen address once the server accepts connections.
func runOrigin(ctx context.Context, url string, cfg *config.Config, client *http.Client, logger *slog.Logger, ready chan<- string) error {
	logger.Info("fetching source playlist", "url", url)
	variants, err := origin.Load(ctx, client, url)
	if err != nil {
		return fmt.Errorf("failed to load source playlist: %w", err)
	}

	o, err := origin.New(variants, cfg.Origin.WindowSize, cfg.Origin.LoopAfter.Std(), logging.Component(logger, "origin"))
	if err != nil {
		return fmt.Errorf("failed to create origin: %w", err)
	}
	logger.Info("source playlist loaded",
		"variants", len(variants),
		"windowSize", cfg.Origin.WindowSize,
		"loopAfter", cfg.Origin.LoopAfter,
	)

	srv := server.New(cfg.Origin.Listen, logger, func() any { return o.Stats() })
	o.Mount(srv.Router())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-srv.Ready():
			logger.Info("live stream ready", "url", "http://"+srv.Addr()+"/playlist.m3u8")
			if ready != nil {
				ready <- srv.Addr()
			}
		case <-gctx.Done():
		}
		return nil
	})
	return g.Wait()
}
