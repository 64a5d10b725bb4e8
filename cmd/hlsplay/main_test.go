package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// vodSource serves a media playlist of n segments of dur seconds.
func vodSource(t *testing.T, n int, dur float64) *httptest.Server {
	t.Helper()
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	mux := http.NewServeMux()
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nseg%d.ts\n", dur, i)
		data := testutil.TSSegment(float64(i)*dur, dur)
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		})
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	playlist := b.String()
	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, playlist)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "hlsplay v"+version+"\n", out.String())
}

func TestCommandsRequireURL(t *testing.T) {
	for _, name := range []string{"play", "origin"} {
		t.Run(name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetOut(io.Discard)
			cmd.SetErr(io.Discard)
			cmd.SetArgs([]string{name})
			assert.Error(t, cmd.Execute())
		})
	}
}

func TestConfigFileMissing(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"play", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "http://localhost/x.m3u8"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hlsplay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("start_level: 2\nlog:\n  level: warn\n"), 0o644))

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "file over defaults",
			args: nil,
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 2, cfg.StartLevel)
				assert.Equal(t, "warn", cfg.Log.Level)
				assert.Equal(t, config.Default().Buffer.MaxBufferLength, cfg.Buffer.MaxBufferLength)
			},
		},
		{
			name: "flags over file",
			args: []string{"--log-level", "debug", "--start-level", "0", "--max-buffer-length", "10", "--listen", ":9090"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 0, cfg.StartLevel)
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.Equal(t, 10.0, cfg.Buffer.MaxBufferLength)
				assert.Equal(t, ":9090", cfg.Server.Listen)
			},
		},
		{
			name: "unset flags keep file values",
			args: []string{"--log-format", "json"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 2, cfg.StartLevel)
				assert.Equal(t, "json", cfg.Log.Format)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			global := &globalOptions{}
			play := &playOptions{}
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			flags.StringVar(&global.configPath, "config", "", "")
			flags.StringVar(&global.logLevel, "log-level", "", "")
			flags.StringVar(&global.logFormat, "log-format", "", "")
			flags.IntVar(&play.startLevel, "start-level", -1, "")
			flags.Float64Var(&play.maxBufferLength, "max-buffer-length", 0, "")
			flags.StringVar(&play.listen, "listen", "", "")
			require.NoError(t, flags.Parse(append([]string{"--config", path}, tt.args...)))

			cfg, err := global.loadConfig(flags, func(cfg *config.Config) {
				play.apply(flags, cfg)
			})
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	global := &globalOptions{}
	opts := &originOptions{}
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.IntVar(&opts.windowSize, "window-size", 0, "")
	require.NoError(t, flags.Parse([]string{"--window-size", "0"}))

	_, err := global.loadConfig(flags, func(cfg *config.Config) {
		opts.apply(flags, cfg)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_size")
}

func TestRunPlay_VOD(t *testing.T) {
	src := vodSource(t, 2, 1)

	cfg := config.Default()
	cfg.TestBandwidth = false
	cfg.Server.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats, err := runPlay(ctx, src.URL+"/playlist.m3u8", cfg, false, src.Client(), quietLogger())
	require.NoError(t, err)
	assert.True(t, stats.Ended)
	assert.False(t, stats.Live)
	assert.InDelta(t, 2.0, stats.Position, 0.15)
	assert.GreaterOrEqual(t, stats.FragmentsLoaded, int64(2))
	require.NoError(t, ctx.Err(), "playback should end before the timeout")
}

func TestRunPlay_Fatal(t *testing.T) {
	src := httptest.NewServer(http.NotFoundHandler())
	defer src.Close()

	cfg := config.Default()
	cfg.Server.Listen = ""

	stats, err := runPlay(context.Background(), src.URL+"/playlist.m3u8", cfg, false, src.Client(), quietLogger())
	require.Error(t, err)
	assert.False(t, stats.Ended)
	assert.NotEmpty(t, stats.Error)
}

func TestRunPlay_Cancelled(t *testing.T) {
	src := vodSource(t, 2, 0.5)

	cfg := config.Default()
	cfg.TestBandwidth = false
	cfg.Server.Listen = ""

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runPlay(ctx, src.URL+"/playlist.m3u8", cfg, true, src.Client(), quietLogger())
	assert.NoError(t, err)
}

func TestRunOrigin(t *testing.T) {
	src := vodSource(t, 4, 1)

	cfg := config.Default()
	cfg.Origin.Listen = "127.0.0.1:0"
	cfg.Origin.WindowSize = 3

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	errChan := make(chan error, 1)
	go func() {
		errChan <- runOrigin(ctx, src.URL+"/playlist.m3u8", cfg, src.Client(), quietLogger(), ready)
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errChan:
		t.Fatalf("origin stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("origin did not start within timeout")
	}

	resp, err := http.Get("http://" + addr + "/playlist.m3u8")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "#EXT-X-MEDIA-SEQUENCE:")
	assert.Contains(t, string(body), src.URL+"/seg0.ts")
	assert.NotContains(t, string(body), "#EXT-X-ENDLIST")

	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("origin did not stop within timeout")
	}
}

func TestRunOrigin_SourceError(t *testing.T) {
	src := httptest.NewServer(http.NotFoundHandler())
	defer src.Close()

	err := runOrigin(context.Background(), src.URL+"/playlist.m3u8", config.Default(), src.Client(), quietLogger(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}
