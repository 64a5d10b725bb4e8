// Package integration runs the origin and the player together over real
// HTTP connections.
package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/engine"
	"github.com/agleyzer/hlsplay/internal/origin"
	"github.com/agleyzer/hlsplay/internal/server"
	"github.com/agleyzer/hlsplay/internal/testutil"
)

// TestHarness manages a source server, a looping origin and players.
type TestHarness struct {
	t       *testing.T
	logger  *slog.Logger
	source  *httptest.Server
	mux     *http.ServeMux
	origin  *origin.Origin
	addr    string
	cancel  context.CancelFunc
	stopped chan error
}

// NewTestHarness creates a harness with an empty source server.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	h := &TestHarness{
		t:      t,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		mux:    http.NewServeMux(),
	}
	h.source = httptest.NewServer(h.mux)
	return h
}

// SourceURL returns the absolute source URL of name.
func (h *TestHarness) SourceURL(name string) string {
	return h.source.URL + "/" + name
}

// AddPlaylist serves content as name on the source server.
func (h *TestHarness) AddPlaylist(content string, name string) {
	h.mux.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, content)
	})
}

// AddSegments serves n playable TS segments of dur seconds named
// <prefix>000.ts, <prefix>001.ts...
func (h *TestHarness) AddSegments(prefix string, n int, dur float64) {
	for i := 0; i < n; i++ {
		data := testutil.TSSegment(float64(i)*dur, dur)
		h.mux.HandleFunc(fmt.Sprintf("/%s%03d.ts", prefix, i), func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "video/mp2t")
			w.Write(data)
		})
	}
}

// StartOrigin loops the source playlist name and serves it on a local port.
func (h *TestHarness) StartOrigin(name string, windowSize int) {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	variants, err := origin.Load(ctx, h.source.Client(), h.SourceURL(name))
	if err != nil {
		h.t.Fatalf("failed to load source playlist: %v", err)
	}
	h.origin, err = origin.New(variants, windowSize, 0, h.logger)
	if err != nil {
		h.t.Fatalf("failed to create origin: %v", err)
	}

	srv := server.New("127.0.0.1:0", h.logger, func() any { return h.origin.Stats() })
	h.origin.Mount(srv.Router())

	h.stopped = make(chan error, 1)
	go h.origin.Run(ctx)
	go func() {
		h.stopped <- srv.Start(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-h.stopped:
		h.t.Fatalf("origin server failed: %v", err)
	case <-time.After(5 * time.Second):
		h.t.Fatal("origin server did not start within timeout")
	}
	h.addr = srv.Addr()
	h.t.Logf("origin started on %s", h.addr)
}

// OriginURL returns the URL of path on the origin.
func (h *TestHarness) OriginURL(path string) string {
	return "http://" + h.addr + path
}

// Play starts a session against the origin playlist and returns it with a
// channel delivering the result of Run.
func (h *TestHarness) Play(ctx context.Context, cfg *config.Config) (*engine.Engine, <-chan error) {
	h.t.Helper()

	e, err := engine.New(h.OriginURL("/playlist.m3u8"), engine.Options{
		Config: cfg,
		Logger: h.logger,
	})
	if err != nil {
		h.t.Fatalf("failed to create engine: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx)
	}()
	return e, done
}

// FetchPlaylist fetches the top level playlist from the origin.
func (h *TestHarness) FetchPlaylist() string {
	h.t.Helper()
	return h.fetch("/playlist.m3u8")
}

// FetchVariantPlaylist fetches a variant playlist from the origin.
func (h *TestHarness) FetchVariantPlaylist(variantIndex int) string {
	h.t.Helper()
	return h.fetch(fmt.Sprintf("/variant/%d/playlist.m3u8", variantIndex))
}

// FetchHealth fetches the health endpoint and returns the JSON response.
func (h *TestHarness) FetchHealth() string {
	h.t.Helper()
	return h.fetch("/health")
}

func (h *TestHarness) fetch(path string) string {
	h.t.Helper()

	resp, err := http.Get(h.OriginURL(path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("unexpected status code for %s: %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(body)
}

// Cleanup stops the origin and the source server.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
		select {
		case err := <-h.stopped:
			if err != nil {
				h.t.Errorf("origin server shutdown: %v", err)
			}
		case <-time.After(5 * time.Second):
			h.t.Error("origin server did not stop within timeout")
		}
	}
	h.source.Close()
}

// ParsedPlaylist represents a parsed HLS playlist for testing.
type ParsedPlaylist struct {
	Version               int
	TargetDuration        int
	MediaSequence         uint64
	DiscontinuitySequence uint64
	Segments              []PlaylistSegment
	HasEndList            bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration      float64
	URL           string
	Discontinuity bool
}

// ParsePlaylist parses an HLS media playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		Segments: []PlaylistSegment{},
	}

	var currentSegment *PlaylistSegment
	var nextSegmentHasDiscontinuity bool

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			fmt.Sscanf(line, "#EXT-X-VERSION:%d", &playlist.Version)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-MEDIA-SEQUENCE:%d", &playlist.MediaSequence)

		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-DISCONTINUITY-SEQUENCE:%d", &playlist.DiscontinuitySequence)

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case line == "#EXT-X-DISCONTINUITY":
			nextSegmentHasDiscontinuity = true

		case strings.HasPrefix(line, "#EXTINF:"):
			currentSegment = &PlaylistSegment{Discontinuity: nextSegmentHasDiscontinuity}
			nextSegmentHasDiscontinuity = false
			fmt.Sscanf(line, "#EXTINF:%f,", &currentSegment.Duration)

		case !strings.HasPrefix(line, "#"):
			if currentSegment != nil {
				currentSegment.URL = line
				playlist.Segments = append(playlist.Segments, *currentSegment)
				currentSegment = nil
			}
		}
	}
	return playlist
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}
