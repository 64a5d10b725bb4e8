package loader

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/andybalholm/brotli"
)

const (
	acceptEncoding = "gzip, deflate, br"
	readChunkSize  = 32 * 1024
)

// HTTPLoader loads over HTTP on its own goroutine and reports back through
// the scheduler.
type HTTPLoader struct {
	client *http.Client
	sched  *scheduler.Scheduler
	logger *slog.Logger

	// gen invalidates callbacks of aborted or finished loads. It is only
	// touched on the scheduler goroutine.
	gen    uint64
	cancel context.CancelFunc
	timers []scheduler.Timer
}

// NewHTTP creates a loader. A nil client uses http.DefaultClient.
func NewHTTP(client *http.Client, sched *scheduler.Scheduler, logger *slog.Logger) *HTTPLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLoader{
		client: client,
		sched:  sched,
		logger: logging.Component(logger, "loader"),
	}
}

// NewHTTPFactory returns a factory of HTTP loaders sharing client.
func NewHTTPFactory(client *http.Client, sched *scheduler.Scheduler, logger *slog.Logger) Factory {
	return func() Loader {
		return NewHTTP(client, sched, logger)
	}
}

// Load starts the request. Must be called on the scheduler goroutine.
func (l *HTTPLoader) Load(lctx *Context, policy config.LoadPolicy, cb Callbacks) {
	l.invalidate()
	gen := l.gen

	stats := lctx.Stats
	if stats == nil {
		stats = &Stats{}
	}
	stats.LoadingStart = l.sched.Now()
	reqCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	post := func(fn func()) {
		l.sched.Post(func() {
			if l.gen == gen {
				fn()
			}
		})
	}

	timeout := func() {
		if l.gen != gen {
			return
		}
		l.invalidate()
		l.logger.Debug("load timed out", "url", lctx.URL)
		if cb.OnTimeout != nil {
			cb.OnTimeout(stats, lctx)
		}
	}
	if d := policy.MaxTimeToFirstByte.Std(); d > 0 {
		l.timers = append(l.timers, l.sched.After(d, func() {
			if stats.LoadingFirst.IsZero() {
				timeout()
			}
		}))
	}
	if d := policy.MaxLoadTime.Std(); d > 0 {
		l.timers = append(l.timers, l.sched.After(d, timeout))
	}

	var loaded atomic.Int64
	var progressPending atomic.Bool
	onFirst := func(total int64) {
		post(func() {
			stats.LoadingFirst = l.sched.Now()
			stats.Total = total
		})
	}
	onRead := func(n int) {
		loaded.Add(int64(n))
		if !progressPending.CompareAndSwap(false, true) {
			return
		}
		post(func() {
			progressPending.Store(false)
			stats.Loaded = loaded.Load()
			if cb.OnProgress != nil {
				cb.OnProgress(stats, lctx)
			}
		})
	}

	go func() {
		data, code, err := l.fetch(reqCtx, lctx, onFirst, onRead)
		post(func() {
			l.invalidate()
			now := l.sched.Now()
			stats.LoadingEnd = now
			if stats.LoadingFirst.IsZero() {
				stats.LoadingFirst = now
			}
			if err != nil {
				if cb.OnError != nil {
					cb.OnError(err, stats, lctx)
				}
				return
			}
			stats.Loaded = int64(len(data))
			if stats.Total <= 0 {
				stats.Total = stats.Loaded
			}
			cb.OnSuccess(&Response{URL: lctx.URL, Data: data, Code: code}, stats, lctx)
		})
	}()
}

// invalidate drops pending callbacks, stops the timers and cancels the request.
func (l *HTTPLoader) invalidate() {
	l.gen++
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = nil
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Abort cancels the current request.
func (l *HTTPLoader) Abort() {
	l.invalidate()
}

// Destroy aborts the current request.
func (l *HTTPLoader) Destroy() {
	l.invalidate()
}

func (l *HTTPLoader) fetch(ctx context.Context, lctx *Context, onFirst func(int64), onRead func(int)) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lctx.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if lctx.RangeEnd > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", lctx.RangeStart, lctx.RangeEnd-1))
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", lctx.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &ResponseError{URL: lctx.URL, Code: resp.StatusCode}
	}

	total := resp.ContentLength
	if total < 0 || resp.Header.Get("Content-Encoding") != "" {
		total = 0
	}
	onFirst(total)

	body := wrapDecompression(resp, l.logger)
	defer body.Close()

	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			onRead(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, resp.StatusCode, fmt.Errorf("failed to read %s: %w", lctx.URL, err)
		}
	}
	return buf.Bytes(), resp.StatusCode, nil
}

// Fetch performs a blocking GET and returns the decoded body.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ResponseError{URL: url, Code: resp.StatusCode}
	}

	body := wrapDecompression(resp, nil)
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return data, nil
}

// wrapDecompression decodes the body according to Content-Encoding.
func wrapDecompression(resp *http.Response, logger *slog.Logger) io.ReadCloser {
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	switch encoding {
	case "":
		return resp.Body
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			if logger != nil {
				logger.Warn("failed to create gzip reader, returning raw body", "error", err)
			}
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}
	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		if logger != nil {
			logger.Debug("unknown content encoding, returning raw body", "encoding", encoding)
		}
		return resp.Body
	}
}

type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if c, ok := d.reader.(io.Closer); ok {
		c.Close()
	}
	return d.closer.Close()
}
