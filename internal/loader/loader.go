// Package loader defines how playlists, keys and fragments are fetched and
// provides the HTTP implementation.
package loader

import (
	"errors"
	"fmt"
	"time"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/segment"
)

// Context describes one load.
type Context struct {
	URL string
	// RangeStart and RangeEnd select bytes [RangeStart, RangeEnd). A zero
	// RangeEnd loads the whole resource.
	RangeStart int64
	RangeEnd   int64

	// Frag and Part are set for media loads.
	Frag *segment.Fragment
	Part *segment.Part

	// Stats, when set, is the record the loader updates. Callers that
	// publish a load before it completes pass it in.
	Stats *Stats
}

// ForFragment builds the context of a fragment or part load.
func ForFragment(frag *segment.Fragment, part *segment.Part) *Context {
	c := &Context{URL: frag.URL, Frag: frag, Part: part}
	br := frag.ByteRange
	if part != nil {
		c.URL = part.URL
		br = part.ByteRange
	}
	if !br.IsZero() {
		c.RangeStart = br.Offset
		c.RangeEnd = br.End()
	}
	return c
}

// Response is a completed load.
type Response struct {
	URL  string
	Data []byte
	Code int
}

// Stats instruments a load. Loaders update it on the scheduler goroutine.
type Stats struct {
	Aborted bool
	// Loaded and Total are byte counts. Total is 0 when unknown.
	Loaded int64
	Total  int64
	Retry  int

	LoadingStart   time.Time
	LoadingFirst   time.Time
	LoadingEnd     time.Time
	ParsingStart   time.Time
	ParsingEnd     time.Time
	BufferingStart time.Time
	BufferingFirst time.Time
	BufferingEnd   time.Time
}

// TTFB returns the time to first byte, 0 before the first byte.
func (s *Stats) TTFB() time.Duration {
	if s.LoadingFirst.IsZero() {
		return 0
	}
	return s.LoadingFirst.Sub(s.LoadingStart)
}

// LoadDuration returns the time from request to the last byte.
func (s *Stats) LoadDuration() time.Duration {
	if s.LoadingEnd.IsZero() {
		return 0
	}
	return s.LoadingEnd.Sub(s.LoadingStart)
}

// Callbacks receive the outcome of a load on the scheduler goroutine. Exactly
// one of OnSuccess, OnError and OnTimeout is called, unless the load is
// aborted first.
type Callbacks struct {
	OnSuccess  func(resp *Response, stats *Stats, ctx *Context)
	OnError    func(err error, stats *Stats, ctx *Context)
	OnTimeout  func(stats *Stats, ctx *Context)
	OnProgress func(stats *Stats, ctx *Context)
}

// Loader performs one load at a time.
type Loader interface {
	// Load starts ctx. A loader must not be reused before it completed or
	// was aborted.
	Load(ctx *Context, policy config.LoadPolicy, cb Callbacks)
	// Abort cancels the current load. No callback follows.
	Abort()
	// Destroy aborts and releases the loader.
	Destroy()
}

// Factory creates loaders.
type Factory func() Loader

// ResponseError is a non-2xx HTTP status.
type ResponseError struct {
	URL  string
	Code int
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("HTTP %d loading %s", e.Code, e.URL)
}

// ErrTimeout is passed to error paths that treat timeouts as errors.
var ErrTimeout = errors.New("load timed out")

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Code
	}
	return 0
}

// ShouldRetry reports whether retry number count (zero based) is allowed.
// Timeouts always qualify; client errors other than 408 and 429 never do.
func ShouldRetry(retry config.RetryConfig, count int, timeout bool, err error) bool {
	if count >= retry.MaxNumRetry {
		return false
	}
	if timeout {
		return true
	}
	code := StatusCode(err)
	if code >= 400 && code < 500 {
		return code == 408 || code == 429
	}
	return true
}

// RetryConfigFor picks the timeout or error retry curve of a policy.
func RetryConfigFor(policy config.LoadPolicy, timeout bool) config.RetryConfig {
	if timeout {
		return policy.TimeoutRetry
	}
	return policy.ErrorRetry
}
