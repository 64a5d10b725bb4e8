package testutil

import (
	"strings"
	"time"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/loader"
	"github.com/agleyzer/hlsplay/internal/scheduler"
)

// Route is a canned response.
type Route struct {
	Data []byte
	// Code is a non-2xx status to fail with.
	Code int
	// Delay postpones the response on the scheduler clock.
	Delay time.Duration
	// Hang leaves the request unresolved.
	Hang bool
}

// Network creates scripted loaders. Loads of a routed URL are answered
// automatically, the rest stay pending until the test resolves them.
type Network struct {
	sched    *scheduler.Scheduler
	routes   map[string]Route
	requests []*Request
	loaders  []*Loader
}

// NewNetwork creates a network with no routes.
func NewNetwork(sched *scheduler.Scheduler) *Network {
	return &Network{sched: sched, routes: make(map[string]Route)}
}

// Handle answers every load of url with data.
func (n *Network) Handle(url string, data []byte) {
	n.routes[url] = Route{Data: data}
}

// HandleRoute answers every load of url with r.
func (n *Network) HandleRoute(url string, r Route) {
	n.routes[url] = r
}

// Unhandle removes the route of url.
func (n *Network) Unhandle(url string) {
	delete(n.routes, url)
}

// route finds the route of url, falling back to url without its query so
// playlist delivery directives still match.
func (n *Network) route(url string) (Route, bool) {
	if r, ok := n.routes[url]; ok {
		return r, true
	}
	if base, _, found := strings.Cut(url, "?"); found {
		r, ok := n.routes[base]
		return r, ok
	}
	return Route{}, false
}

// Factory returns a loader factory bound to the network.
func (n *Network) Factory() loader.Factory {
	return func() loader.Loader {
		l := &Loader{net: n}
		n.loaders = append(n.loaders, l)
		return l
	}
}

// Requests returns every load issued, in order.
func (n *Network) Requests() []*Request {
	return n.requests
}

// RequestsFor returns the loads of url, with or without a query.
func (n *Network) RequestsFor(url string) []*Request {
	var out []*Request
	for _, r := range n.requests {
		if r.Ctx.URL == url || strings.HasPrefix(r.Ctx.URL, url+"?") {
			out = append(out, r)
		}
	}
	return out
}

// Pending returns loads that were neither resolved nor aborted.
func (n *Network) Pending() []*Request {
	var out []*Request
	for _, r := range n.requests {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

// Last returns the most recent load, or nil.
func (n *Network) Last() *Request {
	if len(n.requests) == 0 {
		return nil
	}
	return n.requests[len(n.requests)-1]
}

// Aborts returns how many times any loader was aborted.
func (n *Network) Aborts() int {
	total := 0
	for _, l := range n.loaders {
		total += l.aborts
	}
	return total
}

// Loader is a scripted loader.Loader.
type Loader struct {
	net       *Network
	gen       uint64
	current   *Request
	aborts    int
	destroyed bool
}

var _ loader.Loader = (*Loader)(nil)

// Load records the request and answers it when a route matches.
func (l *Loader) Load(ctx *loader.Context, policy config.LoadPolicy, cb loader.Callbacks) {
	l.gen++
	stats := ctx.Stats
	if stats == nil {
		stats = &loader.Stats{}
	}
	stats.LoadingStart = l.net.sched.Now()
	r := &Request{
		Ctx:    ctx,
		Policy: policy,
		cb:     cb,
		Stats:  stats,
		loader: l,
		gen:    l.gen,
	}
	l.current = r
	l.net.requests = append(l.net.requests, r)

	route, ok := l.net.route(ctx.URL)
	if !ok || route.Hang {
		return
	}
	respond := func() {
		if route.Code != 0 {
			r.Fail(route.Code)
			return
		}
		r.Succeed(route.Data)
	}
	if route.Delay > 0 {
		l.net.sched.After(route.Delay, respond)
		return
	}
	respond()
}

// Abort drops the current request.
func (l *Loader) Abort() {
	if l.current != nil && l.current.Active() {
		l.current.Stats.Aborted = true
		l.aborts++
	}
	l.gen++
}

// Destroy aborts and marks the loader unusable.
func (l *Loader) Destroy() {
	l.Abort()
	l.destroyed = true
}

// Destroyed reports whether Destroy was called.
func (l *Loader) Destroyed() bool {
	return l.destroyed
}

// Request is one scripted load.
type Request struct {
	Ctx    *loader.Context
	Policy config.LoadPolicy
	Stats  *loader.Stats

	cb       loader.Callbacks
	loader   *Loader
	gen      uint64
	resolved bool
}

// Active reports whether the request still awaits a result.
func (r *Request) Active() bool {
	return !r.resolved && r.loader.gen == r.gen
}

func (r *Request) post(fn func()) {
	if !r.Active() {
		return
	}
	r.resolved = true
	r.loader.net.sched.Post(func() {
		if r.loader.gen != r.gen {
			return
		}
		fn()
	})
}

// Succeed delivers data on the next scheduler pass.
func (r *Request) Succeed(data []byte) {
	now := r.loader.net.sched.Now()
	if r.Stats.LoadingFirst.IsZero() {
		r.Stats.LoadingFirst = now
	}
	r.Stats.LoadingEnd = now
	r.Stats.Loaded = int64(len(data))
	r.Stats.Total = int64(len(data))
	r.post(func() {
		if r.cb.OnSuccess != nil {
			r.cb.OnSuccess(&loader.Response{URL: r.Ctx.URL, Data: data, Code: 200}, r.Stats, r.Ctx)
		}
	})
}

// Fail delivers an HTTP status error.
func (r *Request) Fail(code int) {
	r.Stats.LoadingEnd = r.loader.net.sched.Now()
	r.post(func() {
		if r.cb.OnError != nil {
			r.cb.OnError(&loader.ResponseError{URL: r.Ctx.URL, Code: code}, r.Stats, r.Ctx)
		}
	})
}

// Timeout delivers a timeout.
func (r *Request) Timeout() {
	r.post(func() {
		if r.cb.OnTimeout != nil {
			r.cb.OnTimeout(r.Stats, r.Ctx)
		}
	})
}

// Progress reports loaded of total bytes without resolving the request.
func (r *Request) Progress(loaded, total int64) {
	if !r.Active() {
		return
	}
	if r.Stats.LoadingFirst.IsZero() {
		r.Stats.LoadingFirst = r.loader.net.sched.Now()
	}
	r.Stats.Loaded = loaded
	r.Stats.Total = total
	gen := r.gen
	r.loader.net.sched.Post(func() {
		if r.loader.gen != gen || r.resolved {
			return
		}
		if r.cb.OnProgress != nil {
			r.cb.OnProgress(r.Stats, r.Ctx)
		}
	})
}
