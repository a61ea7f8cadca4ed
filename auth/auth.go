// Package auth acquires bearer tokens opportunistically. The dashboard's
// page context is the only place a token exists; a one-shot probe planted
// there reports back whatever it finds. The bridge coalesces concurrent
// token requests onto a single probe flight and caches the last good token
// until a 401 invalidates it.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlastools/plaudgrab/redact"
)

// DefaultProbeTimeout bounds the wait for a probe reply. A silent probe is
// normal (user not signed in, page not ready) and must not wedge callers.
const DefaultProbeTimeout = 2 * time.Second

// Probe is the page-context collaborator. Launch starts one probe flight
// and arranges for deliver to be called exactly once with the found token,
// or "" when none was found. A synchronous error means the probe could not
// start at all.
type Probe interface {
	Launch(ctx context.Context, deliver func(token string)) error
}

type Bridge struct {
	logger  zerolog.Logger
	probe   Probe
	timeout time.Duration

	mu       sync.Mutex
	cached   string
	pending  []chan string
	inflight bool
	flight   uint64
	timer    *time.Timer
	onToken  func(token string)
}

type Option func(*Bridge)

// WithProbeTimeout overrides the probe reply wait.
func WithProbeTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithTokenSink registers a callback invoked whenever a fresh token is
// cached, e.g. to persist it in the state store.
func WithTokenSink(sink func(token string)) Option {
	return func(b *Bridge) { b.onToken = sink }
}

// WithSeedToken pre-populates the cache, e.g. from the state store.
func WithSeedToken(token string) Option {
	return func(b *Bridge) { b.cached = strings.TrimSpace(token) }
}

func NewBridge(logger zerolog.Logger, probe Probe, opts ...Option) *Bridge {
	b := &Bridge{
		logger:   logger,
		probe:    probe,
		timeout:  DefaultProbeTimeout,
		mu:       sync.Mutex{},
		cached:   "",
		pending:  nil,
		inflight: false,
		flight:   0,
		timer:    nil,
		onToken:  func(string) {},
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Token returns the cached token, or launches a probe and waits for its
// reply. Concurrent callers share one probe flight and all receive the same
// result. An empty token with a nil error means no token could be found;
// the miss is not cached, so the next call probes again.
func (b *Bridge) Token(ctx context.Context, forceRefresh bool) (string, error) {
	b.mu.Lock()

	if !forceRefresh && b.cached != "" {
		token := b.cached
		b.mu.Unlock()

		return token, nil
	}

	ch := make(chan string, 1)
	b.pending = append(b.pending, ch)

	if !b.inflight {
		b.inflight = true
		b.flight++
		flight := b.flight
		b.timer = time.AfterFunc(b.timeout, func() { b.expire(flight) })
		b.mu.Unlock()

		if err := b.probe.Launch(ctx, func(token string) { b.deliver(flight, token) }); nil != err {
			b.logger.Error().Err(err).Msg("Failed to launch auth probe")
			b.abort(flight)
		}
	} else {
		b.mu.Unlock()
	}

	select {
	case token := <-ch:
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token so the next Token call re-probes.
// Called after the API answers 401.
func (b *Bridge) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cached = ""
}

// deliver is the probe reply path. It settles its own flight, caches a
// non-empty token, and releases every pending caller with the same result.
// A reply arriving after its flight expired is dropped: it must not settle
// a newer flight's waiters.
func (b *Bridge) deliver(flight uint64, token string) {
	token = strings.TrimSpace(token)

	b.mu.Lock()
	if !b.inflight || b.flight != flight {
		b.mu.Unlock()
		b.logger.Debug().Msg("Dropping probe reply for a settled flight")

		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.inflight = false

	if token != "" {
		b.cached = token
		b.logger.Debug().Str("token", redact.String(token)).Msg("Auth probe delivered a token")
	}

	pending := b.pending
	b.pending = nil
	sink := b.onToken
	b.mu.Unlock()

	if token != "" {
		sink(token)
	}

	for _, ch := range pending {
		ch <- token
	}
}

// expire fires when the probe never replied. Pending callers are released
// with no token; the miss is not cached.
func (b *Bridge) expire(flight uint64) {
	b.mu.Lock()
	if !b.inflight || b.flight != flight {
		b.mu.Unlock()
		return
	}
	b.inflight = false
	b.timer = nil
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.logger.Debug().Msg("Auth probe timed out without a reply")

	for _, ch := range pending {
		ch <- ""
	}
}

// abort settles a flight whose probe failed to start.
func (b *Bridge) abort(flight uint64) {
	b.mu.Lock()
	if !b.inflight || b.flight != flight {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.inflight = false
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- ""
	}
}
