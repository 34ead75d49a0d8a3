package refresh

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/pganalyze/dbconnector/admin"
	"github.com/pganalyze/dbconnector/errtype"
	"github.com/pganalyze/dbconnector/instance"
	"github.com/pganalyze/dbconnector/internal/debug"
)

// lazyRefreshBuffer pads a cached Result's expiry so a caller has time to
// finish a TLS handshake with it before the underlying certificate actually
// expires.
const lazyRefreshBuffer = 5 * time.Second

// LazyEntry is the on-demand counterpart to InstanceEntry: it never
// schedules a refresh ahead of time, only ever refreshing in response to a
// GetConnectionInfo call that finds the cached Result missing, stale, or
// explicitly invalidated. This trades the background refresh goroutine (and
// the admin API traffic it generates between connections) for added dial
// latency on a cache miss, which suits bursty or mostly-idle callers such as
// a serverless function that may go minutes between invocations.
type LazyEntry struct {
	uri           instance.URI
	client        admin.Client
	key           *rsa.PrivateKey
	limiter       *RateLimiter
	logger        debug.ContextLogger
	identityToken IdentityTokenSource

	mu           sync.Mutex
	cached       *Result
	needsRefresh bool
	closed       bool
}

// LazyOption configures a LazyEntry at construction time.
type LazyOption func(*LazyEntry)

// WithLazyIdentityTokenSource enables automatic IAM database authentication
// for a LazyEntry, mirroring WithIdentityTokenSource on InstanceEntry.
func WithLazyIdentityTokenSource(src IdentityTokenSource) LazyOption {
	return func(e *LazyEntry) { e.identityToken = src }
}

// WithLazyLogger supplies a ContextLogger for a LazyEntry's refresh log
// lines.
func WithLazyLogger(l debug.ContextLogger) LazyOption {
	return func(e *LazyEntry) { e.logger = l }
}

// NewLazyEntry constructs a LazyEntry. Unlike NewInstanceEntry, it performs
// no refresh at construction time; the first refresh happens on the first
// GetConnectionInfo call. limiter is the same RateLimiter shared across
// every entry (lazy or refresh-ahead) a Connector owns, so a burst of
// cache-miss dials against several lazy entries can't exceed the admin
// API's per-Connector refresh quota any more than InstanceEntry can.
func NewLazyEntry(
	uri instance.URI, client admin.Client, key *rsa.PrivateKey, limiter *RateLimiter, opts ...LazyOption,
) *LazyEntry {
	e := &LazyEntry{
		uri:     uri,
		client:  client,
		key:     key,
		limiter: limiter,
		logger:  debug.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// URI returns the instance this entry was created for.
func (e *LazyEntry) URI() instance.URI { return e.uri }

// GetConnectionInfo returns a Result, refreshing synchronously if the
// cached one is missing, within lazyRefreshBuffer of expiry, or has been
// invalidated by ForceInvalidate since it was cached.
func (e *LazyEntry) GetConnectionInfo(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errtype.NewClosedError(e.uri.String())
	}
	if e.cached != nil && !e.needsRefresh && !e.cached.ExpiresWithin(time.Now().Add(lazyRefreshBuffer)) {
		e.logger.Debugf(ctx, "[%s] connection info is still valid, using cached info", e.uri.String())
		return e.cached, nil
	}

	e.logger.Debugf(ctx, "[%s] connection info refresh operation started", e.uri.String())
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, errtype.NewTimeoutError(
			"context was canceled or expired before refresh completed", e.uri.String(), err,
		)
	}
	result, err := fetchOnce(ctx, e.uri, e.client, e.key, e.identityToken)
	if err != nil {
		e.logger.Debugf(ctx, "[%s] connection info refresh operation failed: %v", e.uri.String(), err)
		return nil, err
	}
	e.logger.Debugf(
		ctx, "[%s] connection info refresh operation completed, cert expires %s",
		e.uri.String(), result.ExpiresAt.UTC().Format(time.RFC3339),
	)
	e.cached = result
	e.needsRefresh = false
	return result, nil
}

// ForceInvalidate marks the cached Result as stale, so the next
// GetConnectionInfo call refreshes regardless of the cached expiry.
func (e *LazyEntry) ForceInvalidate(*Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.needsRefresh = true
}

// LastKnownMetadata returns the Metadata backing the last successfully
// cached Result, or nil if none has been cached yet.
func (e *LazyEntry) LastKnownMetadata() *instance.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached == nil {
		return nil
	}
	return e.cached.Metadata
}

// Close marks the entry closed; it is a no-op beyond that, since LazyEntry
// has no background goroutine to stop.
func (e *LazyEntry) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// fetchOnce performs one metadata+cert refresh without any of
// InstanceEntry's scheduling state, shared by LazyEntry so the two refresh
// strategies don't duplicate the admin API call/TLS assembly logic.
func fetchOnce(
	ctx context.Context,
	uri instance.URI,
	client admin.Client,
	key *rsa.PrivateKey,
	identityToken IdentityTokenSource,
) (*Result, error) {
	e := &InstanceEntry{uri: uri, client: client, key: key, identityToken: identityToken}
	return e.fetch(ctx)
}
