package refresh

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"

	"github.com/pganalyze/dbconnector/admin"
	"github.com/pganalyze/dbconnector/errtype"
	"github.com/pganalyze/dbconnector/instance"
	"github.com/pganalyze/dbconnector/internal/debug"
)

const (
	// refreshBuffer is how long before a certificate's expiry the next
	// refresh is scheduled to start.
	refreshBuffer = 4 * time.Minute

	// DefaultRefreshTimeout bounds how long a single refresh operation
	// (metadata fetch + cert signing, run concurrently) is allowed to run
	// before it's treated as failed.
	DefaultRefreshTimeout = 60 * time.Second
)

// IdentityTokenSource supplies the short-lived OAuth2 identity token bound
// into a signed client certificate when automatic IAM database
// authentication is enabled. A nil source means IAM authn is disabled for
// this entry, and SignClientCert is called with an empty token. The
// returned expiry is used to clamp the resulting Result's ExpiresAt, since
// the IAM token can expire well before the signed certificate does.
type IdentityTokenSource interface {
	Token(ctx context.Context) (token string, expiresAt time.Time, err error)
}

// refreshOperation is a pending or completed refresh, the unit cur/next
// track inside InstanceEntry. It is never reused once started.
type refreshOperation struct {
	result *Result
	err    error

	timer *time.Timer
	ready chan struct{}
}

func (r *refreshOperation) cancel() bool {
	return r.timer.Stop()
}

// isValid reports whether this operation finished successfully and its
// certificate chain hasn't expired yet.
func (r *refreshOperation) isValid() bool {
	select {
	default:
		return false
	case <-r.ready:
		return r.err == nil && !r.result.ExpiresWithin(time.Now())
	}
}

// InstanceEntry owns the refresh lifecycle for exactly one instance: it
// schedules refresh operations ahead of certificate expiry, exposes the
// latest valid Result to dialers, and coalesces concurrent force-invalidate
// requests into a single extra refresh.
type InstanceEntry struct {
	uri            instance.URI
	client         admin.Client
	key            *rsa.PrivateKey
	limiter        *RateLimiter
	logger         debug.ContextLogger
	refreshTimeout time.Duration
	identityToken  IdentityTokenSource

	resultGuard sync.RWMutex
	cur         *refreshOperation
	next        *refreshOperation
	lastKnownMD *instance.Metadata

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an InstanceEntry at construction time.
type Option func(*InstanceEntry)

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(e *InstanceEntry) { e.refreshTimeout = d }
}

// WithIdentityTokenSource enables automatic IAM database authentication:
// every signed client certificate is bound to the token's principal.
func WithIdentityTokenSource(src IdentityTokenSource) Option {
	return func(e *InstanceEntry) { e.identityToken = src }
}

// WithLogger supplies a ContextLogger for refresh-lifecycle log lines.
// Without it, log lines are discarded.
func WithLogger(l debug.ContextLogger) Option {
	return func(e *InstanceEntry) { e.logger = l }
}

// NewInstanceEntry constructs an InstanceEntry and starts its first refresh
// immediately; the entry's current result is not valid until that refresh
// completes, so the first GetConnectionInfo call blocks on it.
func NewInstanceEntry(
	uri instance.URI,
	client admin.Client,
	key *rsa.PrivateKey,
	limiter *RateLimiter,
	opts ...Option,
) *InstanceEntry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &InstanceEntry{
		uri:            uri,
		client:         client,
		key:            key,
		limiter:        limiter,
		logger:         debug.Noop{},
		refreshTimeout: DefaultRefreshTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.resultGuard.Lock()
	e.cur = e.scheduleRefresh(0)
	e.next = e.cur
	e.resultGuard.Unlock()
	return e
}

// Close stops this entry's refresh cycle. No further admin API calls are
// made after Close returns, and any refresh operation already in flight is
// allowed to finish in the background but its result is discarded.
func (e *InstanceEntry) Close() error {
	e.resultGuard.Lock()
	defer e.resultGuard.Unlock()
	e.cancel()
	e.cur.cancel()
	e.next.cancel()
	return nil
}

// URI returns the instance this entry was created for.
func (e *InstanceEntry) URI() instance.URI { return e.uri }

// LastKnownMetadata returns the most recent Metadata this entry has
// successfully observed from the admin API, even if the refresh that
// produced it was since superseded by a failure and cur is now serving a
// stale-but-valid earlier Result. It returns nil if no refresh has ever
// succeeded. It exists purely for diagnostics; dial decisions always go
// through GetConnectionInfo's Result, never through this method.
func (e *InstanceEntry) LastKnownMetadata() *instance.Metadata {
	e.resultGuard.RLock()
	defer e.resultGuard.RUnlock()
	return e.lastKnownMD
}

// GetConnectionInfo returns the entry's current Result, blocking until it's
// ready or ctx is done. A canceled Close takes priority over a long-lived
// caller ctx.
func (e *InstanceEntry) GetConnectionInfo(ctx context.Context) (*Result, error) {
	e.resultGuard.RLock()
	op := e.cur
	e.resultGuard.RUnlock()

	select {
	case <-op.ready:
		if op.err != nil {
			return nil, op.err
		}
		return op.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, e.ctx.Err()
	}
}

// ForceInvalidate schedules an immediate refresh if the caller's stale
// Result is still the one currently in use, and a refresh isn't already
// under way. Concurrent ForceInvalidate calls coalesce onto the same
// in-flight refresh rather than each starting their own.
func (e *InstanceEntry) ForceInvalidate(stale *Result) {
	e.resultGuard.Lock()
	defer e.resultGuard.Unlock()

	select {
	case <-e.cur.ready:
		if e.cur.result != stale {
			// Someone already refreshed past the caller's stale result;
			// nothing to do.
			return
		}
	default:
		// Current refresh hasn't even produced a result yet; a fresher
		// one is already on the way.
		return
	}

	if e.next.cancel() {
		e.next = e.scheduleRefresh(0)
	}
	// cur still refers to the caller's now-stale result (checked above);
	// point it at the in-flight refresh unconditionally so the very next
	// GetConnectionInfo call blocks on fresh material instead of handing
	// back stale (but not yet expired) credentials again.
	e.cur = e.next
}

// refreshDuration returns how long to wait before starting the next
// refresh: half the remaining lifetime of the certificate, or refreshBuffer
// before expiry once the remaining lifetime drops under an hour, or
// immediately if even that buffer has already elapsed.
func refreshDuration(now, expiresAt time.Time) time.Duration {
	remaining := expiresAt.Sub(now)
	if remaining < time.Hour {
		if remaining < refreshBuffer {
			return 0
		}
		return remaining - refreshBuffer
	}
	return remaining / 2
}

func (e *InstanceEntry) scheduleRefresh(d time.Duration) *refreshOperation {
	op := &refreshOperation{ready: make(chan struct{})}
	op.timer = time.AfterFunc(d, func() {
		if err := e.ctx.Err(); err != nil {
			op.err = err
			close(op.ready)
			return
		}

		e.logger.Debugf(context.Background(), "[%s] refresh operation started", e.uri.String())

		ctx, cancel := context.WithTimeout(e.ctx, e.refreshTimeout)
		defer cancel()

		if err := e.limiter.Wait(ctx); err != nil {
			op.err = errtype.NewTimeoutError(
				"context was canceled or expired before refresh completed", e.uri.String(), err,
			)
			e.logger.Debugf(ctx, "[%s] refresh operation failed waiting on rate limiter: %v", e.uri.String(), op.err)
		} else {
			op.result, op.err = e.fetch(ctx)
			if op.err == nil {
				e.logger.Debugf(
					ctx, "[%s] refresh operation complete, cert expires %s",
					e.uri.String(), op.result.ExpiresAt.UTC().Format(time.RFC3339),
				)
			} else {
				e.logger.Debugf(ctx, "[%s] refresh operation failed: %v", e.uri.String(), op.err)
			}
		}
		close(op.ready)

		e.resultGuard.Lock()
		defer e.resultGuard.Unlock()

		if op.err != nil {
			e.next = e.scheduleRefresh(0)
			if !e.cur.isValid() {
				e.cur = op
			}
			return
		}

		e.cur = op
		e.lastKnownMD = op.result.Metadata
		wait := refreshDuration(time.Now(), op.result.ExpiresAt)
		e.logger.Debugf(
			ctx, "[%s] next refresh scheduled at %s (now + %s)",
			e.uri.String(), time.Now().Add(wait).UTC().Format(time.RFC3339), wait.Round(time.Minute),
		)
		e.next = e.scheduleRefresh(wait)
	})
	return op
}

// fetch runs the metadata lookup and client cert signing concurrently and
// joins them, the way a single refresh combines both admin API calls.
func (e *InstanceEntry) fetch(ctx context.Context) (*Result, error) {
	type mdResult struct {
		md  *instance.Metadata
		err error
	}
	mdCh := make(chan mdResult, 1)
	go func() {
		md, err := e.client.GetInstanceMetadata(ctx, e.uri)
		mdCh <- mdResult{md: md, err: err}
	}()

	token := ""
	var tokenExpiresAt time.Time
	if e.identityToken != nil {
		t, exp, err := e.identityToken.Token(ctx)
		if err != nil {
			return nil, errtype.NewPermissionError("failed to obtain identity token", e.uri.String(), err)
		}
		token = t
		tokenExpiresAt = exp
	}

	type certResult struct {
		chain *admin.ClientCertChain
		err   error
	}
	certCh := make(chan certResult, 1)
	go func() {
		chain, err := e.client.SignClientCert(ctx, e.uri, &e.key.PublicKey, token)
		certCh <- certResult{chain: chain, err: err}
	}()

	var md *instance.Metadata
	select {
	case r := <-mdCh:
		if r.err != nil {
			return nil, r.err
		}
		md = r.md
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var chain *admin.ClientCertChain
	select {
	case r := <-certCh:
		if r.err != nil {
			return nil, r.err
		}
		chain = r.chain
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tlsCert, caPool, expiresAt, err := buildTLSMaterial(chain, e.key, md)
	if err != nil {
		return nil, errtype.NewAdminPermanentError("failed to assemble TLS material", e.uri.String(), err)
	}

	// An IAM identity token is typically much shorter-lived than the signed
	// certificate it's bound to; the Result must stop being considered
	// valid no later than that token expires; otherwise a refresh would be
	// skipped while the cert is fine but the bound token has already
	// expired server-side.
	minVersion := uint16(tls.VersionTLS12)
	if e.identityToken != nil {
		minVersion = tls.VersionTLS13
		if !tokenExpiresAt.IsZero() && tokenExpiresAt.Before(expiresAt) {
			expiresAt = tokenExpiresAt
		}
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		RootCAs:      caPool,
		ServerName:   e.uri.CertCommonName(),
		MinVersion:   minVersion,
		// Standard hostname verification doesn't apply to these server
		// certificates; the dial package installs its own
		// VerifyPeerCertificate and disables the built-in check below.
		InsecureSkipVerify: true,
	}

	return &Result{
		Metadata:   md,
		ClientCert: chain,
		ClientKey:  e.key,
		TLSConfig:  tlsConfig,
		ExpiresAt:  expiresAt,
	}, nil
}

func buildTLSMaterial(
	chain *admin.ClientCertChain, key *rsa.PrivateKey, md *instance.Metadata,
) (tls.Certificate, *x509.CertPool, time.Time, error) {
	if len(chain.Chain) == 0 {
		return tls.Certificate{}, nil, time.Time{}, errtype.NewAdminPermanentError(
			"signed certificate chain was empty", "", nil,
		)
	}

	var pemChain []byte
	for _, c := range chain.Chain {
		pemChain = append(pemChain, c.PEM...)
		pemChain = append(pemChain, '\n')
	}
	keyPEM := encodeRSAKeyPEM(key)

	tlsCert, err := tls.X509KeyPair(pemChain, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, time.Time{}, err
	}

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, time.Time{}, err
	}
	tlsCert.Leaf = leaf

	caPool := x509.NewCertPool()
	for _, ca := range md.ServerCACerts() {
		caPool.AddCert(ca)
	}

	// The instance's signing CA issues both its server certificate and the
	// client certificate SignClientCert just returned; confirm the leaf
	// actually chains to that CA before trusting it, so a corrupted or
	// substituted admin API response is caught here rather than surfacing
	// as a confusing handshake failure later.
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:     caPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return tls.Certificate{}, nil, time.Time{}, errtype.NewAdminPermanentError(
			"signed client certificate does not chain to the instance's server CA", "", err,
		)
	}

	return tlsCert, caPool, leaf.NotAfter, nil
}

func encodeRSAKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}
