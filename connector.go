// Package dbconnector dials managed database instances over mutual TLS,
// fetching and rotating the client certificate and server trust anchors
// needed to do so from a Cloud-SQL-Admin-style control plane. See Connector
// and NewConnector.
package dbconnector

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pganalyze/dbconnector/admin"
	"github.com/pganalyze/dbconnector/errtype"
	"github.com/pganalyze/dbconnector/instance"
	"github.com/pganalyze/dbconnector/internal/dial"
	"github.com/pganalyze/dbconnector/internal/refresh"
)

// connectionEntry is the subset of InstanceEntry's and LazyEntry's methods
// Connector depends on, so it can hold either refresh strategy behind one
// interface.
type connectionEntry interface {
	URI() instance.URI
	GetConnectionInfo(ctx context.Context) (*refresh.Result, error)
	ForceInvalidate(stale *refresh.Result)
	Close() error
}

// Connector holds the long-lived state for dialing one or more managed
// database instances: a shared admin API client, a shared client identity
// keypair, a shared rate limiter, and one refresh entry per distinct
// instance URI it has ever been asked to dial. A Connector is safe for
// concurrent use and is meant to be constructed once per process (or per
// logical credential set) and reused across every Dial call.
type Connector struct {
	// id distinguishes one Connector's debug log lines from another's when
	// several are constructed in the same process.
	id uuid.UUID

	cfg    connectorConfig
	client admin.Client

	keyProvider *refresh.KeyProvider
	limiter     *refresh.RateLimiter
	dialer      *dial.Dialer

	mu      sync.Mutex
	entries map[instance.URI]connectionEntry
	closed  bool

	creation singleflight.Group
}

// ID returns the Connector's process-unique identifier, useful for
// correlating log lines or metrics across several Connectors in the same
// process.
func (c *Connector) ID() string { return c.id.String() }

// NewConnector builds a Connector. If no token source is supplied via
// WithCredentialsTokenSource, application default credentials are resolved
// immediately, the same way the teacher's own database connections resolve
// credentials eagerly at startup rather than on first use.
func NewConnector(ctx context.Context, opts ...Option) (*Connector, error) {
	cfg := defaultConnectorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.tokenSource == nil {
		ts, err := defaultTokenSource(ctx)
		if err != nil {
			return nil, errtype.NewPermissionError("failed to resolve application default credentials", "", err)
		}
		cfg.tokenSource = ts
	}
	identitySource := oauth2IdentityTokenSource{ts: cfg.tokenSource}

	client := admin.NewHTTPClient(
		func(ctx context.Context) (string, error) {
			t, _, err := identitySource.Token(ctx)
			return t, err
		},
		admin.WithEndpoint(cfg.adminAPIEndpoint),
		admin.WithQuotaProject(cfg.quotaProject),
		admin.WithUserAgent(cfg.userAgent),
	)

	keyProvider, err := refresh.NewKeyProvider()
	if err != nil {
		return nil, errtype.NewConfigError(fmt.Sprintf("failed to generate client identity keypair: %v", err), "")
	}

	var dialOpts []dial.Option
	dialOpts = append(dialOpts, dial.WithLogger(cfg.logger))
	if cfg.enableIAMAuthN {
		dialOpts = append(dialOpts, dial.WithIAMAuthN(identitySource))
	}
	if cfg.dialFunc != nil {
		dialOpts = append(dialOpts, dial.WithDialFunc(dial.DialFunc(cfg.dialFunc)))
	}

	return &Connector{
		id:          uuid.New(),
		cfg:         cfg,
		client:      client,
		keyProvider: keyProvider,
		limiter:     refresh.NewRateLimiter(),
		dialer:      dial.NewDialer(dialOpts...),
		entries:     make(map[instance.URI]connectionEntry),
	}, nil
}

// Connect resolves rawURI (either a "project:region:instance" style name or
// a DNS-style name, see instance.Parse and instance.IsDNSName), ensures a
// refresh entry exists for it, and dials it. The returned net.Conn carries
// mutual TLS already negotiated; the caller is responsible for speaking
// whatever database wire protocol comes next.
func (c *Connector) Connect(ctx context.Context, rawURI string, opts ...DialOption) (net.Conn, error) {
	uri, err := c.resolveURI(ctx, rawURI)
	if err != nil {
		return nil, err
	}

	entry, err := c.getOrCreateEntry(uri)
	if err != nil {
		return nil, err
	}

	result, err := entry.GetConnectionInfo(ctx)
	if err != nil {
		return nil, err
	}

	if c.cfg.enableIAMAuthN {
		if err := checkIAMAuthNSupported(uri, result.Metadata); err != nil {
			return nil, err
		}
	}

	dcfg := dialConfig{ipKindPreference: c.cfg.ipKindPreference}
	for _, opt := range opts {
		opt(&dcfg)
	}
	addr, err := result.Metadata.SelectIPAddress(dcfg.ipKindPreference, uri.String())
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.handshakeTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dialCtx, uri, addr, result)
	if err != nil {
		// The failure may have been caused by a server-side rotation this
		// entry hasn't caught up with yet; invalidate so the next attempt
		// gets fresh material. This mirrors the refresh-on-dial-failure
		// behavior in the vendored reference dialer.
		entry.ForceInvalidate(result)
		return nil, err
	}
	return conn, nil
}

// Close stops every instance entry's refresh activity. It does not close
// connections already returned by Connect.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for _, e := range c.entries {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// checkIAMAuthNSupported rejects automatic IAM database authentication
// against instances that can't serve it: SQL Server never supports it, and
// an instance advertises supportsAutoIamAuthN itself for every other engine.
func checkIAMAuthNSupported(uri instance.URI, md *instance.Metadata) error {
	if md.DatabaseEngine() == instance.SQLServer {
		return errtype.NewConfigError(
			"automatic IAM database authentication is not supported on SQL Server instances", uri.String(),
		)
	}
	if !md.SupportsAutoIamAuthN() {
		return errtype.NewConfigError(
			"automatic IAM database authentication was requested but this instance does not support it", uri.String(),
		)
	}
	return nil
}

func (c *Connector) resolveURI(ctx context.Context, rawURI string) (instance.URI, error) {
	if !instance.IsDNSName(rawURI) {
		return instance.Parse(rawURI, instance.WithUniverseDomain(c.cfg.universeDomain))
	}
	return c.client.ResolveDNSName(ctx, rawURI)
}

func (c *Connector) getOrCreateEntry(uri instance.URI) (connectionEntry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errtype.NewClosedError(uri.String())
	}
	if e, ok := c.entries[uri]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	// Concurrent Connect calls for a brand-new instance shouldn't each
	// construct (and start refreshing) their own entry; singleflight
	// collapses them onto one creation.
	v, err, _ := c.creation.Do(uri.String(), func() (any, error) {
		c.mu.Lock()
		if e, ok := c.entries[uri]; ok {
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		entry := c.newEntry(uri)
		c.cfg.logger.Debugf(context.Background(), "[connector %s] registered new entry for %s", c.id, uri.String())

		c.mu.Lock()
		c.entries[uri] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(connectionEntry), nil
}

func (c *Connector) newEntry(uri instance.URI) connectionEntry {
	identitySource := oauth2IdentityTokenSource{ts: c.cfg.tokenSource}

	if c.cfg.lazyRefresh {
		var lazyOpts []refresh.LazyOption
		lazyOpts = append(lazyOpts, refresh.WithLazyLogger(c.cfg.logger))
		if c.cfg.enableIAMAuthN {
			lazyOpts = append(lazyOpts, refresh.WithLazyIdentityTokenSource(identitySource))
		}
		return refresh.NewLazyEntry(uri, c.client, c.keyProvider.Key(), c.limiter, lazyOpts...)
	}

	var entryOpts []refresh.Option
	entryOpts = append(entryOpts,
		refresh.WithLogger(c.cfg.logger),
		refresh.WithRefreshTimeout(c.cfg.refreshTimeout),
	)
	if c.cfg.enableIAMAuthN {
		entryOpts = append(entryOpts, refresh.WithIdentityTokenSource(identitySource))
	}
	return refresh.NewInstanceEntry(uri, c.client, c.keyProvider.Key(), c.limiter, entryOpts...)
}
