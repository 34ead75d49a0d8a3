package dbconnector

import (
	"context"
	"net"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/pganalyze/dbconnector/admin"
	"github.com/pganalyze/dbconnector/instance"
	"github.com/pganalyze/dbconnector/internal/refresh"
)

// Option configures a Connector at construction time.
type Option func(*connectorConfig)

type connectorConfig struct {
	adminAPIEndpoint string
	universeDomain   string
	quotaProject     string
	userAgent        string
	ipKindPreference []instance.IPKind
	enableIAMAuthN   bool
	lazyRefresh      bool
	handshakeTimeout time.Duration
	refreshTimeout   time.Duration
	logger           ContextLogger
	tokenSource      oauth2.TokenSource
	dialFunc         DialFunc
}

func defaultConnectorConfig() connectorConfig {
	return connectorConfig{
		adminAPIEndpoint: admin.DefaultEndpoint,
		universeDomain:   "googleapis.com",
		userAgent:        "dbconnector/1.0",
		ipKindPreference: []instance.IPKind{instance.PublicIP},
		handshakeTimeout: 30 * time.Second,
		refreshTimeout:   refresh.DefaultRefreshTimeout,
		logger:           noopLogger{},
	}
}

// WithCredentialsTokenSource supplies the oauth2.TokenSource used to
// authenticate every admin API call. Without it, application default
// credentials are resolved via golang.org/x/oauth2/google when
// NewConnector runs.
func WithCredentialsTokenSource(ts oauth2.TokenSource) Option {
	return func(c *connectorConfig) { c.tokenSource = ts }
}

// WithAdminAPIEndpoint overrides the control-plane base URL.
func WithAdminAPIEndpoint(endpoint string) Option {
	return func(c *connectorConfig) { c.adminAPIEndpoint = endpoint }
}

// WithUniverseDomain overrides the API universe domain used both to
// validate explicit domain-scoped instance URIs and as the default when a
// URI carries no domain segment.
func WithUniverseDomain(domain string) Option {
	return func(c *connectorConfig) { c.universeDomain = domain }
}

// WithQuotaProject sets the billing/quota project sent on every admin API
// request.
func WithQuotaProject(project string) Option {
	return func(c *connectorConfig) { c.quotaProject = project }
}

// WithUserAgent sets the User-Agent header sent on every admin API request.
// It replaces the default "dbconnector/1.0"; it does not append to it. The
// metadata exchange always advertises "dbconnector/1.0" and does not use
// this value.
func WithUserAgent(ua string) Option {
	return func(c *connectorConfig) { c.userAgent = ua }
}

// WithIPKindPreference sets the ordered address-family preference used to
// select a connect address from an instance's advertised IPs.
func WithIPKindPreference(pref ...instance.IPKind) Option {
	return func(c *connectorConfig) { c.ipKindPreference = pref }
}

// WithIAMAuthN enables automatic IAM database authentication: every signed
// client certificate is bound to the identity behind the Connector's
// credentials, and the metadata exchange advertises AUTO_IAM instead of
// DB_NATIVE.
func WithIAMAuthN() Option {
	return func(c *connectorConfig) { c.enableIAMAuthN = true }
}

// WithLazyRefresh selects the on-demand refresh strategy (internal/refresh's
// LazyEntry) instead of the default refresh-ahead strategy. Lazy refresh
// suits callers that dial rarely enough that a background refresh
// goroutine per instance would mostly spend admin API quota for no benefit,
// e.g. serverless functions.
func WithLazyRefresh() Option {
	return func(c *connectorConfig) { c.lazyRefresh = true }
}

// WithHandshakeTimeout bounds how long one Dial call may spend on the TCP
// connect plus TLS handshake, not including any time spent waiting on a
// refresh.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *connectorConfig) { c.handshakeTimeout = d }
}

// WithRefreshTimeout bounds how long a single refresh operation (admin API
// metadata fetch plus cert signing) may run before it's treated as failed.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *connectorConfig) { c.refreshTimeout = d }
}

// WithLogger supplies a ContextLogger for refresh- and dial-lifecycle log
// lines. Without it, log lines are discarded.
func WithLogger(l ContextLogger) Option {
	return func(c *connectorConfig) { c.logger = l }
}

// DialFunc opens the underlying network connection for Dial. It mirrors
// internal/dial.DialFunc so callers configuring a Connector don't need to
// import the internal package directly.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// WithDialFunc overrides the low-level connection function used by every
// Dial call. This is the documented escape hatch for routing connections
// through something other than a direct TCP dial.
func WithDialFunc(f DialFunc) Option {
	return func(c *connectorConfig) { c.dialFunc = f }
}

// DialOption configures a single Dial call, layered on top of the
// Connector's Options.
type DialOption func(*dialConfig)

type dialConfig struct {
	ipKindPreference []instance.IPKind
}

// WithDialIPKindPreference overrides the Connector's IP kind preference for
// one Dial call.
func WithDialIPKindPreference(pref ...instance.IPKind) DialOption {
	return func(c *dialConfig) { c.ipKindPreference = pref }
}

// defaultTokenSource resolves application default credentials the way
// google.FindDefaultCredentials does, scoped to the Cloud SQL Admin API.
func defaultTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/sqlservice.admin")
	if err != nil {
		return nil, err
	}
	return creds.TokenSource, nil
}
