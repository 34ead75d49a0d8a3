// Package dial implements the TCP-connect-plus-TLS-handshake half of a
// connection: given a refresh.Result already holding a signed client
// certificate and trusted server CAs, it opens the socket, verifies the
// server's identity against the instance it expects to reach, and
// optionally exchanges the metadata-exchange preamble before handing the
// net.Conn back to the caller.
package dial

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pganalyze/dbconnector/errtype"
	"github.com/pganalyze/dbconnector/instance"
	"github.com/pganalyze/dbconnector/internal/debug"
	"github.com/pganalyze/dbconnector/internal/refresh"
)

// serverProxyPort is the fixed port the server-side proxy accepts
// connections on, regardless of which IP address family is used to reach
// it.
const serverProxyPort = "3307"

const defaultTCPKeepAlive = 30 * time.Second

// DialFunc opens the underlying network connection. Tests and callers with
// unusual network requirements (a SOCKS proxy, a custom resolver) can
// override it via WithDialFunc; the zero value uses (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer holds the handshake-time configuration shared across every Dial
// call: a logger, an identity-token source for the metadata exchange, and
// an overridable DialFunc.
type Dialer struct {
	dialFunc      DialFunc
	logger        debug.ContextLogger
	iamAuthN      bool
	identityToken refresh.IdentityTokenSource
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithDialFunc overrides the low-level connection function. This is the
// documented escape hatch for routing connections through something other
// than a direct TCP dial, e.g. a test harness or a corporate egress proxy.
func WithDialFunc(f DialFunc) Option {
	return func(d *Dialer) { d.dialFunc = f }
}

// WithLogger supplies a ContextLogger for dial-time log lines.
func WithLogger(l debug.ContextLogger) Option {
	return func(d *Dialer) { d.logger = l }
}

// WithIAMAuthN marks every dial as using automatic IAM database
// authentication, which changes the AuthType advertised during the
// metadata exchange.
func WithIAMAuthN(src refresh.IdentityTokenSource) Option {
	return func(d *Dialer) {
		d.iamAuthN = true
		d.identityToken = src
	}
}

// NewDialer builds a Dialer. Without WithDialFunc, it dials over plain TCP.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		logger: debug.Noop{},
		dialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			nd := &net.Dialer{KeepAlive: defaultTCPKeepAlive}
			return nd.DialContext(ctx, network, addr)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial opens a connection to uri's instance using addr (an IP address
// already selected from result.Metadata by the caller) and performs the TLS
// handshake plus, if the instance advertises support for it, the
// metadata-exchange preamble. The returned net.Conn is ready for the
// database wire protocol to take over.
func (d *Dialer) Dial(ctx context.Context, uri instance.URI, addr string, result *refresh.Result) (net.Conn, error) {
	hostPort := net.JoinHostPort(addr, serverProxyPort)
	d.logger.Debugf(ctx, "[%s] dialing %s", uri.String(), hostPort)

	conn, err := d.dialFunc(ctx, "tcp", hostPort)
	if err != nil {
		d.logger.Debugf(ctx, "[%s] dialing %s failed: %v", uri.String(), hostPort, err)
		return nil, errtype.NewHandshakeError("failed to open TCP connection", uri.String(), err)
	}

	dnsName := result.Metadata.DNSName()
	tlsConfig := withPeerVerifier(result.TLSConfig, uri, dnsName)

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		d.logger.Debugf(ctx, "[%s] TLS handshake failed: %v", uri.String(), err)
		return nil, classifyHandshakeErr(uri, err)
	}

	if result.Metadata.ServerCAMode() == instance.CustomerManagedCA {
		// A customer-managed CA binds the instance only through its dnsName
		// SAN; peerVerifier's CommonName fallback does not apply here.
		leaf := tlsConn.ConnectionState().PeerCertificates[0]
		if dnsName == "" || leaf.VerifyHostname(dnsName) != nil {
			_ = tlsConn.Close()
			return nil, errtype.NewPeerIdentityError(fmt.Sprintf(
				"customer-managed CA certificate does not carry dnsName %q as a SAN (SANs on cert: %v)",
				dnsName, leaf.DNSNames), uri.String())
		}
	}

	if result.Metadata.SupportsMetadataExchange() {
		token := ""
		if d.identityToken != nil {
			t, _, err := d.identityToken.Token(ctx)
			if err != nil {
				_ = tlsConn.Close()
				return nil, errtype.NewPermissionError("failed to obtain identity token for metadata exchange", uri.String(), err)
			}
			token = t
		}
		if err := doMetadataExchange(tlsConn, uri, d.iamAuthN, token); err != nil {
			_ = tlsConn.Close()
			return nil, err
		}
	}

	return tlsConn, nil
}

// classifyHandshakeErr re-wraps a TLS handshake error, preserving the
// PeerIdentity reason if VerifyPeerCertificate produced an *errtype.Error
// with it, otherwise falling back to a generic handshake failure.
func classifyHandshakeErr(uri instance.URI, err error) error {
	if e, ok := err.(*errtype.Error); ok {
		return e
	}
	if ue, ok := err.(interface{ Unwrap() error }); ok {
		if e, ok := ue.Unwrap().(*errtype.Error); ok {
			return e
		}
	}
	return errtype.NewHandshakeError("TLS handshake failed", uri.String(), err)
}
