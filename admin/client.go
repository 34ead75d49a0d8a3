// Package admin defines the abstract control-plane client the refresh
// engine depends on, plus a concrete adapter over a Cloud SQL Admin-style
// HTTP/JSON API. The refresh engine never talks HTTP directly; it only
// calls the Client interface, which keeps the engine testable against a
// fake and keeps the wire format an implementation detail of this package.
package admin

import (
	"context"
	"crypto/rsa"

	"github.com/pganalyze/dbconnector/instance"
)

// Client abstracts the two remote operations the refresh engine needs.
// Both operations may be implemented as a single batched remote call; the
// engine issues them concurrently and joins, so Client implementations are
// free to share a connection pool or in-flight request between the two.
type Client interface {
	// GetInstanceMetadata fetches the instance's advertised IP addresses,
	// database engine, server CA chain, and capability flags.
	GetInstanceMetadata(ctx context.Context, uri instance.URI) (*instance.Metadata, error)

	// SignClientCert has the instance's CA sign publicKey, binding it to
	// the caller's identity. When identityToken is non-empty, the server
	// embeds its associated principal as the certificate's Common Name;
	// callers that pass a token must also track that token's expiry
	// themselves, since SignClientCert has no way to report it back.
	SignClientCert(ctx context.Context, uri instance.URI, publicKey *rsa.PublicKey, identityToken string) (*ClientCertChain, error)

	// ResolveDNSName looks up the canonical {project, region, instance}
	// triple for a DNS-style instance name. It's only called when the
	// caller dials a bare DNS name rather than one of the colon-separated
	// URI forms.
	ResolveDNSName(ctx context.Context, dnsName string) (instance.URI, error)
}

// ClientCertChain is the signed certificate chain returned by
// SignClientCert: the leaf client certificate issued by the instance CA,
// plus any intermediates, as an ordered tls.Certificate-ready chain.
type ClientCertChain struct {
	// Chain holds the PEM-encoded leaf certificate followed by any
	// intermediates, in the order a TLS client certificate chain expects.
	Chain []*CertPEM
}

// CertPEM is a single PEM-encoded certificate block.
type CertPEM struct {
	PEM []byte
}
