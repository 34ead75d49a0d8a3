package refresh

import (
	"crypto/rsa"
	"crypto/tls"
	"time"

	"github.com/pganalyze/dbconnector/admin"
	"github.com/pganalyze/dbconnector/instance"
)

// Result bundles everything one refresh operation produces: the instance
// metadata, the signed client certificate chain and the key it was bound to,
// a ready-to-use tls.Config built from both, and the moment the chain
// expires. It is built once by fetch and never mutated afterward; every
// field is safe to read concurrently from as many goroutines as hold a
// reference to it.
//
// Go's garbage collector retires a Result the moment its last reference
// drops, so unlike a refcounted value this type carries no Retain/Release
// pair -- InstanceEntry simply swaps the pointer it hands out.
type Result struct {
	Metadata   *instance.Metadata
	ClientCert *admin.ClientCertChain
	ClientKey  *rsa.PrivateKey
	TLSConfig  *tls.Config
	ExpiresAt  time.Time
}

// ExpiresWithin reports whether the certificate chain backing this Result
// will have expired by the given instant.
func (r *Result) ExpiresWithin(t time.Time) bool {
	return !r.ExpiresAt.After(t)
}
