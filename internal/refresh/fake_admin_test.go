package refresh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/pganalyze/dbconnector/admin"
	"github.com/pganalyze/dbconnector/instance"
)

// fakeAdminClient is a minimal admin.Client backed by a self-signed CA, so
// tests can exercise real certificate assembly (tls.X509KeyPair,
// x509.ParseCertificate) without a network round-trip.
type fakeAdminClient struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	certLifetime time.Duration
	ipAddresses  map[instance.IPKind]string
	dnsName      string

	mdErr     error
	certErr   error
	calls     atomic.Int32
	lastToken string
}

func newFakeAdminClient() *fakeAdminClient {
	caKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fake-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, _ := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	caCert, _ := x509.ParseCertificate(der)

	return &fakeAdminClient{
		caCert:       caCert,
		caKey:        caKey,
		certLifetime: time.Hour,
		ipAddresses:  map[instance.IPKind]string{instance.PublicIP: "203.0.113.10"},
	}
}

func (f *fakeAdminClient) GetInstanceMetadata(ctx context.Context, uri instance.URI) (*instance.Metadata, error) {
	f.calls.Add(1)
	if f.mdErr != nil {
		return nil, f.mdErr
	}
	return instance.NewMetadata(instance.MetadataParams{
		DatabaseEngine: instance.Postgres,
		IPAddresses:    f.ipAddresses,
		DNSName:        f.dnsName,
		ServerCACerts:  []*x509.Certificate{f.caCert},
	})
}

func (f *fakeAdminClient) SignClientCert(
	ctx context.Context, uri instance.URI, publicKey *rsa.PublicKey, identityToken string,
) (*admin.ClientCertChain, error) {
	f.lastToken = identityToken
	if f.certErr != nil {
		return nil, f.certErr
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: uri.CertCommonName()},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(f.certLifetime),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, f.caCert, publicKey, f.caKey)
	if err != nil {
		return nil, err
	}
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return &admin.ClientCertChain{Chain: []*admin.CertPEM{{PEM: leafPEM}}}, nil
}

func (f *fakeAdminClient) ResolveDNSName(ctx context.Context, dnsName string) (instance.URI, error) {
	return instance.Parse("my-project:us-central1:my-instance")
}

var _ admin.Client = (*fakeAdminClient)(nil)
