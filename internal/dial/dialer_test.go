package dial

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/pganalyze/dbconnector/instance"
	"github.com/pganalyze/dbconnector/internal/refresh"
)

// fakeServerConn pairs a net.Conn with the TLS material a fake Cloud-SQL-style
// proxy would present, letting tests drive both sides of a handshake over
// net.Pipe without touching a real socket.
func newFakeServer(t *testing.T, uri instance.URI, supportsExchange bool) (clientConn net.Conn, md *instance.Metadata, clientResult *refresh.Result) {
	t.Helper()
	ca, caKey := issueCA(t)
	serverLeaf, serverKey := issueLeaf(t, ca, caKey, uri.CertCommonName())
	clientLeaf, clientKey := issueLeaf(t, ca, caKey, "client-identity")

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	md, err := instance.NewMetadata(instance.MetadataParams{
		DatabaseEngine:           instance.Postgres,
		IPAddresses:              map[instance.IPKind]string{instance.PublicIP: "127.0.0.1"},
		ServerCACerts:            []*x509.Certificate{ca},
		SupportsMetadataExchange: supportsExchange,
	})
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}

	clientTLSCert := tls.Certificate{
		Certificate: [][]byte{clientLeaf.Raw},
		PrivateKey:  clientKey,
		Leaf:        clientLeaf,
	}
	clientResult = &refresh.Result{
		Metadata:  md,
		ClientKey: clientKey,
		ExpiresAt: time.Now().Add(time.Hour),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{clientTLSCert},
			RootCAs:      roots,
			ServerName:   uri.CertCommonName(),
			MinVersion:   tls.VersionTLS13,
		},
	}

	serverTLSCert := tls.Certificate{
		Certificate: [][]byte{serverLeaf.Raw},
		PrivateKey:  serverKey,
		Leaf:        serverLeaf,
	}
	serverTLSConfig := &tls.Config{
		Certificates: []tls.Certificate{serverTLSCert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS13,
	}

	clientSide, serverSide := net.Pipe()
	go func() {
		tlsServer := tls.Server(serverSide, serverTLSConfig)
		tlsServer.HandshakeContext(context.Background())
		if supportsExchange {
			var req metadataExchangeRequest
			if readFramed(tlsServer, &req) == nil {
				writeFramed(tlsServer, metadataExchangeResponse{OK: true})
			}
		}
	}()

	return clientSide, md, clientResult
}

func TestDialerDialSucceeds(t *testing.T) {
	uri := testDialURI(t)
	clientConn, _, result := newFakeServer(t, uri, false)

	dialer := NewDialer(WithDialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return clientConn, nil
	}))

	conn, err := dialer.Dial(context.Background(), uri, "127.0.0.1", result)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()
}

func TestDialerDialWithMetadataExchange(t *testing.T) {
	uri := testDialURI(t)
	clientConn, _, result := newFakeServer(t, uri, true)

	dialer := NewDialer(WithDialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return clientConn, nil
	}))

	conn, err := dialer.Dial(context.Background(), uri, "127.0.0.1", result)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()
}

func TestDialerDialFailsOnDialFuncError(t *testing.T) {
	uri := testDialURI(t)
	wantErr := net.UnknownNetworkError("boom")

	dialer := NewDialer(WithDialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, wantErr
	}))

	_, _, result := newFakeServer(t, uri, false)
	_, err := dialer.Dial(context.Background(), uri, "127.0.0.1", result)
	if err == nil {
		t.Fatal("expected Dial to surface the underlying DialFunc error")
	}
}
