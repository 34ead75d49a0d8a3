package dbconnector

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/pganalyze/dbconnector/errtype"
	"github.com/pganalyze/dbconnector/instance"
)

type staticTokenSource struct{ token string }

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token, Expiry: time.Now().Add(time.Hour)}, nil
}

// testFixture wires a fake admin API (httptest.Server) and a fake
// Cloud-SQL-style TLS proxy (a real TCP listener) backed by the same CA, so
// Connector.Connect can be exercised end to end without a real network
// dependency.
type testFixture struct {
	adminSrv *httptest.Server
	listener net.Listener
	ca       *x509.Certificate
	caKey    *rsa.PrivateKey

	// supportsIAM controls whether the fake admin API advertises automatic
	// IAM database authentication support for the instance. Read directly
	// by the metadata handler, so tests can flip it after construction.
	supportsIAM bool
	engine      string
}

func newTestFixture(t *testing.T, uri instance.URI) *testFixture {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("CreateCertificate(ca): %v", err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("ParseCertificate(ca): %v", err)
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})

	serverTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: uri.CertCommonName()},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey(server): %v", err)
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTmpl, ca, &serverKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("CreateCertificate(server): %v", err)
	}
	serverLeaf, err := x509.ParseCertificate(serverDER)
	if err != nil {
		t.Fatalf("ParseCertificate(server): %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	serverTLSConfig := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{serverDER},
			PrivateKey:  serverKey,
			Leaf:        serverLeaf,
		}},
		MinVersion: tls.VersionTLS13,
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go tls.Server(conn, serverTLSConfig).HandshakeContext(context.Background())
		}
	}()

	fx := &testFixture{listener: listener, ca: ca, caKey: caKey, engine: "POSTGRES_14"}

	mux := http.NewServeMux()
	metadataPath := fmt.Sprintf("/sql/v1beta4/projects/%s/instances/%s", uri.Project(), uri.Name())
	mux.HandleFunc(metadataPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"databaseVersion": fx.engine,
			"ipAddresses": []map[string]string{
				{"type": "PRIMARY", "ipAddress": "127.0.0.1"},
			},
			"serverCaCert": map[string]string{"cert": string(caPEM)},
			"settings.databaseFlags.autoIamAuthN": fx.supportsIAM,
		})
	})
	mux.HandleFunc(metadataPath+"/createEphemeral", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PublicKey string `json:"public_key"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		block, _ := pem.Decode([]byte(req.PublicKey))
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		leafTmpl := &x509.Certificate{
			SerialNumber: big.NewInt(3),
			Subject:      pkix.Name{CommonName: uri.CertCommonName()},
			NotBefore:    time.Now().Add(-time.Minute),
			NotAfter:     time.Now().Add(time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, pub, caKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		json.NewEncoder(w).Encode(map[string]any{
			"clientCert": map[string]string{"cert": string(leafPEM)},
		})
	})

	fx.adminSrv = httptest.NewServer(mux)
	return fx
}

func (f *testFixture) redialToListener() DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", f.listener.Addr().String())
	}
}

func TestConnectorConnectSucceeds(t *testing.T) {
	uri, _ := instance.Parse("my-project:us-central1:my-instance")
	f := newTestFixture(t, uri)
	defer f.adminSrv.Close()

	connector, err := NewConnector(context.Background(),
		WithCredentialsTokenSource(staticTokenSource{token: "test-token"}),
		WithAdminAPIEndpoint(f.adminSrv.URL),
		WithDialFunc(f.redialToListener()),
	)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}
	defer connector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connector.Connect(ctx, uri.String())
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer conn.Close()
}

func TestConnectorReusesEntryAcrossConnects(t *testing.T) {
	uri, _ := instance.Parse("my-project:us-central1:my-instance")
	f := newTestFixture(t, uri)
	defer f.adminSrv.Close()

	var metadataCalls int
	origHandler := f.adminSrv.Config.Handler
	f.adminSrv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && !strings.Contains(r.URL.Path, "createEphemeral") {
			metadataCalls++
		}
		origHandler.ServeHTTP(w, r)
	})

	connector, err := NewConnector(context.Background(),
		WithCredentialsTokenSource(staticTokenSource{token: "test-token"}),
		WithAdminAPIEndpoint(f.adminSrv.URL),
		WithDialFunc(f.redialToListener()),
	)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}
	defer connector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		conn, err := connector.Connect(ctx, uri.String())
		if err != nil {
			t.Fatalf("Connect call %d returned error: %v", i, err)
		}
		conn.Close()
	}

	if metadataCalls != 1 {
		t.Errorf("admin metadata endpoint called %d times across 3 Connect calls to the same instance, want 1", metadataCalls)
	}
}

func TestConnectorLazyRefreshStrategy(t *testing.T) {
	uri, _ := instance.Parse("my-project:us-central1:my-instance")
	f := newTestFixture(t, uri)
	defer f.adminSrv.Close()

	connector, err := NewConnector(context.Background(),
		WithCredentialsTokenSource(staticTokenSource{token: "test-token"}),
		WithAdminAPIEndpoint(f.adminSrv.URL),
		WithDialFunc(f.redialToListener()),
		WithLazyRefresh(),
	)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}
	defer connector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := connector.Connect(ctx, uri.String())
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	conn.Close()
}

func TestConnectorConnectAppliesHandshakeTimeout(t *testing.T) {
	uri, _ := instance.Parse("my-project:us-central1:my-instance")
	f := newTestFixture(t, uri)
	defer f.adminSrv.Close()

	blockingDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	connector, err := NewConnector(context.Background(),
		WithCredentialsTokenSource(staticTokenSource{token: "test-token"}),
		WithAdminAPIEndpoint(f.adminSrv.URL),
		WithDialFunc(blockingDial),
		WithHandshakeTimeout(100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}
	defer connector.Close()

	start := time.Now()
	// The caller's own context has no deadline; only the configured
	// handshake timeout should bound how long Connect blocks.
	_, err = connector.Connect(context.Background(), uri.String())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected Connect to fail against a dial func that never returns")
	}
	if elapsed > 5*time.Second {
		t.Errorf("Connect took %v to fail, want it bounded by the 100ms handshake timeout", elapsed)
	}
}

func TestConnectorConnectRejectsIAMAuthNOnSQLServer(t *testing.T) {
	uri, _ := instance.Parse("my-project:us-central1:my-instance")
	f := newTestFixture(t, uri)
	f.engine = "SQLSERVER_2019_STANDARD"
	f.supportsIAM = true
	defer f.adminSrv.Close()

	connector, err := NewConnector(context.Background(),
		WithCredentialsTokenSource(staticTokenSource{token: "test-token"}),
		WithAdminAPIEndpoint(f.adminSrv.URL),
		WithDialFunc(f.redialToListener()),
		WithIAMAuthN(),
	)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}
	defer connector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = connector.Connect(ctx, uri.String())
	if err == nil {
		t.Fatal("expected Connect to reject IAM authn on a SQL Server instance")
	}
	if !errtype.IsKind(err, errtype.KindConfigurationInvalid) {
		t.Errorf("Connect returned %v, want an errtype.KindConfigurationInvalid error", err)
	}
}

func TestConnectorConnectRejectsIAMAuthNWhenInstanceDoesNotSupportIt(t *testing.T) {
	uri, _ := instance.Parse("my-project:us-central1:my-instance")
	f := newTestFixture(t, uri)
	f.supportsIAM = false
	defer f.adminSrv.Close()

	connector, err := NewConnector(context.Background(),
		WithCredentialsTokenSource(staticTokenSource{token: "test-token"}),
		WithAdminAPIEndpoint(f.adminSrv.URL),
		WithDialFunc(f.redialToListener()),
		WithIAMAuthN(),
	)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}
	defer connector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = connector.Connect(ctx, uri.String())
	if err == nil {
		t.Fatal("expected Connect to reject IAM authn on an instance that doesn't support it")
	}
	if !errtype.IsKind(err, errtype.KindConfigurationInvalid) {
		t.Errorf("Connect returned %v, want an errtype.KindConfigurationInvalid error", err)
	}
}

func TestConnectorIDIsUniquePerInstance(t *testing.T) {
	uri, _ := instance.Parse("my-project:us-central1:my-instance")
	f := newTestFixture(t, uri)
	defer f.adminSrv.Close()

	opts := []Option{
		WithCredentialsTokenSource(staticTokenSource{token: "test-token"}),
		WithAdminAPIEndpoint(f.adminSrv.URL),
		WithDialFunc(f.redialToListener()),
	}
	a, err := NewConnector(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}
	defer a.Close()
	b, err := NewConnector(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}
	defer b.Close()

	if a.ID() == "" || b.ID() == "" {
		t.Fatal("expected a non-empty Connector ID")
	}
	if a.ID() == b.ID() {
		t.Error("expected two Connectors to have distinct IDs")
	}
}

func TestConnectorCloseRejectsFurtherConnects(t *testing.T) {
	uri, _ := instance.Parse("my-project:us-central1:my-instance")
	f := newTestFixture(t, uri)
	defer f.adminSrv.Close()

	connector, err := NewConnector(context.Background(),
		WithCredentialsTokenSource(staticTokenSource{token: "test-token"}),
		WithAdminAPIEndpoint(f.adminSrv.URL),
		WithDialFunc(f.redialToListener()),
	)
	if err != nil {
		t.Fatalf("NewConnector returned error: %v", err)
	}

	if err := connector.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if _, err := connector.Connect(context.Background(), uri.String()); err == nil {
		t.Error("expected Connect to fail after Close")
	}
}
