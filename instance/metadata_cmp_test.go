package instance

import (
	"crypto/x509"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// metadataSnapshot lets cmp compare the logical content of two Metadata
// values field by field, since Metadata only exposes accessors rather than
// exported fields -- unlike reflect.DeepEqual, cmp.Diff here is over a
// projection of that accessor surface, not the unexported struct.
type metadataSnapshot struct {
	Engine     Engine
	Version    string
	IPs        map[IPKind]string
	DNSName    string
	CAMode     CAMode
	AutoIAM    bool
	MDExchange bool
}

func snapshotOf(md *Metadata) metadataSnapshot {
	ips := make(map[IPKind]string)
	for _, k := range []IPKind{PublicIP, PrivateIP, PSC} {
		if addr, ok := md.IPAddress(k); ok {
			ips[k] = addr
		}
	}
	return metadataSnapshot{
		Engine:     md.DatabaseEngine(),
		Version:    md.VersionString(),
		IPs:        ips,
		DNSName:    md.DNSName(),
		CAMode:     md.ServerCAMode(),
		AutoIAM:    md.SupportsAutoIamAuthN(),
		MDExchange: md.SupportsMetadataExchange(),
	}
}

func TestMetadataSnapshotsFromEquivalentParamsAreEqual(t *testing.T) {
	params := MetadataParams{
		DatabaseEngine: Postgres,
		VersionString:  "POSTGRES_15",
		IPAddresses:    map[IPKind]string{PublicIP: "203.0.113.5", PrivateIP: "10.0.0.5"},
		DNSName:        "db.example.com",
	}

	a, err := NewMetadata(params)
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}
	// Build the second Metadata from a fresh copy of the IPAddresses map so
	// this test also exercises that defensive copying doesn't affect
	// equality of the resulting snapshots.
	params.IPAddresses = map[IPKind]string{PublicIP: "203.0.113.5", PrivateIP: "10.0.0.5"}
	b, err := NewMetadata(params)
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}

	if diff := cmp.Diff(snapshotOf(a), snapshotOf(b)); diff != "" {
		t.Errorf("unexpected diff between equivalent Metadata snapshots:\n%s", diff)
	}
}

func TestMetadataSnapshotsDifferOnIPAddresses(t *testing.T) {
	a, _ := NewMetadata(MetadataParams{IPAddresses: map[IPKind]string{PublicIP: "1.2.3.4"}})
	b, _ := NewMetadata(MetadataParams{IPAddresses: map[IPKind]string{PublicIP: "5.6.7.8"}})

	if diff := cmp.Diff(snapshotOf(a), snapshotOf(b)); diff == "" {
		t.Error("expected a diff between Metadata with different advertised IPs")
	}
}

func TestServerCACertsDefensiveCopyIgnoredByCmp(t *testing.T) {
	ca := &x509.Certificate{Raw: []byte("placeholder-der")}
	md, err := NewMetadata(MetadataParams{
		IPAddresses:   map[IPKind]string{PublicIP: "1.2.3.4"},
		ServerCACerts: []*x509.Certificate{ca},
	})
	if err != nil {
		t.Fatalf("NewMetadata: %v", err)
	}

	// Two independent calls to ServerCACerts return defensively-copied
	// slices; cmp.Diff confirms both copies hold equal certificates.
	// cmpopts.EquateComparable is given no types here, so it adds no rule of
	// its own and the certificates are compared by content.
	first := md.ServerCACerts()
	second := md.ServerCACerts()
	if diff := cmp.Diff(first, second, cmpopts.EquateComparable()); diff != "" {
		t.Errorf("expected repeated ServerCACerts() calls to reference the same certs:\n%s", diff)
	}
}
