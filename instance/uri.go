// Package instance holds the canonical identifier and metadata types shared
// between the admin client adapter, the refresh engine, and the dialer.
package instance

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/pganalyze/dbconnector/errtype"
)

// defaultUniverseDomain is the API universe used when a URI carries no
// explicit domain segment.
const defaultUniverseDomain = "googleapis.com"

// URI is the canonical identifier for a managed database instance:
// {project, region, instanceName}, plus the API universe domain the URI was
// resolved against. Equality is on the canonical triple plus the effective
// domain, not on the textual form the caller supplied.
type URI struct {
	project string
	region  string
	name    string
	domain  string
}

// Project returns the project ID segment of the URI.
func (u URI) Project() string { return u.project }

// Region returns the region segment of the URI.
func (u URI) Region() string { return u.region }

// Name returns the instance name segment of the URI.
func (u URI) Name() string { return u.name }

// Domain returns the effective API universe domain for this URI.
func (u URI) Domain() string { return u.domain }

// String renders the canonical three-segment form, project:region:name. It
// omits the domain. Server certificates carry a different form in their
// Subject.CommonName, project:name (see CertCommonName).
func (u URI) String() string {
	return fmt.Sprintf("%s:%s:%s", u.project, u.region, u.name)
}

// CertCommonName returns the exact Subject.CommonName a Google-managed-CA
// leaf certificate is expected to carry for this instance: "project:name".
// Note this intentionally omits the region, matching the real server
// certificate format.
func (u URI) CertCommonName() string {
	return fmt.Sprintf("%s:%s", u.project, u.name)
}

// Equal reports whether two URIs name the same instance in the same API
// universe.
func (u URI) Equal(other URI) bool {
	return u.project == other.project &&
		u.region == other.region &&
		u.name == other.name &&
		u.domain == other.domain
}

// ParseOption configures Parse.
type ParseOption func(*parseConfig)

type parseConfig struct {
	universeDomain string
}

// WithUniverseDomain overrides the default API universe domain used when
// the textual URI carries no explicit domain segment, and is used to
// validate that an explicit domain segment matches the caller's configured
// universe.
func WithUniverseDomain(domain string) ParseOption {
	return func(c *parseConfig) { c.universeDomain = domain }
}

// Parse turns a textual instance URI into its canonical form. Two textual
// forms are accepted directly:
//
//	project:region:instance
//	domain:project:region:instance
//
// A bare DNS-style name (no colons) is not resolved here -- resolving it to
// a canonical triple requires a metadata lookup against the admin API,
// which the Connector performs before ever calling Parse on a DNS name (see
// IsDNSName).
func Parse(raw string, opts ...ParseOption) (URI, error) {
	cfg := parseConfig{universeDomain: defaultUniverseDomain}
	for _, o := range opts {
		o(&cfg)
	}

	segments := strings.Split(raw, ":")
	switch len(segments) {
	case 3:
		u := URI{
			project: segments[0],
			region:  segments[1],
			name:    segments[2],
			domain:  cfg.universeDomain,
		}
		return u, nil
	case 4:
		domain := segments[0]
		if cfg.universeDomain != defaultUniverseDomain && domain != cfg.universeDomain {
			return URI{}, errtype.NewConfigError(
				fmt.Sprintf(
					"instance URI universe domain %q does not match configured universe domain %q",
					domain, cfg.universeDomain,
				),
				raw,
			)
		}
		u := URI{
			project: segments[1],
			region:  segments[2],
			name:    segments[3],
			domain:  domain,
		}
		return u, nil
	default:
		return URI{}, errtype.NewConfigError(
			"invalid instance URI, expected \"project:region:instance\" or "+
				"\"domain:project:region:instance\"",
			raw,
		)
	}
}

// IsDNSName reports whether raw looks like a DNS-style instance name (no
// colons) rather than one of the colon-separated canonical forms.
func IsDNSName(raw string) bool {
	return !strings.Contains(raw, ":")
}

// IPKind enumerates the advertised address families an instance may expose.
type IPKind int

const (
	// PublicIP designates the instance's internet-routable address.
	PublicIP IPKind = iota
	// PrivateIP designates the instance's VPC-internal address.
	PrivateIP
	// PSC designates a Private Service Connect endpoint.
	PSC
)

func (k IPKind) String() string {
	switch k {
	case PublicIP:
		return "PUBLIC"
	case PrivateIP:
		return "PRIVATE"
	case PSC:
		return "PSC"
	default:
		return "UNKNOWN"
	}
}

// ParseIPKind parses the textual form used in configuration
// (case-insensitive).
func ParseIPKind(s string) (IPKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PUBLIC":
		return PublicIP, nil
	case "PRIVATE":
		return PrivateIP, nil
	case "PSC":
		return PSC, nil
	default:
		return 0, errtype.NewConfigError(fmt.Sprintf("unknown IP kind %q", s), "")
	}
}

// Engine enumerates the supported database engines advertised by an
// instance.
type Engine int

const (
	// EngineUnknown is the zero value, used when the admin API reports an
	// engine this module doesn't recognize.
	EngineUnknown Engine = iota
	MySQL
	Postgres
	SQLServer
)

func (e Engine) String() string {
	switch e {
	case MySQL:
		return "MYSQL"
	case Postgres:
		return "POSTGRES"
	case SQLServer:
		return "SQLSERVER"
	default:
		return "UNKNOWN"
	}
}

// CAMode enumerates who issues and rotates an instance's server CA.
type CAMode int

const (
	// GoogleManagedCA is the default CA mode; leaf certificates are
	// verified via Subject.CommonName matching "project:instance".
	GoogleManagedCA CAMode = iota
	// CustomerManagedCA requires SAN-based dnsName matching instead of a CN
	// check.
	CustomerManagedCA
)

// Metadata describes an instance as reported by the admin API. It is
// immutable once constructed; none of its fields, including the
// ServerCACerts slice contents, are mutated after NewMetadata returns.
type Metadata struct {
	databaseEngine           Engine
	versionString            string
	ipAddresses              map[IPKind]string
	dnsName                  string
	serverCACerts            []*x509.Certificate
	serverCAMode             CAMode
	supportsAutoIamAuthN     bool
	supportsMetadataExchange bool
}

// MetadataParams groups the constructor arguments for NewMetadata.
type MetadataParams struct {
	DatabaseEngine           Engine
	VersionString            string
	IPAddresses              map[IPKind]string
	DNSName                  string
	ServerCACerts            []*x509.Certificate
	ServerCAMode             CAMode
	SupportsAutoIamAuthN     bool
	SupportsMetadataExchange bool
}

// NewMetadata builds an immutable Metadata value. The IPAddresses map and
// ServerCACerts slice are copied defensively so later mutation by the
// caller can't reach back into the stored value.
func NewMetadata(p MetadataParams) (*Metadata, error) {
	if len(p.IPAddresses) == 0 {
		return nil, errtype.NewAdminPermanentError(
			"instance metadata advertised no IP addresses", "", nil,
		)
	}
	ips := make(map[IPKind]string, len(p.IPAddresses))
	for k, v := range p.IPAddresses {
		ips[k] = v
	}
	caCerts := make([]*x509.Certificate, len(p.ServerCACerts))
	copy(caCerts, p.ServerCACerts)

	return &Metadata{
		databaseEngine:           p.DatabaseEngine,
		versionString:            p.VersionString,
		ipAddresses:              ips,
		dnsName:                  p.DNSName,
		serverCACerts:            caCerts,
		serverCAMode:             p.ServerCAMode,
		supportsAutoIamAuthN:     p.SupportsAutoIamAuthN,
		supportsMetadataExchange: p.SupportsMetadataExchange,
	}, nil
}

func (m *Metadata) DatabaseEngine() Engine     { return m.databaseEngine }
func (m *Metadata) VersionString() string      { return m.versionString }
func (m *Metadata) DNSName() string            { return m.dnsName }
func (m *Metadata) ServerCAMode() CAMode       { return m.serverCAMode }
func (m *Metadata) SupportsAutoIamAuthN() bool { return m.supportsAutoIamAuthN }

// SupportsMetadataExchange reports whether this instance advertises the
// second-generation metadata-exchange preamble (see the dial package). A
// false value, including for instances predating the capability, is the
// safe default: no preamble is attempted.
func (m *Metadata) SupportsMetadataExchange() bool { return m.supportsMetadataExchange }

// ServerCACerts returns a defensive copy of the trust anchors for this
// instance's server certificates.
func (m *Metadata) ServerCACerts() []*x509.Certificate {
	out := make([]*x509.Certificate, len(m.serverCACerts))
	copy(out, m.serverCACerts)
	return out
}

// IPAddress returns the advertised address for the given kind, if any.
func (m *Metadata) IPAddress(kind IPKind) (string, bool) {
	addr, ok := m.ipAddresses[kind]
	return addr, ok
}

// SelectIPAddress applies an ordered preference list against the advertised
// addresses, returning the first kind in preference that the instance
// actually advertises.
func (m *Metadata) SelectIPAddress(preference []IPKind, uriForError string) (string, error) {
	if len(preference) == 0 {
		return "", errtype.NewConfigError("IP kind preference list is empty", uriForError)
	}
	for _, kind := range preference {
		if addr, ok := m.ipAddresses[kind]; ok {
			return addr, nil
		}
	}
	return "", errtype.NewConfigError(
		fmt.Sprintf("instance has no advertised IP matching preference %v", preference),
		uriForError,
	)
}
