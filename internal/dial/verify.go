package dial

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/pganalyze/dbconnector/errtype"
	"github.com/pganalyze/dbconnector/instance"
)

// peerVerifier builds a tls.Config.VerifyPeerCertificate function that
// implements this module's deviation from standard TLS hostname
// verification: Cloud-SQL-style server certificates carry the instance name
// as "project:instance" in Subject.CommonName rather than a well-formed DNS
// name, so the stdlib's VerifyHostname can't be used directly.
//
// The algorithm:
//
//  1. Verify the server cert chains to one of the instance's advertised CAs.
//  2. If the instance advertises a dnsName, try SAN-based VerifyHostname
//     against it.
//  3. Fall back to (or, for an instance with no dnsName, rely solely on) a
//     Subject.CommonName match against "project:instance".
//  4. Reject if both checks fail or were unavailable.
func peerVerifier(uri instance.URI, dnsName string, roots *x509.CertPool) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errtype.NewHandshakeError("no certificate presented by server", uri.String(), nil)
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return errtype.NewHandshakeError("failed to parse server certificate", uri.String(), err)
			}
			certs = append(certs, cert)
		}
		leaf := certs[0]

		if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots}); err != nil {
			return errtype.NewHandshakeError("failed to verify server certificate chain", uri.String(), err)
		}

		var sanErr error
		if dnsName != "" {
			if err := leaf.VerifyHostname(dnsName); err == nil {
				return nil
			} else {
				sanErr = err
			}
		}
		return verifyCommonName(uri, leaf, dnsName, sanErr)
	}
}

// verifyCommonName is the fallback (or, for an instance advertising no
// dnsName, the only) identity check. When a SAN check against dnsName was
// attempted and failed, sanErr is folded into the message so a mismatch
// reports both the SAN and the CommonName actually observed on the leaf,
// rather than only the final CommonName outcome.
func verifyCommonName(uri instance.URI, leaf *x509.Certificate, dnsName string, sanErr error) error {
	want := uri.CertCommonName()
	got := leaf.Subject.CommonName
	if got == want {
		return nil
	}

	detail := fmt.Sprintf("certificate had CommonName %q, expected %q", got, want)
	if got == "" {
		detail = fmt.Sprintf("certificate had no CommonName, expected %q", want)
	}
	if sanErr != nil {
		detail = fmt.Sprintf("%s (SAN check against dnsName %q also failed: %v; SANs on cert: %v)",
			detail, dnsName, sanErr, leaf.DNSNames)
	}
	return errtype.NewPeerIdentityError(detail, uri.String())
}

// withPeerVerifier clones cfg and installs a VerifyPeerCertificate callback
// in place of standard hostname verification.
func withPeerVerifier(cfg *tls.Config, uri instance.URI, dnsName string) *tls.Config {
	out := cfg.Clone()
	out.InsecureSkipVerify = true
	out.VerifyPeerCertificate = peerVerifier(uri, dnsName, out.RootCAs)
	return out
}
