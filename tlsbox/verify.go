package tlsbox

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"

	"github.com/apernet/ovpnkit/config"
)

type verifier struct {
	roots         *x509.CertPool
	remoteCertTLS bool
	name          *config.X509NameCheck
}

func (v *verifier) verify(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCert
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		certs = append(certs, cert)
	}
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if v.remoteCertTLS {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return err
	}
	if v.name != nil && !matchName(certs[0], v.name) {
		return fmt.Errorf("%w: want %s %q", ErrNameMismatch, v.name.Type, v.name.Name)
	}
	return nil
}

func matchName(cert *x509.Certificate, check *config.X509NameCheck) bool {
	switch check.Type {
	case "name":
		return cert.Subject.CommonName == check.Name
	case "name-prefix":
		return strings.HasPrefix(cert.Subject.CommonName, check.Name)
	default:
		return subjectString(cert.Subject) == check.Name || cert.Subject.String() == check.Name
	}
}

var attributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "street",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.17":                   "postalCode",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.25": "DC",
}

// subjectString renders a subject in certificate order as
// "C=US, O=Org, CN=server", the format found in client profiles.
func subjectString(name pkix.Name) string {
	atvs := name.Names
	if len(atvs) == 0 {
		for _, rdn := range name.ToRDNSequence() {
			atvs = append(atvs, rdn...)
		}
	}
	parts := make([]string, 0, len(atvs))
	for _, atv := range atvs {
		parts = append(parts, attributeName(atv.Type)+"="+fmt.Sprint(atv.Value))
	}
	return strings.Join(parts, ", ")
}

func attributeName(oid asn1.ObjectIdentifier) string {
	if n, ok := attributeNames[oid.String()]; ok {
		return n
	}
	return oid.String()
}
