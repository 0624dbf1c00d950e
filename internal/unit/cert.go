package unit

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/foldlattice/agent/internal/errs"
)

// verifyCertUsage parses certPEM and checks its usage marker (the
// certificate subject's common name, the same convention
// internal/corecache uses for core certificates) equals want ("AS" or
// "WS"), returning the certificate's RSA public key on success.
func verifyCertUsage(certPEM string, want string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, errs.WithKind(errs.New("invalid certificate PEM"), errs.KindIntegrity)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errs.WithKind(errs.Wrap(err, "failed to parse certificate"), errs.KindIntegrity)
	}

	usage := strings.ToUpper(strings.TrimSpace(cert.Subject.CommonName))
	if usage != want {
		return nil, errs.WithKind(errs.Newf("certificate usage %q does not match expected %q", usage, want), errs.KindIntegrity)
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errs.WithKind(errs.New("certificate does not carry an RSA public key"), errs.KindIntegrity)
	}
	return pub, nil
}
