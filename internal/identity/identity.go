// Package identity owns the agent's long-lived RSA-4096 keypair and
// the sign/verify helpers every signed wire message depends on.
//
// Grounded on the teacher's ats/signing/signing.go Signer-struct /
// Sign-Verify / CanonicalJSON organization, reimplemented with
// crypto/rsa (PKCS#1 sign, OAEP wrap) instead of ed25519 since spec.md
// section 9 mandates RSA-4096.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/foldlattice/agent/internal/errs"
)

const keyBits = 4096

// Identity holds the agent's private key and its derived client id.
type Identity struct {
	key      *rsa.PrivateKey
	clientID string
}

// Generate creates a fresh RSA-4096 keypair.
func Generate() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, errs.Wrap(err, "failed to generate RSA-4096 keypair")
	}
	return fromKey(key)
}

// LoadOrGenerate parses pemBytes if non-empty, otherwise generates a
// new keypair. Returns the PEM-encoded private key alongside the
// Identity so the caller can persist it on first generation.
func LoadOrGenerate(pemBytes []byte) (id *Identity, pemOut []byte, err error) {
	if len(pemBytes) > 0 {
		id, err = FromPEM(pemBytes)
		if err != nil {
			return nil, nil, err
		}
		return id, pemBytes, nil
	}

	id, err = Generate()
	if err != nil {
		return nil, nil, err
	}
	pemOut, err = id.PrivateKeyPEM()
	if err != nil {
		return nil, nil, err
	}
	return id, pemOut, nil
}

// FromPEM parses a PKCS#1 or PKCS#8 RSA private key in PEM form.
func FromPEM(pemBytes []byte) (*Identity, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errs.New("invalid PEM block for identity key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return fromKey(key)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.Wrap(err, "failed to parse identity private key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.New("identity key is not RSA")
	}
	return fromKey(key)
}

func fromKey(key *rsa.PrivateKey) (*Identity, error) {
	clientID, err := clientIDFor(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Identity{key: key, clientID: clientID}, nil
}

// clientIDFor returns the URL-safe base64 SHA-256 of the public key's
// DER encoding — the stable client id per spec.md section 3.
func clientIDFor(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errs.Wrap(err, "failed to marshal public key")
	}
	sum := sha256.Sum256(der)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:]), nil
}

// ClientID returns the stable client id derived from the public key.
func (id *Identity) ClientID() string { return id.clientID }

// PublicKey returns the RSA public key.
func (id *Identity) PublicKey() *rsa.PublicKey { return &id.key.PublicKey }

// PrivateKeyPEM serializes the private key as PKCS#1 PEM, the form
// persisted in the config table's key-pem field.
func (id *Identity) PrivateKeyPEM() ([]byte, error) {
	der := x509.MarshalPKCS1PrivateKey(id.key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// PublicKeyPEM serializes the public key as PKIX/SPKI PEM, sent as
// pub-key on every signed request.
func (id *Identity) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(id.PublicKey())
	if err != nil {
		return "", errs.Wrap(err, "failed to marshal public key")
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// Sign produces an RSA PKCS#1v1.5 SHA-256 signature over data, base64
// encoded for wire transport.
func (id *Identity) Sign(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", errs.Wrap(err, "failed to sign data")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks an RSA PKCS#1v1.5 SHA-256 signature over data against
// pub, where sigB64 is the base64 form produced by Sign.
func Verify(pub *rsa.PublicKey, data []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return errs.WithKind(errs.Wrap(err, "invalid base64 signature"), errs.KindIntegrity)
	}
	sum := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return errs.WithKind(errs.Wrap(err, "signature verification failed"), errs.KindIntegrity)
	}
	return nil
}

// WrapSessionKey RSA-OAEP/SHA-256 encrypts a session key under the
// account's public key, for the Account Channel login payload.
func WrapSessionKey(accountPub *rsa.PublicKey, sessionKey []byte) (string, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, accountPub, sessionKey, nil)
	if err != nil {
		return "", errs.Wrap(err, "failed to wrap session key")
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// UnwrapSessionKey is the account-side inverse of WrapSessionKey; the
// agent doesn't call this itself but account-facing test doubles do.
func UnwrapSessionKey(priv *rsa.PrivateKey, wrapped string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, errs.Wrap(err, "invalid base64 session key")
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
}
