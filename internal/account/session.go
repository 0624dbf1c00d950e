package account

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"sync"

	"github.com/foldlattice/agent/internal/errs"
	"github.com/foldlattice/agent/internal/wire"
)

// Session is a connected channel's encrypted transport state: the
// shared AES-256 key and the set of IVs already used (spec.md section
// 3's Session type, bounded at 4,000,000 entries).
type Session struct {
	key     []byte
	mu      sync.Mutex
	usedIVs map[[16]byte]struct{}
}

// NewSession creates a session around a freshly generated key.
func NewSession() (*Session, error) {
	key, err := newSessionKey()
	if err != nil {
		return nil, err
	}
	return &Session{key: key, usedIVs: make(map[[16]byte]struct{})}, nil
}

// Key returns the raw session key, wrapped under the node's public key
// for the login payload.
func (s *Session) Key() []byte { return s.key }

// Seal encrypts plaintext for transport: gzip-compresses payloads over
// compressThreshold bytes, AES-256-CBC encrypts under a fresh random
// IV, and returns the populated MessageFrame fields.
func (s *Session) Seal(client, sessionID string, plaintext []byte) (wire.MessageFrame, error) {
	compression := ""
	payload := plaintext
	if len(plaintext) > compressThreshold {
		compressed, err := gzipCompress(plaintext)
		if err != nil {
			return wire.MessageFrame{}, err
		}
		payload = compressed
		compression = "gzip"
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return wire.MessageFrame{}, errs.Wrap(err, "failed to construct AES cipher")
	}

	padded := pkcs7Pad(payload, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return wire.MessageFrame{}, errs.Wrap(err, "failed to generate IV")
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return wire.MessageFrame{
		Type:        "message",
		Client:      client,
		Session:     sessionID,
		IV:          base64.StdEncoding.EncodeToString(iv),
		Payload:     base64.StdEncoding.EncodeToString(ciphertext),
		Compression: compression,
	}, nil
}

// Open decrypts and decompresses an inbound MessageFrame, rejecting
// any IV that has already been used this session (spec.md section 8
// property 4 and section 7's replay error kind).
func (s *Session) Open(frame wire.MessageFrame) ([]byte, error) {
	ivRaw, err := base64.StdEncoding.DecodeString(frame.IV)
	if err != nil || len(ivRaw) != aes.BlockSize {
		return nil, errs.WithKind(errs.New("invalid IV"), errs.KindIntegrity)
	}
	var iv [16]byte
	copy(iv[:], ivRaw)

	s.mu.Lock()
	if _, seen := s.usedIVs[iv]; seen {
		s.mu.Unlock()
		return nil, errs.WithKind(errs.New("IV reuse detected"), errs.KindReplay)
	}
	if len(s.usedIVs) >= maxIVs {
		s.mu.Unlock()
		return nil, errs.WithKind(errs.New("session IV budget exhausted"), errs.KindReplay)
	}
	s.usedIVs[iv] = struct{}{}
	s.mu.Unlock()

	ciphertext, err := base64.StdEncoding.DecodeString(frame.Payload)
	if err != nil || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.WithKind(errs.New("invalid ciphertext"), errs.KindIntegrity)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, errs.Wrap(err, "failed to construct AES cipher")
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, ivRaw).CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return nil, errs.WithKind(err, errs.KindIntegrity)
	}

	if frame.Compression == "gzip" {
		return gzipDecompress(plain)
	}
	return plain, nil
}

// IVCount reports how many distinct IVs this session has accepted, for
// tests and observability.
func (s *Session) IVCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.usedIVs)
}

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, errs.Wrap(err, "failed to gzip payload")
	}
	if err := w.Close(); err != nil {
		return nil, errs.Wrap(err, "failed to close gzip writer")
	}
	return buf.Bytes(), nil
}

func gzipDecompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, errs.WithKind(errs.Wrap(err, "failed to open gzip stream"), errs.KindIntegrity)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.WithKind(errs.Wrap(err, "failed to decompress payload"), errs.KindIntegrity)
	}
	return out, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(b, padding...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errs.New("empty padded payload")
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > len(b) {
		return nil, errs.New("invalid PKCS#7 padding")
	}
	return b[:len(b)-padLen], nil
}
