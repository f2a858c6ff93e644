// Package crypto implements per-organization end-to-end encryption of task
// inputs and results. Payloads are encrypted with a random symmetric key and
// the symmetric key is wrapped with the recipient organization's RSA public
// key, so the coordination server only ever relays ciphertext.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/vantage6/vantage6-sub005/types"
)

// Provider encrypts payloads for other organizations and decrypts payloads
// addressed to the local one.
type Provider interface {
	// EncryptFor encrypts plaintext for the holder of recipientPublicKey
	// (a PEM-encoded RSA public key). A nil recipientPublicKey returns the
	// plaintext unchanged; the absence of the envelope marker tags it as
	// not encrypted so DecryptOwn passes it through.
	EncryptFor(plaintext, recipientPublicKey []byte) ([]byte, error)

	// DecryptOwn decrypts a payload addressed to the local organization.
	// Payloads without the envelope marker are returned unchanged.
	DecryptOwn(ciphertext []byte) ([]byte, error)

	// PublicKey returns the PEM-encoded public key advertised to the
	// coordination server, or nil when the provider has no key material.
	PublicKey() []byte
}

// Kind selects a Provider implementation. The choice is an explicit
// configuration value, never inferred from the presence of a key file.
type Kind string

const (
	KindRSA  Kind = "rsa"
	KindNone Kind = "none"
)

// New creates a Provider of the given kind. KindRSA loads or generates the
// keypair at keyPath; KindNone returns the pass-through provider used by
// collaborations that disable encryption.
func New(kind Kind, keyPath string) (Provider, error) {
	switch kind {
	case KindRSA:
		key, err := LoadOrGenerateKey(keyPath)
		if err != nil {
			return nil, err
		}
		return NewRSAProvider(key), nil
	case KindNone:
		return NopProvider{}, nil
	default:
		return nil, fmt.Errorf("unsupported crypto provider kind: %s", kind)
	}
}

// envelopeMarker tags an encrypted payload. Anything not starting with the
// marker is treated as plaintext by DecryptOwn.
const envelopeMarker = "v6crypt$"

// partSeparator joins the base64 segments of an envelope.
const partSeparator = "$"

// RSAProvider is the hybrid RSA-OAEP + AES-GCM implementation.
type RSAProvider struct {
	key *rsa.PrivateKey
}

// NewRSAProvider wraps an existing private key in a Provider.
func NewRSAProvider(key *rsa.PrivateKey) *RSAProvider {
	return &RSAProvider{key: key}
}

// EncryptFor implements Provider.
func (p *RSAProvider) EncryptFor(plaintext, recipientPublicKey []byte) ([]byte, error) {
	if recipientPublicKey == nil {
		return plaintext, nil
	}

	pub, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "malformed recipient public key").WithCause(err)
	}

	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	var buf bytes.Buffer
	buf.WriteString(envelopeMarker)
	buf.WriteString(base64.StdEncoding.EncodeToString(wrappedKey))
	buf.WriteString(partSeparator)
	buf.WriteString(base64.StdEncoding.EncodeToString(nonce))
	buf.WriteString(partSeparator)
	buf.WriteString(base64.StdEncoding.EncodeToString(sealed))
	return buf.Bytes(), nil
}

// DecryptOwn implements Provider.
func (p *RSAProvider) DecryptOwn(ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, []byte(envelopeMarker)) {
		// Not encrypted; pass through.
		return ciphertext, nil
	}

	parts := bytes.Split(ciphertext[len(envelopeMarker):], []byte(partSeparator))
	if len(parts) != 3 {
		return nil, types.NewError(types.ErrDecryption, "malformed encryption envelope")
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(string(parts[0]))
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "malformed wrapped key").WithCause(err)
	}
	nonce, err := base64.StdEncoding.DecodeString(string(parts[1]))
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "malformed nonce").WithCause(err)
	}
	sealed, err := base64.StdEncoding.DecodeString(string(parts[2]))
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "malformed payload").WithCause(err)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, p.key, wrappedKey, nil)
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "payload was not encrypted for this organization").WithCause(err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "invalid session key").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "invalid session key").WithCause(err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, types.NewError(types.ErrDecryption, "invalid nonce length")
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, types.NewError(types.ErrDecryption, "payload integrity check failed").WithCause(err)
	}
	return plaintext, nil
}

// PublicKey implements Provider.
func (p *RSAProvider) PublicKey() []byte {
	pem, err := MarshalPublicKey(&p.key.PublicKey)
	if err != nil {
		return nil
	}
	return pem
}

// NopProvider is the identity implementation, used only when a collaboration
// or deployment explicitly disables encryption.
type NopProvider struct{}

// EncryptFor returns the plaintext unchanged.
func (NopProvider) EncryptFor(plaintext, _ []byte) ([]byte, error) { return plaintext, nil }

// DecryptOwn returns the ciphertext unchanged.
func (NopProvider) DecryptOwn(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

// PublicKey returns nil: there is no key to advertise.
func (NopProvider) PublicKey() []byte { return nil }
