package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vantage6/vantage6-sub005/types"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return key
}

func TestRSARoundTrip(t *testing.T) {
	recipient := testKey(t)
	pub, err := MarshalPublicKey(&recipient.PublicKey)
	require.NoError(t, err)

	sender := NewRSAProvider(testKey(t))
	ciphertext, err := sender.EncryptFor([]byte("federated input"), pub)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(ciphertext, []byte("v6crypt$")))
	assert.NotContains(t, string(ciphertext), "federated input")

	plaintext, err := NewRSAProvider(recipient).DecryptOwn(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("federated input"), plaintext)
}

func TestRSADecryptWrongKey(t *testing.T) {
	recipient := testKey(t)
	pub, err := MarshalPublicKey(&recipient.PublicKey)
	require.NoError(t, err)

	ciphertext, err := NewRSAProvider(testKey(t)).EncryptFor([]byte("secret"), pub)
	require.NoError(t, err)

	_, err = NewRSAProvider(testKey(t)).DecryptOwn(ciphertext)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDecryption))
}

func TestRSADecryptPassesThroughPlaintext(t *testing.T) {
	provider := NewRSAProvider(testKey(t))

	// No envelope marker: treated as never encrypted.
	out, err := provider.DecryptOwn([]byte("plain bytes"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain bytes"), out)
}

func TestRSADecryptMalformedEnvelope(t *testing.T) {
	provider := NewRSAProvider(testKey(t))

	for _, input := range []string{
		"v6crypt$",
		"v6crypt$onlyonepart",
		"v6crypt$a$b",
		"v6crypt$not-base64!$bm9uY2U=$c2VhbGVk",
	} {
		_, err := provider.DecryptOwn([]byte(input))
		require.Error(t, err, "input %q", input)
		assert.True(t, types.IsCode(err, types.ErrDecryption), "input %q", input)
	}
}

func TestEncryptForNilKeyReturnsPlaintext(t *testing.T) {
	provider := NewRSAProvider(testKey(t))
	out, err := provider.EncryptFor([]byte("payload"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)
}

func TestNopProvider(t *testing.T) {
	provider := NopProvider{}

	out, err := provider.EncryptFor([]byte("payload"), []byte("ignored"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)

	out, err = provider.DecryptOwn([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)

	assert.Nil(t, provider.PublicKey())
}

func TestNewFactory(t *testing.T) {
	provider, err := New(KindNone, "")
	require.NoError(t, err)
	assert.IsType(t, NopProvider{}, provider)

	_, err = New(Kind("vault"), "")
	require.Error(t, err)
}

// Every payload survives a seal/unseal cycle, including empty and binary
// inputs far larger than the RSA modulus.
func TestRSARoundTripProperty(t *testing.T) {
	recipient := NewRSAProvider(testKey(t))
	pub := recipient.PublicKey()
	require.NotNil(t, pub)
	sender := NewRSAProvider(testKey(t))

	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload")

		ciphertext, err := sender.EncryptFor(payload, pub)
		require.NoError(t, err)

		plaintext, err := recipient.DecryptOwn(ciphertext)
		require.NoError(t, err)
		require.Equal(t, payload, plaintext)
	})
}
