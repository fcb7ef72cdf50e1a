package minitls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyAgreementReciprocity(t *testing.T) {
	for _, group := range []NamedGroup{X25519, P256, P384} {
		t.Run(group.String(), func(t *testing.T) {
			alicePub, alicePriv, err := newKeyShare(group)
			require.NoError(t, err)
			bobPub, bobPriv, err := newKeyShare(group)
			require.NoError(t, err)

			aliceSecret, err := keyAgreement(group, bobPub, alicePriv)
			require.NoError(t, err)
			bobSecret, err := keyAgreement(group, alicePub, bobPriv)
			require.NoError(t, err)

			assert.Equal(t, aliceSecret, bobSecret)
			assert.NotEmpty(t, aliceSecret)
		})
	}
}

func TestKeyAgreementRejectsLowOrderX25519Point(t *testing.T) {
	_, priv, err := newKeyShare(X25519)
	require.NoError(t, err)

	_, err = keyAgreement(X25519, make([]byte, 32), priv)
	assert.Error(t, err)
}

func TestKeyAgreementRejectsBadPublicKeyLength(t *testing.T) {
	_, priv, err := newKeyShare(P256)
	require.NoError(t, err)

	_, err = keyAgreement(P256, []byte{0x04, 0x01}, priv)
	assert.Error(t, err)
}

func TestHkdfExpandLabelProperties(t *testing.T) {
	secret := make([]byte, 32)
	digest := make([]byte, 32)

	out := HkdfExpandLabel(crypto.SHA256, secret, "key", digest, 16)
	assert.Len(t, out, 16)

	// Deterministic for fixed inputs, distinct across labels and lengths.
	assert.Equal(t, out, HkdfExpandLabel(crypto.SHA256, secret, "key", digest, 16))
	assert.NotEqual(t, out, HkdfExpandLabel(crypto.SHA256, secret, "iv", digest, 16))
	assert.NotEqual(t, out, HkdfExpandLabel(crypto.SHA256, secret, "key", digest, 32)[:16])
}

func TestHkdfEncodeLabelPrependsProtocolPrefix(t *testing.T) {
	encoded := hkdfEncodeLabel("finished", []byte{}, 32)
	// length (2) || label length (1) || "tls13 finished" || context length (1)
	assert.Equal(t, byte(0), encoded[0])
	assert.Equal(t, byte(32), encoded[1])
	assert.Equal(t, byte(len("tls13 finished")), encoded[2])
	assert.Equal(t, "tls13 finished", string(encoded[3:3+len("tls13 finished")]))
	assert.Equal(t, byte(0), encoded[len(encoded)-1])
}

func TestMakeTrafficKeysLengths(t *testing.T) {
	for suite, params := range cipherSuiteMap {
		secret := make([]byte, params.Hash.Size())
		keys := makeTrafficKeys(params, secret)
		assert.Len(t, keys.Keys[labelForKey], params.KeyLen, "suite %v", suite)
		assert.Len(t, keys.Keys[labelForIV], params.IvLen, "suite %v", suite)

		aead, err := keys.Cipher(keys.Keys[labelForKey])
		require.NoError(t, err)
		assert.Equal(t, params.IvLen, aead.NonceSize())
	}
}

func TestComputeFinishedDataIsKeyed(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	digest := make([]byte, params.Hash.Size())

	secretA := make([]byte, params.Hash.Size())
	secretB := make([]byte, params.Hash.Size())
	secretB[0] = 1

	a := computeFinishedData(params, secretA, digest)
	b := computeFinishedData(params, secretB, digest)
	assert.Len(t, a, params.Hash.Size())
	assert.NotEqual(t, a, b)
}

func TestSignAndVerifyCertificateVerify(t *testing.T) {
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}

	ecdsaP256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecdsaP384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cases := []struct {
		scheme SignatureScheme
		signer crypto.Signer
	}{
		{ECDSA_P256_SHA256, ecdsaP256},
		{ECDSA_P384_SHA384, ecdsaP384},
		{Ed25519, edPriv},
		{RSA_PSS_SHA256, rsaKey},
	}

	for _, c := range cases {
		sig, err := signMessage(c.scheme, c.signer, contextCertificateVerifyServer, digest)
		require.NoError(t, err, "scheme %04x", uint16(c.scheme))

		err = verifySignedMessage(c.scheme, c.signer.Public(), contextCertificateVerifyServer, digest, sig)
		assert.NoError(t, err, "scheme %04x", uint16(c.scheme))

		// A different transcript digest must not verify.
		other := dup(digest)
		other[0] ^= 0xff
		err = verifySignedMessage(c.scheme, c.signer.Public(), contextCertificateVerifyServer, other, sig)
		assert.Error(t, err, "scheme %04x", uint16(c.scheme))
	}
}

func TestVerifyRejectsSchemeKeyMismatch(t *testing.T) {
	digest := make([]byte, 32)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sig, err := signMessage(ECDSA_P256_SHA256, key, contextCertificateVerifyServer, digest)
	require.NoError(t, err)

	err = verifySignedMessage(RSA_PSS_SHA256, key.Public(), contextCertificateVerifyServer, digest, sig)
	assert.Error(t, err)
}

func TestSignatureSchemeForKey(t *testing.T) {
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	scheme, err := signatureSchemeForKey(p256.Public())
	require.NoError(t, err)
	assert.Equal(t, ECDSA_P256_SHA256, scheme)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	scheme, err = signatureSchemeForKey(pub)
	require.NoError(t, err)
	assert.Equal(t, Ed25519, scheme)

	_, err = signatureSchemeForKey("not a key")
	assert.Error(t, err)
}

func TestEncodeSignatureInputLayout(t *testing.T) {
	digest := []byte{0x01, 0x02}
	input := encodeSignatureInput(contextCertificateVerifyServer, digest)

	require.Len(t, input, 64+len(contextCertificateVerifyServer)+1+len(digest))
	for _, b := range input[:64] {
		assert.Equal(t, byte(0x20), b)
	}
	assert.Equal(t, contextCertificateVerifyServer, string(input[64:64+len(contextCertificateVerifyServer)]))
	assert.Equal(t, byte(0), input[64+len(contextCertificateVerifyServer)])
	assert.Equal(t, digest, input[len(input)-2:])
}
