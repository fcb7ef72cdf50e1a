package minitls

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type aeadFactory func(key []byte) (cipher.AEAD, error)

// CipherSuiteParams carries everything derived from the cipher suite choice:
// the AEAD constructor, the transcript/HKDF hash, and the key and IV sizes
// used by traffic-key expansion.
type CipherSuiteParams struct {
	Suite  CipherSuite
	Cipher aeadFactory
	Hash   crypto.Hash
	KeyLen int
	IvLen  int
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var cipherSuiteMap = map[CipherSuite]CipherSuiteParams{
	TLS_AES_128_GCM_SHA256: {
		Suite:  TLS_AES_128_GCM_SHA256,
		Cipher: newAESGCM,
		Hash:   crypto.SHA256,
		KeyLen: 16,
		IvLen:  12,
	},
	TLS_AES_256_GCM_SHA384: {
		Suite:  TLS_AES_256_GCM_SHA384,
		Cipher: newAESGCM,
		Hash:   crypto.SHA384,
		KeyLen: 32,
		IvLen:  12,
	},
	TLS_CHACHA20_POLY1305_SHA256: {
		Suite:  TLS_CHACHA20_POLY1305_SHA256,
		Cipher: chacha20poly1305.New,
		Hash:   crypto.SHA256,
		KeyLen: chacha20poly1305.KeySize,
		IvLen:  chacha20poly1305.NonceSize,
	},
}

// HKDF-Expand-Label labels (RFC 8446, Section 7.1)
const (
	labelDerived                        = "derived"
	labelClientHandshakeTrafficSecret   = "c hs traffic"
	labelServerHandshakeTrafficSecret   = "s hs traffic"
	labelClientApplicationTrafficSecret = "c ap traffic"
	labelServerApplicationTrafficSecret = "s ap traffic"
	labelExporterSecret                 = "exp master"
	labelResumptionSecret               = "res master"
	labelFinished                       = "finished"
	labelForKey                         = "key"
	labelForIV                          = "iv"
)

func HkdfExtract(hash crypto.Hash, salt, input []byte) []byte {
	return hkdf.Extract(hash.New, input, salt)
}

// HkdfExpandLabel implements HKDF-Expand-Label.  The label string is bound
// into the expansion info together with the (possibly empty) hash context.
func HkdfExpandLabel(hash crypto.Hash, secret []byte, label string, hashValue []byte, outLen int) []byte {
	info := hkdfEncodeLabel(label, hashValue, outLen)
	out := make([]byte, outLen)
	n, err := io.ReadFull(hkdf.Expand(hash.New, secret, info), out)
	// Expansion cannot fail for the output lengths TLS asks for.
	assertInvariant(err == nil && n == outLen)

	logf(logTypeCrypto, "HKDF Expand: label=[tls13 ] + '%s',requested length=%d", label, outLen)
	logf(logTypeCrypto, "PRK [%d]: %x", len(secret), secret)
	logf(logTypeCrypto, "Hash [%d]: %x", len(hashValue), hashValue)
	logf(logTypeCrypto, "Output [%d]: %x", len(out), out)
	return out
}

func hkdfEncodeLabel(labelIn string, hashValue []byte, outLen int) []byte {
	label := "tls13 " + labelIn
	assertInvariant(len(label) <= 255 && len(hashValue) <= 255)

	out := make([]byte, 0, 2+1+len(label)+1+len(hashValue))
	out = append(out, byte(outLen>>8), byte(outLen))
	out = append(out, byte(len(label)))
	out = append(out, label...)
	out = append(out, byte(len(hashValue)))
	out = append(out, hashValue...)
	return out
}

// deriveSecret is Derive-Secret: an expansion bound to a transcript digest.
func deriveSecret(params CipherSuiteParams, secret []byte, label string, transcriptHash []byte) []byte {
	return HkdfExpandLabel(params.Hash, secret, label, transcriptHash, params.Hash.Size())
}

// KeySet is the (key, iv) material for one direction, together with the AEAD
// constructor to apply it with.
type KeySet struct {
	Cipher aeadFactory
	Keys   map[string][]byte
}

func makeTrafficKeys(params CipherSuiteParams, secret []byte) KeySet {
	logf(logTypeCrypto, "making traffic keys: secret=%x", secret)
	return KeySet{
		Cipher: params.Cipher,
		Keys: map[string][]byte{
			labelForKey: HkdfExpandLabel(params.Hash, secret, labelForKey, []byte{}, params.KeyLen),
			labelForIV:  HkdfExpandLabel(params.Hash, secret, labelForIV, []byte{}, params.IvLen),
		},
	}
}

// computeFinishedData computes the Finished MAC over the given transcript
// digest, keyed by the finished key expanded from baseKey.
func computeFinishedData(params CipherSuiteParams, baseKey []byte, transcriptHash []byte) []byte {
	finishedKey := HkdfExpandLabel(params.Hash, baseKey, labelFinished, []byte{}, params.Hash.Size())
	defer zeroize(finishedKey)
	mac := hmac.New(params.Hash.New, finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

// newKeyShare generates an ephemeral key pair for the group.  The public
// share is in the group's wire encoding.
func newKeyShare(group NamedGroup) (pub, priv []byte, err error) {
	switch group {
	case X25519:
		var pubKey, privKey x25519.Key
		if _, err := io.ReadFull(rand.Reader, privKey[:]); err != nil {
			return nil, nil, err
		}
		x25519.KeyGen(&pubKey, &privKey)
		return pubKey[:], privKey[:], nil

	case P256, P384:
		key, err := ecdhCurve(group).GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return key.PublicKey().Bytes(), key.Bytes(), nil

	default:
		return nil, nil, fmt.Errorf("%w: unsupported group %d", ErrUnsupportedFeature, group)
	}
}

// keyAgreement computes the ECDHE shared secret between our private key and
// the peer's public share.
func keyAgreement(group NamedGroup, peerPub, priv []byte) ([]byte, error) {
	switch group {
	case X25519:
		if len(peerPub) != x25519.Size || len(priv) != x25519.Size {
			return nil, fmt.Errorf("%w: bad X25519 share length", ErrMalformedEncoding)
		}
		var shared, privKey, pubKey x25519.Key
		copy(privKey[:], priv)
		copy(pubKey[:], peerPub)
		if !x25519.Shared(&shared, &privKey, &pubKey) {
			return nil, fmt.Errorf("%w: low-order X25519 point", ErrHandshakeFailure)
		}
		return shared[:], nil

	case P256, P384:
		curve := ecdhCurve(group)
		key, err := curve.NewPrivateKey(priv)
		if err != nil {
			return nil, err
		}
		peer, err := curve.NewPublicKey(peerPub)
		if err != nil {
			return nil, fmt.Errorf("%w: bad ECDH public share", ErrMalformedEncoding)
		}
		return key.ECDH(peer)

	default:
		return nil, fmt.Errorf("%w: unsupported group %d", ErrUnsupportedFeature, group)
	}
}

func ecdhCurve(group NamedGroup) ecdh.Curve {
	switch group {
	case P256:
		return ecdh.P256()
	case P384:
		return ecdh.P384()
	}
	return nil
}

const (
	contextCertificateVerifyServer = "TLS 1.3, server CertificateVerify"
)

// encodeSignatureInput builds the signed content for CertificateVerify
// (RFC 8446, Section 4.4.3): 64 spaces, the context string, a zero octet,
// then the transcript digest.
func encodeSignatureInput(context string, transcriptHash []byte) []byte {
	out := make([]byte, 0, 64+len(context)+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		out = append(out, 0x20)
	}
	out = append(out, context...)
	out = append(out, 0)
	out = append(out, transcriptHash...)
	return out
}

func signatureSchemeHash(scheme SignatureScheme) (crypto.Hash, error) {
	switch scheme {
	case ECDSA_P256_SHA256, RSA_PSS_SHA256:
		return crypto.SHA256, nil
	case ECDSA_P384_SHA384, RSA_PSS_SHA384:
		return crypto.SHA384, nil
	case ECDSA_P521_SHA512, RSA_PSS_SHA512:
		return crypto.SHA512, nil
	case Ed25519:
		return crypto.Hash(0), nil
	}
	return crypto.Hash(0), fmt.Errorf("%w: unsupported signature scheme %04x", ErrUnsupportedFeature, uint16(scheme))
}

// verifySignedMessage checks a CertificateVerify signature over the
// transcript digest using the peer's public key.
func verifySignedMessage(scheme SignatureScheme, pub crypto.PublicKey, context string, transcriptHash, sig []byte) error {
	content := encodeSignatureInput(context, transcriptHash)
	hash, err := signatureSchemeHash(scheme)
	if err != nil {
		return err
	}

	switch scheme {
	case ECDSA_P256_SHA256, ECDSA_P384_SHA384, ECDSA_P521_SHA512:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: signature scheme does not match key type", ErrDecryptError)
		}
		h := hash.New()
		h.Write(content)
		if !ecdsa.VerifyASN1(key, h.Sum(nil), sig) {
			return fmt.Errorf("%w: ECDSA verification failed", ErrDecryptError)
		}

	case RSA_PSS_SHA256, RSA_PSS_SHA384, RSA_PSS_SHA512:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: signature scheme does not match key type", ErrDecryptError)
		}
		h := hash.New()
		h.Write(content)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash}
		if err := rsa.VerifyPSS(key, hash, h.Sum(nil), sig, opts); err != nil {
			return fmt.Errorf("%w: RSA-PSS verification failed", ErrDecryptError)
		}

	case Ed25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("%w: signature scheme does not match key type", ErrDecryptError)
		}
		if !ed25519.Verify(key, content, sig) {
			return fmt.Errorf("%w: Ed25519 verification failed", ErrDecryptError)
		}

	default:
		return fmt.Errorf("%w: unsupported signature scheme %04x", ErrUnsupportedFeature, uint16(scheme))
	}
	return nil
}

// signMessage produces a CertificateVerify signature over the transcript
// digest.  Used by the server role.
func signMessage(scheme SignatureScheme, priv crypto.Signer, context string, transcriptHash []byte) ([]byte, error) {
	content := encodeSignatureInput(context, transcriptHash)
	hash, err := signatureSchemeHash(scheme)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case ECDSA_P256_SHA256, ECDSA_P384_SHA384, ECDSA_P521_SHA512:
		h := hash.New()
		h.Write(content)
		return priv.Sign(rand.Reader, h.Sum(nil), hash)

	case RSA_PSS_SHA256, RSA_PSS_SHA384, RSA_PSS_SHA512:
		h := hash.New()
		h.Write(content)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash}
		return priv.Sign(rand.Reader, h.Sum(nil), opts)

	case Ed25519:
		return priv.Sign(rand.Reader, content, crypto.Hash(0))
	}
	return nil, fmt.Errorf("%w: unsupported signature scheme %04x", ErrUnsupportedFeature, uint16(scheme))
}

// signatureSchemeForKey picks the scheme a key naturally signs with.
func signatureSchemeForKey(pub crypto.PublicKey) (SignatureScheme, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		switch key.Curve.Params().Name {
		case "P-256":
			return ECDSA_P256_SHA256, nil
		case "P-384":
			return ECDSA_P384_SHA384, nil
		case "P-521":
			return ECDSA_P521_SHA512, nil
		}
		return 0, fmt.Errorf("%w: unsupported ECDSA curve", ErrUnsupportedFeature)
	case *rsa.PublicKey:
		return RSA_PSS_SHA256, nil
	case ed25519.PublicKey:
		return Ed25519, nil
	}
	return 0, fmt.Errorf("%w: unsupported key type %T", ErrUnsupportedFeature, pub)
}
