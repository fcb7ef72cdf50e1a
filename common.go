package minitls

import (
	"errors"
	"fmt"
)

const (
	supportedVersion uint16 = 0x0304 // RFC 8446
	tls12Version     uint16 = 0x0303
	tls10Version     uint16 = 0x0301
)

// RecordType values from the TLS wire protocol
type RecordType byte

const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

// HandshakeType values from the TLS wire protocol
type HandshakeType byte

const (
	HandshakeTypeClientHello         HandshakeType = 1
	HandshakeTypeServerHello         HandshakeType = 2
	HandshakeTypeNewSessionTicket    HandshakeType = 4
	HandshakeTypeEncryptedExtensions HandshakeType = 8
	HandshakeTypeCertificate         HandshakeType = 11
	HandshakeTypeCertificateRequest  HandshakeType = 13
	HandshakeTypeCertificateVerify   HandshakeType = 15
	HandshakeTypeFinished            HandshakeType = 20
	HandshakeTypeKeyUpdate           HandshakeType = 24
)

const (
	recordHeaderLen       = 5 // content type + legacy version + length
	handshakeHeaderLenTLS = 4 // handshake type + 24-bit length
	maxFragmentLen        = 1 << 14
	helloRandomLen        = 32
	legacySessionIDLen    = 32
)

// Signature schemes (RFC 8446, Section 4.2.3)
type SignatureScheme uint16

const (
	RSA_PSS_SHA256    SignatureScheme = 0x0804
	RSA_PSS_SHA384    SignatureScheme = 0x0805
	RSA_PSS_SHA512    SignatureScheme = 0x0806
	ECDSA_P256_SHA256 SignatureScheme = 0x0403
	ECDSA_P384_SHA384 SignatureScheme = 0x0503
	ECDSA_P521_SHA512 SignatureScheme = 0x0603
	Ed25519           SignatureScheme = 0x0807
)

// Extension types (RFC 8446, Section 4.2)
type ExtensionType uint16

const (
	ExtensionTypeServerName          ExtensionType = 0
	ExtensionTypeSupportedGroups     ExtensionType = 10
	ExtensionTypeSignatureAlgorithms ExtensionType = 13
	ExtensionTypeALPN                ExtensionType = 16
	ExtensionTypeSupportedVersions   ExtensionType = 43
	ExtensionTypeKeyShare            ExtensionType = 51
)

// Named groups for key exchange (RFC 8446, Section 4.2.7)
type NamedGroup uint16

const (
	P256   NamedGroup = 23
	P384   NamedGroup = 24
	P521   NamedGroup = 25
	X25519 NamedGroup = 29
)

func (g NamedGroup) String() string {
	switch g {
	case P256:
		return "P-256"
	case P384:
		return "P-384"
	case P521:
		return "P-521"
	case X25519:
		return "x25519"
	}
	return fmt.Sprintf("named_group(%d)", uint16(g))
}

// Cipher suites (RFC 8446, Appendix B.4).  Only the TLS 1.3 AEAD suites are
// representable.
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

func (c CipherSuite) String() string {
	switch c {
	case TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case TLS_AES_256_GCM_SHA384:
		return "TLS_AES_256_GCM_SHA384"
	case TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	}
	return fmt.Sprintf("cipher_suite(%04x)", uint16(c))
}

// State values are used to expose the handshake state machine's position to
// callers, and to report where a connection failed.
type State uint8

const (
	StateInit State = iota
	StateClientStart
	StateClientWaitSH
	StateClientWaitEE
	StateClientWaitCert
	StateClientWaitCV
	StateClientWaitFinished
	StateClientConnected
	StateServerStart
	StateServerWaitFinished
	StateServerConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateClientStart:
		return "Client START"
	case StateClientWaitSH:
		return "Client WAIT_SH"
	case StateClientWaitEE:
		return "Client WAIT_EE"
	case StateClientWaitCert:
		return "Client WAIT_CERT"
	case StateClientWaitCV:
		return "Client WAIT_CV"
	case StateClientWaitFinished:
		return "Client WAIT_FINISHED"
	case StateClientConnected:
		return "Client CONNECTED"
	case StateServerStart:
		return "Server START"
	case StateServerWaitFinished:
		return "Server WAIT_FINISHED"
	case StateServerConnected:
		return "Server CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return "unknown state"
}

// Error taxonomy surfaced to callers.  Every fatal condition inside the
// protocol core maps to exactly one of these; none of them is recoverable
// within the same connection.
var (
	ErrMalformedEncoding  = errors.New("tls: malformed encoding")
	ErrUnexpectedMessage  = errors.New("tls: unexpected message")
	ErrHandshakeFailure   = errors.New("tls: handshake failure")
	ErrDecryptError       = errors.New("tls: decrypt error")
	ErrBadRecordMAC       = errors.New("tls: bad record MAC")
	ErrUnsupportedFeature = errors.New("tls: unsupported feature")
	ErrConnectionClosed   = errors.New("tls: connection closed")

	errSequenceOverflow = errors.New("tls: outgoing sequence number would wrap")
)

// alertError ties the error kind to the alert that was (or would have been)
// sent, and the state in which the failure occurred.
func alertError(alert Alert, state State) error {
	var kind error
	switch alert {
	case AlertDecodeError:
		kind = ErrMalformedEncoding
	case AlertUnexpectedMessage:
		kind = ErrUnexpectedMessage
	case AlertHandshakeFailure, AlertIllegalParameter, AlertProtocolVersion, AlertInsufficientSecurity:
		kind = ErrHandshakeFailure
	case AlertDecryptError:
		kind = ErrDecryptError
	case AlertBadRecordMAC:
		kind = ErrBadRecordMAC
	case AlertCloseNotify:
		kind = ErrConnectionClosed
	default:
		kind = fmt.Errorf("tls: fatal alert: %v", alert)
	}
	return fmt.Errorf("%w (alert %v, in state %v)", kind, alert, state)
}

func assertInvariant(b bool) {
	if !b {
		panic("assertion failed")
	}
}

// zeroize wipes secret material in place.  Callers must not retain aliases to
// the slice afterwards.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func dup(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
