package minitls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// HandshakeMessageBody implementations marshal to and from the body of a
// handshake message (everything after the 4-byte header).  Unmarshal returns
// the number of bytes consumed so callers can reject trailing garbage.
type HandshakeMessageBody interface {
	Type() HandshakeType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// HandshakeMessage is one raw handshake message: a type and its body bytes.
// The exact Marshal() output of every message, in transmission order, is what
// feeds the transcript hash.
type HandshakeMessage struct {
	msgType HandshakeType
	body    []byte
}

func (hm *HandshakeMessage) Marshal() []byte {
	out := encodeHandshakeHeader(hm.msgType, len(hm.body))
	return append(out, hm.body...)
}

func handshakeMessageFromBody(body HandshakeMessageBody) (*HandshakeMessage, error) {
	data, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	return &HandshakeMessage{
		msgType: body.Type(),
		body:    data,
	}, nil
}

// ToBody decodes the message body into its structured form.
func (hm *HandshakeMessage) ToBody() (HandshakeMessageBody, error) {
	var body HandshakeMessageBody
	switch hm.msgType {
	case HandshakeTypeClientHello:
		body = new(ClientHelloBody)
	case HandshakeTypeServerHello:
		body = new(ServerHelloBody)
	case HandshakeTypeEncryptedExtensions:
		body = new(EncryptedExtensionsBody)
	case HandshakeTypeCertificate:
		body = new(CertificateBody)
	case HandshakeTypeCertificateVerify:
		body = new(CertificateVerifyBody)
	case HandshakeTypeFinished:
		body = new(FinishedBody)
	case HandshakeTypeNewSessionTicket:
		body = new(NewSessionTicketBody)
	case HandshakeTypeKeyUpdate:
		body = new(KeyUpdateBody)
	default:
		return nil, fmt.Errorf("%w: unsupported handshake message type %d", ErrUnsupportedFeature, hm.msgType)
	}

	read, err := body.Unmarshal(hm.body)
	if err != nil {
		return nil, err
	}
	if read < len(hm.body) {
		return nil, fmt.Errorf("%w: trailing garbage in %d message", ErrMalformedEncoding, hm.msgType)
	}
	return body, nil
}

// ClientHelloBody (RFC 8446, Section 4.1.2).  The legacy_version field is
// frozen at 0x0303; the real version is negotiated in supported_versions.
type ClientHelloBody struct {
	LegacyVersion   uint16
	Random          [helloRandomLen]byte
	LegacySessionID []byte
	CipherSuites    []CipherSuite
	Extensions      ExtensionList
}

func (ch ClientHelloBody) Type() HandshakeType {
	return HandshakeTypeClientHello
}

func (ch ClientHelloBody) Marshal() ([]byte, error) {
	if len(ch.CipherSuites) == 0 {
		return nil, fmt.Errorf("%w: ClientHello with no cipher suites", ErrMalformedEncoding)
	}
	if len(ch.LegacySessionID) > 32 {
		return nil, fmt.Errorf("%w: legacy_session_id too long", ErrMalformedEncoding)
	}
	var b cryptobyte.Builder
	b.AddUint16(ch.LegacyVersion)
	b.AddBytes(ch.Random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(ch.LegacySessionID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, suite := range ch.CipherSuites {
			b.AddUint16(uint16(suite))
		}
	})
	// legacy_compression_methods must be exactly [null]
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
	})
	ch.Extensions.addTo(&b)
	return b.Bytes()
}

func (ch *ClientHelloBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var sessionID, suites, compression cryptobyte.String
	if !s.ReadUint16(&ch.LegacyVersion) ||
		!s.CopyBytes(ch.Random[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return 0, fmt.Errorf("%w: ClientHello truncated", ErrMalformedEncoding)
	}
	if len(sessionID) > 32 {
		return 0, fmt.Errorf("%w: legacy_session_id too long", ErrMalformedEncoding)
	}
	if suites.Empty() || len(suites)%2 != 0 {
		return 0, fmt.Errorf("%w: bad cipher suite list", ErrMalformedEncoding)
	}
	if len(compression) != 1 || compression[0] != 0 {
		return 0, fmt.Errorf("%w: compression methods must be [null]", ErrMalformedEncoding)
	}
	ch.LegacySessionID = dup(sessionID)
	ch.CipherSuites = nil
	for !suites.Empty() {
		var suite uint16
		suites.ReadUint16(&suite)
		ch.CipherSuites = append(ch.CipherSuites, CipherSuite(suite))
	}
	var err error
	ch.Extensions, err = readExtensionList(&s)
	if err != nil {
		return 0, err
	}
	return len(data) - len(s), nil
}

// ServerHelloBody (RFC 8446, Section 4.1.3)
type ServerHelloBody struct {
	LegacyVersion   uint16
	Random          [helloRandomLen]byte
	LegacySessionID []byte
	CipherSuite     CipherSuite
	Extensions      ExtensionList
}

func (sh ServerHelloBody) Type() HandshakeType {
	return HandshakeTypeServerHello
}

func (sh ServerHelloBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(sh.LegacyVersion)
	b.AddBytes(sh.Random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sh.LegacySessionID)
	})
	b.AddUint16(uint16(sh.CipherSuite))
	b.AddUint8(0) // legacy_compression_method
	sh.Extensions.addTo(&b)
	return b.Bytes()
}

func (sh *ServerHelloBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var sessionID cryptobyte.String
	var suite uint16
	var compression uint8
	if !s.ReadUint16(&sh.LegacyVersion) ||
		!s.CopyBytes(sh.Random[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16(&suite) ||
		!s.ReadUint8(&compression) {
		return 0, fmt.Errorf("%w: ServerHello truncated", ErrMalformedEncoding)
	}
	if compression != 0 {
		return 0, fmt.Errorf("%w: nonzero compression method", ErrMalformedEncoding)
	}
	sh.LegacySessionID = dup(sessionID)
	sh.CipherSuite = CipherSuite(suite)
	var err error
	sh.Extensions, err = readExtensionList(&s)
	if err != nil {
		return 0, err
	}
	return len(data) - len(s), nil
}

// EncryptedExtensionsBody (RFC 8446, Section 4.3.1).  We negotiate nothing
// that lives here, but the message must still be decoded and fed to the
// transcript.
type EncryptedExtensionsBody struct {
	Extensions ExtensionList
}

func (ee EncryptedExtensionsBody) Type() HandshakeType {
	return HandshakeTypeEncryptedExtensions
}

func (ee EncryptedExtensionsBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	ee.Extensions.addTo(&b)
	return b.Bytes()
}

func (ee *EncryptedExtensionsBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var err error
	ee.Extensions, err = readExtensionList(&s)
	if err != nil {
		return 0, err
	}
	return len(data) - len(s), nil
}

// CertificateEntry is one DER certificate plus its per-certificate
// extensions.  The DER bytes stay opaque here; parsing happens in the
// verifier so the codec remains pure.
type CertificateEntry struct {
	CertData   []byte
	Extensions ExtensionList
}

// CertificateBody (RFC 8446, Section 4.4.2).  The leaf is entry zero.
type CertificateBody struct {
	CertificateRequestContext []byte
	CertificateList           []CertificateEntry
}

func (c CertificateBody) Type() HandshakeType {
	return HandshakeTypeCertificate
}

func (c CertificateBody) Marshal() ([]byte, error) {
	for _, entry := range c.CertificateList {
		if len(entry.CertData) == 0 {
			return nil, fmt.Errorf("%w: empty certificate entry", ErrMalformedEncoding)
		}
	}
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.CertificateRequestContext)
	})
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, entry := range c.CertificateList {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(entry.CertData)
			})
			entry.Extensions.addTo(b)
		}
	})
	return b.Bytes()
}

func (c *CertificateBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var context, list cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&context) || !s.ReadUint24LengthPrefixed(&list) {
		return 0, fmt.Errorf("%w: Certificate truncated", ErrMalformedEncoding)
	}
	c.CertificateRequestContext = dup(context)
	c.CertificateList = nil
	for !list.Empty() {
		var certData cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&certData) || certData.Empty() {
			return 0, fmt.Errorf("%w: bad certificate entry", ErrMalformedEncoding)
		}
		exts, err := readExtensionList(&list)
		if err != nil {
			return 0, err
		}
		c.CertificateList = append(c.CertificateList, CertificateEntry{
			CertData:   dup(certData),
			Extensions: exts,
		})
	}
	return len(data) - len(s), nil
}

// CertificateVerifyBody (RFC 8446, Section 4.4.3)
type CertificateVerifyBody struct {
	Algorithm SignatureScheme
	Signature []byte
}

func (cv CertificateVerifyBody) Type() HandshakeType {
	return HandshakeTypeCertificateVerify
}

func (cv CertificateVerifyBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(uint16(cv.Algorithm))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(cv.Signature)
	})
	return b.Bytes()
}

func (cv *CertificateVerifyBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var alg uint16
	var sig cryptobyte.String
	if !s.ReadUint16(&alg) || !s.ReadUint16LengthPrefixed(&sig) || sig.Empty() {
		return 0, fmt.Errorf("%w: CertificateVerify truncated", ErrMalformedEncoding)
	}
	cv.Algorithm = SignatureScheme(alg)
	cv.Signature = dup(sig)
	return len(data) - len(s), nil
}

// FinishedBody (RFC 8446, Section 4.4.4).  The verify data length is the
// negotiated hash size; the state machine checks it against the suite.
type FinishedBody struct {
	VerifyData []byte
}

func (fin FinishedBody) Type() HandshakeType {
	return HandshakeTypeFinished
}

func (fin FinishedBody) Marshal() ([]byte, error) {
	if len(fin.VerifyData) == 0 {
		return nil, fmt.Errorf("%w: empty Finished verify data", ErrMalformedEncoding)
	}
	return dup(fin.VerifyData), nil
}

func (fin *FinishedBody) Unmarshal(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty Finished body", ErrMalformedEncoding)
	}
	fin.VerifyData = dup(data)
	return len(data), nil
}

// NewSessionTicketBody (RFC 8446, Section 4.6.1).  Resumption is out of
// scope, but the message arrives unsolicited after the handshake and must
// decode cleanly so it can be ignored.
type NewSessionTicketBody struct {
	TicketLifetime uint32
	TicketAgeAdd   uint32
	TicketNonce    []byte
	Ticket         []byte
	Extensions     ExtensionList
}

func (tkt NewSessionTicketBody) Type() HandshakeType {
	return HandshakeTypeNewSessionTicket
}

func (tkt NewSessionTicketBody) Marshal() ([]byte, error) {
	if len(tkt.Ticket) == 0 {
		return nil, fmt.Errorf("%w: empty ticket", ErrMalformedEncoding)
	}
	var b cryptobyte.Builder
	b.AddUint32(tkt.TicketLifetime)
	b.AddUint32(tkt.TicketAgeAdd)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(tkt.TicketNonce)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(tkt.Ticket)
	})
	tkt.Extensions.addTo(&b)
	return b.Bytes()
}

func (tkt *NewSessionTicketBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var nonce, ticket cryptobyte.String
	if !s.ReadUint32(&tkt.TicketLifetime) ||
		!s.ReadUint32(&tkt.TicketAgeAdd) ||
		!s.ReadUint8LengthPrefixed(&nonce) ||
		!s.ReadUint16LengthPrefixed(&ticket) ||
		ticket.Empty() {
		return 0, fmt.Errorf("%w: NewSessionTicket truncated", ErrMalformedEncoding)
	}
	tkt.TicketNonce = dup(nonce)
	tkt.Ticket = dup(ticket)
	var err error
	tkt.Extensions, err = readExtensionList(&s)
	if err != nil {
		return 0, err
	}
	return len(data) - len(s), nil
}

type KeyUpdateRequest uint8

const (
	KeyUpdateNotRequested KeyUpdateRequest = 0
	KeyUpdateRequested    KeyUpdateRequest = 1
)

// KeyUpdateBody (RFC 8446, Section 4.6.3).  Rekeying is not implemented;
// receiving this message is fatal, but it still has to decode so the state
// machine can tell it apart from garbage.
type KeyUpdateBody struct {
	KeyUpdateRequest KeyUpdateRequest
}

func (ku KeyUpdateBody) Type() HandshakeType {
	return HandshakeTypeKeyUpdate
}

func (ku KeyUpdateBody) Marshal() ([]byte, error) {
	return []byte{byte(ku.KeyUpdateRequest)}, nil
}

func (ku *KeyUpdateBody) Unmarshal(data []byte) (int, error) {
	if len(data) != 1 || data[0] > 1 {
		return 0, fmt.Errorf("%w: bad KeyUpdate body", ErrMalformedEncoding)
	}
	ku.KeyUpdateRequest = KeyUpdateRequest(data[0])
	return 1, nil
}
