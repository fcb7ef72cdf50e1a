package minitls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/cryptobyte"
)

func TestRecordHeaderRoundTrip(t *testing.T) {
	hdr := recordHeader{
		contentType:   RecordTypeHandshake,
		legacyVersion: tls12Version,
		length:        0x1234,
	}
	encoded := encodeRecordHeader(hdr)
	require.Len(t, encoded, recordHeaderLen)

	decoded, err := decodeRecordHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, hdr, decoded)
}

func TestRecordHeaderRejectsUnknownContentType(t *testing.T) {
	_, err := decodeRecordHeader([]byte{0x99, 0x03, 0x03, 0x00, 0x05})
	assert.ErrorIs(t, err, ErrMalformedEncoding)
}

func TestRecordHeaderRejectsTruncation(t *testing.T) {
	_, err := decodeRecordHeader([]byte{byte(RecordTypeAlert), 0x03})
	assert.ErrorIs(t, err, ErrMalformedEncoding)
}

func TestHandshakeHeaderRoundTrip(t *testing.T) {
	encoded := encodeHandshakeHeader(HandshakeTypeCertificate, 0x01_0000)
	require.Len(t, encoded, handshakeHeaderLenTLS)

	msgType, length, err := decodeHandshakeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, HandshakeTypeCertificate, msgType)
	assert.Equal(t, 0x01_0000, length)
}

func TestExtensionListAddAndFind(t *testing.T) {
	var el ExtensionList
	require.NoError(t, el.Add(&SupportedGroupsExtension{Groups: []NamedGroup{X25519, P256}}))
	require.NoError(t, el.Add(&SignatureAlgorithmsExtension{Algorithms: []SignatureScheme{Ed25519}}))

	var groups SupportedGroupsExtension
	found, err := el.Find(&groups)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []NamedGroup{X25519, P256}, groups.Groups)

	var sni ServerNameExtension
	found, err = el.Find(&sni)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExtensionListWireRoundTrip(t *testing.T) {
	var el ExtensionList
	require.NoError(t, el.Add(&SupportedVersionsExtension{
		HandshakeType: HandshakeTypeServerHello,
		Versions:      []uint16{supportedVersion},
	}))

	var b cryptobyte.Builder
	el.addTo(&b)
	encoded, err := b.Bytes()
	require.NoError(t, err)

	s := cryptobyte.String(encoded)
	decoded, err := readExtensionList(&s)
	require.NoError(t, err)
	assert.Equal(t, el, decoded)
	assert.Empty(t, s)
}

func TestKeyShareEntryRoundTrip(t *testing.T) {
	entry := KeyShareEntry{Group: X25519, KeyExchange: make([]byte, 32)}

	var b cryptobyte.Builder
	entry.addTo(&b)
	encoded, err := b.Bytes()
	require.NoError(t, err)

	s := cryptobyte.String(encoded)
	decoded, err := readKeyShareEntry(&s)
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}

func TestKeyShareEntryRejectsEmptyKeyExchange(t *testing.T) {
	// group || 16-bit length of zero
	s := cryptobyte.String([]byte{0x00, 0x1d, 0x00, 0x00})
	_, err := readKeyShareEntry(&s)
	assert.ErrorIs(t, err, ErrMalformedEncoding)
}
