package minitls

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHandshakePair(buf *bytes.Buffer) (in, out *HandshakeLayer) {
	rIn, rOut := testRecordPair(buf)
	return NewHandshakeLayerTLS(rIn), NewHandshakeLayerTLS(rOut)
}

func TestHandshakeLayerQueueAndRead(t *testing.T) {
	var buf bytes.Buffer
	in, out := testHandshakePair(&buf)

	first, err := handshakeMessageFromBody(&FinishedBody{VerifyData: bytes.Repeat([]byte{0xaa}, 32)})
	require.NoError(t, err)
	second, err := handshakeMessageFromBody(&FinishedBody{VerifyData: bytes.Repeat([]byte{0xbb}, 48)})
	require.NoError(t, err)

	require.NoError(t, out.QueueMessage(first))
	require.NoError(t, out.QueueMessage(second))
	_, err = out.SendQueuedMessages()
	require.NoError(t, err)

	// Both messages travel in one record and come back out separately.
	got, err := in.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, first.Marshal(), got.Marshal())

	got, err = in.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, second.Marshal(), got.Marshal())
}

func TestHandshakeLayerFragmentsLargeMessages(t *testing.T) {
	var buf bytes.Buffer
	in, out := testHandshakePair(&buf)

	big, err := handshakeMessageFromBody(&CertificateBody{
		CertificateList: []CertificateEntry{{CertData: bytes.Repeat([]byte{0xcc}, maxFragmentLen+1000)}},
	})
	require.NoError(t, err)

	require.NoError(t, out.QueueMessage(big))
	_, err = out.SendQueuedMessages()
	require.NoError(t, err)

	// The flight does not fit in one record.
	require.True(t, buf.Len() > maxFragmentLen+recordHeaderLen)

	got, err := in.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, big.Marshal(), got.Marshal())
}

func TestHandshakeLayerIgnoresCompatibilityCCS(t *testing.T) {
	var buf bytes.Buffer
	in, out := testHandshakePair(&buf)
	_, rOut := testRecordPair(&buf)

	require.NoError(t, rOut.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeChangeCipherSpec,
		fragment:    []byte{0x01},
	}))
	msg, err := handshakeMessageFromBody(&FinishedBody{VerifyData: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, out.QueueMessage(msg))
	_, err = out.SendQueuedMessages()
	require.NoError(t, err)

	got, err := in.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, HandshakeTypeFinished, got.msgType)
}

func TestHandshakeLayerRejectsMalformedCCS(t *testing.T) {
	var buf bytes.Buffer
	in, _ := testHandshakePair(&buf)
	_, rOut := testRecordPair(&buf)

	require.NoError(t, rOut.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeChangeCipherSpec,
		fragment:    []byte{0x02},
	}))

	_, err := in.ReadMessage()
	assert.ErrorIs(t, err, ErrMalformedEncoding)
}

func TestHandshakeLayerDropsWarningAlerts(t *testing.T) {
	var buf bytes.Buffer
	in, out := testHandshakePair(&buf)
	_, rOut := testRecordPair(&buf)

	require.NoError(t, rOut.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    []byte{AlertLevelWarning, byte(AlertUserCanceled)},
	}))
	msg, err := handshakeMessageFromBody(&FinishedBody{VerifyData: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, out.QueueMessage(msg))
	_, err = out.SendQueuedMessages()
	require.NoError(t, err)

	got, err := in.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, HandshakeTypeFinished, got.msgType)
}

func TestHandshakeLayerSurfacesFatalAlert(t *testing.T) {
	var buf bytes.Buffer
	in, _ := testHandshakePair(&buf)
	_, rOut := testRecordPair(&buf)

	require.NoError(t, rOut.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    []byte{AlertLevelError, byte(AlertHandshakeFailure)},
	}))

	_, err := in.ReadMessage()
	var remote remoteAlertError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, AlertHandshakeFailure, remote.alert)
}

func TestHandshakeLayerCloseNotifyIsEOF(t *testing.T) {
	var buf bytes.Buffer
	in, _ := testHandshakePair(&buf)
	_, rOut := testRecordPair(&buf)

	require.NoError(t, rOut.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    []byte{AlertLevelWarning, byte(AlertCloseNotify)},
	}))

	_, err := in.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandshakeLayerRejectsZeroLengthHandshakeRecord(t *testing.T) {
	var buf bytes.Buffer
	in, _ := testHandshakePair(&buf)
	_, rOut := testRecordPair(&buf)

	require.NoError(t, rOut.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeHandshake,
		fragment:    []byte{},
	}))

	_, err := in.ReadMessage()
	assert.ErrorIs(t, err, ErrMalformedEncoding)
}

func TestHandshakeLayerMessageSplitAcrossRecords(t *testing.T) {
	var buf bytes.Buffer
	in, _ := testHandshakePair(&buf)
	_, rOut := testRecordPair(&buf)

	msg, err := handshakeMessageFromBody(&FinishedBody{VerifyData: bytes.Repeat([]byte{0xdd}, 32)})
	require.NoError(t, err)
	wire := msg.Marshal()

	require.NoError(t, rOut.WriteRecord(&TLSPlaintext{contentType: RecordTypeHandshake, fragment: wire[:7]}))
	require.NoError(t, rOut.WriteRecord(&TLSPlaintext{contentType: RecordTypeHandshake, fragment: wire[7:]}))

	got, err := in.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire, got.Marshal())
}
