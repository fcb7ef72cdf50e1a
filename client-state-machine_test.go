package minitls

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// messageQueueReader feeds pre-built messages to a state machine under test.
type messageQueueReader struct {
	queue []*HandshakeMessage
}

func (r *messageQueueReader) ReadMessage() (*HandshakeMessage, Alert) {
	if len(r.queue) == 0 {
		return nil, AlertInternalError
	}
	hm := r.queue[0]
	r.queue = r.queue[1:]
	return hm, AlertNoAlert
}

// startedClient runs ClientStateStart and hands back the WAIT_SH state.
func startedClient(t *testing.T) clientStateWaitSH {
	t.Helper()
	config := &Config{}
	require.NoError(t, config.Init(true))

	start := clientStateStart{
		Config: config,
		Opts:   ConnectionOptions{ServerName: testServerName},
		hsCtx:  &HandshakeContext{},
	}
	nextGeneric, actions, alert := start.Next(nil)
	require.Equal(t, AlertNoAlert, alert)
	require.Len(t, actions, 2)
	assert.IsType(t, QueueHandshakeMessage{}, actions[0])
	assert.IsType(t, SendQueuedHandshake{}, actions[1])

	waitSH, ok := nextGeneric.(clientStateWaitSH)
	require.True(t, ok)
	require.Equal(t, StateClientWaitSH, waitSH.State())
	return waitSH
}

// serverHelloFor builds a ServerHello that would pass WAIT_SH, then lets the
// caller break one thing at a time.
func serverHelloFor(t *testing.T, group NamedGroup, suite CipherSuite, mutate func(*ServerHelloBody)) *HandshakeMessage {
	t.Helper()
	pub, _, err := newKeyShare(group)
	require.NoError(t, err)

	sh := &ServerHelloBody{
		LegacyVersion:   tls12Version,
		LegacySessionID: []byte{},
		CipherSuite:     suite,
	}
	_, err = io.ReadFull(rand.Reader, sh.Random[:])
	require.NoError(t, err)
	require.NoError(t, sh.Extensions.Add(&SupportedVersionsExtension{
		HandshakeType: HandshakeTypeServerHello,
		Versions:      []uint16{supportedVersion},
	}))
	require.NoError(t, sh.Extensions.Add(&KeyShareExtension{
		HandshakeType: HandshakeTypeServerHello,
		Shares:        []KeyShareEntry{{Group: group, KeyExchange: pub}},
	}))
	if mutate != nil {
		mutate(sh)
	}

	hm, err := handshakeMessageFromBody(sh)
	require.NoError(t, err)
	return hm
}

func TestClientAcceptsValidServerHello(t *testing.T) {
	state := startedClient(t)
	sh := serverHelloFor(t, state.offeredGroup, TLS_AES_128_GCM_SHA256, nil)

	nextGeneric, actions, alert := state.Next(&messageQueueReader{queue: []*HandshakeMessage{sh}})
	require.Equal(t, AlertNoAlert, alert)

	next, ok := nextGeneric.(clientStateWaitEE)
	require.True(t, ok)
	assert.Equal(t, TLS_AES_128_GCM_SHA256, next.params.CipherSuite)
	assert.Equal(t, state.offeredGroup, next.params.NegotiatedGroup)

	// Both directions move to handshake keys, read side first.
	require.Len(t, actions, 2)
	rekeyIn, ok := actions[0].(RekeyIn)
	require.True(t, ok)
	assert.Equal(t, EpochHandshakeData, rekeyIn.epoch)
	rekeyOut, ok := actions[1].(RekeyOut)
	require.True(t, ok)
	assert.Equal(t, EpochHandshakeData, rekeyOut.epoch)
	assert.NotEqual(t, rekeyIn.KeySet.Keys, rekeyOut.KeySet.Keys)
}

func TestClientRejectsHelloRetryRequest(t *testing.T) {
	state := startedClient(t)
	sh := serverHelloFor(t, state.offeredGroup, TLS_AES_128_GCM_SHA256, func(sh *ServerHelloBody) {
		sh.Random = hrrRandomSentinel
	})

	_, _, alert := state.Next(&messageQueueReader{queue: []*HandshakeMessage{sh}})
	assert.Equal(t, AlertHandshakeFailure, alert)
}

func TestClientRejectsWrongVersion(t *testing.T) {
	state := startedClient(t)
	sh := serverHelloFor(t, state.offeredGroup, TLS_AES_128_GCM_SHA256, func(sh *ServerHelloBody) {
		sh.Extensions = nil
		require.NoError(t, sh.Extensions.Add(&SupportedVersionsExtension{
			HandshakeType: HandshakeTypeServerHello,
			Versions:      []uint16{tls12Version},
		}))
	})

	_, _, alert := state.Next(&messageQueueReader{queue: []*HandshakeMessage{sh}})
	assert.Equal(t, AlertProtocolVersion, alert)
}

func TestClientRejectsUnofferedSuite(t *testing.T) {
	state := startedClient(t)
	state.offeredSuites = []CipherSuite{TLS_AES_128_GCM_SHA256}
	sh := serverHelloFor(t, state.offeredGroup, TLS_CHACHA20_POLY1305_SHA256, nil)

	_, _, alert := state.Next(&messageQueueReader{queue: []*HandshakeMessage{sh}})
	assert.Equal(t, AlertHandshakeFailure, alert)
}

func TestClientRejectsMissingKeyShare(t *testing.T) {
	state := startedClient(t)
	sh := serverHelloFor(t, state.offeredGroup, TLS_AES_128_GCM_SHA256, func(sh *ServerHelloBody) {
		sh.Extensions = nil
		require.NoError(t, sh.Extensions.Add(&SupportedVersionsExtension{
			HandshakeType: HandshakeTypeServerHello,
			Versions:      []uint16{supportedVersion},
		}))
	})

	_, _, alert := state.Next(&messageQueueReader{queue: []*HandshakeMessage{sh}})
	assert.Equal(t, AlertMissingExtension, alert)
}

func TestClientRejectsKeyShareForUnofferedGroup(t *testing.T) {
	state := startedClient(t)
	require.NotEqual(t, P384, state.offeredGroup)
	sh := serverHelloFor(t, P384, TLS_AES_128_GCM_SHA256, nil)

	_, _, alert := state.Next(&messageQueueReader{queue: []*HandshakeMessage{sh}})
	assert.Equal(t, AlertHandshakeFailure, alert)
}

func TestClientRejectsUnexpectedMessageInWaitSH(t *testing.T) {
	state := startedClient(t)
	ee, err := handshakeMessageFromBody(&EncryptedExtensionsBody{})
	require.NoError(t, err)

	_, _, alert := state.Next(&messageQueueReader{queue: []*HandshakeMessage{ee}})
	assert.Equal(t, AlertUnexpectedMessage, alert)
}

func TestServerRejectsClientWithoutTLS13(t *testing.T) {
	config := &Config{Certificates: []*Certificate{makeECDSACertificate(t)}}
	require.NoError(t, config.Init(false))

	ch := sampleClientHello(t)
	// Strip supported_versions by rebuilding the list without it.
	var kept ExtensionList
	for _, ext := range ch.Extensions {
		if ext.ExtensionType != ExtensionTypeSupportedVersions {
			kept = append(kept, ext)
		}
	}
	ch.Extensions = kept
	hm, err := handshakeMessageFromBody(ch)
	require.NoError(t, err)

	start := serverStateStart{Config: config, hsCtx: &HandshakeContext{}}
	_, _, alert := start.Next(&messageQueueReader{queue: []*HandshakeMessage{hm}})
	assert.Equal(t, AlertProtocolVersion, alert)
}

func TestServerRejectsUnexpectedFirstMessage(t *testing.T) {
	config := &Config{Certificates: []*Certificate{makeECDSACertificate(t)}}
	require.NoError(t, config.Init(false))

	fin, err := handshakeMessageFromBody(&FinishedBody{VerifyData: make([]byte, 32)})
	require.NoError(t, err)

	start := serverStateStart{Config: config, hsCtx: &HandshakeContext{}}
	_, _, alert := start.Next(&messageQueueReader{queue: []*HandshakeMessage{fin}})
	assert.Equal(t, AlertUnexpectedMessage, alert)
}

func TestClientRejectsTamperedServerFinished(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]

	transcript := newTranscriptHash()
	transcript.setAlgorithm(params.Hash)
	transcript.update([]byte("clienthello through serverhello"))

	keys := newKeySchedule(params)
	keys.deriveHandshakeSecrets(bytes.Repeat([]byte{0x3c}, 32), transcript.snapshot())
	transcript.update([]byte("encryptedextensions through certificateverify"))

	verifyData := computeFinishedData(params, keys.serverHandshakeTrafficSecret, transcript.snapshot())
	verifyData[3] ^= 0x80

	state := clientStateWaitFinished{
		hsCtx:        &HandshakeContext{},
		cryptoParams: params,
		transcript:   transcript,
		keys:         keys,
	}
	hm, err := handshakeMessageFromBody(&FinishedBody{VerifyData: verifyData})
	require.NoError(t, err)

	_, _, alert := state.Next(&messageQueueReader{queue: []*HandshakeMessage{hm}})
	assert.Equal(t, AlertDecryptError, alert)
}
