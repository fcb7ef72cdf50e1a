package minitls

import (
	"crypto/hmac"
	"crypto/rand"
	"io"
)

// Server side of the same flow, kept to the minimum the client needs to be
// exercised against a real peer: ECDHE only, one certificate, no
// HelloRetryRequest, no client auth, no tickets.

type serverStateStart struct {
	Config *Config
	hsCtx  *HandshakeContext
}

var _ HandshakeState = &serverStateStart{}

func (state serverStateStart) State() State {
	return StateServerStart
}

func (state serverStateStart) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeClientHello {
		logf(logTypeHandshake, "[ServerStateStart] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ServerStateStart] Error decoding ClientHello: %v", err)
		return nil, nil, errToAlert(err)
	}
	ch := bodyGeneric.(*ClientHelloBody)

	// The client must negotiate 1.3 through supported_versions; the legacy
	// version field is vestigial.
	sv := SupportedVersionsExtension{HandshakeType: HandshakeTypeClientHello}
	found, err := ch.Extensions.Find(&sv)
	if err != nil {
		return nil, nil, errToAlert(err)
	}
	version13 := false
	if found {
		for _, v := range sv.Versions {
			if v == supportedVersion {
				version13 = true
			}
		}
	}
	if !version13 {
		logf(logTypeNegotiation, "[ServerStateStart] Client does not speak TLS 1.3")
		return nil, nil, AlertProtocolVersion
	}

	var sa SignatureAlgorithmsExtension
	if found, err = ch.Extensions.Find(&sa); err != nil {
		return nil, nil, errToAlert(err)
	} else if !found {
		return nil, nil, AlertMissingExtension
	}

	// Suite selection honors our preference order.
	var params CipherSuiteParams
	chosenSuite := CipherSuite(0)
	for _, suite := range state.Config.CipherSuites {
		for _, offered := range ch.CipherSuites {
			if suite == offered {
				chosenSuite = suite
				params = cipherSuiteMap[suite]
				break
			}
		}
		if chosenSuite != 0 {
			break
		}
	}
	if chosenSuite == 0 {
		logf(logTypeNegotiation, "[ServerStateStart] No mutually supported cipher suite")
		return nil, nil, AlertHandshakeFailure
	}

	// Without HelloRetryRequest the client's key share must already cover a
	// group we support.
	ksExt := KeyShareExtension{HandshakeType: HandshakeTypeClientHello}
	if found, err = ch.Extensions.Find(&ksExt); err != nil {
		return nil, nil, errToAlert(err)
	} else if !found {
		return nil, nil, AlertMissingExtension
	}
	var clientShare KeyShareEntry
	for _, group := range state.Config.Groups {
		for _, share := range ksExt.Shares {
			if share.Group == group {
				clientShare = share
				break
			}
		}
		if clientShare.KeyExchange != nil {
			break
		}
	}
	if clientShare.KeyExchange == nil {
		logf(logTypeNegotiation, "[ServerStateStart] No usable key share")
		return nil, nil, AlertHandshakeFailure
	}

	if len(state.Config.Certificates) == 0 {
		logf(logTypeHandshake, "[ServerStateStart] No server certificate configured")
		return nil, nil, AlertInternalError
	}
	cert := state.Config.Certificates[0]
	scheme, err := signatureSchemeForKey(cert.Chain[0].PublicKey)
	if err != nil {
		logf(logTypeHandshake, "[ServerStateStart] Unusable server key: %v", err)
		return nil, nil, AlertInternalError
	}

	pub, priv, err := newKeyShare(clientShare.Group)
	if err != nil {
		logf(logTypeHandshake, "[ServerStateStart] Error generating key share: %v", err)
		return nil, nil, AlertInternalError
	}
	dhSecret, err := keyAgreement(clientShare.Group, clientShare.KeyExchange, priv)
	zeroize(priv)
	if err != nil {
		logf(logTypeHandshake, "[ServerStateStart] Key agreement failed: %v", err)
		return nil, nil, AlertIllegalParameter
	}

	sh := &ServerHelloBody{
		LegacyVersion:   tls12Version,
		LegacySessionID: ch.LegacySessionID,
		CipherSuite:     chosenSuite,
	}
	if _, err := io.ReadFull(rand.Reader, sh.Random[:]); err != nil {
		return nil, nil, AlertInternalError
	}
	err = extensionError(
		sh.Extensions.Add(&SupportedVersionsExtension{
			HandshakeType: HandshakeTypeServerHello,
			Versions:      []uint16{supportedVersion},
		}),
		sh.Extensions.Add(&KeyShareExtension{
			HandshakeType: HandshakeTypeServerHello,
			Shares:        []KeyShareEntry{{Group: clientShare.Group, KeyExchange: pub}},
		}),
	)
	if err != nil {
		return nil, nil, AlertInternalError
	}
	shm, err := handshakeMessageFromBody(sh)
	if err != nil {
		return nil, nil, AlertInternalError
	}

	transcript := newTranscriptHash()
	transcript.setAlgorithm(params.Hash)
	transcript.update(hm.Marshal())
	transcript.update(shm.Marshal())

	keys := newKeySchedule(params)
	keys.deriveHandshakeSecrets(dhSecret, transcript.snapshot())
	zeroize(dhSecret)
	clientHsKeys := makeTrafficKeys(params, keys.clientHandshakeTrafficSecret)
	serverHsKeys := makeTrafficKeys(params, keys.serverHandshakeTrafficSecret)

	// Remainder of the server flight, all under handshake keys.
	eem, err := handshakeMessageFromBody(&EncryptedExtensionsBody{})
	if err != nil {
		return nil, nil, AlertInternalError
	}
	transcript.update(eem.Marshal())

	certBody := &CertificateBody{}
	for _, c := range cert.Chain {
		certBody.CertificateList = append(certBody.CertificateList, CertificateEntry{CertData: c.Raw})
	}
	certm, err := handshakeMessageFromBody(certBody)
	if err != nil {
		return nil, nil, AlertInternalError
	}
	transcript.update(certm.Marshal())

	sig, err := signMessage(scheme, cert.PrivateKey, contextCertificateVerifyServer, transcript.snapshot())
	if err != nil {
		logf(logTypeHandshake, "[ServerStateStart] Error signing transcript: %v", err)
		return nil, nil, AlertInternalError
	}
	cvm, err := handshakeMessageFromBody(&CertificateVerifyBody{Algorithm: scheme, Signature: sig})
	if err != nil {
		return nil, nil, AlertInternalError
	}
	transcript.update(cvm.Marshal())

	verifyData := computeFinishedData(params, keys.serverHandshakeTrafficSecret, transcript.snapshot())
	finm, err := handshakeMessageFromBody(&FinishedBody{VerifyData: verifyData})
	if err != nil {
		return nil, nil, AlertInternalError
	}
	transcript.update(finm.Marshal())

	// Application secrets bind to the transcript through our Finished; the
	// write direction flips to them as soon as the flight is out, while
	// reads stay on handshake keys until the client Finished checks out.
	keys.deriveApplicationSecrets(transcript.snapshot())
	serverAppKeys := makeTrafficKeys(params, keys.serverTrafficSecret)

	logf(logTypeHandshake, "[ServerStateStart] Negotiated suite=%v group=%d", chosenSuite, clientShare.Group)
	nextState := serverStateWaitFinished{
		hsCtx:        state.hsCtx,
		cryptoParams: params,
		transcript:   transcript,
		keys:         keys,
		params: ConnectionParameters{
			CipherSuite:     chosenSuite,
			NegotiatedGroup: clientShare.Group,
		},
	}
	toSend := []HandshakeAction{
		QueueHandshakeMessage{shm},
		SendQueuedHandshake{},
		RekeyIn{epoch: EpochHandshakeData, KeySet: clientHsKeys},
		RekeyOut{epoch: EpochHandshakeData, KeySet: serverHsKeys},
		QueueHandshakeMessage{eem},
		QueueHandshakeMessage{certm},
		QueueHandshakeMessage{cvm},
		QueueHandshakeMessage{finm},
		SendQueuedHandshake{},
		RekeyOut{epoch: EpochApplicationData, KeySet: serverAppKeys},
	}
	return nextState, toSend, AlertNoAlert
}

type serverStateWaitFinished struct {
	hsCtx *HandshakeContext

	cryptoParams CipherSuiteParams
	transcript   *transcriptHash
	keys         *keySchedule
	params       ConnectionParameters
}

var _ HandshakeState = &serverStateWaitFinished{}
var _ secretCarrier = serverStateWaitFinished{}

func (state serverStateWaitFinished) State() State {
	return StateServerWaitFinished
}

func (state serverStateWaitFinished) zeroizeSecrets() {
	state.keys.zeroizeAll()
}

func (state serverStateWaitFinished) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeFinished {
		logf(logTypeHandshake, "[ServerStateWaitFinished] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ServerStateWaitFinished] Error decoding Finished: %v", err)
		return nil, nil, errToAlert(err)
	}
	fin := bodyGeneric.(*FinishedBody)

	expected := computeFinishedData(state.cryptoParams, state.keys.clientHandshakeTrafficSecret, state.transcript.snapshot())
	if len(fin.VerifyData) != len(expected) || !hmac.Equal(expected, fin.VerifyData) {
		logf(logTypeHandshake, "[ServerStateWaitFinished] Client Finished verification failed")
		return nil, nil, AlertDecryptError
	}
	state.transcript.update(hm.Marshal())

	state.keys.deriveResumptionSecret(state.transcript.snapshot())
	state.keys.dropHandshakeSecrets()
	clientAppKeys := makeTrafficKeys(state.cryptoParams, state.keys.clientTrafficSecret)

	logf(logTypeHandshake, "[ServerStateWaitFinished] Handshake complete")
	nextState := stateConnected{
		Params:       state.params,
		hsCtx:        state.hsCtx,
		isClient:     false,
		cryptoParams: state.cryptoParams,
		keys:         state.keys,
	}
	toSend := []HandshakeAction{
		RekeyIn{epoch: EpochApplicationData, KeySet: clientAppKeys},
	}
	return nextState, toSend, AlertNoAlert
}
