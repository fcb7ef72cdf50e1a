package minitls

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509"
	"io"
)

// Client state machine (RFC 8446, Appendix A.1):
//
//	START -> WAIT_SH -> WAIT_EE -> WAIT_CERT -> WAIT_CV -> WAIT_FINISHED -> CONNECTED
//
// Each state validates exactly one inbound message, feeds it to the
// transcript, advances the key schedule when the protocol says to, and
// returns the record-layer effects as actions.  Anything out of order or
// cryptographically wrong is a fatal alert; there is no recovery path.

// hrrRandomSentinel is the fixed ServerHello.random value that marks a
// HelloRetryRequest (RFC 8446, Section 4.1.3).
var hrrRandomSentinel = [32]byte{
	0xcf, 0x21, 0xad, 0x74, 0xe5, 0x9a, 0x61, 0x11,
	0xbe, 0x1d, 0x8c, 0x02, 0x1e, 0x65, 0xb8, 0x91,
	0xc2, 0xa2, 0x11, 0x16, 0x7a, 0xbb, 0x8c, 0x5e,
	0x07, 0x9e, 0x09, 0xe2, 0xc8, 0xa8, 0x33, 0x9c,
}

type clientStateStart struct {
	Config *Config
	Opts   ConnectionOptions
	hsCtx  *HandshakeContext
}

var _ HandshakeState = &clientStateStart{}

func (state clientStateStart) State() State {
	return StateClientStart
}

func (state clientStateStart) Next(_ handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	if len(state.Config.CipherSuites) == 0 || len(state.Config.Groups) == 0 {
		logf(logTypeHandshake, "[ClientStateStart] No suites or groups configured")
		return nil, nil, AlertInternalError
	}

	// One ephemeral share for our most preferred group.  If the server wants
	// a different group it would answer with HelloRetryRequest, which is out
	// of scope and treated as a handshake failure in WAIT_SH.
	group := state.Config.Groups[0]
	pub, priv, err := newKeyShare(group)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error generating key share: %v", err)
		return nil, nil, AlertInternalError
	}

	ch := &ClientHelloBody{LegacyVersion: tls12Version}
	if _, err := io.ReadFull(rand.Reader, ch.Random[:]); err != nil {
		return nil, nil, AlertInternalError
	}
	ch.LegacySessionID = make([]byte, legacySessionIDLen)
	if _, err := io.ReadFull(rand.Reader, ch.LegacySessionID); err != nil {
		return nil, nil, AlertInternalError
	}
	ch.CipherSuites = state.Config.CipherSuites

	sni := ServerNameExtension(state.Opts.ServerName)
	err = extensionError(
		addIf(len(state.Opts.ServerName) > 0, &ch.Extensions, &sni),
		ch.Extensions.Add(&SupportedGroupsExtension{Groups: state.Config.Groups}),
		ch.Extensions.Add(&SignatureAlgorithmsExtension{Algorithms: state.Config.SignatureSchemes}),
		ch.Extensions.Add(&SupportedVersionsExtension{
			HandshakeType: HandshakeTypeClientHello,
			Versions:      []uint16{supportedVersion},
		}),
		ch.Extensions.Add(&KeyShareExtension{
			HandshakeType: HandshakeTypeClientHello,
			Shares:        []KeyShareEntry{{Group: group, KeyExchange: pub}},
		}),
	)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error building ClientHello: %v", err)
		return nil, nil, AlertInternalError
	}

	chm, err := handshakeMessageFromBody(ch)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error marshaling ClientHello: %v", err)
		return nil, nil, AlertInternalError
	}

	transcript := newTranscriptHash()
	transcript.update(chm.Marshal())

	logf(logTypeHandshake, "[ClientStateStart] Sending ClientHello: group=%d suites=%v", group, state.Config.CipherSuites)
	nextState := clientStateWaitSH{
		Config:        state.Config,
		Opts:          state.Opts,
		hsCtx:         state.hsCtx,
		transcript:    transcript,
		offeredSuites: state.Config.CipherSuites,
		offeredGroup:  group,
		privateKey:    priv,
	}
	toSend := []HandshakeAction{
		QueueHandshakeMessage{chm},
		SendQueuedHandshake{},
	}
	return nextState, toSend, AlertNoAlert
}

func addIf(cond bool, el *ExtensionList, body ExtensionBody) error {
	if !cond {
		return nil
	}
	return el.Add(body)
}

func extensionError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type clientStateWaitSH struct {
	Config *Config
	Opts   ConnectionOptions
	hsCtx  *HandshakeContext

	transcript    *transcriptHash
	offeredSuites []CipherSuite
	offeredGroup  NamedGroup
	privateKey    []byte
}

var _ HandshakeState = &clientStateWaitSH{}
var _ secretCarrier = clientStateWaitSH{}

func (state clientStateWaitSH) State() State {
	return StateClientWaitSH
}

func (state clientStateWaitSH) zeroizeSecrets() {
	zeroize(state.privateKey)
}

func (state clientStateWaitSH) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeServerHello {
		logf(logTypeHandshake, "[ClientStateWaitSH] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] Error decoding ServerHello: %v", err)
		return nil, nil, errToAlert(err)
	}
	sh := bodyGeneric.(*ServerHelloBody)

	if sh.Random == hrrRandomSentinel {
		// HelloRetryRequest means the server rejected our only key share;
		// retrying with another group is out of scope.
		logf(logTypeHandshake, "[ClientStateWaitSH] Received HelloRetryRequest; not supported")
		return nil, nil, AlertHandshakeFailure
	}

	sv := SupportedVersionsExtension{HandshakeType: HandshakeTypeServerHello}
	found, err := sh.Extensions.Find(&sv)
	if err != nil {
		return nil, nil, errToAlert(err)
	}
	if !found || sv.Versions[0] != supportedVersion {
		logf(logTypeHandshake, "[ClientStateWaitSH] Server did not negotiate TLS 1.3")
		return nil, nil, AlertProtocolVersion
	}

	suiteOffered := false
	for _, suite := range state.offeredSuites {
		if suite == sh.CipherSuite {
			suiteOffered = true
			break
		}
	}
	params, suiteSupported := cipherSuiteMap[sh.CipherSuite]
	if !suiteOffered || !suiteSupported {
		logf(logTypeHandshake, "[ClientStateWaitSH] Server selected unacceptable suite %v", sh.CipherSuite)
		return nil, nil, AlertHandshakeFailure
	}

	ks := KeyShareExtension{HandshakeType: HandshakeTypeServerHello}
	found, err = sh.Extensions.Find(&ks)
	if err != nil {
		return nil, nil, errToAlert(err)
	}
	if !found {
		logf(logTypeHandshake, "[ClientStateWaitSH] ServerHello without key_share")
		return nil, nil, AlertMissingExtension
	}
	serverShare := ks.Shares[0]
	if serverShare.Group != state.offeredGroup {
		logf(logTypeHandshake, "[ClientStateWaitSH] Server key share for group %d, we offered %d",
			serverShare.Group, state.offeredGroup)
		return nil, nil, AlertHandshakeFailure
	}

	dhSecret, err := keyAgreement(serverShare.Group, serverShare.KeyExchange, state.privateKey)
	zeroize(state.privateKey)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] Key agreement failed: %v", err)
		return nil, nil, AlertIllegalParameter
	}

	// The suite is now known: fix the transcript hash (replaying the
	// buffered ClientHello) and add the ServerHello.
	state.transcript.setAlgorithm(params.Hash)
	state.transcript.update(hm.Marshal())

	keys := newKeySchedule(params)
	keys.deriveHandshakeSecrets(dhSecret, state.transcript.snapshot())
	zeroize(dhSecret)

	clientKeys := makeTrafficKeys(params, keys.clientHandshakeTrafficSecret)
	serverKeys := makeTrafficKeys(params, keys.serverHandshakeTrafficSecret)

	logf(logTypeHandshake, "[ClientStateWaitSH] Negotiated suite=%v group=%d", sh.CipherSuite, serverShare.Group)
	nextState := clientStateWaitEE{
		Config:       state.Config,
		hsCtx:        state.hsCtx,
		cryptoParams: params,
		transcript:   state.transcript,
		keys:         keys,
		params: ConnectionParameters{
			CipherSuite:     sh.CipherSuite,
			NegotiatedGroup: serverShare.Group,
			ServerName:      state.Opts.ServerName,
		},
	}
	toSend := []HandshakeAction{
		RekeyIn{epoch: EpochHandshakeData, KeySet: serverKeys},
		RekeyOut{epoch: EpochHandshakeData, KeySet: clientKeys},
	}
	return nextState, toSend, AlertNoAlert
}

type clientStateWaitEE struct {
	Config *Config
	hsCtx  *HandshakeContext

	cryptoParams CipherSuiteParams
	transcript   *transcriptHash
	keys         *keySchedule
	params       ConnectionParameters
}

var _ HandshakeState = &clientStateWaitEE{}
var _ secretCarrier = clientStateWaitEE{}

func (state clientStateWaitEE) State() State {
	return StateClientWaitEE
}

func (state clientStateWaitEE) zeroizeSecrets() {
	state.keys.zeroizeAll()
}

func (state clientStateWaitEE) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeEncryptedExtensions {
		logf(logTypeHandshake, "[ClientStateWaitEE] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}
	if _, err := hm.ToBody(); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitEE] Error decoding EncryptedExtensions: %v", err)
		return nil, nil, errToAlert(err)
	}

	// We negotiate nothing that lives in EncryptedExtensions, so the body is
	// only validated and fed to the transcript.
	state.transcript.update(hm.Marshal())

	nextState := clientStateWaitCert{
		Config:       state.Config,
		hsCtx:        state.hsCtx,
		cryptoParams: state.cryptoParams,
		transcript:   state.transcript,
		keys:         state.keys,
		params:       state.params,
	}
	return nextState, nil, AlertNoAlert
}

type clientStateWaitCert struct {
	Config *Config
	hsCtx  *HandshakeContext

	cryptoParams CipherSuiteParams
	transcript   *transcriptHash
	keys         *keySchedule
	params       ConnectionParameters
}

var _ HandshakeState = &clientStateWaitCert{}
var _ secretCarrier = clientStateWaitCert{}

func (state clientStateWaitCert) State() State {
	return StateClientWaitCert
}

func (state clientStateWaitCert) zeroizeSecrets() {
	state.keys.zeroizeAll()
}

func (state clientStateWaitCert) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType == HandshakeTypeCertificateRequest {
		// Client authentication is out of scope.
		logf(logTypeHandshake, "[ClientStateWaitCert] CertificateRequest not supported")
		return nil, nil, AlertUnexpectedMessage
	}
	if hm.msgType != HandshakeTypeCertificate {
		logf(logTypeHandshake, "[ClientStateWaitCert] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCert] Error decoding Certificate: %v", err)
		return nil, nil, errToAlert(err)
	}
	cert := bodyGeneric.(*CertificateBody)

	if len(cert.CertificateRequestContext) > 0 {
		logf(logTypeHandshake, "[ClientStateWaitCert] Nonzero certificate_request_context outside client auth")
		return nil, nil, AlertIllegalParameter
	}
	if len(cert.CertificateList) == 0 {
		logf(logTypeHandshake, "[ClientStateWaitCert] Empty certificate chain")
		return nil, nil, AlertDecodeError
	}

	chain := make([]*x509.Certificate, len(cert.CertificateList))
	for i, entry := range cert.CertificateList {
		chain[i], err = x509.ParseCertificate(entry.CertData)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCert] Error parsing certificate %d: %v", i, err)
			return nil, nil, AlertBadCertificate
		}
	}

	state.transcript.update(hm.Marshal())

	nextState := clientStateWaitCV{
		Config:             state.Config,
		hsCtx:              state.hsCtx,
		cryptoParams:       state.cryptoParams,
		transcript:         state.transcript,
		keys:               state.keys,
		params:             state.params,
		serverCertificates: chain,
	}
	return nextState, nil, AlertNoAlert
}

type clientStateWaitCV struct {
	Config *Config
	hsCtx  *HandshakeContext

	cryptoParams       CipherSuiteParams
	transcript         *transcriptHash
	keys               *keySchedule
	params             ConnectionParameters
	serverCertificates []*x509.Certificate
}

var _ HandshakeState = &clientStateWaitCV{}
var _ secretCarrier = clientStateWaitCV{}

func (state clientStateWaitCV) zeroizeSecrets() {
	state.keys.zeroizeAll()
}

func (state clientStateWaitCV) State() State {
	return StateClientWaitCV
}

func (state clientStateWaitCV) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeCertificateVerify {
		logf(logTypeHandshake, "[ClientStateWaitCV] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] Error decoding CertificateVerify: %v", err)
		return nil, nil, errToAlert(err)
	}
	certVerify := bodyGeneric.(*CertificateVerifyBody)

	schemeOffered := false
	for _, scheme := range state.Config.SignatureSchemes {
		if scheme == certVerify.Algorithm {
			schemeOffered = true
			break
		}
	}
	if !schemeOffered {
		logf(logTypeHandshake, "[ClientStateWaitCV] Signature scheme %04x was not offered", uint16(certVerify.Algorithm))
		return nil, nil, AlertIllegalParameter
	}

	// Chain checks run before the signature is accepted: structural validity
	// always, trust policy unless the caller opted out.
	if alert := verifyServerChain(state.Config, state.params.ServerName, state.serverCertificates); alert != AlertNoAlert {
		return nil, nil, alert
	}

	// The signature covers the transcript through Certificate, i.e. before
	// this message is added.
	handshakeHash := state.transcript.snapshot()
	leaf := state.serverCertificates[0]
	err = verifySignedMessage(certVerify.Algorithm, leaf.PublicKey,
		contextCertificateVerifyServer, handshakeHash, certVerify.Signature)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] Server signature failed verification: %v", err)
		return nil, nil, AlertDecryptError
	}

	state.transcript.update(hm.Marshal())

	nextState := clientStateWaitFinished{
		hsCtx:              state.hsCtx,
		cryptoParams:       state.cryptoParams,
		transcript:         state.transcript,
		keys:               state.keys,
		params:             state.params,
		serverCertificates: state.serverCertificates,
	}
	return nextState, nil, AlertNoAlert
}

type clientStateWaitFinished struct {
	hsCtx *HandshakeContext

	cryptoParams       CipherSuiteParams
	transcript         *transcriptHash
	keys               *keySchedule
	params             ConnectionParameters
	serverCertificates []*x509.Certificate
}

var _ HandshakeState = &clientStateWaitFinished{}
var _ secretCarrier = clientStateWaitFinished{}

func (state clientStateWaitFinished) zeroizeSecrets() {
	state.keys.zeroizeAll()
}

func (state clientStateWaitFinished) State() State {
	return StateClientWaitFinished
}

func (state clientStateWaitFinished) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.msgType != HandshakeTypeFinished {
		logf(logTypeHandshake, "[ClientStateWaitFinished] Unexpected message type %d", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitFinished] Error decoding Finished: %v", err)
		return nil, nil, errToAlert(err)
	}
	fin := bodyGeneric.(*FinishedBody)

	// The server's MAC covers the transcript through CertificateVerify.
	expected := computeFinishedData(state.cryptoParams, state.keys.serverHandshakeTrafficSecret, state.transcript.snapshot())
	if len(fin.VerifyData) != len(expected) || !hmac.Equal(expected, fin.VerifyData) {
		logf(logTypeHandshake, "[ClientStateWaitFinished] Server Finished verification failed")
		return nil, nil, AlertDecryptError
	}
	state.transcript.update(hm.Marshal())

	// Application traffic secrets bind to the transcript through the server
	// Finished.
	state.keys.deriveApplicationSecrets(state.transcript.snapshot())
	clientAppKeys := makeTrafficKeys(state.cryptoParams, state.keys.clientTrafficSecret)
	serverAppKeys := makeTrafficKeys(state.cryptoParams, state.keys.serverTrafficSecret)

	// Our own Finished also covers the transcript through the server
	// Finished, and is sent under the handshake keys.
	verifyData := computeFinishedData(state.cryptoParams, state.keys.clientHandshakeTrafficSecret, state.transcript.snapshot())
	finm, err := handshakeMessageFromBody(&FinishedBody{VerifyData: verifyData})
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitFinished] Error marshaling Finished: %v", err)
		return nil, nil, AlertInternalError
	}
	state.transcript.update(finm.Marshal())

	state.keys.deriveResumptionSecret(state.transcript.snapshot())
	state.keys.dropHandshakeSecrets()

	logf(logTypeHandshake, "[ClientStateWaitFinished] Handshake complete")
	nextState := stateConnected{
		Params:           state.params,
		hsCtx:            state.hsCtx,
		isClient:         true,
		cryptoParams:     state.cryptoParams,
		keys:             state.keys,
		peerCertificates: state.serverCertificates,
	}
	toSend := []HandshakeAction{
		QueueHandshakeMessage{finm},
		SendQueuedHandshake{},
		RekeyIn{epoch: EpochApplicationData, KeySet: serverAppKeys},
		RekeyOut{epoch: EpochApplicationData, KeySet: clientAppKeys},
	}
	return nextState, toSend, AlertNoAlert
}
