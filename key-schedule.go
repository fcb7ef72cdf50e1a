package minitls

// keySchedule owns the chain early_secret -> handshake_secret ->
// master_secret and the four traffic secrets hanging off it (RFC 8446,
// Section 7.1).  Each chain secret is wiped the moment its successor has been
// derived; traffic secrets live until the Finished keys derived from them are
// no longer needed, then are wiped by dropSecrets/zeroize.
type keySchedule struct {
	params CipherSuiteParams

	// current is the live chain secret: early, then handshake, then master.
	current []byte

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte

	clientTrafficSecret []byte
	serverTrafficSecret []byte

	resumptionSecret []byte
}

// newKeySchedule computes the early secret.  With no PSK in scope the input
// keying material is a string of hash-length zeros.
func newKeySchedule(params CipherSuiteParams) *keySchedule {
	zero := make([]byte, params.Hash.Size())
	ks := &keySchedule{
		params:  params,
		current: HkdfExtract(params.Hash, zero, zero),
	}
	logf(logTypeCrypto, "early secret: [%d] %x", len(ks.current), ks.current)
	return ks
}

// deriveHandshakeSecrets advances the chain to the handshake secret using the
// ECDHE output, then derives both handshake traffic secrets from the
// transcript through ServerHello.  The early secret is wiped in place.
func (ks *keySchedule) deriveHandshakeSecrets(dhSecret, transcriptThroughSH []byte) {
	derived := deriveSecret(ks.params, ks.current, labelDerived, emptyTranscript(ks.params))
	handshakeSecret := HkdfExtract(ks.params.Hash, derived, dhSecret)
	zeroize(derived)
	zeroize(ks.current)
	ks.current = handshakeSecret

	ks.clientHandshakeTrafficSecret = deriveSecret(ks.params, ks.current, labelClientHandshakeTrafficSecret, transcriptThroughSH)
	ks.serverHandshakeTrafficSecret = deriveSecret(ks.params, ks.current, labelServerHandshakeTrafficSecret, transcriptThroughSH)
	logf(logTypeCrypto, "handshake secret: [%d] %x", len(ks.current), ks.current)
	logf(logTypeCrypto, "client handshake traffic secret: [%d] %x", len(ks.clientHandshakeTrafficSecret), ks.clientHandshakeTrafficSecret)
	logf(logTypeCrypto, "server handshake traffic secret: [%d] %x", len(ks.serverHandshakeTrafficSecret), ks.serverHandshakeTrafficSecret)
}

// deriveApplicationSecrets advances the chain to the master secret and
// derives both application traffic secrets from the transcript through the
// server Finished.  The handshake secret is wiped; the handshake traffic
// secrets survive until the client Finished has been computed.
func (ks *keySchedule) deriveApplicationSecrets(transcriptThroughServerFinished []byte) {
	zero := make([]byte, ks.params.Hash.Size())
	derived := deriveSecret(ks.params, ks.current, labelDerived, emptyTranscript(ks.params))
	masterSecret := HkdfExtract(ks.params.Hash, derived, zero)
	zeroize(derived)
	zeroize(ks.current)
	ks.current = masterSecret

	ks.clientTrafficSecret = deriveSecret(ks.params, ks.current, labelClientApplicationTrafficSecret, transcriptThroughServerFinished)
	ks.serverTrafficSecret = deriveSecret(ks.params, ks.current, labelServerApplicationTrafficSecret, transcriptThroughServerFinished)
	logf(logTypeCrypto, "master secret: [%d] %x", len(ks.current), ks.current)
	logf(logTypeCrypto, "client application traffic secret: [%d] %x", len(ks.clientTrafficSecret), ks.clientTrafficSecret)
	logf(logTypeCrypto, "server application traffic secret: [%d] %x", len(ks.serverTrafficSecret), ks.serverTrafficSecret)
}

// deriveResumptionSecret finishes the chain with the transcript through the
// client Finished and wipes the master secret.  We never mint tickets, but
// completing the chain keeps the master secret's lifetime bounded by the
// handshake rather than the connection.
func (ks *keySchedule) deriveResumptionSecret(transcriptThroughClientFinished []byte) {
	ks.resumptionSecret = deriveSecret(ks.params, ks.current, labelResumptionSecret, transcriptThroughClientFinished)
	zeroize(ks.current)
	ks.current = nil
}

// dropHandshakeSecrets wipes both handshake traffic secrets once the client
// Finished has been sent/verified and no further Finished keys are needed.
func (ks *keySchedule) dropHandshakeSecrets() {
	zeroize(ks.clientHandshakeTrafficSecret)
	zeroize(ks.serverHandshakeTrafficSecret)
	ks.clientHandshakeTrafficSecret = nil
	ks.serverHandshakeTrafficSecret = nil
}

// zeroizeAll synchronously wipes every secret the schedule still holds.
// Called on connection teardown, normal or not.
func (ks *keySchedule) zeroizeAll() {
	for _, secret := range [][]byte{
		ks.current,
		ks.clientHandshakeTrafficSecret,
		ks.serverHandshakeTrafficSecret,
		ks.clientTrafficSecret,
		ks.serverTrafficSecret,
		ks.resumptionSecret,
	} {
		zeroize(secret)
	}
	ks.current = nil
	ks.clientHandshakeTrafficSecret = nil
	ks.serverHandshakeTrafficSecret = nil
	ks.clientTrafficSecret = nil
	ks.serverTrafficSecret = nil
	ks.resumptionSecret = nil
}

func emptyTranscript(params CipherSuiteParams) []byte {
	h := params.Hash.New()
	return h.Sum(nil)
}
