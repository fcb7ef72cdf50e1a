package minitls

import (
	"crypto"
	"hash"
)

// transcriptHash accumulates the exact marshaled bytes of every handshake
// message, in transmission order.  The digest algorithm is only known once
// ServerHello selects the cipher suite, so until then raw message bytes are
// buffered; setAlgorithm replays them through the freshly chosen hash.
type transcriptHash struct {
	algorithm crypto.Hash
	digest    hash.Hash
	buffered  [][]byte
}

func newTranscriptHash() *transcriptHash {
	return &transcriptHash{}
}

// update appends one full handshake message (header included).
func (t *transcriptHash) update(message []byte) {
	if t.digest == nil {
		t.buffered = append(t.buffered, dup(message))
		logf(logTypeCrypto, "transcript: buffered %d bytes (suite not yet known)", len(message))
		return
	}
	t.digest.Write(message)
	logf(logTypeCrypto, "transcript: added %d bytes", len(message))
}

// setAlgorithm fixes the hash once the cipher suite is negotiated and replays
// every buffered message through it, preserving order.
func (t *transcriptHash) setAlgorithm(algorithm crypto.Hash) {
	assertInvariant(t.digest == nil)
	t.algorithm = algorithm
	t.digest = algorithm.New()
	for _, message := range t.buffered {
		t.digest.Write(message)
	}
	t.buffered = nil
}

// snapshot returns the digest over everything fed so far without disturbing
// the running state.
func (t *transcriptHash) snapshot() []byte {
	assertInvariant(t.digest != nil)
	return t.digest.Sum(nil)
}
