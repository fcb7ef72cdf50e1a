package minitls

import (
	"crypto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptBuffersUntilAlgorithmKnown(t *testing.T) {
	messages := [][]byte{
		[]byte("client hello bytes"),
		[]byte("server hello bytes"),
	}

	// The suite's hash is only known after ServerHello, so early messages
	// are buffered and replayed.
	buffered := newTranscriptHash()
	buffered.update(messages[0])
	buffered.setAlgorithm(crypto.SHA256)
	buffered.update(messages[1])

	direct := crypto.SHA256.New()
	direct.Write(messages[0])
	direct.Write(messages[1])

	assert.Equal(t, direct.Sum(nil), buffered.snapshot())
}

func TestTranscriptSnapshotDoesNotConsume(t *testing.T) {
	tr := newTranscriptHash()
	tr.setAlgorithm(crypto.SHA384)
	tr.update([]byte("one"))

	first := tr.snapshot()
	second := tr.snapshot()
	require.Equal(t, first, second)

	tr.update([]byte("two"))
	assert.NotEqual(t, first, tr.snapshot())
}

func TestTranscriptOrderMatters(t *testing.T) {
	a := newTranscriptHash()
	a.setAlgorithm(crypto.SHA256)
	a.update([]byte("x"))
	a.update([]byte("y"))

	b := newTranscriptHash()
	b.setAlgorithm(crypto.SHA256)
	b.update([]byte("y"))
	b.update([]byte("x"))

	assert.NotEqual(t, a.snapshot(), b.snapshot())
}
