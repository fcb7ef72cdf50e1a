package minitls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectedClientIgnoresNewSessionTicket(t *testing.T) {
	state := stateConnected{isClient: true}

	hm, err := handshakeMessageFromBody(&NewSessionTicketBody{
		TicketLifetime: 3600,
		TicketNonce:    []byte{0x00},
		Ticket:         []byte("opaque ticket"),
	})
	require.NoError(t, err)

	next, actions, alert := state.ProcessMessage(hm)
	require.Equal(t, AlertNoAlert, alert)
	assert.Empty(t, actions)
	assert.Equal(t, StateClientConnected, next.State())
}

func TestConnectedServerRejectsNewSessionTicket(t *testing.T) {
	state := stateConnected{isClient: false}

	hm, err := handshakeMessageFromBody(&NewSessionTicketBody{
		Ticket: []byte("opaque ticket"),
	})
	require.NoError(t, err)

	_, _, alert := state.ProcessMessage(hm)
	assert.Equal(t, AlertUnexpectedMessage, alert)
}

func TestConnectedRejectsKeyUpdate(t *testing.T) {
	for _, req := range []KeyUpdateRequest{KeyUpdateNotRequested, KeyUpdateRequested} {
		hm, err := handshakeMessageFromBody(&KeyUpdateBody{KeyUpdateRequest: req})
		require.NoError(t, err)

		state := stateConnected{isClient: true}
		_, _, alert := state.ProcessMessage(hm)
		assert.Equal(t, AlertUnexpectedMessage, alert)
	}
}

func TestConnectedRejectsHandshakeReplay(t *testing.T) {
	state := stateConnected{isClient: true}

	hm, err := handshakeMessageFromBody(&FinishedBody{VerifyData: make([]byte, 32)})
	require.NoError(t, err)

	_, _, alert := state.ProcessMessage(hm)
	assert.Equal(t, AlertUnexpectedMessage, alert)
}
