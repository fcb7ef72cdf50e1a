package minitls

import "crypto/x509"

// Marker interface for actions that the connection should take based on
// state transitions.
type HandshakeAction interface{}

type QueueHandshakeMessage struct {
	Message *HandshakeMessage
}

type SendQueuedHandshake struct{}

type RekeyIn struct {
	epoch  Epoch
	KeySet KeySet
}

type RekeyOut struct {
	epoch  Epoch
	KeySet KeySet
}

// HandshakeState is one position in the handshake.  Next consumes at most
// one message from the reader and returns the successor state together with
// the effects the connection must apply.  Every transition is a total
// function from (state, message) to (state, actions, alert); any alert other
// than AlertNoAlert is fatal and the successor state is discarded.
type HandshakeState interface {
	Next(handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert)
	State() State
}

type handshakeMessageReader interface {
	ReadMessage() (*HandshakeMessage, Alert)
}

// secretCarrier is implemented by every state that holds live key material.
// The connection calls zeroizeSecrets when the state is abandoned, whether
// the handshake completed or not.
type secretCarrier interface {
	zeroizeSecrets()
}

// ConnectionOptions objects represent per-connection settings for a client
// initiating a connection
type ConnectionOptions struct {
	ServerName string
}

// ConnectionParameters objects represent the parameters negotiated for a
// connection.
type ConnectionParameters struct {
	CipherSuite     CipherSuite
	NegotiatedGroup NamedGroup
	ServerName      string
}

// stateConnected is symmetric between client and server.
type stateConnected struct {
	Params           ConnectionParameters
	hsCtx            *HandshakeContext
	isClient         bool
	cryptoParams     CipherSuiteParams
	keys             *keySchedule
	peerCertificates []*x509.Certificate
}

var _ HandshakeState = &stateConnected{}
var _ secretCarrier = stateConnected{}

func (state stateConnected) zeroizeSecrets() {
	if state.keys != nil {
		state.keys.zeroizeAll()
	}
}

func (state stateConnected) State() State {
	if state.isClient {
		return StateClientConnected
	}
	return StateServerConnected
}

// Next does nothing for this state; post-handshake messages arrive through
// ProcessMessage.
func (state stateConnected) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	return state, nil, AlertNoAlert
}

// ProcessMessage handles post-handshake messages.  NewSessionTicket is
// decoded and dropped (resumption is out of scope); KeyUpdate is
// well-formed-but-unsupported and therefore fatal, keeping the rekey surface
// out of the connection's lifetime entirely.
func (state stateConnected) ProcessMessage(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil {
		logf(logTypeHandshake, "[StateConnected] Unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[StateConnected] Error decoding message: %v", err)
		return nil, nil, errToAlert(err)
	}

	switch bodyGeneric.(type) {
	case *NewSessionTicketBody:
		if !state.isClient {
			return nil, nil, AlertUnexpectedMessage
		}
		logf(logTypeHandshake, "[StateConnected] Ignoring NewSessionTicket")
		return state, nil, AlertNoAlert

	case *KeyUpdateBody:
		logf(logTypeHandshake, "[StateConnected] KeyUpdate not supported")
		return nil, nil, AlertUnexpectedMessage
	}

	logf(logTypeHandshake, "[StateConnected] Unexpected message type %v", hm.msgType)
	return nil, nil, AlertUnexpectedMessage
}

// stateClosed is terminal.  It remembers the state the connection failed in
// and the alert that killed it; no transition leaves it.
type stateClosed struct {
	alert Alert
	prev  State
}

var _ HandshakeState = stateClosed{}

func (state stateClosed) State() State {
	return StateClosed
}

func (state stateClosed) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	return state, nil, AlertCloseNotify
}
