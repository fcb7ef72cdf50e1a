package minitls

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Certificate is a leaf-first chain together with the leaf's signing key.
type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
}

var (
	defaultSupportedCipherSuites = []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
	}

	defaultSupportedGroups = []NamedGroup{
		X25519,
		P256,
		P384,
	}

	defaultSignatureSchemes = []SignatureScheme{
		ECDSA_P256_SHA256,
		ECDSA_P384_SHA384,
		RSA_PSS_SHA256,
		Ed25519,
	}
)

// Config is the common configuration for client and server connections.  A
// Config may be shared between connections; Conn never mutates it after
// Init.
type Config struct {
	ServerName string

	// Preference-ordered offers; zero values pick up the defaults in Init.
	CipherSuites     []CipherSuite
	Groups           []NamedGroup
	SignatureSchemes []SignatureScheme

	// Certificate verification knobs, same shape as crypto/tls.
	RootCAs               *x509.CertPool
	InsecureSkipVerify    bool
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
	Time                  func() time.Time

	// Certificates are the server's credentials; the first entry is used.
	Certificates []*Certificate
}

func (c *Config) Init(isClient bool) error {
	if len(c.CipherSuites) == 0 {
		c.CipherSuites = defaultSupportedCipherSuites
	}
	if len(c.Groups) == 0 {
		c.Groups = defaultSupportedGroups
	}
	if len(c.SignatureSchemes) == 0 {
		c.SignatureSchemes = defaultSignatureSchemes
	}

	for _, suite := range c.CipherSuites {
		if _, ok := cipherSuiteMap[suite]; !ok {
			return fmt.Errorf("%w: unknown cipher suite %v", ErrUnsupportedFeature, suite)
		}
	}
	if !isClient {
		if len(c.Certificates) == 0 || len(c.Certificates[0].Chain) == 0 {
			return fmt.Errorf("%w: server requires a certificate", ErrHandshakeFailure)
		}
	}
	return nil
}

func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	clone := *c
	return &clone
}

// ConnectionState records basic details about a connection for the caller.
type ConnectionState struct {
	HandshakeState    State
	HandshakeComplete bool
	CipherSuite       CipherSuiteParams
	NegotiatedGroup   NamedGroup
	ServerName        string
	PeerCertificates  []*x509.Certificate
}

// Conn is a TLS connection over an underlying byte stream.  It is
// deliberately synchronous: the handshake and all record processing run on
// the caller's goroutine, and a Conn must not be used concurrently.
type Conn struct {
	config   *Config
	conn     net.Conn
	isClient bool

	in, out *DefaultRecordLayer
	hsCtx   *HandshakeContext
	hState  HandshakeState

	readBuffer        []byte
	handshakeComplete bool
	err               error
	remoteFailure     bool
	closed            bool
}

func NewConn(conn net.Conn, config *Config, isClient bool) *Conn {
	c := &Conn{conn: conn, config: config, isClient: isClient}
	c.in = NewRecordLayerTLS(conn, DirectionRead)
	c.out = NewRecordLayerTLS(conn, DirectionWrite)
	if isClient {
		c.in.SetLabel("client")
		c.out.SetLabel("client")
	} else {
		c.in.SetLabel("server")
		c.out.SetLabel("server")
	}
	c.hsCtx = &HandshakeContext{
		hIn:  NewHandshakeLayerTLS(c.in),
		hOut: NewHandshakeLayerTLS(c.out),
	}
	return c
}

// Client returns a new TLS client side connection over conn.
func Client(conn net.Conn, config *Config) *Conn {
	return NewConn(conn, config, true)
}

// Server returns a new TLS server side connection over conn.
func Server(conn net.Conn, config *Config) *Conn {
	return NewConn(conn, config, false)
}

// connHandshakeReader adapts the handshake layer's error-returning reader to
// the alert-returning one the state machine consumes, remembering whether
// the failure originated with the peer so that we do not answer a fatal
// alert with another alert.
type connHandshakeReader struct {
	c *Conn
}

func (r connHandshakeReader) ReadMessage() (*HandshakeMessage, Alert) {
	hm, err := r.c.hsCtx.hIn.ReadMessage()
	if err == nil {
		return hm, AlertNoAlert
	}

	var remote remoteAlertError
	switch {
	case errors.As(err, &remote):
		logf(logTypeHandshake, "peer sent fatal alert: %v", remote.alert)
		r.c.remoteFailure = true
		return nil, remote.alert
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.c.remoteFailure = true
		return nil, AlertCloseNotify
	}
	logf(logTypeHandshake, "error reading handshake message: %v", err)
	return nil, errToAlert(err)
}

// Handshake runs the handshake to completion if it has not already run,
// returning AlertNoAlert on success and otherwise the alert the connection
// died with.  After a failure the terminal error is also returned by Read
// and Write.
func (c *Conn) Handshake() Alert {
	if c.handshakeComplete {
		return AlertNoAlert
	}
	if c.err != nil {
		return c.terminalAlert()
	}

	if c.hState == nil {
		if err := c.config.Init(c.isClient); err != nil {
			logf(logTypeHandshake, "config rejected: %v", err)
			c.err = err
			c.hState = stateClosed{alert: AlertInternalError, prev: StateInit}
			return AlertInternalError
		}
		if c.isClient {
			c.hState = clientStateStart{
				Config: c.config,
				Opts:   ConnectionOptions{ServerName: c.config.ServerName},
				hsCtx:  c.hsCtx,
			}
		} else {
			c.hState = serverStateStart{Config: c.config, hsCtx: c.hsCtx}
		}
	}

	reader := connHandshakeReader{c}
	for {
		if _, connected := c.hState.(stateConnected); connected {
			c.handshakeComplete = true
			logf(logTypeHandshake, "%s handshake complete", c.side())
			return AlertNoAlert
		}

		nextState, actions, alert := c.hState.Next(reader)
		if alert != AlertNoAlert {
			return c.fail(alert)
		}
		for _, action := range actions {
			if alert := c.takeAction(action); alert != AlertNoAlert {
				return c.fail(alert)
			}
		}
		logf(logTypeHandshake, "%s state transition: %v -> %v", c.side(), c.hState.State(), nextState.State())
		c.hState = nextState
	}
}

func (c *Conn) takeAction(actionGeneric HandshakeAction) Alert {
	switch action := actionGeneric.(type) {
	case QueueHandshakeMessage:
		if err := c.hsCtx.hOut.QueueMessage(action.Message); err != nil {
			logf(logTypeHandshake, "%s error queuing message: %v", c.side(), err)
			return AlertInternalError
		}

	case SendQueuedHandshake:
		if _, err := c.hsCtx.hOut.SendQueuedMessages(); err != nil {
			logf(logTypeHandshake, "%s error writing handshake flight: %v", c.side(), err)
			return AlertInternalError
		}

	case RekeyIn:
		if err := c.in.Rekey(action.epoch, action.KeySet.Cipher, action.KeySet); err != nil {
			logf(logTypeHandshake, "%s error rekeying in: %v", c.side(), err)
			return AlertInternalError
		}

	case RekeyOut:
		if err := c.out.Rekey(action.epoch, action.KeySet.Cipher, action.KeySet); err != nil {
			logf(logTypeHandshake, "%s error rekeying out: %v", c.side(), err)
			return AlertInternalError
		}

	default:
		logf(logTypeHandshake, "%s unknown action type", c.side())
		return AlertInternalError
	}
	return AlertNoAlert
}

// fail tears the connection down with the given alert.  The alert is sent to
// the peer unless the peer is the one who failed the connection.
func (c *Conn) fail(alert Alert) Alert {
	if c.err != nil {
		return c.terminalAlert()
	}
	prev := StateInit
	if c.hState != nil {
		prev = c.hState.State()
	}
	if !c.remoteFailure && alert != AlertCloseNotify {
		c.sendAlert(alert)
	}
	c.err = alertError(alert, prev)
	c.zeroizeKeys()
	c.hState = stateClosed{alert: alert, prev: prev}
	logf(logTypeHandshake, "%s connection failed in %v: %v", c.side(), prev, alert)
	return alert
}

func (c *Conn) terminalAlert() Alert {
	if closed, ok := c.hState.(stateClosed); ok {
		return closed.alert
	}
	return AlertInternalError
}

// sendAlert writes a single alert record, best-effort.  close_notify and
// user_canceled travel at warning level, everything else is fatal.
func (c *Conn) sendAlert(alert Alert) error {
	level := byte(AlertLevelError)
	if alert == AlertCloseNotify || alert == AlertUserCanceled {
		level = AlertLevelWarning
	}
	return c.out.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    []byte{level, byte(alert)},
	})
}

// Read reads application data from the connection, running the handshake
// first if it has not completed.  Read blocks until at least one byte of
// application data is available, the peer closes, or the connection fails.
func (c *Conn) Read(buffer []byte) (int, error) {
	if alert := c.Handshake(); alert != AlertNoAlert {
		return 0, c.err
	}
	if len(buffer) == 0 {
		return 0, nil
	}

	for len(c.readBuffer) == 0 {
		if err := c.consumeRecord(); err != nil {
			return 0, err
		}
	}

	n := copy(buffer, c.readBuffer)
	c.readBuffer = c.readBuffer[n:]
	return n, nil
}

// consumeRecord reads one record and dispatches it: application data lands
// in the read buffer, post-handshake messages go through the state machine,
// alerts terminate.
func (c *Conn) consumeRecord() error {
	if c.err != nil {
		return c.err
	}

	pt, err := c.in.ReadRecord()
	if err != nil {
		if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		c.fail(errToAlert(err))
		return c.err
	}

	switch pt.contentType {
	case RecordTypeApplicationData:
		c.readBuffer = append(c.readBuffer, pt.fragment...)
		return nil

	case RecordTypeHandshake:
		return c.processPostHandshake(pt.fragment)

	case RecordTypeAlert:
		alert, err := parseAlertRecord(pt.fragment)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logf(logTypeIO, "%s received close_notify", c.side())
				c.closeWithPeer()
				return io.EOF
			}
			c.fail(errToAlert(err))
			return c.err
		}
		if alert != AlertNoAlert {
			c.remoteFailure = true
			c.fail(alert)
			return c.err
		}
		return nil

	case RecordTypeChangeCipherSpec:
		// A stray compatibility CCS after the handshake is a protocol error.
		c.fail(AlertUnexpectedMessage)
		return c.err
	}

	c.fail(AlertUnexpectedMessage)
	return c.err
}

// processPostHandshake feeds a handshake-typed record into the reassembly
// buffer and runs every complete message through the connected state.
func (c *Conn) processPostHandshake(fragment []byte) error {
	if len(fragment) == 0 {
		c.fail(AlertDecodeError)
		return c.err
	}
	hIn := c.hsCtx.hIn
	hIn.remainder = append(hIn.remainder, fragment...)

	for {
		hm, ok, err := hIn.popMessage()
		if err != nil {
			c.fail(errToAlert(err))
			return c.err
		}
		if !ok {
			return nil
		}

		connected, ok := c.hState.(stateConnected)
		if !ok {
			c.fail(AlertUnexpectedMessage)
			return c.err
		}
		nextState, actions, alert := connected.ProcessMessage(hm)
		if alert != AlertNoAlert {
			c.fail(alert)
			return c.err
		}
		for _, action := range actions {
			if alert := c.takeAction(action); alert != AlertNoAlert {
				c.fail(alert)
				return c.err
			}
		}
		c.hState = nextState
	}
}

// Write writes application data to the connection, running the handshake
// first if it has not completed.  Data larger than one record is fragmented.
func (c *Conn) Write(buffer []byte) (int, error) {
	if alert := c.Handshake(); alert != AlertNoAlert {
		return 0, c.err
	}
	if c.closed {
		return 0, ErrConnectionClosed
	}

	written := 0
	for written < len(buffer) {
		chunk := len(buffer) - written
		if chunk > maxFragmentLen {
			chunk = maxFragmentLen
		}
		err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeApplicationData,
			fragment:    buffer[written : written+chunk],
		})
		if err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}

// Close sends close_notify, wipes the connection's secrets, and closes the
// underlying transport.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.handshakeComplete && c.err == nil {
		c.sendAlert(AlertCloseNotify)
	}
	c.zeroizeKeys()
	return c.conn.Close()
}

// closeWithPeer records that the peer closed cleanly.  Our own close_notify
// goes out when the caller calls Close.
func (c *Conn) closeWithPeer() {
	if connected, ok := c.hState.(stateConnected); ok {
		c.hState = stateClosed{alert: AlertCloseNotify, prev: connected.State()}
	}
	c.err = io.EOF
}

func (c *Conn) zeroizeKeys() {
	if carrier, ok := c.hState.(secretCarrier); ok {
		carrier.zeroizeSecrets()
	}
}

func (c *Conn) GetHsState() State {
	if c.hState == nil {
		return StateInit
	}
	return c.hState.State()
}

func (c *Conn) ConnectionState() ConnectionState {
	state := ConnectionState{HandshakeState: c.GetHsState()}
	if connected, ok := c.hState.(stateConnected); ok {
		state.HandshakeComplete = true
		state.CipherSuite = cipherSuiteMap[connected.Params.CipherSuite]
		state.NegotiatedGroup = connected.Params.NegotiatedGroup
		state.ServerName = connected.Params.ServerName
		state.PeerCertificates = connected.peerCertificates
	}
	return state
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) side() string {
	if c.isClient {
		return "client"
	}
	return "server"
}
