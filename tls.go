package minitls

import (
	"fmt"
	"net"

	"golang.org/x/net/idna"
)

// Dial connects to addr over the given network, runs the handshake, and
// returns the connected Conn.  When the config carries no ServerName the
// host part of addr is used, normalized to its ASCII (punycode) form the way
// the name will appear in server_name and in certificate validation.
func Dial(network, addr string, config *Config) (*Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	config = config.Clone()
	if config.ServerName == "" && net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, fmt.Errorf("tls: invalid server name %q: %w", host, err)
		}
		config.ServerName = ascii
	}

	rawConn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	conn := Client(rawConn, config)
	if alert := conn.Handshake(); alert != AlertNoAlert {
		rawConn.Close()
		return nil, conn.err
	}
	return conn, nil
}

// Listen announces on the local network address and wraps every accepted
// connection in a server-side Conn.
func Listen(network, addr string, config *Config) (*Listener, error) {
	if err := config.Init(false); err != nil {
		return nil, err
	}
	inner, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: inner, config: config}, nil
}

// Listener wraps a net.Listener, handing out server-side TLS connections.
// The handshake runs lazily on the first Read or Write, or explicitly via
// Handshake.
type Listener struct {
	inner  net.Listener
	config *Config
}

func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	return Server(conn, l.config), nil
}

func (l *Listener) Close() error {
	return l.inner.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}
