package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xuganyu96/minitls"
)

var (
	port       string
	serverName string
	keyFile    string
	certFile   string
	verbose    bool
)

var log = logrus.New()

func loadCertificate() *minitls.Certificate {
	if keyFile == "" && certFile == "" {
		return selfSignedCertificate()
	}
	if keyFile == "" || certFile == "" {
		log.Fatal("specify both -keyfile and -certfile, or neither for a self-signed certificate")
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		log.WithError(err).Fatal("cannot read key file")
	}
	keyDER, _ := pem.Decode(keyPEM)
	if keyDER == nil {
		log.WithField("file", keyFile).Fatal("no PEM block in key file")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyDER.Bytes)
	if err != nil {
		log.WithError(err).Fatal("cannot parse private key")
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		log.WithError(err).Fatal("cannot read cert file")
	}
	certDER, _ := pem.Decode(certPEM)
	if certDER == nil {
		log.WithField("file", certFile).Fatal("no PEM block in cert file")
	}
	cert, err := x509.ParseCertificate(certDER.Bytes)
	if err != nil {
		log.WithError(err).Fatal("cannot parse certificate")
	}

	return &minitls.Certificate{
		Chain:      []*x509.Certificate{cert},
		PrivateKey: key.(*ecdsa.PrivateKey),
	}
}

// selfSignedCertificate mints an ephemeral P-256 certificate for serverName,
// good enough for clients running with -insecure or with this certificate
// pinned as a root.
func selfSignedCertificate() *minitls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.WithError(err).Fatal("cannot generate key")
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: serverName},
		DNSNames:     []string{serverName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		log.WithError(err).Fatal("cannot create certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		log.WithError(err).Fatal("cannot parse generated certificate")
	}
	log.WithField("servername", serverName).Info("using self-signed certificate")
	return &minitls.Certificate{
		Chain:      []*x509.Certificate{cert},
		PrivateKey: key,
	}
}

func main() {
	flag.StringVar(&port, "port", "4430", "port to listen on")
	flag.StringVar(&serverName, "servername", "localhost", "server name")
	flag.StringVar(&keyFile, "keyfile", "", "PKCS#8 private key file")
	flag.StringVar(&certFile, "certfile", "", "certificate file")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	config := &minitls.Config{
		ServerName:   serverName,
		Certificates: []*minitls.Certificate{loadCertificate()},
	}

	listener, err := minitls.Listen("tcp", "0.0.0.0:"+port, config)
	if err != nil {
		log.WithError(err).Fatal("listen failed")
	}
	log.WithField("addr", listener.Addr()).Info("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Error("accept failed")
			break
		}
		go handleClient(conn)
	}
}

func handleClient(conn *minitls.Conn) {
	defer conn.Close()

	if alert := conn.Handshake(); alert != minitls.AlertNoAlert {
		log.WithField("alert", alert).Error("handshake failed")
		return
	}
	state := conn.ConnectionState()
	log.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr(),
		"suite":  state.CipherSuite.Suite,
		"group":  state.NegotiatedGroup,
	}).Info("accepted")

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err == io.EOF {
			log.WithField("remote", conn.RemoteAddr()).Debug("peer closed")
			return
		}
		if err != nil {
			log.WithError(err).Error("read failed")
			return
		}
		log.WithField("bytes", n).Debug("request received")

		body := "hello world\n"
		response := fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
		if _, err := conn.Write([]byte(response)); err != nil {
			log.WithError(err).Error("write failed")
			return
		}
		return
	}
}
