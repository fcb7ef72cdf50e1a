package main

import (
	"crypto/x509"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/xuganyu96/minitls"
)

var (
	addr       string
	serverName string
	caFile     string
	insecure   bool
	verbose    bool
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "host:port to connect to")
	flag.StringVar(&serverName, "servername", "", "server name for SNI and certificate validation (default: host part of addr)")
	flag.StringVar(&caFile, "cafile", "", "PEM file with trusted roots (default: system roots)")
	flag.BoolVar(&insecure, "insecure", false, "skip certificate verification")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	config := &minitls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
	}
	if caFile != "" {
		pemBytes, err := os.ReadFile(caFile)
		if err != nil {
			log.WithError(err).Fatal("cannot read CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			log.WithField("file", caFile).Fatal("no certificates found in CA file")
		}
		config.RootCAs = pool
	}

	conn, err := minitls.Dial("tcp", addr, config)
	if err != nil {
		log.WithError(err).Fatal("handshake failed")
	}
	defer conn.Close()

	state := conn.ConnectionState()
	log.WithFields(logrus.Fields{
		"suite": state.CipherSuite.Suite,
		"group": state.NegotiatedGroup,
	}).Info("connected")
	for _, cert := range state.PeerCertificates {
		log.WithField("subject", cert.Subject.String()).Debug("peer certificate")
	}

	request := "GET / HTTP/1.0\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		log.WithError(err).Fatal("write failed")
	}

	buffer := make([]byte, 4096)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			fmt.Print(string(buffer[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WithError(err).Fatal("read failed")
		}
	}
}
