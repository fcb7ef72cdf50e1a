package minitls

import (
	"bytes"
	"crypto/x509"
)

// Certificate checking is split the way the protocol wants it: the core
// always enforces chain-internal structure (each certificate must be issued
// by the next one in the list), while trust-anchor policy is a swappable
// collaborator reached through the Config.  The default policy is the
// platform verifier via crypto/x509.

// verifyChainStructure checks that the presented list is a coherent chain:
// non-empty, leaf first, each certificate's issuer naming the next subject.
// It deliberately knows nothing about trust anchors.
func verifyChainStructure(chain []*x509.Certificate) Alert {
	if len(chain) == 0 {
		return AlertDecodeError
	}
	for i := 0; i < len(chain)-1; i++ {
		if !bytes.Equal(chain[i].RawIssuer, chain[i+1].RawSubject) {
			logf(logTypeHandshake, "chain break at %d: issuer %q != subject %q",
				i, chain[i].Issuer, chain[i+1].Subject)
			return AlertBadCertificate
		}
	}
	return AlertNoAlert
}

// verifyServerChain runs the structural check and then the configured trust
// policy.  Returning AlertNoAlert means the leaf's public key may be used to
// verify CertificateVerify.
func verifyServerChain(config *Config, serverName string, chain []*x509.Certificate) Alert {
	if alert := verifyChainStructure(chain); alert != AlertNoAlert {
		return alert
	}

	var verifiedChains [][]*x509.Certificate
	if !config.InsecureSkipVerify {
		opts := x509.VerifyOptions{
			Roots:         config.RootCAs,
			DNSName:       serverName,
			Intermediates: x509.NewCertPool(),
		}
		if config.Time != nil {
			opts.CurrentTime = config.Time()
		}
		for _, cert := range chain[1:] {
			opts.Intermediates.AddCert(cert)
		}
		var err error
		verifiedChains, err = chain[0].Verify(opts)
		if err != nil {
			logf(logTypeHandshake, "certificate chain failed verification: %v", err)
			return AlertBadCertificate
		}
	}

	if config.VerifyPeerCertificate != nil {
		rawCerts := make([][]byte, len(chain))
		for i, cert := range chain {
			rawCerts[i] = cert.Raw
		}
		if err := config.VerifyPeerCertificate(rawCerts, verifiedChains); err != nil {
			logf(logTypeHandshake, "VerifyPeerCertificate rejected the chain: %v", err)
			return AlertBadCertificate
		}
	}
	return AlertNoAlert
}
