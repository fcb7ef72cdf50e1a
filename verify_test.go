package minitls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTestCA returns a CA certificate and a leaf for testServerName that
// the CA issued.
func makeTestCA(t *testing.T) (ca *x509.Certificate, leaf *x509.Certificate) {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caKey.Public(), caKey)
	require.NoError(t, err)
	ca, err = x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: testServerName},
		DNSNames:     []string{testServerName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca, leafKey.Public(), caKey)
	require.NoError(t, err)
	leaf, err = x509.ParseCertificate(leafDER)
	require.NoError(t, err)
	return
}

func TestVerifyChainStructure(t *testing.T) {
	ca, leaf := makeTestCA(t)

	assert.Equal(t, AlertNoAlert, verifyChainStructure([]*x509.Certificate{leaf, ca}))
	assert.Equal(t, AlertNoAlert, verifyChainStructure([]*x509.Certificate{ca}))

	// Leaf-last ordering breaks the issuer/subject linkage.
	assert.Equal(t, AlertBadCertificate, verifyChainStructure([]*x509.Certificate{ca, leaf}))
	assert.Equal(t, AlertDecodeError, verifyChainStructure(nil))
}

func TestVerifyChainStructureUnrelatedCertificates(t *testing.T) {
	stranger := makeECDSACertificate(t).Chain[0]
	_, leaf := makeTestCA(t)

	assert.Equal(t, AlertBadCertificate, verifyChainStructure([]*x509.Certificate{leaf, stranger}))
}

func TestVerifyServerChainWithIntermediatelessRoot(t *testing.T) {
	ca, leaf := makeTestCA(t)
	pool := x509.NewCertPool()
	pool.AddCert(ca)

	config := &Config{RootCAs: pool}
	assert.Equal(t, AlertNoAlert, verifyServerChain(config, testServerName, []*x509.Certificate{leaf, ca}))
	assert.Equal(t, AlertBadCertificate, verifyServerChain(config, "other.example", []*x509.Certificate{leaf, ca}))
}

func TestVerifyServerChainRespectsConfiguredTime(t *testing.T) {
	ca, leaf := makeTestCA(t)
	pool := x509.NewCertPool()
	pool.AddCert(ca)

	expired := &Config{
		RootCAs: pool,
		Time:    func() time.Time { return time.Now().Add(48 * time.Hour) },
	}
	assert.Equal(t, AlertBadCertificate, verifyServerChain(expired, testServerName, []*x509.Certificate{leaf, ca}))
}

func TestVerifyServerChainInsecureSkipsTrustButNotStructure(t *testing.T) {
	ca, leaf := makeTestCA(t)
	config := &Config{InsecureSkipVerify: true}

	assert.Equal(t, AlertNoAlert, verifyServerChain(config, testServerName, []*x509.Certificate{leaf, ca}))
	assert.Equal(t, AlertBadCertificate, verifyServerChain(config, testServerName, []*x509.Certificate{ca, leaf}))
}
