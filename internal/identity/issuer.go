package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"time"
)

const leafKeyBits = 2048

// ErrCANotLoaded is returned when issuing before the CA is loaded.
var ErrCANotLoaded = errors.New("CA not loaded; call LoadOrCreate first")

// IssuedCert holds the result of a certificate issuance.
type IssuedCert struct {
	CertPEM string
	KeyPEM  string
	Serial  string
	Cert    *x509.Certificate
}

// TLSCertificate converts the PEM-encoded cert+key into a tls.Certificate.
func (ic *IssuedCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair([]byte(ic.CertPEM), []byte(ic.KeyPEM))
}

// Issuer signs leaf certificates with a CAManager's key.
type Issuer struct {
	ca *CAManager
}

// NewIssuer creates an Issuer backed by the given CAManager.
func NewIssuer(ca *CAManager) *Issuer {
	return &Issuer{ca: ca}
}

// IssueServerCert issues a TLS server certificate valid for the given DNS
// names and IPs. validFor defaults to one year.
func (i *Issuer) IssueServerCert(dnsNames []string, ips []net.IP, validFor time.Duration) (*IssuedCert, error) {
	if i.ca == nil || i.ca.cert == nil || i.ca.key == nil {
		return nil, ErrCANotLoaded
	}
	if len(dnsNames) == 0 && len(ips) == 0 {
		return nil, fmt.Errorf("server certificate needs at least one DNS name or IP")
	}
	if validFor == 0 {
		validFor = 365 * 24 * time.Hour
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	cn := "jmxscraper management agent"
	if len(dnsNames) > 0 {
		cn = dnsNames[0]
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"jmxscraper"},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validFor),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, i.ca.cert, &key.PublicKey, i.ca.key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode server key: %w", err)
	}

	return &IssuedCert{
		CertPEM: string(pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: certDER})),
		KeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: keyDER})),
		Serial:  serial.Text(16),
		Cert:    cert,
	}, nil
}

// VerifyServerCert checks that cert chains to the CA and is valid for host.
func (i *Issuer) VerifyServerCert(cert *x509.Certificate, host string) error {
	if i.ca == nil || i.ca.cert == nil {
		return ErrCANotLoaded
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     i.ca.CertPool(),
		DNSName:   host,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return fmt.Errorf("certificate not trusted: %w", err)
	}
	return nil
}
