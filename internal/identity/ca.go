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
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	pemCertificate = "CERTIFICATE"
	pemPrivateKey  = "PRIVATE KEY"
)

// CAConfig describes the agent's signing authority.
type CAConfig struct {
	Dir        string        // holds ca.crt and ca.key
	CommonName string        // default "jmxscraper management CA (<hostname>)"
	KeyBits    int           // default 3072
	Validity   time.Duration // default 5 years
}

func (c *CAConfig) withDefaults() {
	if c.CommonName == "" {
		hostname, _ := os.Hostname()
		c.CommonName = fmt.Sprintf("jmxscraper management CA (%s)", hostname)
	}
	if c.KeyBits == 0 {
		c.KeyBits = 3072
	}
	if c.Validity == 0 {
		c.Validity = 5 * 365 * 24 * time.Hour
	}
}

// CAManager owns the root certificate that signs the registry and management
// server certificates. Scrapers trust the agent by loading CertPath.
type CAManager struct {
	cfg  CAConfig
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewCAManager returns a CAManager for cfg. Nothing is read until Load or
// LoadOrCreate.
func NewCAManager(cfg CAConfig) *CAManager {
	cfg.withDefaults()
	return &CAManager{cfg: cfg}
}

// LoadOrCreate loads the CA, generating one only when neither file exists.
// A partial or corrupt CA on disk is an error rather than silently replaced,
// since scrapers may already trust it.
func (m *CAManager) LoadOrCreate() error {
	err := m.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) || m.exists(m.keyPath()) || m.exists(m.CertPath()) {
		return err
	}
	return m.Create()
}

// Load reads the CA from disk.
func (m *CAManager) Load() error {
	certDER, err := readPEM(m.CertPath(), pemCertificate)
	if err != nil {
		return err
	}
	keyDER, err := readPEM(m.keyPath(), pemPrivateKey)
	if err != nil {
		return err
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse %s: %w", m.CertPath(), err)
	}
	if !cert.IsCA {
		return fmt.Errorf("certificate in %s is not a CA", m.CertPath())
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return fmt.Errorf("parse %s: %w", m.keyPath(), err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("%s: want an RSA key, got %T", m.keyPath(), parsed)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return fmt.Errorf("%s does not match %s", m.keyPath(), m.CertPath())
	}

	m.cert, m.key = cert, key
	return nil
}

// Create generates a new self-signed CA and writes it to disk, replacing any
// existing files.
func (m *CAManager) Create() error {
	if err := os.MkdirAll(m.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir %q: %w", m.cfg.Dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, m.cfg.KeyBits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: m.cfg.CommonName, Organization: []string{"jmxscraper"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(m.cfg.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("sign CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode CA key: %w", err)
	}

	if err := writePEM(m.keyPath(), pemPrivateKey, keyDER, 0o600); err != nil {
		return err
	}
	if err := writePEM(m.CertPath(), pemCertificate, der, 0o644); err != nil {
		return err
	}

	m.cert, m.key = cert, key
	return nil
}

// CertPath is the on-disk location of the CA certificate.
func (m *CAManager) CertPath() string { return filepath.Join(m.cfg.Dir, "ca.crt") }

func (m *CAManager) keyPath() string { return filepath.Join(m.cfg.Dir, "ca.key") }

func (m *CAManager) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Cert returns the loaded CA certificate.
func (m *CAManager) Cert() *x509.Certificate { return m.cert }

// Key returns the loaded CA private key. mgmtd also signs session tokens
// with it.
func (m *CAManager) Key() *rsa.PrivateKey { return m.key }

// CertPEM returns the CA certificate encoded as PEM.
func (m *CAManager) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: m.cert.Raw})
}

// CertPool returns a pool trusting only this CA.
func (m *CAManager) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.cert)
	return pool
}

// ServerTLSConfig is the listener config for the registry and management
// endpoints presenting serverCert.
func (m *CAManager) ServerTLSConfig(serverCert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig trusts only this CA. mgmtd uses it to probe its own stubs.
func (m *CAManager) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		RootCAs:    m.CertPool(),
		MinVersion: tls.VersionTLS12,
	}
}

// LoadCertPool reads a PEM bundle from path into a new pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no valid certificates found in %q", path)
	}
	return pool, nil
}

// readPEM returns the DER bytes of the first block of the given type in path.
func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%s: no %s block", path, blockType)
		}
		if block.Type == blockType {
			return block.Bytes, nil
		}
	}
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// newSerial returns a random 128-bit certificate serial number.
func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
