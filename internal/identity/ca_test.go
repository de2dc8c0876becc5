package identity_test

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/jmxscraper/internal/identity"
)

func newTestCA(t *testing.T) *identity.CAManager {
	t.Helper()
	ca := identity.NewCAManager(identity.CAConfig{Dir: t.TempDir(), KeyBits: 2048})
	if err := ca.Create(); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return ca
}

func TestCAManager_Create(t *testing.T) {
	dir := t.TempDir()
	ca := identity.NewCAManager(identity.CAConfig{Dir: dir, KeyBits: 2048})

	if err := ca.Create(); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	for _, name := range []string{"ca.crt", "ca.key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if ca.CertPath() != filepath.Join(dir, "ca.crt") {
		t.Errorf("CertPath(): got %q", ca.CertPath())
	}

	if _, err := ca.Cert().Verify(x509.VerifyOptions{Roots: ca.CertPool()}); err != nil {
		t.Errorf("CA cert does not verify against itself: %v", err)
	}
}

func TestCAManager_LoadOrCreate_idempotent(t *testing.T) {
	dir := t.TempDir()
	ca1 := identity.NewCAManager(identity.CAConfig{Dir: dir, KeyBits: 2048})
	if err := ca1.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}

	ca2 := identity.NewCAManager(identity.CAConfig{Dir: dir, KeyBits: 2048})
	if err := ca2.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}

	if s1, s2 := ca1.Cert().SerialNumber.String(), ca2.Cert().SerialNumber.String(); s1 != s2 {
		t.Errorf("LoadOrCreate created a new CA on the second call (%s → %s)", s1, s2)
	}
}

func TestLoadCertPool(t *testing.T) {
	ca := newTestCA(t)

	pool, err := identity.LoadCertPool(ca.CertPath())
	if err != nil {
		t.Fatalf("LoadCertPool() error: %v", err)
	}
	if _, err := ca.Cert().Verify(x509.VerifyOptions{Roots: pool}); err != nil {
		t.Errorf("loaded pool does not trust the CA: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := identity.LoadCertPool(bad); err == nil {
		t.Error("expected error for file without certificates")
	}
	if _, err := identity.LoadCertPool(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCAManager_Create_config(t *testing.T) {
	ca := identity.NewCAManager(identity.CAConfig{
		Dir:        t.TempDir(),
		CommonName: "db1 agent CA",
		KeyBits:    2048,
		Validity:   48 * time.Hour,
	})
	if err := ca.Create(); err != nil {
		t.Fatal(err)
	}

	cert := ca.Cert()
	if cert.Subject.CommonName != "db1 agent CA" {
		t.Errorf("CommonName: got %q", cert.Subject.CommonName)
	}
	if bits := ca.Key().N.BitLen(); bits != 2048 {
		t.Errorf("key size: got %d bits", bits)
	}
	if life := cert.NotAfter.Sub(cert.NotBefore); life > 49*time.Hour || life < 48*time.Hour {
		t.Errorf("validity: got %v", life)
	}
}

func TestCAManager_LoadOrCreate_keepsDamagedCA(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, dir string)
	}{
		{"corrupt cert", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, "ca.crt"), "garbage")
		}},
		{"key missing", func(t *testing.T, dir string) {
			if err := os.Remove(filepath.Join(dir, "ca.key")); err != nil {
				t.Fatal(err)
			}
		}},
		{"key from another CA", func(t *testing.T, dir string) {
			other := newTestCA(t)
			data, err := os.ReadFile(filepath.Join(filepath.Dir(other.CertPath()), "ca.key"))
			if err != nil {
				t.Fatal(err)
			}
			writeFile(t, filepath.Join(dir, "ca.key"), string(data))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := identity.NewCAManager(identity.CAConfig{Dir: dir, KeyBits: 2048}).Create(); err != nil {
				t.Fatal(err)
			}
			tc.setup(t, dir)
			before, _ := os.ReadFile(filepath.Join(dir, "ca.crt"))

			err := identity.NewCAManager(identity.CAConfig{Dir: dir, KeyBits: 2048}).LoadOrCreate()
			if err == nil {
				t.Fatal("expected error for damaged CA")
			}
			after, _ := os.ReadFile(filepath.Join(dir, "ca.crt"))
			if string(before) != string(after) {
				t.Error("damaged CA was overwritten")
			}
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}
