package serviceurl_test

import (
	"testing"

	"github.com/jmerrifield20/jmxscraper/pkg/serviceurl"
)

func TestFromHostPort_template(t *testing.T) {
	cases := []struct {
		host string
		port int
		want string
	}{
		{"localhost", 9999, "service:jmx:rmi:///jndi/rmi://localhost:9999/jmxrmi"},
		{"db1", 7199, "service:jmx:rmi:///jndi/rmi://db1:7199/jmxrmi"},
		{"10.0.0.7", 0, "service:jmx:rmi:///jndi/rmi://10.0.0.7:0/jmxrmi"},
		{"metrics.example.com", 65535, "service:jmx:rmi:///jndi/rmi://metrics.example.com:65535/jmxrmi"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.want, func(t *testing.T) {
			u, err := serviceurl.FromHostPort(tc.host, tc.port)
			if err != nil {
				t.Fatalf("FromHostPort(%q, %d) error: %v", tc.host, tc.port, err)
			}
			if got := u.String(); got != tc.want {
				t.Errorf("String(): got %q, want %q", got, tc.want)
			}
			host, port := u.Target()
			if host != tc.host || port != tc.port {
				t.Errorf("Target(): got %s:%d, want %s:%d", host, port, tc.host, tc.port)
			}
		})
	}
}

func TestFromHostPort_invalid(t *testing.T) {
	cases := []struct {
		name string
		host string
		port int
	}{
		{"empty host", "", 9999},
		{"negative port", "localhost", -1},
		{"port too large", "localhost", 65536},
		{"bad host chars", "local host", 9999},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := serviceurl.FromHostPort(tc.host, tc.port); err == nil {
				t.Errorf("expected error for %s:%d", tc.host, tc.port)
			}
		})
	}
}

func TestParse_valid(t *testing.T) {
	cases := []struct {
		input    string
		protocol string
		host     string
		port     int
		path     string
	}{
		{
			input:    "service:jmx:rmi:///jndi/rmi://localhost:9999/jmxrmi",
			protocol: "rmi",
			path:     "/jndi/rmi://localhost:9999/jmxrmi",
		},
		{
			input:    "service:jmx:rmi://db1:7199/stub",
			protocol: "rmi",
			host:     "db1",
			port:     7199,
			path:     "/stub",
		},
		{
			input:    "SERVICE:JMX:jmxmp://broker-2.internal:5555",
			protocol: "jmxmp",
			host:     "broker-2.internal",
			port:     5555,
		},
		{
			input:    "service:jmx:rmi://[::1]:9010/jndi/rmi://[::1]:9011/jmxrmi",
			protocol: "rmi",
			host:     "::1",
			port:     9010,
			path:     "/jndi/rmi://[::1]:9011/jmxrmi",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			u, err := serviceurl.Parse(tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.Protocol != tc.protocol {
				t.Errorf("Protocol: got %q, want %q", u.Protocol, tc.protocol)
			}
			if u.Host != tc.host {
				t.Errorf("Host: got %q, want %q", u.Host, tc.host)
			}
			if u.Port != tc.port {
				t.Errorf("Port: got %d, want %d", u.Port, tc.port)
			}
			if u.Path != tc.path {
				t.Errorf("Path: got %q, want %q", u.Path, tc.path)
			}
		})
	}
}

func TestParse_invalid(t *testing.T) {
	cases := []string{
		"",                                  // empty
		"localhost:9999",                    // no scheme
		"http://localhost:9999/jmxrmi",      // wrong scheme
		"service:jmx:rmi",                   // missing ://
		"service:jmx:://localhost:1/x",      // empty protocol
		"service:jmx:r!mi://localhost:1/x",  // bad protocol
		"service:jmx:rmi://localhost:99999", // port out of range
		"service:jmx:rmi://localhost:abc",   // non-numeric port
		"service:jmx:rmi://local host:1",    // whitespace
		"service:jmx:rmi://[::1/jmxrmi",     // unterminated IPv6
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc, func(t *testing.T) {
			if _, err := serviceurl.Parse(tc); err == nil {
				t.Errorf("expected error for %q but got nil", tc)
			}
		})
	}
}

func TestURL_String_roundTrip(t *testing.T) {
	for _, raw := range []string{
		"service:jmx:rmi:///jndi/rmi://localhost:9999/jmxrmi",
		"service:jmx:rmi://db1:7199/stub",
		"service:jmx:rmi://[::1]:9010/jndi/rmi://[::1]:9011/jmxrmi",
	} {
		u, err := serviceurl.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := u.String(); got != raw {
			t.Errorf("String(): got %q, want %q", got, raw)
		}
	}
}

func TestRegistryAddress_compoundPath(t *testing.T) {
	u := serviceurl.MustParse("service:jmx:rmi://outerhost:1/jndi/rmi://otherhost:1234/jmxrmi")

	host, port, err := u.RegistryAddress()
	if err != nil {
		t.Fatalf("RegistryAddress() error: %v", err)
	}
	if host != "otherhost" || port != 1234 {
		t.Errorf("RegistryAddress(): got %s:%d, want otherhost:1234", host, port)
	}
	if u.RegistryName() != "jmxrmi" {
		t.Errorf("RegistryName(): got %q", u.RegistryName())
	}
}

func TestRegistryAddress_plainPath(t *testing.T) {
	u := serviceurl.MustParse("service:jmx:rmi://db1:7199/stub")

	host, port, err := u.RegistryAddress()
	if err != nil {
		t.Fatalf("RegistryAddress() error: %v", err)
	}
	if host != "db1" || port != 7199 {
		t.Errorf("RegistryAddress(): got %s:%d, want db1:7199", host, port)
	}
	if u.IsRegistryPath() {
		t.Error("IsRegistryPath() = true for a plain path")
	}
}

func TestRegistryAddress_defaults(t *testing.T) {
	u := serviceurl.MustParse("service:jmx:rmi:///jndi/rmi:///custom")

	host, port, err := u.RegistryAddress()
	if err != nil {
		t.Fatalf("RegistryAddress() error: %v", err)
	}
	if host != "localhost" || port != serviceurl.DefaultRegistryPort {
		t.Errorf("RegistryAddress(): got %s:%d, want localhost:%d", host, port, serviceurl.DefaultRegistryPort)
	}
	if u.RegistryName() != "custom" {
		t.Errorf("RegistryName(): got %q, want custom", u.RegistryName())
	}
}

func TestRegistryAddress_missingEmbeddedURI(t *testing.T) {
	u := serviceurl.MustParse("service:jmx:rmi://host:1/jndi/")
	if _, _, err := u.RegistryAddress(); err == nil {
		t.Error("expected error for empty embedded registry URI")
	}
}

func TestMustParse_panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected MustParse to panic on invalid URL")
		}
	}()
	serviceurl.MustParse("not-a-url")
}
