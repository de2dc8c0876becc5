// Package serviceurl provides parsing and validation for JMX service URLs.
//
// URL format: service:jmx:[protocol]://[host][:port][url-path]
//
// Examples:
//
//	service:jmx:rmi:///jndi/rmi://localhost:9999/jmxrmi     (registry lookup)
//	service:jmx:rmi://db1:7199/stub                         (direct address)
//
// When the url-path starts with /jndi/, the remainder of the path is an embedded
// URI naming the registry that holds the connector stub. Otherwise the host and
// port of the URL itself address the service.
package serviceurl

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	prefix = "service:jmx:"

	// jndiPrefix marks a compound url-path that embeds a registry URI.
	jndiPrefix = "/jndi/"

	// DefaultRegistryPort is used when the embedded registry URI has no port.
	DefaultRegistryPort = 1099

	// DefaultRegistryName is the name the connector stub is bound under.
	DefaultRegistryName = "jmxrmi"

	hostPortTemplate = "service:jmx:rmi:///jndi/rmi://%s:%d/jmxrmi"
)

// URL represents a parsed JMX service URL.
type URL struct {
	Protocol string // e.g. "rmi"
	Host     string // empty when the service is reached through the registry path
	Port     int    // 0 when absent
	Path     string // e.g. "/jndi/rmi://localhost:9999/jmxrmi"
	raw      string
}

// FromHostPort builds the canonical registry URL for host and port:
//
//	service:jmx:rmi:///jndi/rmi://{host}:{port}/jmxrmi
func FromHostPort(host string, port int) (*URL, error) {
	if host == "" {
		return nil, fmt.Errorf("host must not be empty")
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("port %d out of range 0-65535", port)
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return Parse(fmt.Sprintf(hostPortTemplate, host, port))
}

// Parse parses a service:jmx: URL string.
func Parse(raw string) (*URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty service URL")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return nil, fmt.Errorf("service URL %q contains whitespace", raw)
	}
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return nil, fmt.Errorf("service URL %q must start with %q", raw, prefix)
	}

	rest := raw[len(prefix):]
	sep := strings.Index(rest, "://")
	if sep < 0 {
		return nil, fmt.Errorf("missing \"://\" in service URL %q", raw)
	}
	protocol := rest[:sep]
	if err := validateProtocol(protocol); err != nil {
		return nil, err
	}

	rest = rest[sep+3:]
	authority, path := rest, ""
	if i := strings.IndexAny(rest, "/;"); i >= 0 {
		authority, path = rest[:i], rest[i:]
	}
	if path != "" && path[0] != '/' {
		return nil, fmt.Errorf("url-path %q must start with \"/\"", path)
	}

	host, port, err := splitAuthority(authority)
	if err != nil {
		return nil, fmt.Errorf("service URL %q: %w", raw, err)
	}

	return &URL{
		Protocol: strings.ToLower(protocol),
		Host:     host,
		Port:     port,
		Path:     path,
		raw:      raw,
	}, nil
}

// MustParse parses a URL and panics on error. Useful in tests and init blocks.
func MustParse(raw string) *URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the canonical service URL string.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(u.Protocol)
	b.WriteString("://")
	if u.Host != "" {
		if strings.Contains(u.Host, ":") {
			b.WriteString("[" + u.Host + "]")
		} else {
			b.WriteString(u.Host)
		}
	}
	if u.Port != 0 {
		b.WriteString(":" + strconv.Itoa(u.Port))
	}
	b.WriteString(u.Path)
	return b.String()
}

// IsRegistryPath reports whether the url-path embeds a registry URI.
func (u *URL) IsRegistryPath() bool {
	return strings.HasPrefix(u.Path, jndiPrefix)
}

// RegistryAddress returns the host and port of the registry holding the stub.
//
// For a compound path (/jndi/rmi://otherhost:1234/jmxrmi) the address comes from
// the embedded URI; otherwise the URL's own host and port are used.
func (u *URL) RegistryAddress() (string, int, error) {
	if !u.IsRegistryPath() {
		return u.Host, u.Port, nil
	}
	embedded, err := u.embedded()
	if err != nil {
		return "", 0, err
	}

	host := embedded.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := DefaultRegistryPort
	if p := embedded.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 {
			return "", 0, fmt.Errorf("invalid registry port %q", p)
		}
	}
	return host, port, nil
}

// RegistryName returns the name the stub is bound under in the registry.
func (u *URL) RegistryName() string {
	if !u.IsRegistryPath() {
		return DefaultRegistryName
	}
	embedded, err := u.embedded()
	if err != nil {
		return DefaultRegistryName
	}
	name := strings.Trim(embedded.Path, "/")
	if name == "" {
		return DefaultRegistryName
	}
	return name
}

// Target returns the host and port used in diagnostics: the URL's own address
// when it names a host, otherwise the embedded registry address.
func (u *URL) Target() (string, int) {
	if u.Host != "" || !u.IsRegistryPath() {
		return u.Host, u.Port
	}
	host, port, err := u.RegistryAddress()
	if err != nil {
		return u.Host, u.Port
	}
	return host, port
}

// embedded splits "/jndi/<uri>" into exactly three parts and parses the third.
func (u *URL) embedded() (*url.URL, error) {
	components := strings.SplitN(u.Path, "/", 3)
	if len(components) != 3 || components[2] == "" {
		return nil, fmt.Errorf("missing registry URI in path %q", u.Path)
	}
	embedded, err := url.Parse(components[2])
	if err != nil {
		return nil, fmt.Errorf("invalid registry URI %q: %w", components[2], err)
	}
	return embedded, nil
}

func validateProtocol(protocol string) error {
	if protocol == "" {
		return fmt.Errorf("protocol must not be empty")
	}
	for _, r := range protocol {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '+' || r == '-' || r == '.':
		default:
			return fmt.Errorf("protocol %q contains invalid characters", protocol)
		}
	}
	return nil
}

// splitAuthority parses "[host][:port]", accepting bracketed IPv6 hosts.
func splitAuthority(authority string) (string, int, error) {
	if authority == "" {
		return "", 0, nil
	}

	host, portStr := authority, ""
	if strings.HasPrefix(authority, "[") {
		end := strings.Index(authority, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated IPv6 host %q", authority)
		}
		host = authority[1:end]
		if net.ParseIP(host) == nil {
			return "", 0, fmt.Errorf("invalid IPv6 host %q", host)
		}
		switch tail := authority[end+1:]; {
		case tail == "":
		case strings.HasPrefix(tail, ":"):
			portStr = tail[1:]
		default:
			return "", 0, fmt.Errorf("unexpected %q after IPv6 host", tail)
		}
	} else {
		if i := strings.LastIndex(authority, ":"); i >= 0 {
			host, portStr = authority[:i], authority[i+1:]
		}
		if err := validateHost(host); err != nil {
			return "", 0, err
		}
	}

	if portStr == "" {
		return host, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func validateHost(host string) error {
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return fmt.Errorf("host %q contains invalid characters", host)
		}
	}
	return nil
}
