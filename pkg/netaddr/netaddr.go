// Package netaddr implements the endpoint address type shared by settings,
// peer offers, and connection bookkeeping: a (host, port) pair with a
// canonical "host:port" serialized form.
package netaddr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrInvalidEndpoint is returned when a string does not parse as a valid
// host:port endpoint.
var ErrInvalidEndpoint = errors.New("netaddr: invalid endpoint")

// Endpoint is a (host, port) pair. Host is kept as the text
// net.SplitHostPort returns, an IP literal or a host name; Parse does not
// check that it is an IP literal, and no DNS resolution is performed
// anywhere in this package.
type Endpoint struct {
	Host string
	Port uint16
}

// Parse parses s ("host:port", IPv6 host optionally bracketed) into an
// Endpoint.
func Parse(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, portStr)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

// String returns the canonical "host:port" form, bracketing IPv6 literals.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Equal reports whether e and other denote the same endpoint on their
// normalized string form.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.String() == other.String()
}

// IsZero reports whether e is the zero Endpoint (no host, no port).
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}
