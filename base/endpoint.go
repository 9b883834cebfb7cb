// Package base holds the small, dependency-free value types shared by every
// other package in the client: network endpoints, partition identifiers, and
// the routing-key hash used to pick a partition for a table operation.
package base

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a typed (ipv4, port) pair. The zero value is Invalid and never
// compares equal to a real endpoint.
type Endpoint struct {
	ip   uint32 // host byte order
	port uint16
}

// InvalidEndpoint is the all-zero sentinel. No real replica or meta server
// resolves to it.
var InvalidEndpoint = Endpoint{}

// ParseEndpoint resolves host synchronously, once, and stores the IP
// numerically. Only IPv4 is supported, matching the wire gpid/addr encoding.
func ParseEndpoint(host string, port uint16) (Endpoint, error) {
	if port == 0 {
		return InvalidEndpoint, fmt.Errorf("base: invalid port 0 for host %q", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return InvalidEndpoint, fmt.Errorf("base: resolve %q: %w", host, err)
		}
		for _, candidate := range ips {
			if v4 := candidate.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return InvalidEndpoint, fmt.Errorf("base: %q has no IPv4 address", host)
		}
	}
	v4 := ip.To4()
	if v4 == nil {
		return InvalidEndpoint, fmt.Errorf("base: %q is not an IPv4 address", host)
	}
	return Endpoint{
		ip:   binary.BigEndian.Uint32(v4),
		port: port,
	}, nil
}

// MustParseEndpoint is ParseEndpoint, panicking on error; useful for tests
// and static seed lists known to be valid at compile time.
func MustParseEndpoint(host string, port uint16) Endpoint {
	ep, err := ParseEndpoint(host, port)
	if err != nil {
		panic(err)
	}
	return ep
}

// EndpointFromRaw builds an Endpoint directly from a host-byte-order IPv4
// value and port, as carried on the wire (e.g. in a meta response's replica
// list). Used by the rpc/session layer when decoding addresses that arrive
// already numeric, skipping ParseEndpoint's DNS resolution.
func EndpointFromRaw(ip uint32, port uint16) Endpoint {
	return Endpoint{ip: ip, port: port}
}

// Raw returns the host-byte-order IPv4 value and port, for wire encoding.
func (e Endpoint) Raw() (ip uint32, port uint16) { return e.ip, e.port }

// IsValid reports whether e is not the zero sentinel.
func (e Endpoint) IsValid() bool { return e != InvalidEndpoint }

// Host returns the dotted-quad form of the address.
func (e Endpoint) Host() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], e.ip)
	return net.IP(b[:]).String()
}

// Port returns the port number.
func (e Endpoint) Port() uint16 { return e.port }

// String renders "a.b.c.d:port", the form used for addr keys and logging.
func (e Endpoint) String() string {
	if !e.IsValid() {
		return "invalid"
	}
	return net.JoinHostPort(e.Host(), strconv.Itoa(int(e.port)))
}
