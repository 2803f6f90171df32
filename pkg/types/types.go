package types

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"go4.org/netipx"
)

// Endpoint represents a network endpoint with IP and port
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.IP == "" && e.Port == 0
}

// AddrPort parses the endpoint into a netip.AddrPort.
// IPv4-mapped IPv6 addresses are unmapped so they compare equal to their IPv4 form.
func (e Endpoint) AddrPort() (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(e.IP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid endpoint ip %q: %w", e.IP, err)
	}
	if e.Port < 0 || e.Port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid endpoint port %d", e.Port)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(e.Port)), nil
}

// UDPAddr converts the endpoint into a dialable UDP address.
// Host names are resolved when the IP field is not a literal address.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	ap, err := e.AddrPort()
	if err == nil {
		return net.UDPAddrFromAddrPort(ap), nil
	}

	addr, rerr := net.ResolveUDPAddr("udp", e.String())
	if rerr != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", e, rerr)
	}
	return addr, nil
}

// FromAddr extracts the endpoint a remote socket address was observed at.
func FromAddr(addr net.Addr) (Endpoint, error) {
	if addr == nil {
		return Endpoint{}, fmt.Errorf("nil address")
	}

	var (
		ap netip.AddrPort
		ok bool
	)
	switch a := addr.(type) {
	case *net.TCPAddr:
		ap, ok = netipx.FromStdAddr(a.IP, a.Port, a.Zone)
	case *net.UDPAddr:
		ap, ok = netipx.FromStdAddr(a.IP, a.Port, a.Zone)
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		ap, ok = parsed, err == nil
	}
	if !ok {
		return Endpoint{}, fmt.Errorf("unsupported address %q", addr.String())
	}

	return Endpoint{
		IP:   ap.Addr().Unmap().String(),
		Port: int(ap.Port()),
	}, nil
}

// SameAddr reports whether two endpoints name the same IP and port.
func SameAddr(a, b Endpoint) bool {
	ap, err := a.AddrPort()
	if err != nil {
		return a == b
	}
	bp, err := b.AddrPort()
	if err != nil {
		return false
	}
	return ap == bp
}
