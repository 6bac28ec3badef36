package domain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

const (
	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	// MaxAddressLen is the longest possible header: ATYP, length, 255-byte
	// hostname and port.
	MaxAddressLen = 1 + 1 + 255 + 2
)

var (
	ErrShortAddress   = errors.New("address header incomplete")
	ErrBadAddressType = errors.New("unknown address type")
	ErrBadAddress     = errors.New("malformed address")
)

// Address is the destination record the client prepends to the first
// decrypted payload of a connection.
type Address struct {
	Type byte
	IP   netip.Addr // zero for AtypDomain
	Host string     // set for AtypDomain
	Port uint16
}

func (a Address) IsDomain() bool { return a.Type == AtypDomain }

func (a Address) AddrPort() netip.AddrPort { return netip.AddrPortFrom(a.IP, a.Port) }

func (a Address) String() string {
	host := a.Host
	if !a.IsDomain() {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// ParseAddress decodes the address header at the head of b and returns it
// together with the number of bytes it occupies. ErrShortAddress means b
// holds a valid prefix and more bytes are needed.
func ParseAddress(b []byte) (Address, int, error) {
	if len(b) < 1 {
		return Address{}, 0, ErrShortAddress
	}

	var (
		addr = Address{Type: b[0]}
		n    int
	)
	switch addr.Type {
	case AtypIPv4:
		n = 1 + net.IPv4len + 2
		if len(b) < n {
			return Address{}, 0, ErrShortAddress
		}
		addr.IP = netip.AddrFrom4([4]byte(b[1:5]))
	case AtypIPv6:
		n = 1 + net.IPv6len + 2
		if len(b) < n {
			return Address{}, 0, ErrShortAddress
		}
		addr.IP = netip.AddrFrom16([16]byte(b[1:17]))
	case AtypDomain:
		if len(b) < 2 {
			return Address{}, 0, ErrShortAddress
		}
		hlen := int(b[1])
		if hlen == 0 {
			return Address{}, 0, fmt.Errorf("%w: empty hostname", ErrBadAddress)
		}
		n = 2 + hlen + 2
		if len(b) < n {
			return Address{}, 0, ErrShortAddress
		}
		addr.Host = string(b[2 : 2+hlen])
		if ip, err := netip.ParseAddr(addr.Host); err == nil {
			// literal sent as a hostname
			ip = ip.Unmap()
			addr.Type, addr.IP, addr.Host = ipType(ip), ip, ""
		}
	default:
		return Address{}, 0, fmt.Errorf("%w: 0x%02x", ErrBadAddressType, addr.Type)
	}

	addr.Port = binary.BigEndian.Uint16(b[n-2 : n])
	return addr, n, nil
}

func ipType(ip netip.Addr) byte {
	if ip.Is4() {
		return AtypIPv4
	}
	return AtypIPv6
}
