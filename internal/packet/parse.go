package packet

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Validate checks that packet holds exactly one well-formed IP datagram and
// returns its length as declared by the IP header. Bytes past that length
// are padding and must be ignored by callers. A positive mtu bounds the
// declared length.
func Validate(packet []byte, mtu int) (int, error) {
	if len(packet) < 1 {
		return 0, ErrPacketTooShort
	}

	var n int
	switch Version(packet) {
	case IPv4Version:
		if len(packet) < IPv4HeaderLen {
			return 0, ErrPacketTooShort
		}
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		n = int(ip.Length)
		if n > len(packet) {
			return 0, ErrPacketTooShort
		}
		if !headerChecksumOK(packet[:int(ip.IHL)*4]) {
			return 0, ErrInvalidChecksum
		}
	case IPv6Version:
		if len(packet) < IPv6HeaderLen {
			return 0, ErrPacketTooShort
		}
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		// Jumbograms carry Length 0 and are never valid on a TUN MTU.
		if ip.Length == 0 {
			return 0, ErrMalformedPacket
		}
		n = IPv6HeaderLen + int(ip.Length)
		if n > len(packet) {
			return 0, ErrPacketTooShort
		}
	default:
		return 0, ErrInvalidVersion
	}

	if mtu > 0 && n > mtu {
		return 0, ErrPacketTooLarge
	}
	return n, nil
}

// DstAddr returns the destination address of a validated packet.
func DstAddr(packet []byte) (netip.Addr, bool) {
	switch {
	case IsIPv4(packet) && len(packet) >= IPv4HeaderLen:
		return netip.AddrFrom4([4]byte(packet[16:20])), true
	case IsIPv6(packet) && len(packet) >= IPv6HeaderLen:
		return netip.AddrFrom16([16]byte(packet[24:40])), true
	}
	return netip.Addr{}, false
}

// SrcAddr returns the source address of a validated packet.
func SrcAddr(packet []byte) (netip.Addr, bool) {
	switch {
	case IsIPv4(packet) && len(packet) >= IPv4HeaderLen:
		return netip.AddrFrom4([4]byte(packet[12:16])), true
	case IsIPv6(packet) && len(packet) >= IPv6HeaderLen:
		return netip.AddrFrom16([16]byte(packet[8:24])), true
	}
	return netip.Addr{}, false
}
