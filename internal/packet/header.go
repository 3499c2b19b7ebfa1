package packet

import (
	"errors"
)

const (
	IPv4HeaderLen = 20
	IPv6HeaderLen = 40
	TCPHeaderLen  = 20
	MaxPacketSize = 65535

	ProtoTCP = 6

	IPv4Version = 4
	IPv6Version = 6
)

const (
	TCPFlagSYN = 0x02
)

var (
	ErrPacketTooShort  = errors.New("packet: too short")
	ErrInvalidVersion  = errors.New("packet: invalid IP version")
	ErrInvalidChecksum = errors.New("packet: invalid IPv4 header checksum")
	ErrPacketTooLarge  = errors.New("packet: exceeds MTU")
	ErrMalformedPacket = errors.New("packet: malformed")
)

func Version(packet []byte) uint8 {
	if len(packet) < 1 {
		return 0
	}
	return packet[0] >> 4
}

func IsIPv4(packet []byte) bool {
	return Version(packet) == IPv4Version
}

func IsIPv6(packet []byte) bool {
	return Version(packet) == IPv6Version
}
