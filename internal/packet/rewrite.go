package packet

import (
	"encoding/binary"
)

// MSSForMTU is the largest TCP MSS that fits an IPv4 packet of mtu bytes.
func MSSForMTU(mtu int) uint16 {
	return uint16(mtu - IPv4HeaderLen - TCPHeaderLen)
}

func recalcTCPChecksum(packet []byte, ihl int) {
	binary.BigEndian.PutUint16(packet[ihl+16:ihl+18], 0)
	src := [4]byte(packet[12:16])
	dst := [4]byte(packet[16:20])
	csum := TCPChecksum(src, dst, packet[ihl:])
	binary.BigEndian.PutUint16(packet[ihl+16:ihl+18], csum)
}

// ClampMSS lowers the MSS option of an IPv4 TCP SYN to maxMSS in place and
// fixes the TCP checksum. Other packets are returned untouched.
func ClampMSS(packet []byte, maxMSS uint16) []byte {
	pktLen := len(packet)
	if pktLen < IPv4HeaderLen+TCPHeaderLen {
		return packet
	}

	if !IsIPv4(packet) || packet[9] != ProtoTCP {
		return packet
	}

	ihl := int(packet[0]&0x0F) * 4
	if ihl < IPv4HeaderLen || ihl > pktLen {
		return packet
	}

	tcpStart := ihl
	if tcpStart+TCPHeaderLen > pktLen {
		return packet
	}

	flags := packet[tcpStart+13]
	if flags&TCPFlagSYN == 0 {
		return packet
	}

	dataOffset := int(packet[tcpStart+12]>>4) * 4
	if dataOffset <= TCPHeaderLen || tcpStart+dataOffset > pktLen {
		return packet
	}

	modified := false
	i := tcpStart + TCPHeaderLen
	optEnd := tcpStart + dataOffset

	for i < optEnd {
		switch packet[i] {
		case 0: // End
			i = optEnd
		case 1: // NOP
			i++
		case 2: // MSS
			if i+4 <= optEnd {
				currentMSS := binary.BigEndian.Uint16(packet[i+2 : i+4])
				if currentMSS > maxMSS {
					binary.BigEndian.PutUint16(packet[i+2:i+4], maxMSS)
					modified = true
				}
			}
			i += 4
		default:
			if i+1 < optEnd && packet[i+1] >= 2 {
				i += int(packet[i+1])
			} else {
				i = optEnd
			}
		}
	}

	if modified {
		recalcTCPChecksum(packet, ihl)
	}

	return packet
}
