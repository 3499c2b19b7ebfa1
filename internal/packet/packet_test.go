package packet

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tun2r/internal/tun/tuntest"
)

func TestValidateIPv4(t *testing.T) {
	pkt := tuntest.IPv4Packet("10.8.0.2", "1.1.1.1", 100)

	n, err := Validate(pkt, 1500)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	// Trailing padding is not part of the datagram.
	n, err = Validate(append(pkt, 0, 0, 0), 1500)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	dst, ok := DstAddr(pkt)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("1.1.1.1"), dst)
	src, _ := SrcAddr(pkt)
	assert.Equal(t, netip.MustParseAddr("10.8.0.2"), src)
}

func TestValidateRejects(t *testing.T) {
	good := tuntest.IPv4Packet("10.8.0.2", "1.1.1.1", 100)

	_, err := Validate(nil, 0)
	assert.ErrorIs(t, err, ErrPacketTooShort)

	_, err = Validate(good[:60], 0)
	assert.ErrorIs(t, err, ErrPacketTooShort)

	_, err = Validate(good, 64)
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	bad := append([]byte(nil), good...)
	bad[8]-- // TTL change without checksum fix
	_, err = Validate(bad, 0)
	assert.ErrorIs(t, err, ErrInvalidChecksum)

	bad = append([]byte(nil), good...)
	bad[0] = 0x55
	_, err = Validate(bad, 0)
	assert.ErrorIs(t, err, ErrInvalidVersion)

	bad = append([]byte(nil), good...)
	bad[0] = 0x44 // IHL below minimum
	_, err = Validate(bad, 0)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestValidateIPv6(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("fd00::2"),
		DstIP:      net.ParseIP("2001:db8::1"),
	}
	udp := &layers.UDP{SrcPort: 1, DstPort: 2}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(make([]byte, 12))))

	n, err := Validate(buf.Bytes(), 1500)
	require.NoError(t, err)
	assert.Equal(t, 40+8+12, n)

	dst, ok := DstAddr(buf.Bytes())
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), dst)
}

func synWithMSS(t *testing.T, mss uint16) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.8.0.2").To4(),
		DstIP:    net.ParseIP("93.184.216.34").To4(),
	}
	opt := make([]byte, 2)
	binary.BigEndian.PutUint16(opt, mss)
	tcp := &layers.TCP{
		SrcPort: 50000,
		DstPort: 443,
		Seq:     1,
		SYN:     true,
		Window:  65535,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: opt},
		},
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp))
	return buf.Bytes()
}

func tcpLayer(t *testing.T, pkt []byte) *layers.TCP {
	t.Helper()
	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	l, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	return l
}

func TestClampMSS(t *testing.T) {
	pkt := synWithMSS(t, 1460)
	ClampMSS(pkt, MSSForMTU(1400))

	tcp := tcpLayer(t, pkt)
	require.Len(t, tcp.Options, 1)
	assert.Equal(t, uint16(1360), binary.BigEndian.Uint16(tcp.Options[0].OptionData))

	ihl := int(pkt[0]&0x0F) * 4
	want := TCPChecksum([4]byte(pkt[12:16]), [4]byte(pkt[16:20]), pkt[ihl:])
	assert.Equal(t, want, tcp.Checksum)
}

func TestClampMSSLeavesSmallerValue(t *testing.T) {
	pkt := synWithMSS(t, 1200)
	orig := append([]byte(nil), pkt...)
	ClampMSS(pkt, 1360)
	assert.Equal(t, orig, pkt)
}

func TestClampMSSIgnoresNonTCP(t *testing.T) {
	pkt := tuntest.IPv4Packet("10.8.0.2", "1.1.1.1", 64)
	orig := append([]byte(nil), pkt...)
	ClampMSS(pkt, 100)
	assert.Equal(t, orig, pkt)
}
