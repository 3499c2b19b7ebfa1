package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"tun2r/internal/netutil"
)

// protocolICMP is the IANA protocol number icmp.ParseMessage expects.
const protocolICMP = 1

var ErrNoReply = errors.New("probe: no echo reply")

var echoSeq atomic.Uint32

// listenICMP opens a raw ICMP socket and falls back to the unprivileged
// datagram flavour where raw sockets need elevation.
func listenICMP() (*icmp.PacketConn, bool, error) {
	c, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err == nil {
		return c, false, nil
	}
	c, uerr := icmp.ListenPacket("udp4", "0.0.0.0")
	if uerr != nil {
		return nil, false, fmt.Errorf("listen icmp: %w", errors.Join(err, uerr))
	}
	return c, true, nil
}

// Echo sends one ICMP echo request to addr and waits for the reply.
func Echo(ctx context.Context, addr netip.Addr) (time.Duration, error) {
	if !addr.Is4() {
		return 0, fmt.Errorf("echo %s: only IPv4 is supported", addr)
	}

	c, dgram, err := listenICMP()
	if err != nil {
		return 0, err
	}
	defer c.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	c.SetDeadline(deadline)

	id := os.Getpid() & 0xffff
	seq := int(echoSeq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("tun2r-probe")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("marshal echo: %w", err)
	}

	var dst net.Addr = &net.IPAddr{IP: addr.AsSlice()}
	if dgram {
		dst = &net.UDPAddr{IP: addr.AsSlice()}
	}

	stop := context.AfterFunc(ctx, func() { c.SetDeadline(time.Now()) })
	defer stop()

	start := time.Now()
	if _, err := c.WriteTo(wb, dst); err != nil {
		return 0, fmt.Errorf("send echo: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := c.ReadFrom(rb)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%w: %v", ErrNoReply, err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		// The kernel rewrites the id of datagram sockets.
		if !ok || echo.Seq != seq || (!dgram && echo.ID != id) {
			continue
		}
		return time.Since(start), nil
	}
}

// PingGateway echoes the default gateway.
func PingGateway(ctx context.Context) (time.Duration, error) {
	gw, err := netutil.DefaultGateway()
	if err != nil {
		return 0, err
	}
	return Echo(ctx, gw)
}
