package netutil

import (
	"fmt"
	"net/netip"

	"github.com/jackpal/gateway"
)

// DefaultGateway returns the IPv4 default gateway of the host.
func DefaultGateway() (netip.Addr, error) {
	ip, err := gateway.DiscoverGateway()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("discover gateway: %w", err)
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("discover gateway: bad address %v", ip)
	}
	return addr.Unmap(), nil
}
