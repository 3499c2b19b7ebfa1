package tun

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"tun2r/internal/config"
)

var (
	ErrUnsupported  = errors.New("tun: unsupported platform")
	ErrDeviceClosed = errors.New("tun: device closed")
)

type Device interface {
	io.ReadWriteCloser
	Name() string
	MTU() int
}

type Config struct {
	Name    string
	Address netip.Prefix
	Gateway netip.Addr
	DNS     []netip.Addr
	MTU     int
}

func DefaultConfig() Config {
	prefix := netip.PrefixFrom(netip.MustParseAddr(config.VirtualClientIP), config.VirtualPrefixLen)
	return Config{
		Name:    defaultName,
		Address: prefix,
		Gateway: netip.MustParseAddr(config.VirtualGatewayIP),
		DNS:     []netip.Addr{netip.MustParseAddr(config.DefaultDNS)},
		MTU:     config.DefaultMTU,
	}
}

// Mask renders the prefix length as a dotted IPv4 netmask.
func (c Config) Mask() string {
	return net.IP(net.CIDRMask(c.Address.Bits(), 32)).String()
}

// Route is one routing table entry. A route with Device set is bound to that
// interface; otherwise it is sent via Gateway.
type Route struct {
	Dst     netip.Prefix `json:"dst"`
	Gateway netip.Addr   `json:"gateway,omitzero"`
	Device  string       `json:"device,omitempty"`
}

func (r Route) String() string {
	if r.Device != "" {
		return fmt.Sprintf("%s dev %s", r.Dst, r.Device)
	}
	return fmt.Sprintf("%s via %s", r.Dst, r.Gateway)
}

// Platform performs the privileged OS operations behind the interface
// manager.
type Platform interface {
	Open(cfg Config) (Device, error)
	AddRoute(r Route) error
	DeleteRoute(r Route) error
	SetDNS(device string, servers []netip.Addr) error
	FlushDNS() error
}
