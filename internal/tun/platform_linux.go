//go:build linux

package tun

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"tun2r/internal/config"
)

const defaultName = config.TunNameLinux

func waterParams(cfg Config) water.PlatformSpecificParams {
	return water.PlatformSpecificParams{Name: cfg.Name}
}

type linuxPlatform struct{}

// Native returns the platform for the running OS.
func Native() Platform {
	return linuxPlatform{}
}

func (linuxPlatform) Open(cfg Config) (Device, error) {
	dev, err := openWater(cfg)
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}

	if err := configureLink(dev.Name(), cfg); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configure interface: %w", err)
	}
	return dev, nil
}

func configureLink(name string, cfg Config) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}
	addr := &netlink.Addr{IPNet: prefixToIPNet(cfg.Address)}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	return nil
}

func (p linuxPlatform) toNetlink(r Route) (*netlink.Route, error) {
	rt := &netlink.Route{
		Dst:      prefixToIPNet(r.Dst.Masked()),
		Protocol: netlink.RouteProtocol(unix.RTPROT_STATIC),
	}
	if r.Device != "" {
		link, err := netlink.LinkByName(r.Device)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", r.Device, err)
		}
		rt.LinkIndex = link.Attrs().Index
	}
	if r.Gateway.IsValid() {
		rt.Gw = net.IP(r.Gateway.AsSlice())
	}
	return rt, nil
}

func (p linuxPlatform) AddRoute(r Route) error {
	rt, err := p.toNetlink(r)
	if err != nil {
		return err
	}
	if err := netlink.RouteReplace(rt); err != nil {
		return fmt.Errorf("add route %s: %w", r, err)
	}
	return nil
}

func (p linuxPlatform) DeleteRoute(r Route) error {
	rt, err := p.toNetlink(r)
	if err != nil {
		// The device is gone, and its routes with it.
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if err := netlink.RouteDel(rt); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("delete route %s: %w", r, err)
	}
	return nil
}

func (linuxPlatform) SetDNS(device string, servers []netip.Addr) error {
	args := []string{"dns", device}
	for _, s := range servers {
		args = append(args, s.String())
	}
	if out, err := exec.Command("resolvectl", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("resolvectl dns: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (linuxPlatform) FlushDNS() error {
	if out, err := exec.Command("resolvectl", "flush-caches").CombinedOutput(); err != nil {
		return fmt.Errorf("resolvectl flush-caches: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}
