//go:build darwin

package tun

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"github.com/songgao/water"
)

// utun names are assigned by the kernel.
const defaultName = ""

func waterParams(Config) water.PlatformSpecificParams {
	return water.PlatformSpecificParams{}
}

type darwinPlatform struct{}

// Native returns the platform for the running OS.
func Native() Platform {
	return darwinPlatform{}
}

func run(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (darwinPlatform) Open(cfg Config) (Device, error) {
	dev, err := openWater(cfg)
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}

	err = run("ifconfig", dev.Name(), "inet",
		cfg.Address.Addr().String(), cfg.Gateway.String(),
		"netmask", cfg.Mask(), "mtu", strconv.Itoa(cfg.MTU), "up")
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("configure interface: %w", err)
	}
	return dev, nil
}

func routeArgs(op string, r Route) []string {
	args := []string{"-n", op}
	if r.Dst.Addr().Is6() {
		args = append(args, "-inet6")
	}
	args = append(args, "-net", r.Dst.Masked().String())
	if r.Device != "" {
		return append(args, "-interface", r.Device)
	}
	return append(args, r.Gateway.String())
}

func (darwinPlatform) AddRoute(r Route) error {
	return run("route", routeArgs("add", r)...)
}

func (darwinPlatform) DeleteRoute(r Route) error {
	err := run("route", routeArgs("delete", r)...)
	if err != nil && strings.Contains(err.Error(), "not in table") {
		return nil
	}
	return err
}

// SetDNS is not supported: resolvers on macOS are bound to network
// services, not interfaces.
func (darwinPlatform) SetDNS(string, []netip.Addr) error {
	return ErrUnsupported
}

func (darwinPlatform) FlushDNS() error {
	if err := run("dscacheutil", "-flushcache"); err != nil {
		return err
	}
	return run("killall", "-HUP", "mDNSResponder")
}
