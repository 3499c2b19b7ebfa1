//go:build windows

package tun

import (
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"

	"tun2r/internal/config"
)

const defaultName = config.TunNameWindows

// runHidden executes a command with hidden console window.
func runHidden(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	return cmd
}

func runCombined(name string, args ...string) error {
	if out, err := runHidden(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

const (
	ringCapacity = 0x400000 // 4MB ring buffer
	readPollMs   = 250
)

type WinTunDevice struct {
	adapter  *wintun.Adapter
	session  wintun.Session
	config   Config
	readWait windows.Handle

	closeOnce sync.Once
	closed    chan struct{}
}

func init() {
	// Load WinTun DLL from current directory
	windows.SetDllDirectory(".")
}

type windowsPlatform struct{}

// Native returns the platform for the running OS.
func Native() Platform {
	return windowsPlatform{}
}

func (windowsPlatform) Open(cfg Config) (Device, error) {
	adapter, err := wintun.CreateAdapter(cfg.Name, "Tun2R", nil)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	session, err := adapter.StartSession(ringCapacity)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	dev := &WinTunDevice{
		adapter:  adapter,
		session:  session,
		config:   cfg,
		readWait: session.ReadWaitEvent(),
		closed:   make(chan struct{}),
	}

	if err := dev.configure(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configure interface: %w", err)
	}

	return dev, nil
}

func (d *WinTunDevice) configure() error {
	err := runCombined("netsh", "interface", "ip", "set", "address",
		d.config.Name, "static", d.config.Address.Addr().String(), d.config.Mask(), d.config.Gateway.String())
	if err != nil {
		return err
	}

	runHidden("netsh", "interface", "ipv4", "set", "subinterface",
		d.config.Name, fmt.Sprintf("mtu=%d", d.config.MTU), "store=active").Run()

	return nil
}

func (d *WinTunDevice) Read(buf []byte) (int, error) {
	for {
		select {
		case <-d.closed:
			return 0, ErrDeviceClosed
		default:
		}

		packet, err := d.session.ReceivePacket()
		if err != nil {
			if err == windows.ERROR_NO_MORE_ITEMS {
				// Bounded wait so Close is noticed promptly.
				windows.WaitForSingleObject(d.readWait, readPollMs)
				continue
			}
			return 0, fmt.Errorf("receive packet: %w", err)
		}

		n := copy(buf, packet)
		d.session.ReleaseReceivePacket(packet)
		return n, nil
	}
}

func (d *WinTunDevice) Write(buf []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, ErrDeviceClosed
	default:
	}

	packet, err := d.session.AllocateSendPacket(len(buf))
	if err != nil {
		return 0, fmt.Errorf("allocate send packet: %w", err)
	}

	copy(packet, buf)
	d.session.SendPacket(packet)
	return len(buf), nil
}

func (d *WinTunDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.session.End()
		d.adapter.Close()
	})
	return nil
}

func (d *WinTunDevice) Name() string {
	return d.config.Name
}

func (d *WinTunDevice) MTU() int {
	return d.config.MTU
}

func (d *WinTunDevice) LUID() uint64 {
	return d.adapter.LUID()
}

func isRouteExistsError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "object already exists")
}

func isRouteMissingError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "element not found")
}

func mask(p netip.Prefix) string {
	return net.IP(net.CIDRMask(p.Bits(), 32)).String()
}

func family(p netip.Prefix) string {
	if p.Addr().Is6() {
		return "ipv6"
	}
	return "ipv4"
}

func (windowsPlatform) AddRoute(r Route) error {
	var err error
	if r.Device != "" {
		// Interface-bound routes disappear with the adapter.
		args := []string{"interface", family(r.Dst), "add", "route", r.Dst.Masked().String(), r.Device}
		if r.Gateway.IsValid() {
			args = append(args, r.Gateway.String())
		}
		err = runCombined("netsh", append(args, "metric=5", "store=active")...)
	} else {
		err = runCombined("route", "add", r.Dst.Masked().Addr().String(), "mask", mask(r.Dst),
			r.Gateway.String(), "metric", "1")
	}
	if err != nil && !isRouteExistsError(err) {
		return fmt.Errorf("add route %s: %w", r, err)
	}
	return nil
}

func (windowsPlatform) DeleteRoute(r Route) error {
	var err error
	if r.Device != "" {
		err = runCombined("netsh", "interface", family(r.Dst), "delete", "route",
			r.Dst.Masked().String(), r.Device, "store=active")
	} else {
		err = runCombined("route", "delete", r.Dst.Masked().Addr().String(), "mask", mask(r.Dst),
			r.Gateway.String())
	}
	if err != nil && !isRouteMissingError(err) {
		return fmt.Errorf("delete route %s: %w", r, err)
	}
	return nil
}

func (windowsPlatform) SetDNS(device string, servers []netip.Addr) error {
	for i, s := range servers {
		var err error
		if i == 0 {
			err = runCombined("netsh", "interface", "ipv4", "set", "dnsservers",
				"name="+device, "source=static", "address="+s.String(), "register=none", "validate=no")
		} else {
			err = runCombined("netsh", "interface", "ipv4", "add", "dnsservers",
				"name="+device, "address="+s.String(), fmt.Sprintf("index=%d", i+1), "validate=no")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (windowsPlatform) FlushDNS() error {
	return runCombined("ipconfig", "/flushdns")
}

var _ Device = (*WinTunDevice)(nil)
