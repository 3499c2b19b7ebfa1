// Package tuntest provides in-memory stand-ins for the OS layer so the
// interface manager, tunnel and service can be tested without privileges.
package tuntest

import (
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"tun2r/internal/tun"
)

// Device is a TUN device backed by channels.
type Device struct {
	name string
	mtu  int

	in  chan []byte
	out chan []byte

	mu      sync.Mutex
	readErr error
	reads   atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func NewDevice(name string, mtu int) *Device {
	return &Device{
		name:   name,
		mtu:    mtu,
		in:     make(chan []byte),
		out:    make(chan []byte, 4096),
		closed: make(chan struct{}),
	}
}

// Inject hands p to the next Read. It reports false if the device closed
// first.
func (d *Device) Inject(p []byte) bool {
	select {
	case d.in <- append([]byte(nil), p...):
		return true
	case <-d.closed:
		return false
	}
}

// Written yields every packet written to the device.
func (d *Device) Written() <-chan []byte {
	return d.out
}

// FailReads makes every Read return err until called again with nil.
func (d *Device) FailReads(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

// Reads is the number of Read calls so far.
func (d *Device) Reads() int64 {
	return d.reads.Load()
}

func (d *Device) Read(buf []byte) (int, error) {
	d.reads.Add(1)
	d.mu.Lock()
	err := d.readErr
	d.mu.Unlock()
	if err != nil {
		select {
		case <-d.closed:
			return 0, tun.ErrDeviceClosed
		default:
			return 0, err
		}
	}

	select {
	case p := <-d.in:
		return copy(buf, p), nil
	case <-d.closed:
		return 0, tun.ErrDeviceClosed
	}
}

func (d *Device) Write(buf []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, tun.ErrDeviceClosed
	default:
	}
	select {
	case d.out <- append([]byte(nil), buf...):
		return len(buf), nil
	case <-d.closed:
		return 0, tun.ErrDeviceClosed
	}
}

func (d *Device) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *Device) IsClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *Device) Name() string { return d.name }

func (d *Device) MTU() int { return d.mtu }

// Platform records routing and DNS changes in memory.
type Platform struct {
	mu      sync.Mutex
	routes  map[string]tun.Route
	dns     map[string][]netip.Addr
	flushes int
	devices []*Device

	// Fault injection. A nil func means success.
	OpenErr     error
	FlushErr    error
	AddRouteErr func(tun.Route) error
	DelRouteErr func(tun.Route) error
}

func NewPlatform() *Platform {
	return &Platform{
		routes: make(map[string]tun.Route),
		dns:    make(map[string][]netip.Addr),
	}
}

func routeKey(r tun.Route) string {
	return r.String()
}

func (p *Platform) Open(cfg tun.Config) (tun.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	name := cfg.Name
	if name == "" {
		name = "tuntest0"
	}
	dev := NewDevice(name, cfg.MTU)
	p.devices = append(p.devices, dev)
	return dev, nil
}

func (p *Platform) AddRoute(r tun.Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AddRouteErr != nil {
		if err := p.AddRouteErr(r); err != nil {
			return err
		}
	}
	p.routes[routeKey(r)] = r
	return nil
}

func (p *Platform) DeleteRoute(r tun.Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DelRouteErr != nil {
		if err := p.DelRouteErr(r); err != nil {
			return err
		}
	}
	delete(p.routes, routeKey(r))
	return nil
}

func (p *Platform) SetDNS(device string, servers []netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dns[device] = append([]netip.Addr(nil), servers...)
	return nil
}

func (p *Platform) FlushDNS() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FlushErr != nil {
		return p.FlushErr
	}
	p.flushes++
	return nil
}

// Routes returns the installed routes sorted by their string form.
func (p *Platform) Routes() []tun.Route {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tun.Route, 0, len(p.routes))
	for _, r := range p.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (p *Platform) DNS(device string) []netip.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dns[device]
}

func (p *Platform) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

// LastDevice returns the most recently opened device, or nil.
func (p *Platform) LastDevice() *Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.devices) == 0 {
		return nil
	}
	return p.devices[len(p.devices)-1]
}

// IPv4Packet builds a checksummed IPv4/UDP datagram of exactly size bytes.
func IPv4Packet(src, dst string, size int) []byte {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)

	payload := make([]byte, size-20-8)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
