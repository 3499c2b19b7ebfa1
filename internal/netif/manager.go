// Package netif owns the virtual interface of a session: device creation,
// addressing, routes, DNS and crash recovery of routes left behind.
package netif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"tun2r/internal/config"
	"tun2r/internal/errcode"
	"tun2r/internal/netutil"
	"tun2r/internal/tun"
)

// State of the interface configuration. Values match the console codes
// reported to binding callers.
type State int

const (
	StateCompleted  State = 0
	StateFailed     State = 1
	StateIdle       State = 2
	StateInProgress State = 3
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in_progress"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot describes the current interface configuration.
type Snapshot struct {
	State   State  `json:"state"`
	Gateway string `json:"gateway"`
	Mask    string `json:"mask"`
	IP      string `json:"ip"`
	DNS     string `json:"dns"`
}

var (
	ErrActive      = errors.New("netif: interface already active")
	ErrJournalBusy = errors.New("netif: routes owned by another live process")
)

var (
	lowerHalf = netip.MustParsePrefix("0.0.0.0/1")
	upperHalf = netip.MustParsePrefix("128.0.0.0/1")

	// IPv6 is not tunneled; these keep it off the physical interface.
	lowerHalf6 = netip.MustParsePrefix("::/1")
	upperHalf6 = netip.MustParsePrefix("8000::/1")
)

type (
	ResolveFunc    func(ctx context.Context, host string) (netip.Addr, error)
	GatewayFunc    func() (netip.Addr, error)
	PeerLookupFunc func(ctx context.Context, exes []string) ([]netip.Addr, error)
)

// Option configures a Manager.
type Option func(*Manager)

func WithResolver(fn ResolveFunc) Option {
	return func(m *Manager) { m.resolve = fn }
}

func WithGateway(fn GatewayFunc) Option {
	return func(m *Manager) { m.gateway = fn }
}

func WithPeerLookup(fn PeerLookupFunc) Option {
	return func(m *Manager) { m.peers = fn }
}

// WithJournal sets the route journal path.
func WithJournal(path string) Option {
	return func(m *Manager) { m.journal = path }
}

func WithTunConfig(cfg tun.Config) Option {
	return func(m *Manager) { m.tunCfg = cfg }
}

// WithRefreshInterval sets how often allowlist routes are re-synced.
// Zero or less syncs once at bring up only.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) { m.refresh = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "netif").Logger() }
}

func withProcessAlive(fn func(pid int) bool) Option {
	return func(m *Manager) { m.alive = fn }
}

// Manager brings the virtual interface up and down. It is safe for
// concurrent use.
type Manager struct {
	platform tun.Platform
	resolve  ResolveFunc
	gateway  GatewayFunc
	peers    PeerLookupFunc
	alive    func(pid int) bool
	journal  string
	tunCfg   tun.Config
	refresh  time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	dev      tun.Device
	routes   []tun.Route
	serverIP netip.Addr
	snap     Snapshot

	stopRefresh context.CancelFunc
	wg          sync.WaitGroup
}

func New(platform tun.Platform, opts ...Option) *Manager {
	m := &Manager{
		platform: platform,
		resolve:  resolveHost,
		gateway:  netutil.DefaultGateway,
		peers:    netutil.PeerAddrs,
		alive:    netutil.ProcessAlive,
		journal:  filepath.Join(os.TempDir(), config.RouteJournalFile),
		tunCfg:   tun.DefaultConfig(),
		refresh:  config.RouteRefreshInterval,
		log:      zerolog.Nop(),
		snap:     Snapshot{State: StateIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func resolveHost(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: no IPv4 address", host)
	}
	return addrs[0].Unmap(), nil
}

// BringUp creates the interface for cfg and installs its routes and DNS.
// On failure everything done so far is rolled back.
func (m *Manager) BringUp(ctx context.Context, cfg *config.TunnelConfig) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev != nil {
		return m.snap, errcode.New(errcode.KindAlreadyRunning, "bring up interface", ErrActive)
	}

	if err := m.recoverLocked(); err != nil {
		if errors.Is(err, ErrJournalBusy) {
			return m.snap, errcode.New(errcode.KindAlreadyRunning, "bring up interface", err)
		}
		m.log.Warn().Err(err).Msg("stale route recovery incomplete")
	}

	m.snap = Snapshot{State: StateInProgress}

	if err := m.bringUpLocked(ctx, cfg); err != nil {
		if rbErr := m.teardownLocked(); rbErr != nil {
			m.log.Warn().Err(rbErr).Msg("rollback incomplete")
		}
		m.snap = Snapshot{State: StateFailed}
		return m.snap, errcode.New(errcode.KindInterface, "bring up interface", err)
	}

	tc := m.tunCfg
	dns := make([]string, 0, len(tc.DNS))
	for _, d := range tc.DNS {
		dns = append(dns, d.String())
	}
	m.snap = Snapshot{
		State:   StateCompleted,
		Gateway: tc.Gateway.String(),
		Mask:    tc.Mask(),
		IP:      tc.Address.Addr().String(),
		DNS:     strings.Join(dns, ","),
	}
	m.log.Info().
		Str("device", m.dev.Name()).
		Str("mode", string(cfg.Mode)).
		Int("routes", len(m.routes)).
		Msg("interface up")
	return m.snap, nil
}

func (m *Manager) bringUpLocked(ctx context.Context, cfg *config.TunnelConfig) error {
	dev, err := m.platform.Open(m.tunCfg)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	m.dev = dev

	if err := writeJournal(m.journal, m.journalLocked()); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}

	if addr, err := m.resolve(ctx, cfg.Host()); err != nil {
		m.log.Warn().Err(err).Str("server", cfg.Host()).Msg("server address unresolved")
	} else {
		m.serverIP = addr
	}

	if cfg.ProcessScoped() {
		if err := m.syncPeerRoutesLocked(ctx, cfg.GameExes); err != nil {
			return err
		}
		if m.refresh > 0 {
			rctx, cancel := context.WithCancel(context.Background())
			m.stopRefresh = cancel
			m.wg.Add(1)
			go m.refreshLoop(rctx, cfg.GameExes)
		}
	} else if err := m.installGlobalLocked(); err != nil {
		return err
	}

	if len(m.tunCfg.DNS) > 0 {
		if err := m.platform.SetDNS(dev.Name(), m.tunCfg.DNS); err != nil {
			m.log.Warn().Err(err).Msg("set DNS failed")
		}
	}
	return nil
}

func (m *Manager) installGlobalLocked() error {
	if m.serverIP.Is4() {
		gw, err := m.gateway()
		if err != nil {
			m.log.Warn().Err(err).Msg("default gateway unknown, no bypass route for server")
		} else {
			bypass := tun.Route{Dst: netip.PrefixFrom(m.serverIP, 32), Gateway: gw}
			if err := m.addRouteLocked(bypass); err != nil {
				return err
			}
		}
	}

	for _, dst := range []netip.Prefix{lowerHalf, upperHalf} {
		r := tun.Route{Dst: dst, Gateway: m.tunCfg.Gateway, Device: m.dev.Name()}
		if err := m.addRouteLocked(r); err != nil {
			return err
		}
	}

	for _, dst := range []netip.Prefix{lowerHalf6, upperHalf6} {
		r := tun.Route{Dst: dst, Device: m.dev.Name()}
		if err := m.addRouteLocked(r); err != nil {
			// Hosts without IPv6 have nothing to leak.
			m.log.Warn().Err(err).Stringer("route", r).Msg("IPv6 block route not installed")
		}
	}
	return nil
}

// syncPeerRoutesLocked makes the installed /32 routes match the current
// remote peers of the allowlisted processes.
func (m *Manager) syncPeerRoutesLocked(ctx context.Context, exes []string) error {
	peers, err := m.peers(ctx, exes)
	if err != nil {
		return fmt.Errorf("resolve allowlist peers: %w", err)
	}

	want := make(map[netip.Prefix]bool, len(peers))
	for _, p := range peers {
		if p == m.serverIP {
			continue
		}
		want[netip.PrefixFrom(p, 32)] = true
	}

	var errs error
	kept := m.routes[:0]
	for _, r := range m.routes {
		if want[r.Dst] {
			delete(want, r.Dst)
			kept = append(kept, r)
			continue
		}
		if err := m.platform.DeleteRoute(r); err != nil {
			errs = multierr.Append(errs, err)
			kept = append(kept, r)
		}
	}
	m.routes = kept

	for dst := range want {
		r := tun.Route{Dst: dst, Gateway: m.tunCfg.Gateway, Device: m.dev.Name()}
		if err := m.addRouteLocked(r); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if err := writeJournal(m.journal, m.journalLocked()); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (m *Manager) refreshLoop(ctx context.Context, exes []string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.dev != nil {
				if err := m.syncPeerRoutesLocked(ctx, exes); err != nil {
					m.log.Warn().Err(err).Msg("allowlist route refresh")
				}
			}
			m.mu.Unlock()
		}
	}
}

// addRouteLocked journals r before installing it.
func (m *Manager) addRouteLocked(r tun.Route) error {
	m.routes = append(m.routes, r)
	if err := writeJournal(m.journal, m.journalLocked()); err != nil {
		m.routes = m.routes[:len(m.routes)-1]
		return fmt.Errorf("write journal: %w", err)
	}
	if err := m.platform.AddRoute(r); err != nil {
		m.routes = m.routes[:len(m.routes)-1]
		return err
	}
	m.log.Debug().Stringer("route", r).Msg("route added")
	return nil
}

func (m *Manager) journalLocked() *journal {
	j := &journal{PID: os.Getpid(), Routes: append([]tun.Route(nil), m.routes...)}
	if m.dev != nil {
		j.Device = m.dev.Name()
	}
	return j
}

// TearDown removes routes, closes the device and drops the journal. It is
// a no-op when the interface is already down.
func (m *Manager) TearDown() error {
	m.mu.Lock()
	stop := m.stopRefresh
	m.stopRefresh = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
		m.wg.Wait()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev == nil {
		return nil
	}
	if err := m.teardownLocked(); err != nil {
		m.snap = Snapshot{State: StateFailed}
		return errcode.New(errcode.KindInterface, "tear down interface", err)
	}
	m.snap = Snapshot{State: StateIdle}
	m.log.Info().Msg("interface down")
	return nil
}

func (m *Manager) teardownLocked() error {
	if m.stopRefresh != nil {
		// Only reached from a failed BringUp, which holds mu; the loop
		// exits on cancel without needing the lock.
		m.stopRefresh()
		m.stopRefresh = nil
	}

	var errs error
	var left []tun.Route
	for i := len(m.routes) - 1; i >= 0; i-- {
		if err := m.platform.DeleteRoute(m.routes[i]); err != nil {
			errs = multierr.Append(errs, err)
			left = append(left, m.routes[i])
		}
	}
	m.routes = left

	if m.dev != nil {
		errs = multierr.Append(errs, m.dev.Close())
		m.dev = nil
	}
	m.serverIP = netip.Addr{}

	if len(left) == 0 {
		errs = multierr.Append(errs, removeJournal(m.journal))
	} else {
		// Leave the survivors for Recover.
		errs = multierr.Append(errs, writeJournal(m.journal, m.journalLocked()))
		m.routes = nil
	}
	return errs
}

// Recover deletes routes journaled by a previous process that is no longer
// alive. It returns ErrJournalBusy if the owner still runs.
func (m *Manager) Recover() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return nil
	}
	return m.recoverLocked()
}

func (m *Manager) recoverLocked() error {
	j, err := readJournal(m.journal)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.journal).Msg("discarding unreadable route journal")
		return removeJournal(m.journal)
	}

	if j.PID != os.Getpid() && m.alive(j.PID) {
		return fmt.Errorf("%w: pid %d", ErrJournalBusy, j.PID)
	}

	var errs error
	var left []tun.Route
	for i := len(j.Routes) - 1; i >= 0; i-- {
		if err := m.platform.DeleteRoute(j.Routes[i]); err != nil {
			errs = multierr.Append(errs, err)
			left = append(left, j.Routes[i])
		}
	}
	if len(left) > 0 {
		j.Routes = left
		return multierr.Append(errs, writeJournal(m.journal, j))
	}

	m.log.Info().Int("pid", j.PID).Int("routes", len(j.Routes)).Msg("recovered stale routes")
	return removeJournal(m.journal)
}

// FlushDNSCache asks the OS to drop its resolver cache. Failure does not
// affect the interface.
func (m *Manager) FlushDNSCache() error {
	if err := m.platform.FlushDNS(); err != nil {
		m.log.Warn().Err(err).Msg("DNS cache flush failed")
		return errcode.New(errcode.KindInterface, "flush DNS cache", err)
	}
	return nil
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Device returns the active device, or nil when down.
func (m *Manager) Device() tun.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dev
}

// ServerIP is the resolved relay address, invalid when unknown.
func (m *Manager) ServerIP() netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverIP
}

// Routes returns a copy of the installed routes.
func (m *Manager) Routes() []tun.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tun.Route(nil), m.routes...)
}
