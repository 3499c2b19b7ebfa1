package netif

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tun2r/internal/config"
	"tun2r/internal/errcode"
	"tun2r/internal/tun"
	"tun2r/internal/tun/tuntest"
)

var (
	serverAddr = netip.MustParseAddr("203.0.113.5")
	homeGW     = netip.MustParseAddr("192.168.1.1")
)

func globalConfig() *config.TunnelConfig {
	return &config.TunnelConfig{
		Mode:     config.ModeTunGlobal,
		Server:   "relay.example:9999",
		Token:    "T",
		LogLevel: config.LogInfo,
	}
}

type peerSource struct {
	mu    sync.Mutex
	addrs []netip.Addr
}

func (p *peerSource) set(addrs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs = nil
	for _, a := range addrs {
		p.addrs = append(p.addrs, netip.MustParseAddr(a))
	}
}

func (p *peerSource) lookup(context.Context, []string) ([]netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]netip.Addr(nil), p.addrs...), nil
}

func newManager(t *testing.T, plat *tuntest.Platform, opts ...Option) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.json")
	base := []Option{
		WithJournal(path),
		WithResolver(func(context.Context, string) (netip.Addr, error) { return serverAddr, nil }),
		WithGateway(func() (netip.Addr, error) { return homeGW, nil }),
		withProcessAlive(func(int) bool { return false }),
	}
	return New(plat, append(base, opts...)...), path
}

func routeStrings(rs []tun.Route) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.String())
	}
	return out
}

func TestBringUpGlobal(t *testing.T) {
	plat := tuntest.NewPlatform()
	m, path := newManager(t, plat)

	assert.Equal(t, StateIdle, m.Snapshot().State)

	snap, err := m.BringUp(context.Background(), globalConfig())
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		State:   StateCompleted,
		Gateway: "10.8.0.1",
		Mask:    "255.255.255.0",
		IP:      "10.8.0.2",
		DNS:     "1.1.1.1",
	}, snap)

	dev := plat.LastDevice()
	require.NotNil(t, dev)
	assert.ElementsMatch(t, []string{
		"0.0.0.0/1 dev " + dev.Name(),
		"128.0.0.0/1 dev " + dev.Name(),
		"::/1 dev " + dev.Name(),
		"8000::/1 dev " + dev.Name(),
		"203.0.113.5/32 via 192.168.1.1",
	}, routeStrings(plat.Routes()))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("1.1.1.1")}, plat.DNS(dev.Name()))
	assert.Equal(t, serverAddr, m.ServerIP())

	j, err := readJournal(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), j.PID)
	assert.Len(t, j.Routes, 5)
}

func TestIPv6BlockRoutesAreOptional(t *testing.T) {
	plat := tuntest.NewPlatform()
	plat.AddRouteErr = func(r tun.Route) error {
		if r.Dst.Addr().Is6() {
			return errors.New("ipv6 disabled")
		}
		return nil
	}
	m, path := newManager(t, plat)

	_, err := m.BringUp(context.Background(), globalConfig())
	require.NoError(t, err)
	assert.Len(t, plat.Routes(), 3)

	j, err := readJournal(path)
	require.NoError(t, err)
	assert.Len(t, j.Routes, 3)

	require.NoError(t, m.TearDown())
	assert.Empty(t, plat.Routes())
}

func TestBringUpTwiceIsAlreadyRunning(t *testing.T) {
	m, _ := newManager(t, tuntest.NewPlatform())

	_, err := m.BringUp(context.Background(), globalConfig())
	require.NoError(t, err)

	_, err = m.BringUp(context.Background(), globalConfig())
	assert.Equal(t, errcode.AlreadyRun, errcode.CodeOf(err))
	assert.Equal(t, StateCompleted, m.Snapshot().State)
}

func TestTearDownIsIdempotent(t *testing.T) {
	plat := tuntest.NewPlatform()
	m, path := newManager(t, plat)

	require.NoError(t, m.TearDown())

	_, err := m.BringUp(context.Background(), globalConfig())
	require.NoError(t, err)
	dev := plat.LastDevice()

	require.NoError(t, m.TearDown())
	assert.Empty(t, plat.Routes())
	assert.True(t, dev.IsClosed())
	assert.Nil(t, m.Device())
	assert.Equal(t, StateIdle, m.Snapshot().State)
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, m.TearDown())
}

func TestBringUpRollsBackOnRouteFailure(t *testing.T) {
	plat := tuntest.NewPlatform()
	plat.AddRouteErr = func(r tun.Route) error {
		if r.Dst == upperHalf {
			return errors.New("boom")
		}
		return nil
	}
	m, path := newManager(t, plat)

	snap, err := m.BringUp(context.Background(), globalConfig())
	require.Error(t, err)
	assert.Equal(t, errcode.Interface, errcode.CodeOf(err))
	assert.Equal(t, StateFailed, snap.State)
	assert.Empty(t, plat.Routes())
	assert.True(t, plat.LastDevice().IsClosed())
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// The manager is usable again.
	plat.AddRouteErr = nil
	_, err = m.BringUp(context.Background(), globalConfig())
	require.NoError(t, err)
}

func TestBringUpOpenFailure(t *testing.T) {
	plat := tuntest.NewPlatform()
	plat.OpenErr = tun.ErrUnsupported
	m, _ := newManager(t, plat)

	_, err := m.BringUp(context.Background(), globalConfig())
	assert.ErrorIs(t, err, errcode.ErrInterface)
	assert.ErrorIs(t, err, tun.ErrUnsupported)
	assert.Equal(t, StateFailed, m.Snapshot().State)
}

func TestUnresolvedServerSkipsBypassRoute(t *testing.T) {
	plat := tuntest.NewPlatform()
	m, _ := newManager(t, plat, WithResolver(func(context.Context, string) (netip.Addr, error) {
		return netip.Addr{}, errors.New("nxdomain")
	}))

	_, err := m.BringUp(context.Background(), globalConfig())
	require.NoError(t, err)
	assert.Len(t, plat.Routes(), 4)
}

func TestRecoverRemovesStaleRoutes(t *testing.T) {
	plat := tuntest.NewPlatform()
	m, path := newManager(t, plat)

	stale := tun.Route{Dst: netip.MustParsePrefix("198.51.100.7/32"), Gateway: homeGW}
	require.NoError(t, plat.AddRoute(stale))
	require.NoError(t, writeJournal(path, &journal{PID: 999999, Routes: []tun.Route{stale}}))

	require.NoError(t, m.Recover())
	assert.Empty(t, plat.Routes())
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBringUpRefusesLiveJournalOwner(t *testing.T) {
	plat := tuntest.NewPlatform()
	m, path := newManager(t, plat, withProcessAlive(func(int) bool { return true }))

	require.NoError(t, writeJournal(path, &journal{PID: os.Getpid() + 1}))

	_, err := m.BringUp(context.Background(), globalConfig())
	assert.Equal(t, errcode.AlreadyRun, errcode.CodeOf(err))
	assert.ErrorIs(t, err, ErrJournalBusy)
	assert.Nil(t, plat.LastDevice())
}

func TestProcessScopedRoutes(t *testing.T) {
	plat := tuntest.NewPlatform()
	peers := &peerSource{}
	peers.set("198.51.100.1", "198.51.100.2", "203.0.113.5")

	m, _ := newManager(t, plat,
		WithPeerLookup(peers.lookup),
		WithRefreshInterval(time.Hour),
	)

	cfg := globalConfig()
	cfg.Mode = config.ModeTunSwitch
	cfg.GameExes = []string{"game.exe"}

	_, err := m.BringUp(context.Background(), cfg)
	require.NoError(t, err)
	dev := plat.LastDevice().Name()

	// The relay itself is never routed into the tunnel.
	assert.ElementsMatch(t, []string{
		"198.51.100.1/32 dev " + dev,
		"198.51.100.2/32 dev " + dev,
	}, routeStrings(plat.Routes()))

	peers.set("198.51.100.2", "198.51.100.3")
	m.mu.Lock()
	require.NoError(t, m.syncPeerRoutesLocked(context.Background(), cfg.GameExes))
	m.mu.Unlock()

	assert.ElementsMatch(t, []string{
		"198.51.100.2/32 dev " + dev,
		"198.51.100.3/32 dev " + dev,
	}, routeStrings(plat.Routes()))

	require.NoError(t, m.TearDown())
	assert.Empty(t, plat.Routes())
}

func TestRefreshLoopPicksUpNewPeers(t *testing.T) {
	plat := tuntest.NewPlatform()
	peers := &peerSource{}
	m, _ := newManager(t, plat,
		WithPeerLookup(peers.lookup),
		WithRefreshInterval(10*time.Millisecond),
	)

	cfg := globalConfig()
	cfg.Mode = config.ModeTunSwitch
	cfg.GameExes = []string{"game.exe"}

	_, err := m.BringUp(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, plat.Routes())

	peers.set("198.51.100.9")
	assert.Eventually(t, func() bool { return len(plat.Routes()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, m.TearDown())
	assert.Empty(t, plat.Routes())
}

func TestZeroRefreshIntervalSyncsOnce(t *testing.T) {
	plat := tuntest.NewPlatform()
	peers := &peerSource{}
	peers.set("198.51.100.1")
	m, _ := newManager(t, plat,
		WithPeerLookup(peers.lookup),
		WithRefreshInterval(0),
	)

	cfg := globalConfig()
	cfg.Mode = config.ModeTunSwitch
	cfg.GameExes = []string{"game.exe"}

	_, err := m.BringUp(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, plat.Routes(), 1)

	peers.set("198.51.100.1", "198.51.100.2")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, plat.Routes(), 1)

	require.NoError(t, m.TearDown())
	assert.Empty(t, plat.Routes())
}

func TestFlushDNSCache(t *testing.T) {
	plat := tuntest.NewPlatform()
	m, _ := newManager(t, plat)

	require.NoError(t, m.FlushDNSCache())
	assert.Equal(t, 1, plat.Flushes())

	plat.FlushErr = errors.New("no resolver")
	err := m.FlushDNSCache()
	assert.ErrorIs(t, err, errcode.ErrInterface)
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "in_progress", StateInProgress.String())
	assert.Equal(t, 2, int(StateIdle))
}
