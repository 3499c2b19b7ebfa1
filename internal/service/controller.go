// Package service is the control surface of the tunnel runtime. A
// Controller owns one tunnel lifetime at a time and funnels every state
// change through a validated state machine.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"tun2r/internal/config"
	"tun2r/internal/errcode"
	"tun2r/internal/logging"
	"tun2r/internal/netif"
	"tun2r/internal/netutil"
	"tun2r/internal/probe"
	"tun2r/internal/stats"
	"tun2r/internal/svcmgr"
	"tun2r/internal/transport"
	"tun2r/internal/tun"
	"tun2r/internal/tunnel"
)

const Version = "1.5.5"

const noErrorMessage = "No error"

type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateIdle, StateFailed},
	StateFailed:   {StateStarting},
}

var ErrInvalidTransition = errors.New("service: invalid state transition")

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LastError is the most recent failure reported to callers.
type LastError struct {
	Code    errcode.Code `json:"code"`
	Message string       `json:"message"`
}

// DialerFactory builds the relay dialer for one session. addr is the relay
// endpoint with its host already resolved where possible, so redials do
// not depend on DNS through the tunnel.
type DialerFactory func(addr string, cfg *config.TunnelConfig, log zerolog.Logger) tunnel.DialFunc

// StatusCallback is invoked after every state change.
type StatusCallback func(State)

type Option func(*Controller)

func WithPlatform(p tun.Platform) Option {
	return func(c *Controller) { c.platform = p }
}

// WithInterfaceOptions passes options to the interface manager.
func WithInterfaceOptions(opts ...netif.Option) Option {
	return func(c *Controller) { c.ifaceOpts = append(c.ifaceOpts, opts...) }
}

func WithSessionOptions(opts ...tunnel.Option) Option {
	return func(c *Controller) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

func WithDialer(f DialerFactory) Option {
	return func(c *Controller) { c.dialer = f }
}

// WithSecret sets the key material config blobs are sealed with.
func WithSecret(secret string) Option {
	return func(c *Controller) { c.secret = secret }
}

func WithProbeOptions(opts ...probe.Option) Option {
	return func(c *Controller) { c.probeOpts = append(c.probeOpts, opts...) }
}

func WithServiceManager(m svcmgr.Manager) Option {
	return func(c *Controller) { c.svc = m }
}

func WithStatusCallback(cb StatusCallback) Option {
	return func(c *Controller) { c.onStatus = cb }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller is safe for concurrent use. Start and Stop are serialized;
// state queries never wait for them.
type Controller struct {
	platform    tun.Platform
	ifaceOpts   []netif.Option
	sessionOpts []tunnel.Option
	probeOpts   []probe.Option
	dialer      DialerFactory
	secret      string
	svc         svcmgr.Manager
	onStatus    StatusCallback
	log         zerolog.Logger

	decoder *config.Decoder
	iface   *netif.Manager
	counter *stats.Counter
	prober  *probe.Prober

	// opMu serializes Start, Stop and failure handling.
	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	lastErr LastError
	cfg     *config.TunnelConfig
	session *tunnel.Session
	gen     uint64
}

func New(opts ...Option) *Controller {
	c := &Controller{
		platform: tun.Native(),
		dialer:   dialRelay,
		secret:   config.DefaultSecret,
		svc:      svcmgr.Native(),
		onStatus: func(State) {},
		log:      zerolog.Nop(),
		counter:  stats.NewCounter(),
		lastErr:  LastError{Code: errcode.Success, Message: noErrorMessage},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.decoder = config.NewDecoder(c.secret)
	c.iface = netif.New(c.platform, append([]netif.Option{netif.WithLogger(c.log)}, c.ifaceOpts...)...)
	c.prober = probe.New(c.echo, append([]probe.Option{probe.WithLogger(c.log)}, c.probeOpts...)...)
	c.log = logging.Component(c.log, "service")
	return c
}

func dialRelay(addr string, cfg *config.TunnelConfig, log zerolog.Logger) tunnel.DialFunc {
	d := &transport.Dialer{
		Address: addr,
		Token:   []byte(cfg.Token),
		GameID:  cfg.GameID,
		Logger:  log,
	}
	return func(ctx context.Context) (tunnel.Link, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Start decodes blob and starts a tunnel with it.
func (c *Controller) Start(ctx context.Context, blob string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.beginStart(); err != nil {
		return err
	}
	cfg, err := c.decoder.Decode(blob)
	if err != nil {
		return c.abortStart(err)
	}
	return c.run(ctx, cfg)
}

// StartConfigFile reads a sealed config from path, or from the default
// file when path is empty.
func (c *Controller) StartConfigFile(ctx context.Context, path string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.beginStart(); err != nil {
		return err
	}
	cfg, err := c.decoder.LoadFile(path)
	if err != nil {
		return c.abortStart(err)
	}
	return c.run(ctx, cfg)
}

// StartConfig starts a tunnel with an already decoded config.
func (c *Controller) StartConfig(ctx context.Context, cfg *config.TunnelConfig) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.beginStart(); err != nil {
		return err
	}
	if cfg == nil {
		return c.abortStart(errcode.New(errcode.KindNullConfig, "start", nil))
	}
	cfg = cfg.Clone()
	if err := cfg.Normalize(); err != nil {
		return c.abortStart(errcode.New(errcode.KindConfigLoad, "validate config", err))
	}
	return c.run(ctx, cfg)
}

func (c *Controller) beginStart() error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		err := errcode.New(errcode.KindAlreadyRunning, "start", nil)
		c.recordLocked(err)
		c.mu.Unlock()
		return err
	}
	c.gen++
	c.setStateLocked(StateStarting)
	c.mu.Unlock()

	c.onStatus(StateStarting)
	return nil
}

func (c *Controller) abortStart(err error) error {
	c.mu.Lock()
	c.recordLocked(err)
	c.setStateLocked(StateFailed)
	c.mu.Unlock()

	c.onStatus(StateFailed)
	c.log.Error().Err(err).Msg("start failed")
	return err
}

// run brings the interface up and opens the session. Every failure rolls
// back what was done before it.
func (c *Controller) run(ctx context.Context, cfg *config.TunnelConfig) error {
	sessionLog := c.log.Level(logging.ParseLevel(string(cfg.LogLevel)))
	sessionLog.Info().Stringer("config", cfg).Msg("starting tunnel")

	snap, err := c.iface.BringUp(ctx, cfg)
	if err != nil {
		return c.abortStart(err)
	}
	sessionLog.Info().Str("ip", snap.IP).Str("gateway", snap.Gateway).Msg("interface ready")

	// Counters start from zero before the first packet can move.
	c.counter.Reset()

	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	serverIP := c.iface.ServerIP()
	addr := cfg.DialAddress(serverIP)
	opts := append([]tunnel.Option{
		tunnel.WithLogger(sessionLog),
		tunnel.WithBypass(serverIP),
		tunnel.WithFailureHandler(func(err error) { c.sessionFailed(gen, err) }),
	}, c.sessionOpts...)

	sess, err := tunnel.Open(ctx, c.iface.Device(), c.dialer(addr, cfg, sessionLog), c.counter, opts...)
	if err != nil {
		if terr := c.iface.TearDown(); terr != nil {
			sessionLog.Warn().Err(terr).Msg("rollback teardown failed")
		}
		return c.abortStart(err)
	}

	c.mu.Lock()
	c.session = sess
	c.cfg = cfg
	c.setStateLocked(StateRunning)
	c.mu.Unlock()

	c.onStatus(StateRunning)
	sessionLog.Info().Str("relay", cfg.Server).Str("addr", addr).Msg("tunnel running")
	return nil
}

// Stop closes the session and removes the interface.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateRunning {
		err := errcode.New(errcode.KindNotRunning, "stop", nil)
		c.recordLocked(err)
		c.mu.Unlock()
		return err
	}
	sess := c.session
	c.session = nil
	c.setStateLocked(StateStopping)
	c.mu.Unlock()
	c.onStatus(StateStopping)

	c.prober.Stop()
	sess.Close()

	if err := c.iface.TearDown(); err != nil {
		c.mu.Lock()
		c.recordLocked(err)
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.onStatus(StateFailed)
		return err
	}

	c.mu.Lock()
	c.cfg = nil
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.onStatus(StateIdle)
	c.log.Info().Msg("tunnel stopped")
	return nil
}

// sessionFailed handles a session that gave up reconnecting. It is a
// no-op if the session it belongs to has already been stopped.
func (c *Controller) sessionFailed(gen uint64, cause error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.gen != gen || c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	c.prober.Stop()
	sess.Close()
	err := multierr.Append(cause, c.iface.TearDown())

	c.mu.Lock()
	c.recordLocked(err)
	c.cfg = nil
	c.setStateLocked(StateFailed)
	c.mu.Unlock()

	c.onStatus(StateFailed)
	c.log.Error().Err(err).Msg("tunnel failed")
}

func (c *Controller) setStateLocked(to State) {
	if !canTransition(c.state, to) {
		// Guarded by callers; reaching here is a bug.
		c.log.Error().Err(ErrInvalidTransition).Stringer("from", c.state).Stringer("to", to).Msg("state change")
	}
	c.state = to
}

func (c *Controller) recordLocked(err error) {
	c.lastErr = LastError{Code: errcode.CodeOf(err), Message: err.Error()}
}

func (c *Controller) record(err error) error {
	if err == nil {
		return nil
	}
	c.mu.Lock()
	c.recordLocked(err)
	c.mu.Unlock()
	return err
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) IsRunning() bool {
	return c.State() == StateRunning
}

func (c *Controller) LastError() LastError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Controller) LastErrorMessage() string {
	return c.LastError().Message
}

// Config returns a copy of the running config, or nil.
func (c *Controller) Config() *config.TunnelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cfg == nil {
		return nil
	}
	return c.cfg.Clone()
}

func (c *Controller) TrafficSnapshot() stats.Snapshot {
	return c.counter.Snapshot()
}

func (c *Controller) PingSample() probe.Sample {
	return c.prober.LastSample()
}

// StartProbe starts or restarts latency probing and returns the effective
// interval. It waits for a Start or Stop in progress.
func (c *Controller) StartProbe(interval time.Duration) (time.Duration, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.IsRunning() {
		return 0, c.record(errcode.New(errcode.KindNotRunning, "start probe", nil))
	}
	return c.prober.Start(interval), nil
}

func (c *Controller) StopProbe() {
	c.prober.Stop()
}

func (c *Controller) echo(ctx context.Context) (time.Duration, time.Duration, error) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()

	if sess == nil {
		return 0, 0, errcode.ErrNotRunning
	}
	return sess.Echo(ctx)
}

func (c *Controller) NetworkConfig() netif.Snapshot {
	return c.iface.Snapshot()
}

func (c *Controller) FlushDNSCache() error {
	return c.record(c.iface.FlushDNSCache())
}

// Recover removes routes left behind by a crashed process. It refuses to
// run while a tunnel is active.
func (c *Controller) Recover() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if s := c.State(); s != StateIdle && s != StateFailed {
		return c.record(errcode.New(errcode.KindAlreadyRunning, "recover", nil))
	}
	if err := c.iface.Recover(); err != nil {
		return c.record(errcode.Wrap(errcode.KindInterface, "recover routes", err))
	}
	return nil
}

func (c *Controller) Version() string {
	return Version
}

func (c *Controller) DeviceID() (string, error) {
	return netutil.DeviceID()
}

// DeleteService removes the helper service from the OS service manager.
func (c *Controller) DeleteService() error {
	if err := c.svc.Delete(config.HelperServiceName); err != nil {
		return c.record(errcode.New(errcode.KindInterface, "delete service", err))
	}
	c.log.Info().Str("service", config.HelperServiceName).Msg("helper service deleted")
	return nil
}

func (c *Controller) HelperStatus() (svcmgr.Status, error) {
	return c.svc.Status(config.HelperServiceName)
}
