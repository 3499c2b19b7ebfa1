// Package tunnel moves IP packets between a TUN device and an encrypted
// relay link.
//
// A Session runs four goroutines: a device reader feeding the egress queue,
// a link writer draining it, a link reader feeding the ingress queue and a
// device writer draining that. The link-facing pair is restarted by a
// supervisor when the link fails, with bounded exponential backoff.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tun2r/internal/config"
	"tun2r/internal/errcode"
	"tun2r/internal/packet"
	"tun2r/internal/stats"
	"tun2r/internal/transport"
	"tun2r/internal/tun"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateEstablished
	StateDraining
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrSessionClosed = errors.New("tunnel: session closed")
	ErrNoEcho        = errors.New("tunnel: link does not support echo")
)

// Link is an established packet stream to the relay.
type Link interface {
	ReadPacket() ([]byte, error)
	WritePacket(pkt []byte) error
	Close() error
}

// Pinger is implemented by links that can measure their round trip.
type Pinger interface {
	Ping(ctx context.Context) (rtt, upstream time.Duration, err error)
}

type DialFunc func(ctx context.Context) (Link, error)

// Recorder receives one call per delivered packet.
type Recorder interface {
	Record(d stats.Direction, n uint64)
}

type Option func(*Session)

// WithFailureHandler sets a callback invoked once, from its own goroutine,
// when the session gives up reconnecting.
func WithFailureHandler(fn func(error)) Option {
	return func(s *Session) { s.onFail = fn }
}

// WithBypass drops device packets addressed to addr, normally the relay.
func WithBypass(addr netip.Addr) Option {
	return func(s *Session) { s.bypass = addr }
}

func WithBackoff(base, max time.Duration, attempts int) Option {
	return func(s *Session) {
		s.backoffBase = base
		s.backoffMax = max
		s.maxAttempts = attempts
	}
}

func WithQueueSize(n int) Option {
	return func(s *Session) { s.queueSize = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l.With().Str("component", "tunnel").Logger() }
}

// Session is one tunnel lifetime. Close may be called from any goroutine.
type Session struct {
	dev  tun.Device
	dial DialFunc
	rec  Recorder

	onFail      func(error)
	bypass      netip.Addr
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int
	queueSize   int
	log         zerolog.Logger

	egress  chan []byte
	ingress chan []byte
	drops   atomic.Uint64

	mu    sync.Mutex
	state State
	link  Link
	err   error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Open dials the relay and starts the pumps. A dial failure is returned as
// a connection error and no goroutines are left running.
func Open(ctx context.Context, dev tun.Device, dial DialFunc, rec Recorder, opts ...Option) (*Session, error) {
	s := &Session{
		dev:         dev,
		dial:        dial,
		rec:         rec,
		onFail:      func(error) {},
		backoffBase: config.ReconnectBaseDelay,
		backoffMax:  config.ReconnectMaxDelay,
		maxAttempts: config.ReconnectMaxAttempts,
		queueSize:   config.QueueSize,
		log:         zerolog.Nop(),
		state:       StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}

	link, err := dial(ctx)
	if err != nil {
		s.state = StateFailed
		s.err = err
		return nil, errcode.New(errcode.KindConnection, "open session", err)
	}

	s.egress = make(chan []byte, s.queueSize)
	s.ingress = make(chan []byte, s.queueSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.link = link
	s.state = StateEstablished

	// The device reader is not tracked by wg: it can only be unblocked by
	// closing the device, which the interface manager owns.
	go s.deviceReader()

	s.wg.Add(2)
	go s.supervise(link)
	go s.deviceWriter()

	s.log.Info().Str("device", dev.Name()).Msg("session established")
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drops is the number of packets discarded because a queue was full or
// the session closed with packets still queued.
func (s *Session) Drops() uint64 {
	return s.drops.Load()
}

// Echo measures the round trip over the current link.
func (s *Session) Echo(ctx context.Context) (rtt, upstream time.Duration, err error) {
	s.mu.Lock()
	link, state := s.link, s.state
	s.mu.Unlock()

	if state != StateEstablished || link == nil {
		return 0, 0, ErrSessionClosed
	}
	p, ok := link.(Pinger)
	if !ok {
		return 0, 0, ErrNoEcho
	}
	return p.Ping(ctx)
}

// Close stops the pumps and releases the link. Packets still queued are
// dropped; a packet being written to the device is finished first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateEstablished {
			s.state = StateDraining
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()

		s.discard(s.egress)
		s.discard(s.ingress)

		s.mu.Lock()
		s.state = StateClosed
		s.link = nil
		s.mu.Unlock()
		s.log.Info().Uint64("drops", s.drops.Load()).Msg("session closed")
	})
	return nil
}

func (s *Session) discard(ch chan []byte) {
	for {
		select {
		case <-ch:
			s.drops.Add(1)
		default:
			return
		}
	}
}

// enqueue never blocks; when ch is full the packet is dropped.
func (s *Session) enqueue(ch chan []byte, pkt []byte) {
	select {
	case ch <- pkt:
	default:
		s.drops.Add(1)
	}
}

func (s *Session) deviceReader() {
	buf := make([]byte, config.MaxPacketSize)
	mss := packet.MSSForMTU(s.dev.MTU())

	for {
		n, err := s.dev.Read(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, tun.ErrDeviceClosed) {
				return
			}
			s.log.Debug().Err(err).Msg("device read")
			if sleepWithContext(s.ctx, config.DeviceReadRetry) != nil {
				return
			}
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}

		size, err := packet.Validate(buf[:n], s.dev.MTU())
		if err != nil {
			continue
		}
		if s.bypass.IsValid() {
			if dst, ok := packet.DstAddr(buf[:size]); ok && dst == s.bypass {
				continue
			}
		}

		pkt := make([]byte, size)
		copy(pkt, buf[:size])
		s.enqueue(s.egress, packet.ClampMSS(pkt, mss))
	}
}

func (s *Session) deviceWriter() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case pkt := <-s.ingress:
			if _, err := s.dev.Write(pkt); err != nil {
				s.drops.Add(1)
				s.log.Debug().Err(err).Msg("device write")
				continue
			}
			s.rec.Record(stats.RX, uint64(len(pkt)))
		}
	}
}

// supervise runs the link pumps and redials when the link fails.
func (s *Session) supervise(link Link) {
	defer s.wg.Done()

	for {
		err := s.pump(link)
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Msg("link lost, reconnecting")

		link, err = s.redial()
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(err)
			}
			return
		}

		s.mu.Lock()
		s.link = link
		s.mu.Unlock()
		s.log.Info().Msg("link re-established")
	}
}

// pump runs the reader and writer of one link until either fails or the
// session closes. The link is closed on return.
func (s *Session) pump(link Link) error {
	g, ctx := errgroup.WithContext(s.ctx)

	g.Go(func() error {
		<-ctx.Done()
		link.Close()
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case pkt := <-s.egress:
				if err := link.WritePacket(pkt); err != nil {
					s.drops.Add(1)
					return fmt.Errorf("link write: %w", err)
				}
				s.rec.Record(stats.TX, uint64(len(pkt)))
			}
		}
	})

	g.Go(func() error {
		for {
			pkt, err := link.ReadPacket()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("link read: %w", err)
			}
			n, err := packet.Validate(pkt, 0)
			if err != nil {
				continue
			}
			s.enqueue(s.ingress, pkt[:n])
		}
	})

	err := g.Wait()
	if err == nil {
		err = ErrSessionClosed
	}
	return err
}

func (s *Session) redial() (Link, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := sleepWithContext(s.ctx, s.backoff(attempt)); err != nil {
			return nil, err
		}

		link, err := s.dial(s.ctx)
		if err == nil {
			return link, nil
		}
		lastErr = err
		if errors.Is(err, transport.ErrAuthRejected) {
			return nil, err
		}
		s.log.Warn().Err(err).Int("attempt", attempt+1).Int("max", s.maxAttempts).Msg("reconnect failed")
	}
	if lastErr == nil {
		lastErr = ErrSessionClosed
	}
	return nil, fmt.Errorf("reconnect gave up after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Session) fail(err error) {
	err = errcode.Wrap(errcode.KindConnection, "tunnel session", err)

	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.link = nil
	s.mu.Unlock()

	s.cancel()
	s.log.Error().Err(err).Msg("session failed")
	go s.onFail(err)
}

func (s *Session) backoff(attempt int) time.Duration {
	delay := s.backoffBase * time.Duration(1<<attempt)
	if delay > s.backoffMax || delay <= 0 {
		return s.backoffMax
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
