package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tun2r/internal/errcode"
	"tun2r/internal/server"
	"tun2r/internal/stats"
	"tun2r/internal/transport"
	"tun2r/internal/tun/tuntest"
)

// fakeLink is an in-memory relay link.
type fakeLink struct {
	in  chan []byte
	out chan []byte

	failOnce sync.Once
	fail     chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeLink(outCap int) *fakeLink {
	return &fakeLink{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, outCap),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) ReadPacket() ([]byte, error) {
	select {
	case p := <-l.in:
		return p, nil
	case err := <-l.fail:
		return nil, err
	case <-l.closed:
		return nil, transport.ErrClosed
	}
}

func (l *fakeLink) WritePacket(pkt []byte) error {
	select {
	case <-l.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case l.out <- append([]byte(nil), pkt...):
		return nil
	case <-l.closed:
		return transport.ErrClosed
	}
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) Break(err error) {
	l.failOnce.Do(func() { l.fail <- err })
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

type pingLink struct {
	*fakeLink
}

func (pingLink) Ping(context.Context) (time.Duration, time.Duration, error) {
	return 3 * time.Millisecond, 9 * time.Millisecond, nil
}

// dialer hands out links, or errors, in order.
type dialer struct {
	mu    sync.Mutex
	links []Link
	errs  []error
	calls atomic.Int32
}

func (d *dialer) dial(context.Context) (Link, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) > 0 {
		l := d.links[0]
		d.links = d.links[1:]
		return l, nil
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		if len(d.errs) > 1 {
			d.errs = d.errs[1:]
		}
		return nil, err
	}
	return nil, transport.ErrUnreachable
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func fastBackoff() Option {
	return WithBackoff(time.Millisecond, 5*time.Millisecond, 5)
}

func TestPacketsFlowBothWays(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	link := newFakeLink(16)
	d := &dialer{links: []Link{link}}
	counter := stats.NewCounter()

	s, err := Open(context.Background(), dev, d.dial, counter)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, StateEstablished, s.State())

	up := tuntest.IPv4Packet("10.8.0.2", "203.0.113.9", 1500)
	require.True(t, dev.Inject(up))
	assert.Equal(t, up, recv(t, link.out))

	down := tuntest.IPv4Packet("203.0.113.9", "10.8.0.2", 1500)
	link.in <- down
	assert.Equal(t, down, recv(t, dev.Written()))

	assert.Eventually(t, func() bool {
		return counter.Snapshot() == stats.Snapshot{TxBytes: 1500, RxBytes: 1500, TxPkts: 1, RxPkts: 1}
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidAndBypassPacketsAreDropped(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	link := newFakeLink(16)
	d := &dialer{links: []Link{link}}

	s, err := Open(context.Background(), dev, d.dial, stats.NewCounter(),
		WithBypass(netipAddr(t, "198.51.100.1")))
	require.NoError(t, err)
	defer s.Close()

	require.True(t, dev.Inject([]byte{0x45, 0, 0, 1}))
	require.True(t, dev.Inject(tuntest.IPv4Packet("10.8.0.2", "198.51.100.1", 100)))
	good := tuntest.IPv4Packet("10.8.0.2", "203.0.113.9", 100)
	require.True(t, dev.Inject(good))

	assert.Equal(t, good, recv(t, link.out))
	select {
	case p := <-link.out:
		t.Fatalf("unexpected packet %x", p)
	case <-time.After(50 * time.Millisecond):
	}
}

// gatedLink holds every write until the gate opens and reports when the
// first write is waiting.
type gatedLink struct {
	*fakeLink
	gate    chan struct{}
	waiting chan struct{}
	once    sync.Once
}

func (l *gatedLink) WritePacket(pkt []byte) error {
	l.once.Do(func() { close(l.waiting) })
	select {
	case <-l.gate:
	case <-l.closed:
		return transport.ErrClosed
	}
	return l.fakeLink.WritePacket(pkt)
}

func TestFullQueueDropsNewest(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	link := &gatedLink{fakeLink: newFakeLink(16), gate: make(chan struct{}), waiting: make(chan struct{})}
	d := &dialer{links: []Link{link}}

	s, err := Open(context.Background(), dev, d.dial, stats.NewCounter(), WithQueueSize(1))
	require.NoError(t, err)
	defer s.Close()

	var pkts [][]byte
	for i := 1; i <= 10; i++ {
		pkts = append(pkts, tuntest.IPv4Packet("10.8.0.2", fmt.Sprintf("203.0.113.%d", i), 100))
	}

	// The writer takes the first packet and blocks on the link.
	require.True(t, dev.Inject(pkts[0]))
	select {
	case <-link.waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never reached the link")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, p := range pkts[1:] {
			dev.Inject(p)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("device reader blocked on a full queue")
	}

	// One slot holds the second packet; the eight after it are dropped.
	require.Eventually(t, func() bool { return s.Drops() == 8 }, time.Second, 5*time.Millisecond)

	close(link.gate)
	assert.Equal(t, pkts[0], recv(t, link.out))
	assert.Equal(t, pkts[1], recv(t, link.out))
	select {
	case p := <-link.out:
		t.Fatalf("unexpected packet to %v", p[16:20])
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeviceReadErrorsArePaced(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	dev.FailReads(errors.New("input/output error"))
	link := newFakeLink(16)
	d := &dialer{links: []Link{link}}

	s, err := Open(context.Background(), dev, d.dial, stats.NewCounter())
	require.NoError(t, err)
	defer s.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Less(t, dev.Reads(), int64(30))

	// Reading resumes once the device recovers.
	dev.FailReads(nil)
	pkt := tuntest.IPv4Packet("10.8.0.2", "203.0.113.9", 100)
	require.True(t, dev.Inject(pkt))
	assert.Equal(t, pkt, recv(t, link.out))
}

func TestReconnectKeepsCounters(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	first, second := newFakeLink(16), newFakeLink(16)
	d := &dialer{links: []Link{first, second}}
	counter := stats.NewCounter()

	s, err := Open(context.Background(), dev, d.dial, counter, fastBackoff())
	require.NoError(t, err)
	defer s.Close()

	pkt := tuntest.IPv4Packet("10.8.0.2", "203.0.113.9", 200)
	require.True(t, dev.Inject(pkt))
	recv(t, first.out)

	first.Break(errors.New("reset by peer"))
	assert.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return d.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.True(t, dev.Inject(pkt))
	assert.Equal(t, pkt, recv(t, second.out))
	assert.Equal(t, StateEstablished, s.State())

	assert.Eventually(t, func() bool {
		return counter.Snapshot().TxPkts == 2
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectExhaustionFails(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	link := newFakeLink(16)
	d := &dialer{links: []Link{link}}

	failed := make(chan error, 1)
	s, err := Open(context.Background(), dev, d.dial, stats.NewCounter(), fastBackoff(),
		WithFailureHandler(func(err error) { failed <- err }))
	require.NoError(t, err)
	defer s.Close()

	link.Break(errors.New("reset by peer"))

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, errcode.ErrConnection)
		assert.ErrorIs(t, err, transport.ErrUnreachable)
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler not called")
	}
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, int32(1+5), d.calls.Load())
	assert.Error(t, s.Err())
}

func TestAuthRejectionIsFatal(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	link := newFakeLink(16)
	d := &dialer{links: []Link{link}, errs: []error{transport.ErrAuthRejected}}

	failed := make(chan error, 1)
	s, err := Open(context.Background(), dev, d.dial, stats.NewCounter(), fastBackoff(),
		WithFailureHandler(func(err error) { failed <- err }))
	require.NoError(t, err)
	defer s.Close()

	link.Break(errors.New("reset by peer"))

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, transport.ErrAuthRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler not called")
	}
	assert.Equal(t, int32(2), d.calls.Load())
}

func TestOpenDialFailure(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	d := &dialer{errs: []error{transport.ErrTimeout}}

	s, err := Open(context.Background(), dev, d.dial, stats.NewCounter())
	assert.Nil(t, s)
	assert.ErrorIs(t, err, errcode.ErrConnection)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, errcode.Connection, errcode.CodeOf(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	link := newFakeLink(16)
	d := &dialer{links: []Link{link}}

	s, err := Open(context.Background(), dev, d.dial, stats.NewCounter())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
		}()
	}
	wg.Wait()

	assert.Equal(t, StateClosed, s.State())
	assert.True(t, link.isClosed())

	_, _, err = s.Echo(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestEcho(t *testing.T) {
	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()

	d := &dialer{links: []Link{pingLink{newFakeLink(16)}}}
	s, err := Open(context.Background(), dev, d.dial, stats.NewCounter())
	require.NoError(t, err)
	defer s.Close()

	rtt, upstream, err := s.Echo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, rtt)
	assert.Equal(t, 9*time.Millisecond, upstream)

	d2 := &dialer{links: []Link{newFakeLink(16)}}
	plain, err := Open(context.Background(), dev, d2.dial, stats.NewCounter())
	require.NoError(t, err)
	defer plain.Close()
	_, _, err = plain.Echo(context.Background())
	assert.ErrorIs(t, err, ErrNoEcho)
}

func TestOverRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := server.New([]byte("T"), server.WithUpstream(func() time.Duration { return 4 * time.Millisecond }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	dialer := &transport.Dialer{Address: srv.Addr().String(), Token: []byte("T"), GameID: "42"}
	dial := func(ctx context.Context) (Link, error) {
		c, err := dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	dev := tuntest.NewDevice("tun0", 1500)
	defer dev.Close()
	counter := stats.NewCounter()

	s, err := Open(context.Background(), dev, dial, counter)
	require.NoError(t, err)
	defer s.Close()

	pkt := tuntest.IPv4Packet("10.8.0.2", "203.0.113.9", 1500)
	require.True(t, dev.Inject(pkt))
	assert.Equal(t, pkt, recv(t, dev.Written()))

	assert.Eventually(t, func() bool {
		return counter.Snapshot() == stats.Snapshot{TxBytes: 1500, RxBytes: 1500, TxPkts: 1, RxPkts: 1}
	}, time.Second, 5*time.Millisecond)

	echoCtx, echoCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer echoCancel()
	_, upstream, err := s.Echo(echoCtx)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Millisecond, upstream)
}

func netipAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}
