// Package probe periodically measures latency to the local router and
// through the tunnel.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tun2r/internal/config"
)

// Unknown marks a leg that has not been measured successfully yet.
const Unknown int64 = -1

// Sample is the latest measurement of each leg, in milliseconds.
// Router is the local gateway, Takeoff the tunnel round trip and Landing
// the tunnel plus the relay's onward leg.
type Sample struct {
	RouterMs  int64     `json:"routerMs"`
	TakeoffMs int64     `json:"takeoffMs"`
	LandingMs int64     `json:"landingMs"`
	LossPct   float64   `json:"lossPct"`
	At        time.Time `json:"at"`
}

func UnknownSample() Sample {
	return Sample{RouterMs: Unknown, TakeoffMs: Unknown, LandingMs: Unknown}
}

// RouterFunc measures the round trip to the local router.
type RouterFunc func(ctx context.Context) (time.Duration, error)

// EchoFunc measures the tunnel round trip and returns the relay's
// reported upstream round trip alongside it.
type EchoFunc func(ctx context.Context) (rtt, upstream time.Duration, err error)

type Option func(*Prober)

func WithRouter(fn RouterFunc) Option {
	return func(p *Prober) { p.router = fn }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Prober) { p.log = l.With().Str("component", "probe").Logger() }
}

// ClampInterval raises d to the minimum probe interval.
func ClampInterval(d time.Duration) time.Duration {
	if d < config.ProbeMinInterval {
		return config.ProbeMinInterval
	}
	return d
}

type Prober struct {
	router  RouterFunc
	echo    EchoFunc
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	sample Sample
	window []bool
	cancel context.CancelFunc
	done   chan struct{}

	// runMu serializes Start and Stop.
	runMu sync.Mutex
}

func New(echo EchoFunc, opts ...Option) *Prober {
	p := &Prober{
		router:  PingGateway,
		echo:    echo,
		timeout: config.ProbeTimeout,
		log:     zerolog.Nop(),
		sample:  UnknownSample(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins probing every interval, replacing any running schedule.
// The first cycle runs immediately. It returns the effective interval.
func (p *Prober) Start(interval time.Duration) time.Duration {
	interval = ClampInterval(interval)

	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.loop(ctx, interval, done)
	p.log.Debug().Dur("interval", interval).Msg("probe started")
	return interval
}

// Stop cancels the schedule and waits for an in-flight cycle. No sample is
// recorded after it returns. Stopping an idle prober does nothing.
func (p *Prober) Stop() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.stopLocked()
}

func (p *Prober) stopLocked() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Debug().Msg("probe stopped")
}

func (p *Prober) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Prober) LastSample() Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample
}

func (p *Prober) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle measures every leg once. A failed leg keeps its previous value.
func (p *Prober) cycle(ctx context.Context) {
	routerMs := Unknown
	var rtt, upstream time.Duration
	var routerOK, echoOK bool
	var wg sync.WaitGroup

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.router != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := p.router(cctx)
			if err != nil {
				p.log.Debug().Err(err).Msg("router probe failed")
				return
			}
			routerMs, routerOK = d.Milliseconds(), true
		}()
	}
	if p.echo != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			rtt, upstream, err = p.echo(cctx)
			if err != nil {
				p.log.Debug().Err(err).Msg("tunnel echo failed")
				return
			}
			echoOK = true
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if routerOK {
		p.sample.RouterMs = routerMs
	}
	if echoOK {
		p.sample.TakeoffMs = rtt.Milliseconds()
		p.sample.LandingMs = (rtt + upstream).Milliseconds()
	}
	if p.echo != nil {
		p.window = append(p.window, !echoOK)
		if len(p.window) > config.ProbeLossWindow {
			p.window = p.window[len(p.window)-config.ProbeLossWindow:]
		}
		p.sample.LossPct = lossPct(p.window)
	}
	p.sample.At = time.Now()
}

func lossPct(window []bool) float64 {
	if len(window) == 0 {
		return 0
	}
	lost := 0
	for _, l := range window {
		if l {
			lost++
		}
	}
	return float64(lost) * 100 / float64(len(window))
}
