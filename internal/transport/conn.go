package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tun2r/internal/config"
	"tun2r/internal/crypto"
)

// Conn is an authenticated, encrypted packet stream. ReadPacket must be
// called from one goroutine; WritePacket, Ping and Close are safe from any.
type Conn struct {
	nc     net.Conn
	cipher *crypto.Cipher
	gameID string
	log    zerolog.Logger

	wmu sync.Mutex

	// upstream reports the relay's own RTT for pong replies. Set on the
	// accepting side only.
	upstream func() time.Duration

	lastRead atomic.Int64

	pingSeq atomic.Uint32
	pingMu  sync.Mutex
	pings   map[uint32]chan pongResult

	closeOnce sync.Once
	closed    chan struct{}
}

type pongResult struct {
	at       time.Time
	upstream time.Duration
}

func newConn(nc net.Conn, c *crypto.Cipher, log zerolog.Logger) *Conn {
	conn := &Conn{
		nc:     nc,
		cipher: c,
		log:    log,
		pings:  make(map[uint32]chan pongResult),
		closed: make(chan struct{}),
	}
	conn.lastRead.Store(time.Now().UnixNano())
	return conn
}

// ReadPacket returns the next IP packet from the peer. Control frames are
// handled internally.
func (c *Conn) ReadPacket() ([]byte, error) {
	for {
		t, payload, err := readFrame(c.nc)
		if err != nil {
			return nil, c.readErr(err)
		}
		c.lastRead.Store(time.Now().UnixNano())

		switch t {
		case FrameData:
			pkt, err := c.cipher.Decrypt(payload)
			if err != nil {
				return nil, fmt.Errorf("decrypt data: %w", err)
			}
			return pkt, nil
		case FramePing:
			if err := c.answerPing(payload); err != nil {
				return nil, err
			}
		case FramePong:
			if err := c.deliverPong(payload); err != nil {
				c.log.Debug().Err(err).Msg("dropping pong")
			}
		case FrameClose:
			c.Close()
			return nil, ErrClosed
		default:
			return nil, fmt.Errorf("%w: unexpected %s frame", ErrProtocol, t)
		}
	}
}

func (c *Conn) readErr(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: peer disconnected", ErrClosed)
	}
	return err
}

func (c *Conn) writeFrame(t FrameType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return writeFrame(c.nc, t, payload)
}

// WritePacket encrypts and sends one IP packet.
func (c *Conn) WritePacket(pkt []byte) error {
	return c.writeFrame(FrameData, c.cipher.Encrypt(pkt))
}

// Ping measures the round trip to the relay and returns the relay's
// reported upstream RTT. Replies are consumed by ReadPacket, so a reader
// must be running.
func (c *Conn) Ping(ctx context.Context) (rtt, upstream time.Duration, err error) {
	seq := c.pingSeq.Add(1)
	ch := make(chan pongResult, 1)

	c.pingMu.Lock()
	c.pings[seq] = ch
	c.pingMu.Unlock()
	defer func() {
		c.pingMu.Lock()
		delete(c.pings, seq)
		c.pingMu.Unlock()
	}()

	sent := time.Now()
	if err := c.writeFrame(FramePing, c.cipher.Encrypt(encodePing(seq, uint64(sent.UnixNano())))); err != nil {
		return 0, 0, err
	}

	select {
	case res := <-ch:
		return res.at.Sub(sent), res.upstream, nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-c.closed:
		return 0, 0, ErrClosed
	}
}

func (c *Conn) answerPing(payload []byte) error {
	plain, err := c.cipher.Decrypt(payload)
	if err != nil {
		return fmt.Errorf("decrypt ping: %w", err)
	}
	seq, _, err := decodePing(plain)
	if err != nil {
		return err
	}
	var up time.Duration
	if c.upstream != nil {
		up = c.upstream()
	}
	return c.writeFrame(FramePong, c.cipher.Encrypt(encodePing(seq, uint64(up/time.Microsecond))))
}

func (c *Conn) deliverPong(payload []byte) error {
	at := time.Now()
	plain, err := c.cipher.Decrypt(payload)
	if err != nil {
		return err
	}
	seq, upMicros, err := decodePing(plain)
	if err != nil {
		return err
	}

	c.pingMu.Lock()
	ch, ok := c.pings[seq]
	c.pingMu.Unlock()
	if !ok {
		return fmt.Errorf("no waiter for ping %d", seq)
	}
	select {
	case ch <- pongResult{at: at, upstream: time.Duration(upMicros) * time.Microsecond}:
	default:
	}
	return nil
}

// Close sends a best-effort close frame and releases the socket. It is
// idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// A writer stuck on a full socket holds wmu; skip the close frame
		// then, closing the socket unblocks it.
		if c.wmu.TryLock() {
			c.nc.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
			writeFrame(c.nc, FrameClose, nil)
			close(c.closed)
			c.wmu.Unlock()
		} else {
			close(c.closed)
		}
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) GameID() string { return c.gameID }

// LastRead is when the last frame of any type arrived.
func (c *Conn) LastRead() time.Time { return time.Unix(0, c.lastRead.Load()) }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

// Dialer opens client connections to a relay.
type Dialer struct {
	Address string
	Token   []byte
	GameID  string
	// Timeout bounds the TCP connect, HandshakeTimeout the key exchange.
	Timeout          time.Duration
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// Dial connects and authenticates. Errors wrap ErrUnreachable, ErrTimeout
// or ErrAuthRejected.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = config.ConnectTimeout
	}
	nd := net.Dialer{Timeout: timeout}
	nc, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	log := d.Logger.With().Str("component", "transport").Str("relay", d.Address).Logger()
	hsTimeout := d.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = config.HandshakeTimeout
	}
	c, err := clientHandshake(ctx, nc, hsTimeout, d.Token, d.GameID, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	log.Debug().Msg("handshake complete, encryption enabled")
	return c, nil
}

// withDeadline bounds fn by the handshake timeout and by ctx.
func withDeadline(ctx context.Context, nc net.Conn, timeout time.Duration, fn func() error) error {
	nc.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Unix(1, 0))
	})
	err := fn()
	stopped := stop()
	nc.SetDeadline(time.Time{})

	if err == nil {
		return nil
	}
	if !stopped && ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: handshake", ErrTimeout)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: peer closed during handshake", ErrKeyExchange)
	}
	return err
}

func clientHandshake(ctx context.Context, nc net.Conn, timeout time.Duration, token []byte, gameID string, log zerolog.Logger) (*Conn, error) {
	var conn *Conn
	err := withDeadline(ctx, nc, timeout, func() error {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate key pair: %w", err)
		}
		if err := writeFrame(nc, FrameHello, encodeHello(kp.Public, gameID)); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}

		t, payload, err := readFrame(nc)
		if err != nil {
			return err
		}
		if t == FrameReject {
			return fmt.Errorf("%w: %s", ErrAuthRejected, payload)
		}
		if t != FrameHello {
			return fmt.Errorf("%w: expected hello, got %s", ErrKeyExchange, t)
		}
		peerPub, _, err := decodeHello(payload)
		if err != nil {
			return err
		}

		secret, err := crypto.SharedSecret(kp, peerPub, token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrKeyExchange, err)
		}
		cipher, err := crypto.NewCipher(secret, crypto.RoleClient)
		if err != nil {
			return fmt.Errorf("create cipher: %w", err)
		}

		if err := writeFrame(nc, FrameVerify, cipher.Encrypt(crypto.VerifyToken)); err != nil {
			return fmt.Errorf("send verify token: %w", err)
		}

		t, payload, err = readFrame(nc)
		if err != nil {
			return err
		}
		switch t {
		case FrameAccept:
		case FrameReject:
			return fmt.Errorf("%w: %s", ErrAuthRejected, payload)
		default:
			return fmt.Errorf("%w: expected accept, got %s", ErrKeyExchange, t)
		}
		plain, err := cipher.Decrypt(payload)
		if err != nil || !bytes.Equal(plain, crypto.VerifyToken) {
			return fmt.Errorf("%w: relay failed verification", ErrAuthRejected)
		}

		conn = newConn(nc, cipher, log)
		conn.gameID = gameID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Accept runs the relay side of the handshake on nc. upstream, if set,
// supplies the RTT reported in pong replies.
func Accept(ctx context.Context, nc net.Conn, token []byte, upstream func() time.Duration, log zerolog.Logger) (*Conn, error) {
	var conn *Conn
	err := withDeadline(ctx, nc, config.HandshakeTimeout, func() error {
		t, payload, err := readFrame(nc)
		if err != nil {
			return err
		}
		if t != FrameHello {
			return fmt.Errorf("%w: expected hello, got %s", ErrKeyExchange, t)
		}
		peerPub, gameID, err := decodeHello(payload)
		if err != nil {
			writeFrame(nc, FrameReject, []byte("unsupported version"))
			return err
		}

		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate key pair: %w", err)
		}
		if err := writeFrame(nc, FrameHello, encodeHello(kp.Public, "")); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}

		secret, err := crypto.SharedSecret(kp, peerPub, token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrKeyExchange, err)
		}
		cipher, err := crypto.NewCipher(secret, crypto.RoleServer)
		if err != nil {
			return fmt.Errorf("create cipher: %w", err)
		}

		t, payload, err = readFrame(nc)
		if err != nil {
			return err
		}
		if t != FrameVerify {
			return fmt.Errorf("%w: expected verify, got %s", ErrKeyExchange, t)
		}
		plain, err := cipher.Decrypt(payload)
		if err != nil || !bytes.Equal(plain, crypto.VerifyToken) {
			writeFrame(nc, FrameReject, []byte("invalid token"))
			return fmt.Errorf("%w: verification failed", ErrAuthRejected)
		}
		if err := writeFrame(nc, FrameAccept, cipher.Encrypt(crypto.VerifyToken)); err != nil {
			return fmt.Errorf("send accept: %w", err)
		}

		conn = newConn(nc, cipher, log)
		conn.gameID = gameID
		conn.upstream = upstream
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
