// Package server is a minimal relay endpoint. It authenticates clients with
// the tunnel handshake and hands each decrypted packet to a Handler. The
// default handler echoes packets back, which is enough for diagnostics and
// for exercising the client end to end.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tun2r/internal/config"
	"tun2r/internal/packet"
	"tun2r/internal/transport"
)

// Handler processes one packet from a client and returns the packets to
// send back to that client.
type Handler func(s *Session, pkt []byte) [][]byte

// Echo returns every packet to its sender.
func Echo(_ *Session, pkt []byte) [][]byte {
	return [][]byte{pkt}
}

type Option func(*Server)

func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

// WithUpstream sets the RTT the relay reports for its onward leg.
func WithUpstream(fn func() time.Duration) Option {
	return func(s *Server) { s.upstream = fn }
}

// WithIdleTimeout sets how long a silent session is kept. Zero or less
// keeps sessions until they disconnect.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

func WithMaxSessions(n int) Option {
	return func(s *Server) { s.maxSessions = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l.With().Str("component", "relay").Logger() }
}

type Server struct {
	token       []byte
	handler     Handler
	upstream    func() time.Duration
	idleTimeout time.Duration
	maxSessions int
	log         zerolog.Logger

	sessions   map[string]*Session
	sessionsMu sync.RWMutex

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}

	wg sync.WaitGroup
}

func New(token []byte, opts ...Option) *Server {
	s := &Server{
		token:       token,
		handler:     Echo,
		idleTimeout: config.SessionTimeout,
		maxSessions: config.MaxSessions,
		log:         zerolog.Nop(),
		sessions:    make(map[string]*Session),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is cancelled, then closes every
// session and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.addrMu.Lock()
	s.addr = ln.Addr()
	close(s.ready)
	s.addrMu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	if s.idleTimeout > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(ctx)
	}

	<-ctx.Done()
	s.log.Info().Msg("relay shutting down")

	// Close listener and sessions first to unblock I/O
	ln.Close()
	s.sessionsMu.Lock()
	for key, sess := range s.sessions {
		sess.conn.Close()
		delete(s.sessions, key)
	}
	s.sessionsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr blocks until Serve has started and returns the listen address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept")
			continue
		}

		s.wg.Add(1)
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()

	key := nc.RemoteAddr().String()
	conn, err := transport.Accept(ctx, nc, s.token, s.upstream, s.log)
	if err != nil {
		s.log.Warn().Err(err).Str("peer", key).Msg("handshake failed")
		nc.Close()
		return
	}

	sess := newSession(key, conn)
	if !s.addSession(sess) {
		conn.Close()
		return
	}
	defer s.removeSession(sess)

	s.log.Info().Str("peer", key).Str("game", conn.GameID()).Msg("[+] session established")

	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			s.log.Info().Err(err).Str("peer", key).Msg("[-] session closed")
			return
		}

		n, err := packet.Validate(pkt, 0)
		if err != nil {
			s.log.Debug().Err(err).Str("peer", key).Msg("dropping invalid packet")
			continue
		}
		for _, reply := range s.handler(sess, pkt[:n]) {
			if err := conn.WritePacket(reply); err != nil {
				s.log.Warn().Err(err).Str("peer", key).Msg("send error")
				return
			}
		}
	}
}

func (s *Server) addSession(sess *Session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if len(s.sessions) >= s.maxSessions {
		s.log.Warn().Int("limit", s.maxSessions).Str("peer", sess.Key()).Msg("session limit reached, rejecting")
		return false
	}
	s.sessions[sess.Key()] = sess
	return true
}

func (s *Server) removeSession(sess *Session) {
	s.sessionsMu.Lock()
	if cur, ok := s.sessions[sess.Key()]; ok && cur == sess {
		delete(s.sessions, sess.Key())
	}
	s.sessionsMu.Unlock()
	sess.conn.Close()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// Push sends pkt to every live session.
func (s *Server) Push(pkt []byte) int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	sent := 0
	for _, sess := range s.sessions {
		if err := sess.conn.WritePacket(pkt); err == nil {
			sent++
		}
	}
	return sent
}

// Kick closes every live session without stopping the server.
func (s *Server) Kick() {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
}

func (s *Server) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := config.CleanupInterval
	if s.idleTimeout < interval {
		interval = s.idleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupSessions()
		}
	}
}

func (s *Server) cleanupSessions() {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	for key, sess := range s.sessions {
		if sess.IsExpired(s.idleTimeout) {
			delete(s.sessions, key)
			sess.conn.Close()
			s.log.Info().Str("peer", key).Msg("[-] session timeout")
		}
	}
}
