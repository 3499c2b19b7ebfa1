package server

import (
	"time"

	"tun2r/internal/transport"
)

// Session is one authenticated client.
type Session struct {
	key  string
	conn *transport.Conn
}

func newSession(key string, conn *transport.Conn) *Session {
	return &Session{key: key, conn: conn}
}

func (s *Session) Key() string { return s.key }

func (s *Session) GameID() string { return s.conn.GameID() }

// IsExpired reports whether nothing, pings included, arrived for timeout.
func (s *Session) IsExpired(timeout time.Duration) bool {
	return time.Since(s.conn.LastRead()) > timeout
}
