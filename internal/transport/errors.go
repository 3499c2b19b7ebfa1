package transport

import (
	"errors"
)

var (
	ErrNotConnected  = errors.New("transport: not connected")
	ErrUnreachable   = errors.New("transport: endpoint unreachable")
	ErrTimeout       = errors.New("transport: connection timeout")
	ErrClosed        = errors.New("transport: connection closed")
	ErrAuthRejected  = errors.New("transport: authentication rejected")
	ErrKeyExchange   = errors.New("transport: key exchange failed")
	ErrProtocol      = errors.New("transport: protocol violation")
	ErrFrameTooLarge = errors.New("transport: frame too large")
)
