package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"tun2r/internal/config"
	"tun2r/internal/crypto"
)

// FrameType tags each frame on the stream.
type FrameType byte

const (
	FrameHello FrameType = iota + 1
	FrameVerify
	FrameAccept
	FrameReject
	FrameData
	FramePing
	FramePong
	FrameClose
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameVerify:
		return "verify"
	case FrameAccept:
		return "accept"
	case FrameReject:
		return "reject"
	case FrameData:
		return "data"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	}
	return fmt.Sprintf("frame(%d)", byte(t))
}

const (
	// Frame header: 4-byte big-endian length of type+payload, then the type.
	lengthSize = 4
	headerSize = lengthSize + 1

	maxFramePayload = config.MaxPacketSize + 64
)

// writeFrame writes a frame with a single Write call so concurrent writers
// serialized by a mutex never interleave partial frames.
func writeFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > maxFramePayload {
		return ErrFrameTooLarge
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[:lengthSize], uint32(1+len(payload)))
	buf[lengthSize] = byte(t)
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (FrameType, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := int(binary.BigEndian.Uint32(hdr[:lengthSize]))
	if length < 1 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	if length-1 > maxFramePayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return FrameType(hdr[lengthSize]), payload, nil
}

// Ping payload: seq(4) | sent unix nanos(8). Pong payload: seq(4) |
// upstream RTT micros(8).
const pingSize = 12

func encodePing(seq uint32, v uint64) []byte {
	b := make([]byte, pingSize)
	binary.BigEndian.PutUint32(b[0:4], seq)
	binary.BigEndian.PutUint64(b[4:12], v)
	return b
}

func decodePing(b []byte) (uint32, uint64, error) {
	if len(b) != pingSize {
		return 0, 0, fmt.Errorf("%w: ping size %d", ErrProtocol, len(b))
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint64(b[4:12]), nil
}

// Hello payload: version(1) | X25519 public key(32) | game id.
const protocolVersion = 1

func encodeHello(pub [crypto.KeySize]byte, gameID string) []byte {
	b := make([]byte, 1+crypto.KeySize+len(gameID))
	b[0] = protocolVersion
	copy(b[1:], pub[:])
	copy(b[1+crypto.KeySize:], gameID)
	return b
}

func decodeHello(b []byte) (pub []byte, gameID string, err error) {
	if len(b) < 1+crypto.KeySize {
		return nil, "", fmt.Errorf("%w: short hello", ErrKeyExchange)
	}
	if b[0] != protocolVersion {
		return nil, "", fmt.Errorf("%w: version %d", ErrKeyExchange, b[0])
	}
	return b[1 : 1+crypto.KeySize], string(b[1+crypto.KeySize:]), nil
}
