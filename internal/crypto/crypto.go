package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrDecryptFailed  = errors.New("crypto: decryption failed")
	ErrInvalidKey     = errors.New("crypto: invalid key")
	ErrReplayDetected = errors.New("crypto: replay detected")
)

const (
	KeySize      = 32
	NonceSize    = chacha20poly1305.NonceSize
	OverheadSize = chacha20poly1305.Overhead
	counterSize  = 8
	replayWindow = 64
)

// VerifyToken is exchanged encrypted after key agreement so each side proves
// it derived the same keys, which only happens when both hold the same token.
var VerifyToken = []byte("TUN2R_KEY_VERIFY_OK")

// Role selects which derived key a peer sends with.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, err
	}

	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// SharedSecret mixes the X25519 result with the auth token:
// SHA256(DH_shared || token). A peer with the wrong token ends up with
// different keys and fails verification.
func SharedSecret(kp *KeyPair, peerPublic []byte, token []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, ErrInvalidKey
	}
	shared, err := curve25519.X25519(kp.Private[:], peerPublic)
	if err != nil {
		return nil, ErrInvalidKey
	}

	h := sha256.New()
	h.Write(shared)
	h.Write(token)
	return h.Sum(nil), nil
}

func deriveKey(secret []byte, label string) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte(label))
	return h.Sum(nil)
}

// Cipher seals frames in one direction and opens them in the other.
// Wire layout: [8-byte counter][ciphertext+tag].
type Cipher struct {
	seal    cipher.AEAD
	open    cipher.AEAD
	counter atomic.Uint64

	recvMu   sync.Mutex
	recvHigh uint64
	recvMask uint64
}

func NewCipher(secret []byte, role Role) (*Cipher, error) {
	if len(secret) != KeySize {
		return nil, ErrInvalidKey
	}

	up := deriveKey(secret, "tun2r c2s")
	down := deriveKey(secret, "tun2r s2c")
	sendKey, recvKey := up, down
	if role == RoleServer {
		sendKey, recvKey = down, up
	}

	seal, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	open, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}
	return &Cipher{seal: seal, open: open}, nil
}

func (c *Cipher) Encrypt(plaintext []byte) []byte {
	n := c.counter.Add(1)

	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:], n)

	out := make([]byte, counterSize, counterSize+len(plaintext)+OverheadSize)
	binary.LittleEndian.PutUint64(out, n)
	return c.seal.Seal(out, nonce[:], plaintext, nil)
}

func (c *Cipher) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < counterSize+OverheadSize {
		return nil, ErrDecryptFailed
	}

	n := binary.LittleEndian.Uint64(frame[:counterSize])
	if n == 0 {
		return nil, ErrReplayDetected
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.recvHigh > 0 && n <= c.recvHigh {
		diff := c.recvHigh - n
		if diff >= replayWindow || c.recvMask&(uint64(1)<<diff) != 0 {
			return nil, ErrReplayDetected
		}
	}

	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:], n)
	plaintext, err := c.open.Open(nil, nonce[:], frame[counterSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	// Only authenticated counters move the window.
	switch {
	case c.recvHigh == 0:
		c.recvHigh, c.recvMask = n, 1
	case n > c.recvHigh:
		shift := n - c.recvHigh
		if shift >= replayWindow {
			c.recvMask = 1
		} else {
			c.recvMask = c.recvMask<<shift | 1
		}
		c.recvHigh = n
	default:
		c.recvMask |= uint64(1) << (c.recvHigh - n)
	}
	return plaintext, nil
}

// Overhead is the number of bytes Encrypt adds to a plaintext.
func Overhead() int {
	return counterSize + OverheadSize
}
