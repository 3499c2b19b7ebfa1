package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Config blob envelope: [scheme][24-byte nonce][ciphertext+tag].
const (
	SchemeXChaCha byte = 0x01

	blobInfo = "tun2r config v1"
)

var (
	ErrUnknownScheme = errors.New("crypto: unknown blob scheme")
	ErrShortBlob     = errors.New("crypto: blob too short")
)

func blobKey(secret []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(blobInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealBlob encrypts plaintext under secret with the current scheme.
func SealBlob(plaintext, secret []byte) ([]byte, error) {
	key, err := blobKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = SchemeXChaCha
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[1:1+chacha20poly1305.NonceSizeX], plaintext, []byte{SchemeXChaCha}), nil
}

// OpenBlob reverses SealBlob.
func OpenBlob(blob, secret []byte) ([]byte, error) {
	if len(blob) < 1 {
		return nil, ErrShortBlob
	}
	if blob[0] != SchemeXChaCha {
		return nil, ErrUnknownScheme
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrShortBlob
	}

	key, err := blobKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
