package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cipherPair(t *testing.T, clientToken, serverToken string) (*Cipher, *Cipher) {
	t.Helper()

	ckp, err := GenerateKeyPair()
	require.NoError(t, err)
	skp, err := GenerateKeyPair()
	require.NoError(t, err)

	cs, err := SharedSecret(ckp, skp.Public[:], []byte(clientToken))
	require.NoError(t, err)
	ss, err := SharedSecret(skp, ckp.Public[:], []byte(serverToken))
	require.NoError(t, err)

	client, err := NewCipher(cs, RoleClient)
	require.NoError(t, err)
	server, err := NewCipher(ss, RoleServer)
	require.NoError(t, err)
	return client, server
}

func TestCipherDirections(t *testing.T) {
	client, server := cipherPair(t, "T", "T")

	got, err := server.Decrypt(client.Encrypt([]byte("up")))
	require.NoError(t, err)
	assert.Equal(t, "up", string(got))

	got, err = client.Decrypt(server.Encrypt([]byte("down")))
	require.NoError(t, err)
	assert.Equal(t, "down", string(got))

	// A peer must not accept its own direction.
	_, err = client.Decrypt(client.Encrypt([]byte("loop")))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestTokenMismatchFailsVerification(t *testing.T) {
	client, server := cipherPair(t, "right", "wrong")

	_, err := server.Decrypt(client.Encrypt(VerifyToken))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestReplayWindow(t *testing.T) {
	client, server := cipherPair(t, "T", "T")

	first := client.Encrypt([]byte("a"))
	second := client.Encrypt([]byte("b"))

	_, err := server.Decrypt(second)
	require.NoError(t, err)
	_, err = server.Decrypt(first) // late but inside the window
	require.NoError(t, err)

	_, err = server.Decrypt(first)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestBlobSealOpen(t *testing.T) {
	blob, err := SealBlob([]byte(`{"k":1}`), []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, SchemeXChaCha, blob[0])

	plain, err := OpenBlob(blob, []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, string(plain))

	_, err = OpenBlob(blob, []byte("other"))
	assert.ErrorIs(t, err, ErrDecryptFailed)

	blob[0] = 0x7f
	_, err = OpenBlob(blob, []byte("secret"))
	assert.ErrorIs(t, err, ErrUnknownScheme)

	_, err = OpenBlob([]byte{SchemeXChaCha, 1, 2}, []byte("secret"))
	assert.ErrorIs(t, err, ErrShortBlob)
}
