package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, SaltSize)

	key := DeriveKey("correct horse battery staple", salt)
	require.Len(t, key, KeySize)

	plaintext := []byte("sqlite snapshot bytes")
	nonce, ciphertext, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := Decrypt(key, nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptWrongPassphraseFails(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	key := DeriveKey("right passphrase", salt)
	nonce, ciphertext, err := Encrypt(key, []byte("secret data"))
	require.NoError(t, err)

	wrongKey := DeriveKey("wrong passphrase", salt)
	_, err = Decrypt(wrongKey, nonce, ciphertext)
	assert.Error(t, err, "authentication must fail under the wrong key")
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	key := DeriveKey("passphrase", salt)
	nonce, ciphertext, err := Encrypt(key, []byte("secret data"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = Decrypt(key, nonce, ciphertext)
	assert.Error(t, err)
}

func TestDeriveKeyDeterministicPerSalt(t *testing.T) {
	salt1, err := NewSalt()
	require.NoError(t, err)
	salt2, err := NewSalt()
	require.NoError(t, err)

	assert.Equal(t, DeriveKey("pw", salt1), DeriveKey("pw", salt1))
	assert.NotEqual(t, DeriveKey("pw", salt1), DeriveKey("pw", salt2))
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("payload")
	sum := Checksum(data)

	require.NoError(t, VerifyChecksum(data, sum))

	err := VerifyChecksum([]byte("different payload"), sum)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksum)
}
