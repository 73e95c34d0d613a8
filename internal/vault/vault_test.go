package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_EncryptDecrypt(t *testing.T) {
	v, err := New("test-key")
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("s3cret")
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "s3cret")

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plaintext)
}

func TestVault_NonceIsRandom(t *testing.T) {
	v, err := New("test-key")
	require.NoError(t, err)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestVault_WrongKey(t *testing.T) {
	v1, err := New("key-one")
	require.NoError(t, err)
	v2, err := New("key-two")
	require.NoError(t, err)

	ciphertext, err := v1.Encrypt("s3cret")
	require.NoError(t, err)

	_, err = v2.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestVault_InvalidInput(t *testing.T) {
	v, err := New("test-key")
	require.NoError(t, err)

	_, err = v.Decrypt("not base64!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = v.Decrypt("YQ==")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	ciphertext, err := v.Encrypt("s3cret")
	require.NoError(t, err)
	tampered := strings.ToUpper(ciphertext[:4]) + ciphertext[4:]
	if tampered != ciphertext {
		_, err = v.Decrypt(tampered)
		assert.Error(t, err)
	}
}

func TestVault_EmptyKey(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}
