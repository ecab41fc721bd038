package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c, err := New("test-master-key-123", "salt")
	require.NoError(t, err)

	sealed, err := c.Encrypt("access-token-abc")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "access-token-abc")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "access-token-abc", plain)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := New("test-master-key-123", "salt")
	require.NoError(t, err)

	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	assert.NotEqual(t, a, b)
}

func TestEmptyValues(t *testing.T) {
	c, err := New("test-master-key-123", "salt")
	require.NoError(t, err)

	sealed, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestDecryptWithWrongKey(t *testing.T) {
	a, _ := New("key-one-0123456789", "salt")
	b, _ := New("key-two-0123456789", "salt")

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.Error(t, err)

	_, err = a.Decrypt("not base64!")
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New("", "salt")
	assert.Error(t, err)
}
