package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	sealed, err := c.Encrypt("postgres://user:pass@db/app")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "pass@db")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "postgres://user:pass@db/app", plain)
}

func TestCipherUsesFreshNonce(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	a, err := c.Encrypt("value")
	require.NoError(t, err)
	b, err := c.Encrypt("value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipherWrongKey(t *testing.T) {
	c1, err := NewCipher("one")
	require.NoError(t, err)
	c2, err := NewCipher("two")
	require.NoError(t, err)

	sealed, err := c1.Encrypt("value")
	require.NoError(t, err)

	_, err = c2.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCipherRejectsGarbage(t *testing.T) {
	c, err := NewCipher("k")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!")
	assert.Error(t, err)

	_, err = c.Decrypt("AAAA")
	assert.Error(t, err)
}

func TestNewCipherRequiresKey(t *testing.T) {
	_, err := NewCipher("")
	assert.ErrorIs(t, err, ErrNoKey)
}
