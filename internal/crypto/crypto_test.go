package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret("venue-secret", "hunter2")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "venue-secret", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	_, err = LoadSecret(SecretConfig{})
	assert.Error(t, err)
}

func TestHMACHeaders(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: "s"}
	h := auth.HeadersAt("GET", "/orders/1", "", 1700000000000)

	assert.Equal(t, "k", h[HeaderAPIKey])
	assert.Equal(t, "1700000000000", h[HeaderTimestamp])
	assert.Len(t, h[HeaderSignature], 64)
	assert.True(t, auth.Verify("GET", "/orders/1", "", h[HeaderTimestamp], h[HeaderSignature]))
	assert.False(t, auth.Verify("POST", "/orders/1", "", h[HeaderTimestamp], h[HeaderSignature]))
	assert.Equal(t, "HMACAuth{key=****, secret=****}", auth.String())
}
