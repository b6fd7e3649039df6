package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := IssueToken("test-secret", "device-123", time.Hour)
	require.NoError(t, err)

	deviceID, err := ParseToken("test-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "device-123", deviceID)
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := IssueToken("test-secret", "device-123", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken("other-secret", token)
	assert.Error(t, err)
}

func TestParseTokenExpired(t *testing.T) {
	token, err := IssueToken("test-secret", "device-123", time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = ParseToken("test-secret", token)
	assert.Error(t, err)
}

func TestIssueTokenValidation(t *testing.T) {
	_, err := IssueToken("", "device-123", time.Hour)
	assert.Error(t, err)

	_, err = IssueToken("secret", " ", time.Hour)
	assert.Error(t, err)
}

func TestPairingCode(t *testing.T) {
	hash, err := HashPairingCode("open-sesame")
	require.NoError(t, err)

	assert.NoError(t, CheckPairingCode(hash, "open-sesame"))
	assert.Error(t, CheckPairingCode(hash, "wrong"))

	_, err = HashPairingCode("  ")
	assert.Error(t, err)
}
