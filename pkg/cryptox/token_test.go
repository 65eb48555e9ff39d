package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintToken(t *testing.T) {
	t.Parallel()

	fp1a := FingerprintToken("test-token-1")
	fp1b := FingerprintToken("test-token-1")
	fp2 := FingerprintToken("test-token-2")

	require.Equal(t, fp1a, fp1b, "fingerprint should be deterministic")
	require.NotEqual(t, fp1a, fp2)

	// 8 bytes of SHA-256, unpadded base64url.
	require.Len(t, fp1a, 11)
	require.NotContains(t, fp1a, "test-token")
}

func TestFingerprintToken_Empty(t *testing.T) {
	t.Parallel()

	require.Empty(t, FingerprintToken(""))
}
