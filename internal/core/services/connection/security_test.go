package connection

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePSK_KnownVector(t *testing.T) {
	// PBKDF2-SHA1 test vector from IEEE 802.11i Annex H.4.
	psk, err := DerivePSK("IEEE", "password")
	require.NoError(t, err)
	assert.Equal(t,
		"f42c6fc52df0ebef9ebb4b90b38a5f902e83fe1b135a70e23aed762e9710a12e",
		hex.EncodeToString(psk))
}

func TestDerivePSK_PassphraseBounds(t *testing.T) {
	_, err := DerivePSK("net", "short")
	assert.Error(t, err)

	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	_, err = DerivePSK("net", string(long))
	assert.Error(t, err)

	_, err = DerivePSK("", "longenough")
	assert.Error(t, err)

	psk, err := DerivePSK("net", "12345678")
	require.NoError(t, err)
	assert.Len(t, psk, 32)
}
