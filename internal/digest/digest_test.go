package digest

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citrusdb/citrusdb-go/internal/value"
)

func TestCalculateIsDeterministic(t *testing.T) {
	d1, err := Calculate("s", value.String("k1"))
	require.NoError(t, err)
	d2, err := Calculate("s", value.String("k1"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestCalculateDiffersByKeyType(t *testing.T) {
	dStr, err := Calculate("s", value.String("1"))
	require.NoError(t, err)
	dInt, err := Calculate("s", value.Int(1))
	require.NoError(t, err)
	assert.NotEqual(t, dStr, dInt)
}

func TestCalculateKnownVectorString(t *testing.T) {
	// ripemd160(0x03 (STRING particle type) || "k1"); set is empty so it
	// contributes nothing to the hashed input.
	d, err := Calculate("", value.String("k1"))
	require.NoError(t, err)
	assert.Equal(t, "50149955959c2fef0a83613ae80c78bb9c96b269", hex.EncodeToString(d[:]))
}

func TestCalculateKnownVectorInt(t *testing.T) {
	// ripemd160("s" || 0x01 (INTEGER particle type) || big-endian int64(12345))
	d, err := Calculate("s", value.Int(12345))
	require.NoError(t, err)
	assert.Equal(t, "74e8a449b9c6929153367921c0d2886ede3c07fa", hex.EncodeToString(d[:]))
}

func TestCalculateKnownVectorBlob(t *testing.T) {
	// ripemd160("set1" || 0x04 (BLOB particle type) || 0x01 0x02 0x03 0x04)
	d, err := Calculate("set1", value.Blob([]byte{1, 2, 3, 4}))
	require.NoError(t, err)
	assert.Equal(t, "f71779f002446b8a18754ce172ad0b1be49f465c", hex.EncodeToString(d[:]))
}
