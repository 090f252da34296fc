package logschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	err := Validate("snapshot_loaded", map[string]interface{}{
		"consumer": "chart",
		"symbol":   "ESM4",
		"bars":     120,
	})
	require.NoError(t, err)

	err = Validate("snapshot_loaded", map[string]interface{}{"consumer": "chart"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol,bars")

	assert.NoError(t, Validate("not_registered", nil))
}

func TestKnownEvents(t *testing.T) {
	names := Known()
	require.NotEmpty(t, names)
	assert.Contains(t, names, "stream_closed")
	assert.IsIncreasing(t, names)
}
