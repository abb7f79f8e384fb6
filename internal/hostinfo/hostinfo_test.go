package hostinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	h, err := Collect()
	require.NoError(t, err)
	assert.NotEmpty(t, h.Hostname)
	assert.Positive(t, h.CPUCores)
}
