package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortRanges(t *testing.T) {
	got, err := ParsePortRanges("1735-1745, 3300 ,5800-5820")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, PortRange{Lo: 1735, Hi: 1745}, got[0])
	assert.Equal(t, PortRange{Lo: 3300, Hi: 3300}, got[1])
	assert.Equal(t, PortRange{Lo: 5800, Hi: 5820}, got[2])

	assert.True(t, got[0].Contains(1740))
	assert.False(t, got[0].Contains(1746))
	assert.Equal(t, "1735-1745", got[0].String())
	assert.Equal(t, "3300", got[1].String())
}

func TestParsePortRangesRejectsGarbage(t *testing.T) {
	for _, s := range []string{"abc", "10-", "-10", "20-10"} {
		_, err := ParsePortRanges(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestGetEphemeralTCPPort(t *testing.T) {
	port, err := GetEphemeralTCPPort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}
