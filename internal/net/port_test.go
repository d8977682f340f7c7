package net

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPorts(t *testing.T) {
	port, err := GetEphemeralTCPPort()
	require.NoError(t, err)
	assert.NoError(t, CheckTCPPortFree(port))

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer l.Close()
	assert.ErrorContains(t, CheckTCPPortFree(port), "in use")

	assert.Error(t, CheckTCPPortFree(0))
	assert.Error(t, CheckTCPPortFree(70000))
}
