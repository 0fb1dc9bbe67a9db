package portutil

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve_ReturnsUsablePort(t *testing.T) {
	port, err := Reserve()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 1024)
	assert.LessOrEqual(t, port, 65535)

	// The port must be free to bind after Reserve returns.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	l.Close()
}

func TestReserve_DistinctPortsForConcurrentCalls(t *testing.T) {
	// Hold the first port open while reserving the second so the OS
	// cannot hand out the same port twice.
	first, err := Reserve()
	require.NoError(t, err)
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", first))
	require.NoError(t, err)
	defer l.Close()

	second, err := Reserve()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestReserveFrom_SkipsBusyPort(t *testing.T) {
	base, err := Reserve()
	require.NoError(t, err)
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base))
	require.NoError(t, err)
	defer l.Close()

	port, err := ReserveFrom(base, 5)
	require.NoError(t, err)
	assert.NotEqual(t, base, port)
}
