//go:build !windows

package driver_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/runix/internal/driver"
	"github.com/sebastianm/runix/internal/drivertest"
)

// TestMain doubles as a fake driver executable: supervisor tests write a
// wrapper script that re-execs this test binary with RUNIX_TEST_DRIVER set,
// so spawning needs no separately built binary.
func TestMain(m *testing.M) {
	if os.Getenv("RUNIX_TEST_DRIVER") == "1" {
		runFakeDriver()
		return
	}
	os.Exit(m.Run())
}

func runFakeDriver() {
	port, err := strconv.Atoi(os.Getenv(driver.EnvPort))
	if err != nil {
		fmt.Fprintln(os.Stderr, "missing driver port:", err)
		os.Exit(1)
	}
	fmt.Println("fake driver booting")
	srv := drivertest.New(driver.Capabilities{
		Name:       "fake",
		Version:    "0.0.1",
		InstanceID: os.Getenv(driver.EnvInstanceID),
	})
	if _, err := srv.Start(port); err != nil {
		fmt.Fprintln(os.Stderr, "listen failed:", err)
		os.Exit(1)
	}
	select {} // run until killed
}

// writeDriverDir lays out a driver directory whose executable is a script.
func writeDriverDir(t *testing.T, name, script string) string {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(exe, []byte(script), 0o755))
	manifest := fmt.Sprintf(`{
		"name": %q,
		"version": "1.0.0",
		"executable": "run.sh",
		"transport": "websocket"
	}`, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, driver.ManifestFilename), []byte(manifest), 0o644))
	return dir
}

// fakeDriverScript re-execs the running test binary as a fake driver.
func fakeDriverScript(t *testing.T) string {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return fmt.Sprintf("#!/bin/sh\nRUNIX_TEST_DRIVER=1 exec %q\n", self)
}

func TestSupervisorStartConnectKill(t *testing.T) {
	dir := writeDriverDir(t, "fake", fakeDriverScript(t))
	m, err := driver.LoadManifest(dir)
	require.NoError(t, err)

	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{StartupTimeout: 15 * time.Second})
	t.Cleanup(sup.KillAll)

	info, err := sup.Start(context.Background(), "fake", m)
	require.NoError(t, err)
	assert.NotZero(t, info.PID)
	assert.NotEmpty(t, info.InstanceID)
	assert.True(t, sup.IsAlive("fake"))

	// The child inherited the reserved port and instance id through the
	// environment; the handshake proves it.
	c := driver.NewClient(testLogger(), "fake", info.Port, driver.ClientOptions{}, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info.InstanceID, caps.InstanceID)

	sup.Kill("fake")
	assert.False(t, sup.IsAlive("fake"))
	assert.Empty(t, sup.Processes())
}

func TestSupervisorStartupTimeout(t *testing.T) {
	dir := writeDriverDir(t, "stuck", "#!/bin/sh\necho booting but never listening\nsleep 30\n")
	m, err := driver.LoadManifest(dir)
	require.NoError(t, err)

	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{StartupTimeout: 500 * time.Millisecond})
	t.Cleanup(sup.KillAll)

	_, err = sup.Start(context.Background(), "stuck", m)
	require.Error(t, err)
	var startupErr *driver.StartupError
	require.True(t, errors.As(err, &startupErr))
	assert.Equal(t, "stuck", startupErr.DriverID)
	assert.Contains(t, startupErr.StdioTail, "never listening")
	assert.False(t, sup.IsAlive("stuck"))
}

func TestSupervisorProcessExitsBeforeAccepting(t *testing.T) {
	dir := writeDriverDir(t, "crash", "#!/bin/sh\necho missing dependency >&2\nexit 1\n")
	m, err := driver.LoadManifest(dir)
	require.NoError(t, err)

	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{StartupTimeout: 5 * time.Second})
	_, err = sup.Start(context.Background(), "crash", m)
	require.Error(t, err)
	var startupErr *driver.StartupError
	require.True(t, errors.As(err, &startupErr))
	assert.Contains(t, startupErr.StdioTail, "missing dependency")
}

func TestSupervisorRejectsUnstartableManifest(t *testing.T) {
	dir := writeDriverDir(t, "stdio-only", "#!/bin/sh\n")
	m, err := driver.LoadManifest(dir)
	require.NoError(t, err)
	m.Transport = "stdio"

	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{})
	_, err = sup.Start(context.Background(), "stdio-only", m)
	require.Error(t, err)
	var startupErr *driver.StartupError
	require.True(t, errors.As(err, &startupErr))
	assert.Contains(t, startupErr.Reason, "unsupported transport")
}

func TestSupervisorRejectsDoubleStart(t *testing.T) {
	dir := writeDriverDir(t, "fake", fakeDriverScript(t))
	m, err := driver.LoadManifest(dir)
	require.NoError(t, err)

	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{StartupTimeout: 15 * time.Second})
	t.Cleanup(sup.KillAll)

	_, err = sup.Start(context.Background(), "fake", m)
	require.NoError(t, err)
	_, err = sup.Start(context.Background(), "fake", m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestSupervisorPortBaseAllocatesSequentially(t *testing.T) {
	const base = 42650
	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{
		StartupTimeout: 15 * time.Second,
		PortBase:       base,
	})
	t.Cleanup(sup.KillAll)

	ports := map[int]bool{}
	for _, id := range []string{"one", "two"} {
		dir := writeDriverDir(t, id, fakeDriverScript(t))
		m, err := driver.LoadManifest(dir)
		require.NoError(t, err)
		info, err := sup.Start(context.Background(), id, m)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, info.Port, base)
		assert.Less(t, info.Port, base+100)
		ports[info.Port] = true
	}
	assert.Len(t, ports, 2)
}

func TestSupervisorKillAll(t *testing.T) {
	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{StartupTimeout: 15 * time.Second})

	for _, id := range []string{"one", "two"} {
		dir := writeDriverDir(t, id, fakeDriverScript(t))
		m, err := driver.LoadManifest(dir)
		require.NoError(t, err)
		_, err = sup.Start(context.Background(), id, m)
		require.NoError(t, err)
	}
	require.Len(t, sup.Processes(), 2)

	sup.KillAll()
	assert.Empty(t, sup.Processes())
	assert.False(t, sup.IsAlive("one"))
	assert.False(t, sup.IsAlive("two"))
}

func TestSupervisorStopEscalates(t *testing.T) {
	// The fake driver never exits voluntarily, so Stop must walk the
	// SIGTERM path.
	dir := writeDriverDir(t, "fake", fakeDriverScript(t))
	m, err := driver.LoadManifest(dir)
	require.NoError(t, err)

	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{StartupTimeout: 15 * time.Second})
	_, err = sup.Start(context.Background(), "fake", m)
	require.NoError(t, err)

	require.NoError(t, sup.Stop("fake", 100*time.Millisecond))
	assert.False(t, sup.IsAlive("fake"))
	assert.Empty(t, sup.Processes())
}
