//go:build !windows

package registry_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/runix/internal/config"
	"github.com/sebastianm/runix/internal/driver"
	"github.com/sebastianm/runix/internal/drivertest"
	"github.com/sebastianm/runix/internal/registry"
)

// TestMain doubles as a fake driver executable, re-exec'd through a shell
// wrapper so the registry spawns real child processes.
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
		os.Exit(1)
	}
	srv := drivertest.New(driver.Capabilities{Name: "fake", Version: "0.0.1"})
	if raw := os.Getenv("RUNIX_TEST_STEPS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &srv.Steps); err != nil {
			os.Exit(1)
		}
	}
	if _, err := srv.Start(port); err != nil {
		os.Exit(1)
	}
	select {}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timeouts.StartupMs = 15_000
	cfg.Timeouts.StopGraceMs = 200
	cfg.Reconnect = config.ReconnectConfig{MaxAttempts: 2, BackoffMs: []int{10}}
	return cfg
}

// writeDriver lays out <root>/<id>/ with a manifest and a wrapper script
// that re-execs this test binary as a fake driver.
func writeDriver(t *testing.T, root, id string, steps []driver.StepDefinition) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	self, err := os.Executable()
	require.NoError(t, err)
	script := fmt.Sprintf("#!/bin/sh\nRUNIX_TEST_DRIVER=1 exec %q\n", self)
	if steps != nil {
		raw, err := json.Marshal(steps)
		require.NoError(t, err)
		script = fmt.Sprintf("#!/bin/sh\nRUNIX_TEST_DRIVER=1 RUNIX_TEST_STEPS='%s' exec %q\n", raw, self)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))

	manifest := fmt.Sprintf(`{
		"name": %q,
		"version": "1.0.0",
		"executable": "run.sh",
		"transport": "websocket"
	}`, id)
	require.NoError(t, os.WriteFile(filepath.Join(dir, driver.ManifestFilename), []byte(manifest), 0o644))
}

func newRegistry(t *testing.T, sink registry.StepSink) (*registry.Registry, *driver.Supervisor) {
	t.Helper()
	sup := driver.NewSupervisor(testLogger(), driver.SupervisorOptions{StartupTimeout: 15 * time.Second})
	t.Cleanup(sup.KillAll)
	return registry.New(testLogger(), testConfig(), sup, sink), sup
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeDriver(t, root, "web", nil)
	writeDriver(t, root, "desktop", nil)

	// Invalid manifest: collected, not fatal.
	broken := filepath.Join(root, "broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, driver.ManifestFilename), []byte(`{"name":`), 0o644))

	// No manifest: silently skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-driver"), 0o755))
	// Plain file at the top level: ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("drivers"), 0o644))

	reg, _ := newRegistry(t, nil)
	require.NoError(t, reg.Discover([]string{root, filepath.Join(root, "missing-path")}))

	records := reg.List()
	require.Len(t, records, 2)
	assert.Equal(t, "desktop", records[0].ID)
	assert.Equal(t, "web", records[1].ID)
	assert.Equal(t, driver.StateDiscovered, records[0].State)

	invalid := reg.InvalidManifests()
	require.Len(t, invalid, 1)
	assert.Contains(t, invalid[0].Dir, "broken")

	assert.Equal(t, []string{"desktop", "web"}, reg.Order())
}

func TestDiscoverIdempotent(t *testing.T) {
	root := t.TempDir()
	writeDriver(t, root, "web", nil)

	reg, _ := newRegistry(t, nil)
	require.NoError(t, reg.Discover([]string{root}))
	client, err := reg.Instance(context.Background(), "web")
	require.NoError(t, err)

	// Rediscovery must not disturb the running driver.
	require.NoError(t, reg.Discover([]string{root}))
	rec, ok := reg.Get("web")
	require.True(t, ok)
	assert.Equal(t, driver.StateReady, rec.State)

	again, err := reg.Instance(context.Background(), "web")
	require.NoError(t, err)
	assert.Same(t, client, again)
}

func TestInstanceStartsOnDemand(t *testing.T) {
	root := t.TempDir()
	writeDriver(t, root, "web", nil)

	reg, _ := newRegistry(t, nil)
	require.NoError(t, reg.Discover([]string{root}))

	rec, ok := reg.Get("web")
	require.True(t, ok)
	require.Equal(t, driver.StateDiscovered, rec.State)

	client, err := reg.Instance(context.Background(), "web")
	require.NoError(t, err)
	require.NotNil(t, client)

	rec, _ = reg.Get("web")
	assert.Equal(t, driver.StateReady, rec.State)
	assert.NotZero(t, rec.PID)
	assert.NotZero(t, rec.Port)
	assert.NotEmpty(t, rec.InstanceID)

	caps, err := client.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", caps.Name)
}

func TestInstanceUnknownDriver(t *testing.T) {
	reg, _ := newRegistry(t, nil)
	_, err := reg.Instance(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestInstanceRestartsDeadDriver(t *testing.T) {
	root := t.TempDir()
	writeDriver(t, root, "web", nil)

	reg, sup := newRegistry(t, nil)
	require.NoError(t, reg.Discover([]string{root}))

	first, err := reg.Instance(context.Background(), "web")
	require.NoError(t, err)
	firstRec, _ := reg.Get("web")

	// Kill the child out from under the registry; the client notices the
	// transport loss and the next Instance call starts a new generation.
	sup.Kill("web")
	require.Eventually(t, func() bool { return !first.Connected() }, 2*time.Second, 10*time.Millisecond)

	second, err := reg.Instance(context.Background(), "web")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	secondRec, _ := reg.Get("web")
	assert.Equal(t, driver.StateReady, secondRec.State)
	assert.NotEqual(t, firstRec.InstanceID, secondRec.InstanceID)

	caps, err := second.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", caps.Name)
}

func TestInstanceConcurrentCallersShareOneSpawn(t *testing.T) {
	root := t.TempDir()
	writeDriver(t, root, "web", nil)

	reg, _ := newRegistry(t, nil)
	require.NoError(t, reg.Discover([]string{root}))

	const callers = 8
	clients := make([]*driver.Client, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.Instance(context.Background(), "web")
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, clients[0], clients[i])
	}
}

func TestConcurrentStartsGetDistinctPorts(t *testing.T) {
	root := t.TempDir()
	writeDriver(t, root, "alpha", nil)
	writeDriver(t, root, "beta", nil)

	reg, _ := newRegistry(t, nil)
	require.NoError(t, reg.Discover([]string{root}))

	var wg sync.WaitGroup
	for _, id := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := reg.Instance(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	alpha, _ := reg.Get("alpha")
	beta, _ := reg.Get("beta")
	assert.NotEqual(t, alpha.Port, beta.Port)
	assert.NotEqual(t, alpha.InstanceID, beta.InstanceID)
}

type sinkRecorder struct {
	mu    sync.Mutex
	steps map[string][]driver.StepDefinition
}

func (s *sinkRecorder) RegisterSteps(driverID string, defs []driver.StepDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps == nil {
		s.steps = map[string][]driver.StepDefinition{}
	}
	s.steps[driverID] = defs
	return nil
}

func TestStartRegistersIntrospectedSteps(t *testing.T) {
	root := t.TempDir()
	writeDriver(t, root, "web", []driver.StepDefinition{
		{ID: "nav", Pattern: "I navigate to {string}", Action: "navigate"},
	})

	sink := &sinkRecorder{}
	reg, _ := newRegistry(t, sink)
	require.NoError(t, reg.Discover([]string{root}))

	_, err := reg.Instance(context.Background(), "web")
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.steps["web"], 1)
	assert.Equal(t, "navigate", sink.steps["web"][0].Action)
}

func TestStopAll(t *testing.T) {
	root := t.TempDir()
	writeDriver(t, root, "web", nil)
	writeDriver(t, root, "desktop", nil)

	reg, sup := newRegistry(t, nil)
	require.NoError(t, reg.Discover([]string{root}))

	_, err := reg.Instance(context.Background(), "web")
	require.NoError(t, err)
	_, err = reg.Instance(context.Background(), "desktop")
	require.NoError(t, err)

	reg.StopAll(context.Background())

	for _, id := range []string{"web", "desktop"} {
		rec, _ := reg.Get(id)
		assert.Equal(t, driver.StateStopped, rec.State)
		assert.False(t, sup.IsAlive(id))
	}
}

func TestStartFailureRecordsError(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "crash")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\nexit 1\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, driver.ManifestFilename), []byte(`{
		"name": "crash", "version": "1.0.0", "executable": "run.sh", "transport": "websocket"
	}`), 0o644))

	reg, _ := newRegistry(t, nil)
	require.NoError(t, reg.Discover([]string{root}))

	_, err := reg.Instance(context.Background(), "crash")
	require.Error(t, err)

	rec, _ := reg.Get("crash")
	assert.Equal(t, driver.StateStopped, rec.State)
	assert.NotEmpty(t, rec.LastError)
}
