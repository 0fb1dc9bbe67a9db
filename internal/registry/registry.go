// Package registry discovers driver manifests on disk, starts drivers on
// demand through the supervisor, and hands out shared driver clients.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sebastianm/runix/internal/config"
	"github.com/sebastianm/runix/internal/driver"
)

// DiscoveryError records a manifest that could not be loaded. Collected,
// surfaced via InvalidManifests, never fatal.
type DiscoveryError struct {
	Dir string
	Err error
}

func (e DiscoveryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dir, e.Err)
}

// StepSink receives introspected step tables as drivers come up. The step
// router implements it.
type StepSink interface {
	RegisterSteps(driverID string, defs []driver.StepDefinition) error
}

// Registry owns every driver record and the sole reference to each live
// client. Callers must not close clients they obtain here.
type Registry struct {
	log  *slog.Logger
	cfg  *config.Config
	sup  *driver.Supervisor
	sink StepSink

	mu      sync.Mutex
	records map[string]*driver.Record
	invalid []DiscoveryError
	startMu map[string]*sync.Mutex // per-id, guards spawn races
}

// New builds an empty registry. sink may be nil.
func New(log *slog.Logger, cfg *config.Config, sup *driver.Supervisor, sink StepSink) *Registry {
	return &Registry{
		log:     log.With("component", "registry"),
		cfg:     cfg,
		sup:     sup,
		sink:    sink,
		records: map[string]*driver.Record{},
		startMu: map[string]*sync.Mutex{},
	}
}

// Discover scans each search path one directory deep for subdirectories
// containing a manifest. Invalid manifests are collected, not thrown.
// Idempotent: known ids keep their record and state.
func (r *Registry) Discover(searchPaths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalid = nil

	for _, root := range searchPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			r.invalid = append(r.invalid, DiscoveryError{Dir: root, Err: err})
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			if _, err := os.Stat(filepath.Join(dir, driver.ManifestFilename)); err != nil {
				continue
			}
			m, err := driver.LoadManifest(dir)
			if err != nil {
				r.invalid = append(r.invalid, DiscoveryError{Dir: dir, Err: err})
				continue
			}
			if existing, ok := r.records[m.Name]; ok {
				// Rediscovery refreshes the manifest but never disturbs a
				// running driver.
				existing.Manifest = m
				continue
			}
			r.records[m.Name] = &driver.Record{
				ID:       m.Name,
				Manifest: m,
				State:    driver.StateDiscovered,
			}
			r.log.Info("driver discovered", "driver", m.Name, "version", m.Version, "dir", dir)
		}
	}
	return nil
}

// InvalidManifests returns the non-fatal discovery errors of the last scan.
func (r *Registry) InvalidManifests() []DiscoveryError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DiscoveryError(nil), r.invalid...)
}

// List returns point-in-time copies of every record, in stable order.
func (r *Registry) List() []driver.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]driver.Record, 0, len(r.records))
	for _, id := range r.orderLocked() {
		out = append(out, *r.records[id])
	}
	return out
}

// Order returns the stable driver id order: sorted lexicographically, so
// resolution tie-breaks are independent of discovery sequence.
func (r *Registry) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderLocked()
}

func (r *Registry) orderLocked() []string {
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of one record.
func (r *Registry) Get(id string) (driver.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return driver.Record{}, false
	}
	return *rec, true
}

// Instance returns the Ready client for id, starting (or restarting) the
// driver if needed. Concurrent callers for the same id serialize on a
// per-id mutex so only one spawn happens.
func (r *Registry) Instance(ctx context.Context, id string) (*driver.Client, error) {
	startMu := r.startMutex(id)
	startMu.Lock()
	defer startMu.Unlock()

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("unknown driver %q", id)
	}
	state := rec.State
	client := rec.Client
	r.mu.Unlock()

	if state == driver.StateReady && client != nil && client.Connected() {
		return client, nil
	}

	// Unhealthy or half-dead: tear the old generation down first.
	if client != nil {
		client.Close()
		r.sup.Kill(id)
	}

	return r.startLocked(ctx, id)
}

// startLocked runs the full start sequence for one driver. The per-id
// start mutex is held by the caller.
func (r *Registry) startLocked(ctx context.Context, id string) (*driver.Client, error) {
	r.mu.Lock()
	rec := r.records[id]
	m := rec.Manifest
	rec.State = driver.StateStarting
	rec.Client = nil
	r.mu.Unlock()

	fail := func(err error) (*driver.Client, error) {
		r.mu.Lock()
		rec.State = driver.StateStopped
		rec.LastError = err.Error()
		rec.Client = nil
		r.mu.Unlock()
		return nil, err
	}

	info, err := r.sup.Start(ctx, id, m)
	if err != nil {
		return fail(err)
	}

	client := driver.NewClient(r.log, id, info.Port, driver.ClientOptions{
		RequestTimeout:    r.cfg.Timeouts.Request(),
		ConnectTimeout:    r.cfg.Timeouts.Startup(),
		ReconnectAttempts: r.cfg.Reconnect.MaxAttempts,
		ReconnectBackoff:  r.cfg.Reconnect.Backoff,
	}, func(cause error) {
		r.markUnhealthy(id, cause)
	})

	if err := client.Connect(ctx); err != nil {
		r.sup.Kill(id)
		return fail(fmt.Errorf("connecting to driver %s: %w", id, err))
	}

	caps, err := client.Capabilities(ctx)
	if err != nil {
		client.Close()
		r.sup.Kill(id)
		return fail(fmt.Errorf("capabilities handshake with %s: %w", id, err))
	}
	r.log.Info("driver handshake complete", "driver", id, "name", caps.Name, "version", caps.Version)

	if err := client.Initialize(ctx, r.cfg.Drivers[id]); err != nil {
		client.Close()
		r.sup.Kill(id)
		return fail(fmt.Errorf("initializing driver %s: %w", id, err))
	}

	steps, err := client.IntrospectSteps(ctx)
	if err != nil {
		// Drivers without introspection still serve execute; log and move on.
		r.log.Debug("driver introspection unavailable", "driver", id, "error", err)
		steps = m.Steps
	}
	if r.sink != nil && len(steps) > 0 {
		if err := r.sink.RegisterSteps(id, steps); err != nil {
			client.Close()
			r.sup.Kill(id)
			return fail(fmt.Errorf("registering steps for %s: %w", id, err))
		}
	}

	r.mu.Lock()
	rec.State = driver.StateReady
	rec.PID = info.PID
	rec.Port = info.Port
	rec.InstanceID = info.InstanceID
	rec.Client = client
	rec.LastError = ""
	r.mu.Unlock()

	return client, nil
}

func (r *Registry) markUnhealthy(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.State != driver.StateReady {
		return
	}
	rec.State = driver.StateUnhealthy
	rec.LastError = cause.Error()
	r.log.Warn("driver marked unhealthy", "driver", id, "error", cause)
}

func (r *Registry) startMutex(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.startMu[id]
	if !ok {
		mu = &sync.Mutex{}
		r.startMu[id] = mu
	}
	return mu
}

// StopAll shuts every running driver down: shutdown RPC, grace wait, then
// escalating signals via the supervisor.
func (r *Registry) StopAll(ctx context.Context) {
	for _, id := range r.Order() {
		r.mu.Lock()
		rec := r.records[id]
		client := rec.Client
		running := rec.State == driver.StateReady || rec.State == driver.StateUnhealthy
		if running {
			rec.State = driver.StateStopping
		}
		r.mu.Unlock()
		if !running {
			continue
		}

		if client != nil {
			if err := client.Shutdown(ctx); err != nil {
				r.log.Debug("driver shutdown call failed", "driver", id, "error", err)
			}
		}
		_ = r.sup.Stop(id, r.cfg.Timeouts.StopGrace())

		r.mu.Lock()
		rec.State = driver.StateStopped
		rec.Client = nil
		r.mu.Unlock()
		r.log.Info("driver stopped", "driver", id)
	}
}
