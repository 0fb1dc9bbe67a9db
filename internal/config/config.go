// Package config holds the engine's immutable runtime configuration.
// A Config is parsed once at startup and threaded through constructors;
// nothing in the engine reads environment variables after that.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReconnectConfig controls how a driver client recovers from transient
// connection loss before the registry escalates to a full restart.
type ReconnectConfig struct {
	// MaxAttempts is the number of reconnect attempts before giving up.
	MaxAttempts int `json:"maxAttempts"`

	// BackoffMs lists per-attempt delays in milliseconds. Attempts beyond
	// the list length reuse the last entry.
	BackoffMs []int `json:"backoffMs"`
}

// Backoff returns the delay before attempt n (0-based).
func (r ReconnectConfig) Backoff(n int) time.Duration {
	if len(r.BackoffMs) == 0 {
		return 500 * time.Millisecond
	}
	if n >= len(r.BackoffMs) {
		n = len(r.BackoffMs) - 1
	}
	return time.Duration(r.BackoffMs[n]) * time.Millisecond
}

// TimeoutConfig groups the engine's deadline knobs, all in milliseconds.
type TimeoutConfig struct {
	RequestMs   int `json:"requestMs"`   // default RPC request timeout
	StartupMs   int `json:"startupMs"`   // driver port-accept deadline
	StopGraceMs int `json:"stopGraceMs"` // graceful shutdown window per driver
	CleanupMs   int `json:"cleanupMs"`   // global cleanup budget
}

func (t TimeoutConfig) Request() time.Duration   { return time.Duration(t.RequestMs) * time.Millisecond }
func (t TimeoutConfig) Startup() time.Duration   { return time.Duration(t.StartupMs) * time.Millisecond }
func (t TimeoutConfig) StopGrace() time.Duration { return time.Duration(t.StopGraceMs) * time.Millisecond }
func (t TimeoutConfig) Cleanup() time.Duration   { return time.Duration(t.CleanupMs) * time.Millisecond }

// AgentConfig parameterizes the perceive-plan-act loop.
type AgentConfig struct {
	MaxIterations     int    `json:"maxIterations"`
	IterationDelayMs  int    `json:"iterationDelayMs"`
	PauseDurationMs   int    `json:"pauseDurationMs"`
	HistoryWindow     int    `json:"historyWindow"` // iterations shown to the LLM
	FailFastOnCapture bool   `json:"failFastOnCapture"`
	DisplayWidth      int    `json:"displayWidth"`
	DisplayHeight     int    `json:"displayHeight"`
	SystemDriver      string `json:"systemDriver"`
	VisionDriver      string `json:"visionDriver"`
	LLMDriver         string `json:"llmDriver"`
}

func (a AgentConfig) IterationDelay() time.Duration {
	return time.Duration(a.IterationDelayMs) * time.Millisecond
}

func (a AgentConfig) PauseDuration() time.Duration {
	return time.Duration(a.PauseDurationMs) * time.Millisecond
}

// Config is the top-level engine configuration.
type Config struct {
	// SearchPaths are directories scanned one level deep for driver
	// manifests. RUNIX_DRIVER_DIR is appended when set.
	SearchPaths []string `json:"searchPaths"`

	// OutputRoot is where per-session artifact directories are created.
	OutputRoot string `json:"outputRoot"`

	// IndexPath is the SQLite session index location. Empty disables it.
	IndexPath string `json:"indexPath"`

	// DriverLogLevel is forwarded to children via RUNIX_DRIVER_LOG_LEVEL.
	DriverLogLevel string `json:"driverLogLevel"`

	// DriverPortBase, when non-zero, allocates driver ports sequentially
	// starting at this value instead of asking the OS for ephemeral ports.
	// Useful for firewalled or containerized setups with a fixed range.
	DriverPortBase int `json:"driverPortBase"`

	// Drivers maps driver id to the opaque config blob passed to that
	// driver's initialize call. The engine never inspects the contents.
	Drivers map[string]json.RawMessage `json:"drivers"`

	Reconnect ReconnectConfig `json:"reconnect"`
	Timeouts  TimeoutConfig   `json:"timeouts"`
	Agent     AgentConfig     `json:"agent"`

	// StopOnFailure halts a scenario at its first failing step.
	StopOnFailure bool `json:"stopOnFailure"`
}

// Default returns the engine defaults.
func Default() *Config {
	return &Config{
		SearchPaths:    []string{"drivers"},
		OutputRoot:     "output",
		DriverLogLevel: "info",
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			BackoffMs:   []int{500, 1000, 2000},
		},
		Timeouts: TimeoutConfig{
			RequestMs:   30_000,
			StartupMs:   10_000,
			StopGraceMs: 5_000,
			CleanupMs:   10_000,
		},
		Agent: AgentConfig{
			MaxIterations:    25,
			IterationDelayMs: 1_000,
			PauseDurationMs:  5_000,
			HistoryWindow:    2,
			DisplayWidth:     1920,
			DisplayHeight:    1080,
			SystemDriver:     "system",
			VisionDriver:     "vision",
			LLMDriver:        "llm",
		},
	}
}

// Parse loads the config file named by RUNIX_CONFIG (default "runix.json")
// on top of Default and applies the RUNIX_DRIVER_DIR override. A missing
// default file is not an error; a missing explicit file is.
func Parse() (*Config, error) {
	path := os.Getenv("RUNIX_CONFIG")
	explicit := path != ""
	if path == "" {
		path = "runix.json"
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if dir := os.Getenv("RUNIX_DRIVER_DIR"); dir != "" {
		cfg.SearchPaths = append(cfg.SearchPaths, dir)
	}

	return cfg, nil
}
