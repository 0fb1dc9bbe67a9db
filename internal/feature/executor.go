package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebastianm/runix/internal/driver"
	"github.com/sebastianm/runix/internal/steps"
)

// Status of a step or scenario.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ErrorDetail is the structured error surfaced in results.
type ErrorDetail struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Details  json.RawMessage `json:"details,omitempty"`
	DriverID string          `json:"driverId,omitempty"`
}

// StepResult records one executed (or skipped) step.
type StepResult struct {
	Text     string          `json:"text"`
	DriverID string          `json:"driverId,omitempty"`
	Action   string          `json:"action,omitempty"`
	Status   Status          `json:"status"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// ScenarioResult aggregates a scenario's step results.
type ScenarioResult struct {
	Name   string       `json:"name"`
	Status Status       `json:"status"`
	Steps  []StepResult `json:"steps"`
}

// Failed reports whether any scenario failed.
func Failed(results []ScenarioResult) bool {
	for _, r := range results {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// StepNotFoundError marks an unresolvable step; the CLI maps it to its own
// exit code.
type StepNotFoundError struct {
	Scenario string
	NoMatch  *steps.NoMatchError
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("scenario %q: %v", e.Scenario, e.NoMatch)
}

func (e *StepNotFoundError) Unwrap() error { return e.NoMatch }

// Resolver routes step text to a driver action.
type Resolver interface {
	Resolve(stepText string) (steps.Resolution, error)
}

// DriverSource yields live driver clients; the registry implements it.
type DriverSource interface {
	Instance(ctx context.Context, id string) (*driver.Client, error)
}

// Options tunes executor behavior.
type Options struct {
	// StopOnFailure halts a scenario at its first failing step instead of
	// recording the failure and continuing.
	StopOnFailure bool

	// StepTimeout bounds each execute call; zero uses the client default.
	StepTimeout time.Duration
}

// Executor walks a feature scenario by scenario. It is single-threaded per
// scenario; callers may run distinct features in parallel.
type Executor struct {
	log     *slog.Logger
	router  Resolver
	drivers DriverSource
	opts    Options
}

// NewExecutor wires the executor's collaborators.
func NewExecutor(log *slog.Logger, router Resolver, drivers DriverSource, opts Options) *Executor {
	return &Executor{
		log:     log.With("component", "executor"),
		router:  router,
		drivers: drivers,
		opts:    opts,
	}
}

// Run executes every scenario in order and returns their results. A
// resolution failure aborts the run with StepNotFoundError; execution
// failures are recorded in the results instead.
func (e *Executor) Run(ctx context.Context, f *Feature) ([]ScenarioResult, error) {
	results := make([]ScenarioResult, 0, len(f.Scenarios))
	for _, scenario := range f.Scenarios {
		res, err := e.runScenario(ctx, scenario)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) runScenario(ctx context.Context, s Scenario) (ScenarioResult, error) {
	result := ScenarioResult{Name: s.Name, Status: StatusPassed}
	halted := false

	for _, text := range s.Steps {
		if halted {
			result.Steps = append(result.Steps, StepResult{Text: text, Status: StatusSkipped})
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		step, err := e.runStep(ctx, text)
		if err != nil {
			var notFound *StepNotFoundError
			if errors.As(err, &notFound) {
				notFound.Scenario = s.Name
			}
			result.Status = StatusFailed
			result.Steps = append(result.Steps, step)
			return result, err
		}
		result.Steps = append(result.Steps, step)
		if step.Status == StatusFailed {
			result.Status = StatusFailed
			if e.opts.StopOnFailure {
				halted = true
			}
		}
	}
	return result, nil
}

// runStep resolves and executes one step. A resolution failure returns a
// StepNotFoundError alongside the failed step; execution failures are
// recorded in the step only.
func (e *Executor) runStep(ctx context.Context, text string) (StepResult, error) {
	start := time.Now()
	step := StepResult{Text: text, Status: StatusFailed}
	defer func() { step.Duration = time.Since(start) }()

	res, err := e.router.Resolve(text)
	if err != nil {
		var noMatch *steps.NoMatchError
		if errors.As(err, &noMatch) {
			step.Error = &ErrorDetail{Code: 404, Message: noMatch.Error()}
			return step, &StepNotFoundError{NoMatch: noMatch}
		}
		step.Error = &ErrorDetail{Code: 500, Message: err.Error()}
		return step, nil
	}
	step.DriverID = res.DriverID
	step.Action = res.Action

	client, err := e.drivers.Instance(ctx, res.DriverID)
	if err != nil {
		step.Error = &ErrorDetail{Code: 503, Message: err.Error(), DriverID: res.DriverID}
		return step, nil
	}

	exec, err := client.Execute(ctx, res.Action, res.Args, e.opts.StepTimeout)
	if err != nil {
		step.Error = &ErrorDetail{Code: 503, Message: err.Error(), DriverID: res.DriverID}
		return step, nil
	}
	if !exec.Success {
		// Driver error propagated verbatim; the executor never retries.
		step.Error = &ErrorDetail{
			Code:     exec.Error.Code,
			Message:  exec.Error.Message,
			Details:  exec.Error.Details,
			DriverID: res.DriverID,
		}
		return step, nil
	}

	step.Status = StatusPassed
	step.Data = exec.Data
	e.log.Debug("step passed", "step", text, "driver", res.DriverID, "action", res.Action)
	return step, nil
}
