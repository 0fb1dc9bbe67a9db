package feature_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/runix/internal/driver"
	"github.com/sebastianm/runix/internal/driver/rpc"
	"github.com/sebastianm/runix/internal/drivertest"
	"github.com/sebastianm/runix/internal/feature"
	"github.com/sebastianm/runix/internal/steps"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource map[string]*driver.Client

func (s fakeSource) Instance(_ context.Context, id string) (*driver.Client, error) {
	c, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("no driver %q", id)
	}
	return c, nil
}

func startDriver(t *testing.T, id string, setup func(*drivertest.Server)) *driver.Client {
	t.Helper()
	srv := drivertest.New(driver.Capabilities{Name: id, Version: "1.0.0"})
	if setup != nil {
		setup(srv)
	}
	port, err := srv.Start(0)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	c := driver.NewClient(testLogger(), id, port, driver.ClientOptions{RequestTimeout: 5 * time.Second}, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func echoSetup(s *drivertest.Server) {
	s.Handle("echo", func(args []any) (any, *rpc.ErrorInfo) {
		return map[string]any{"echoed": args}, nil
	})
	s.Handle("boom", func(args []any) (any, *rpc.ErrorInfo) {
		return nil, &rpc.ErrorInfo{Code: 500, Message: "deliberate failure"}
	})
}

func echoRouter(t *testing.T) *steps.Router {
	t.Helper()
	r := steps.NewRouter(testLogger(), nil)
	require.NoError(t, r.RegisterSteps("echo", []driver.StepDefinition{
		{ID: "echo", Pattern: `I echo {string}`, Action: "echo"},
		{ID: "boom", Pattern: `I trigger a failure`, Action: "boom"},
	}))
	return r
}

func parse(t *testing.T, text string) *feature.Feature {
	t.Helper()
	f, err := feature.Parse(strings.NewReader(text))
	require.NoError(t, err)
	return f
}

func TestExecutorHappyPath(t *testing.T) {
	source := fakeSource{"echo": startDriver(t, "echo", echoSetup)}
	exec := feature.NewExecutor(testLogger(), echoRouter(t), source, feature.Options{})

	f := parse(t, `
Feature: echo round trip
Scenario: say hello
  When I echo "hello"
  And I echo "world"
`)
	results, err := exec.Run(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, feature.StatusPassed, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, feature.StatusPassed, res.Steps[0].Status)
	assert.Equal(t, "echo", res.Steps[0].DriverID)
	assert.Equal(t, "echo", res.Steps[0].Action)
	assert.JSONEq(t, `{"echoed":["hello"]}`, string(res.Steps[0].Data))
	assert.False(t, feature.Failed(results))
}

func TestExecutorDriverFailureRecorded(t *testing.T) {
	source := fakeSource{"echo": startDriver(t, "echo", echoSetup)}
	exec := feature.NewExecutor(testLogger(), echoRouter(t), source, feature.Options{})

	f := parse(t, `
Scenario: failure then success
  When I trigger a failure
  Then I echo "still runs"
`)
	results, err := exec.Run(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, feature.StatusFailed, res.Status)
	require.Len(t, res.Steps, 2)

	failed := res.Steps[0]
	assert.Equal(t, feature.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	// The driver's own error surfaces untouched.
	assert.Equal(t, 500, failed.Error.Code)
	assert.Equal(t, "deliberate failure", failed.Error.Message)
	assert.Equal(t, "echo", failed.Error.DriverID)

	// Without StopOnFailure the next step still executes.
	assert.Equal(t, feature.StatusPassed, res.Steps[1].Status)
	assert.True(t, feature.Failed(results))
}

func TestExecutorStopOnFailureSkipsRemainder(t *testing.T) {
	source := fakeSource{"echo": startDriver(t, "echo", echoSetup)}
	exec := feature.NewExecutor(testLogger(), echoRouter(t), source, feature.Options{StopOnFailure: true})

	f := parse(t, `
Scenario: halt at first failure
  When I trigger a failure
  Then I echo "never runs"
  And I echo "also skipped"
`)
	results, err := exec.Run(context.Background(), f)
	require.NoError(t, err)
	res := results[0]
	assert.Equal(t, feature.StatusFailed, res.Status)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, feature.StatusFailed, res.Steps[0].Status)
	assert.Equal(t, feature.StatusSkipped, res.Steps[1].Status)
	assert.Equal(t, feature.StatusSkipped, res.Steps[2].Status)
}

func TestExecutorUnresolvableStepAbortsRun(t *testing.T) {
	source := fakeSource{"echo": startDriver(t, "echo", echoSetup)}
	exec := feature.NewExecutor(testLogger(), echoRouter(t), source, feature.Options{})

	f := parse(t, `
Scenario: first is fine
  When I echo "ok"

Scenario: unknown step
  When I teleport to "mars"
`)
	results, err := exec.Run(context.Background(), f)
	require.Error(t, err)

	var notFound *feature.StepNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "unknown step", notFound.Scenario)
	assert.Contains(t, notFound.NoMatch.StepText, "teleport")

	// The first scenario completed before the abort.
	require.Len(t, results, 1)
	assert.Equal(t, feature.StatusPassed, results[0].Status)
}

func TestExecutorUnavailableDriverRecorded(t *testing.T) {
	// Router knows the step but no driver instance can be produced.
	exec := feature.NewExecutor(testLogger(), echoRouter(t), fakeSource{}, feature.Options{})

	f := parse(t, `
Scenario: driver down
  When I echo "anyone there"
`)
	results, err := exec.Run(context.Background(), f)
	require.NoError(t, err)
	res := results[0]
	assert.Equal(t, feature.StatusFailed, res.Status)
	require.NotNil(t, res.Steps[0].Error)
	assert.Equal(t, 503, res.Steps[0].Error.Code)
	assert.Equal(t, "echo", res.Steps[0].Error.DriverID)
}

func TestExecutorRoutesAcrossDrivers(t *testing.T) {
	webCalls := make(chan string, 1)
	web := startDriver(t, "web", func(s *drivertest.Server) {
		s.Handle("navigate", func(args []any) (any, *rpc.ErrorInfo) {
			webCalls <- fmt.Sprint(args[0])
			return map[string]bool{"navigated": true}, nil
		})
	})
	desktop := startDriver(t, "desktop", func(s *drivertest.Server) {
		s.Handle("click", func(args []any) (any, *rpc.ErrorInfo) {
			return map[string]bool{"clicked": true}, nil
		})
	})

	router := steps.NewRouter(testLogger(), nil)
	require.NoError(t, router.RegisterSteps("web", []driver.StepDefinition{
		{ID: "nav", Pattern: `I navigate to {string}`, Action: "navigate"},
	}))
	require.NoError(t, router.RegisterSteps("desktop", []driver.StepDefinition{
		{ID: "click", Pattern: `I click on {string}`, Action: "click"},
	}))

	source := fakeSource{"web": web, "desktop": desktop}
	exec := feature.NewExecutor(testLogger(), router, source, feature.Options{})

	f := parse(t, `
Scenario: cross-driver flow
  Given I navigate to "https://example.com"
  When I click on "Sign in"
`)
	results, err := exec.Run(context.Background(), f)
	require.NoError(t, err)
	res := results[0]
	assert.Equal(t, feature.StatusPassed, res.Status)
	assert.Equal(t, "web", res.Steps[0].DriverID)
	assert.Equal(t, "desktop", res.Steps[1].DriverID)
	assert.Equal(t, "https://example.com", <-webCalls)
}
