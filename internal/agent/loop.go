package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/runix/internal/artifacts"
	"github.com/sebastianm/runix/internal/config"
	"github.com/sebastianm/runix/internal/driver"
)

// Driver actions the loop depends on.
const (
	actionTakeScreenshot = "takeScreenshot"
	actionAnalyzeScene   = "analyzeScene"
	actionDecide         = "analyzeScreenAndDecide"
)

// FailureBudgetExceeded is the failure reason recorded when the loop runs
// out of iterations without the LLM declaring completion.
const FailureBudgetExceeded = "iteration_budget_exceeded"

// pausePollInterval bounds how long a paused loop sleeps before it
// re-reads the stop flag, so a stop requested during a pause takes effect
// without another iteration dispatching actions first.
const pausePollInterval = 50 * time.Millisecond

// DriverSource yields live driver clients; the registry implements it.
type DriverSource interface {
	Instance(ctx context.Context, id string) (*driver.Client, error)
}

// Loop drives one goal to completion through three drivers: a system
// driver for screenshots and input, a vision driver for scene analysis,
// and an LLM driver for decisions.
type Loop struct {
	log     *slog.Logger
	drivers DriverSource
	store   *artifacts.Store
	cfg     config.AgentConfig
}

// NewLoop wires the loop's collaborators.
func NewLoop(log *slog.Logger, drivers DriverSource, store *artifacts.Store, cfg config.AgentConfig) *Loop {
	return &Loop{
		log:     log.With("component", "agent"),
		drivers: drivers,
		store:   store,
		cfg:     cfg,
	}
}

// Run executes the perceive-plan-act loop for one goal and returns the
// finished session. The session always ends in a terminal state; the
// returned error covers only setup failures (required driver missing) and
// context cancellation.
func (l *Loop) Run(ctx context.Context, goal string) (*Session, error) {
	session := NewSession(uuid.NewString(), goal, l.cfg.MaxIterations)
	return session, l.RunSession(ctx, session)
}

// RunSession drives an externally created session, giving the caller a
// handle for RequestStop and RequestPause while the loop runs.
func (l *Loop) RunSession(ctx context.Context, session *Session) error {
	goal := session.Snapshot().Goal
	log := l.log.With("session", session.ID())
	log.Info("agent session starting", "goal", goal, "maxIterations", l.cfg.MaxIterations)

	// All three drivers must be live before the first iteration; a missing
	// one fails the session instead of burning the budget on retries.
	system, err := l.drivers.Instance(ctx, l.cfg.SystemDriver)
	if err != nil {
		return l.failSetup(session, l.cfg.SystemDriver, err)
	}
	vision, err := l.drivers.Instance(ctx, l.cfg.VisionDriver)
	if err != nil {
		return l.failSetup(session, l.cfg.VisionDriver, err)
	}
	llm, err := l.drivers.Instance(ctx, l.cfg.LLMDriver)
	if err != nil {
		return l.failSetup(session, l.cfg.LLMDriver, err)
	}

	var lastShot capture
	for i := 1; ; i++ {
		if err := l.checkpoint(ctx, session); err != nil {
			l.finish(session, log)
			return err
		}
		if session.State().Terminal() {
			l.finish(session, log)
			return nil
		}
		if i > l.cfg.MaxIterations {
			session.fail(FailureBudgetExceeded)
			log.Warn("iteration budget exceeded", "iterations", l.cfg.MaxIterations)
			l.finish(session, log)
			return nil
		}

		rec := IterationRecord{Iteration: i, Timestamp: time.Now()}
		done := l.iterate(ctx, session, &rec, &lastShot, system, vision, llm)

		// A stop that raced the iteration discards its outcome.
		if session.stopPending() {
			session.setState(StateStopped)
			log.Info("stop requested, discarding in-flight iteration", "iteration", i)
			l.finish(session, log)
			return nil
		}

		session.appendRecord(rec)
		if done {
			l.finish(session, log)
			return nil
		}

		if delay := l.cfg.IterationDelay(); delay > 0 {
			select {
			case <-ctx.Done():
				session.setState(StateStopped)
				l.finish(session, log)
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// checkpoint handles stop and pause requests between iterations. Pause
// gates the next iteration only and auto-resumes after the configured
// duration.
func (l *Loop) checkpoint(ctx context.Context, session *Session) error {
	if session.stopPending() {
		session.setState(StateStopped)
		return nil
	}
	if session.takeUserInput() {
		until := time.Now().Add(l.cfg.PauseDuration())
		session.setPause(until)
		l.log.Info("session paused for user input", "session", session.ID(), "until", until)
	}
	for {
		if session.stopPending() {
			session.setState(StateStopped)
			return nil
		}
		until, paused := session.pausedUntil()
		if !paused {
			return nil
		}
		wait := time.Until(until)
		if wait <= 0 {
			session.resume()
			return nil
		}
		// Sleep in short slices so a stop during the pause is seen on the
		// next pass instead of after the full pause elapses.
		if wait > pausePollInterval {
			wait = pausePollInterval
		}
		select {
		case <-ctx.Done():
			session.setState(StateStopped)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// capture holds the most recent successful screenshot so a later
// iteration can fall back to it when takeScreenshot fails.
type capture struct {
	payload string // base64 PNG
	ref     string // artifact path
}

// iterate runs one perceive-plan-act cycle, recording everything into rec.
// It returns true when the session reached a terminal state.
func (l *Loop) iterate(ctx context.Context, session *Session, rec *IterationRecord, prev *capture, system, vision, llm *driver.Client) bool {
	log := l.log.With("session", session.ID(), "iteration", rec.Iteration)

	// Perceive.
	screenshot, err := l.takeScreenshot(ctx, session, rec, system)
	switch {
	case err == nil:
		prev.payload, prev.ref = screenshot, rec.ScreenshotRef
	case l.cfg.FailFastOnCapture:
		rec.recordError(err)
		session.fail(fmt.Sprintf("screenshot capture failed: %v", err))
		return true
	case prev.payload != "":
		rec.recordError(err)
		screenshot = prev.payload
		rec.ScreenshotRef = prev.ref
		log.Warn("screenshot capture failed, reusing previous screenshot", "error", err)
	default:
		rec.recordError(err)
		log.Warn("screenshot capture failed with no previous screenshot, continuing blind", "error", err)
	}

	analysis, err := l.analyzeScene(ctx, vision, screenshot)
	if err != nil {
		rec.recordError(err)
		if l.cfg.FailFastOnCapture {
			session.fail(fmt.Sprintf("scene analysis failed: %v", err))
			return true
		}
		log.Warn("scene analysis failed, continuing without analysis", "error", err)
	}
	rec.Analysis = analysis

	// Plan.
	decision, err := l.decide(ctx, session, llm, screenshot, analysis)
	if err != nil {
		rec.recordError(err)
		session.fail(fmt.Sprintf("decision failed: %v", err))
		return true
	}
	rec.Decision = decision
	log.Info("decision", "action", decision.Action.Type, "reasoning", decision.Reasoning)

	if decision.IsComplete {
		session.setState(StateCompleted)
		return true
	}

	// Act.
	result, err := l.dispatch(ctx, system, decision.Action)
	if err != nil {
		rec.recordError(err)
		log.Warn("action failed", "action", decision.Action.Type, "error", err)
		return false
	}
	rec.ActionResult = result
	return false
}

func (l *Loop) failSetup(session *Session, driverID string, err error) error {
	reason := fmt.Sprintf("required driver %s unavailable: %v", driverID, err)
	session.fail(reason)
	l.finish(session, l.log.With("session", session.ID()))
	return fmt.Errorf("%s", reason)
}

// finish persists the session document and, for completed sessions, the
// recorded action trail as a replayable feature file. Write failures are
// logged but do not change the session outcome.
func (l *Loop) finish(session *Session, log *slog.Logger) {
	snap := session.Snapshot()
	if snap.State == StateCompleted {
		if art, err := l.store.WriteFeatureFile(session.ID(), recordedFeature(snap)); err != nil {
			log.Error("writing recorded feature failed", "error", err)
		} else {
			session.addArtifact(art.Path)
			snap = session.Snapshot()
		}
	}
	if err := l.store.WriteHistory(session.ID(), snap); err != nil {
		log.Error("writing session history failed", "error", err)
	}
	log.Info("agent session finished", "state", snap.State, "iterations", snap.Iteration,
		"reason", snap.FailureReason)
}

// recordedFeature renders the session's action trail as feature text so a
// completed run can be replayed as a scripted scenario.
func recordedFeature(snap Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Feature: %s\n\n", snap.Goal)
	fmt.Fprintf(&b, "  Scenario: recorded session %s\n", snap.SessionID)
	for _, rec := range snap.History {
		if rec.Decision == nil {
			continue
		}
		if step := recordedStep(rec.Decision.Action); step != "" {
			fmt.Fprintf(&b, "    When %s\n", step)
		}
	}
	return b.String()
}

func recordedStep(a Action) string {
	switch a.Type {
	case ActionClick:
		return fmt.Sprintf("I click at %d,%d", a.X, a.Y)
	case ActionDoubleClick:
		return fmt.Sprintf("I double-click at %d,%d", a.X, a.Y)
	case ActionTypeText:
		return fmt.Sprintf("I type %q", a.Text)
	case ActionKey:
		return fmt.Sprintf("I press %s", strings.ToLower(a.Key))
	case ActionScroll:
		return fmt.Sprintf("I scroll by %d at %d,%d", a.ScrollY, a.X, a.Y)
	case ActionWait:
		return fmt.Sprintf("I wait %d ms", a.Duration)
	default:
		return ""
	}
}

// takeScreenshot captures the screen, stores the PNG as an artifact, and
// returns the base64 payload for downstream calls.
func (l *Loop) takeScreenshot(ctx context.Context, session *Session, rec *IterationRecord, system *driver.Client) (string, error) {
	res, err := system.Execute(ctx, actionTakeScreenshot, nil, 0)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("takeScreenshot: %s", res.Error.Message)
	}
	var payload struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil || payload.Image == "" {
		return "", fmt.Errorf("takeScreenshot returned no image data")
	}

	raw, err := base64.StdEncoding.DecodeString(payload.Image)
	if err != nil {
		return "", fmt.Errorf("takeScreenshot returned invalid base64: %w", err)
	}
	art, err := l.store.WriteScreenshot(session.ID(), raw)
	if err != nil {
		return "", err
	}
	session.addArtifact(art.Path)
	rec.ScreenshotRef = art.Path
	return payload.Image, nil
}

// analyzeScene asks the vision driver for a structural description of the
// screenshot. Empty input yields no analysis.
func (l *Loop) analyzeScene(ctx context.Context, vision *driver.Client, screenshot string) (json.RawMessage, error) {
	if screenshot == "" {
		return nil, nil
	}
	res, err := vision.Execute(ctx, actionAnalyzeScene, []any{screenshot}, 0)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("analyzeScene: %s", res.Error.Message)
	}
	return res.Data, nil
}

// decide asks the LLM for the next action. One repair pass is allowed on a
// parse failure; a second failure fails the session.
func (l *Loop) decide(ctx context.Context, session *Session, llm *driver.Client, screenshot string, analysis json.RawMessage) (*Decision, error) {
	prompt := map[string]any{
		"goal":        session.goal,
		"environment": analysis,
		"displaySize": map[string]int{
			"width":  l.cfg.DisplayWidth,
			"height": l.cfg.DisplayHeight,
		},
		"iterationHistory": session.LastRecords(l.cfg.HistoryWindow),
		"screenshot":       screenshot,
	}
	res, err := llm.Execute(ctx, actionDecide, []any{prompt}, 0)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%s: %s", actionDecide, res.Error.Message)
	}

	decision, err := ParseDecision(res.Data)
	if err == nil {
		return decision, nil
	}
	l.log.Warn("decision parse failed, attempting repair", "session", session.ID(), "error", err)
	decision, repairErr := RepairDecision(res.Data)
	if repairErr != nil {
		return nil, fmt.Errorf("unparseable decision after repair: %w", err)
	}
	return decision, nil
}

// dispatch executes one action on the system driver. Coordinates are
// clamped to the display bounds with a warning rather than rejected.
func (l *Loop) dispatch(ctx context.Context, system *driver.Client, a Action) (json.RawMessage, error) {
	var (
		action string
		args   []any
	)
	switch a.Type {
	case ActionClick:
		x, y := l.clamp(a.X, a.Y)
		action, args = "click", []any{x, y}
	case ActionDoubleClick:
		x, y := l.clamp(a.X, a.Y)
		action, args = "doubleClick", []any{x, y}
	case ActionTypeText:
		action, args = "type", []any{a.Text}
	case ActionKey:
		action, args = "key", []any{strings.ToLower(a.Key)}
	case ActionScroll:
		x, y := l.clamp(a.X, a.Y)
		action, args = "scroll", []any{x, y, a.ScrollY}
	case ActionWait:
		// Wait is handled locally; no driver round-trip needed.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(a.Duration) * time.Millisecond):
		}
		return json.RawMessage(`{"waited":true}`), nil
	default:
		return nil, fmt.Errorf("undispatchable action %q", a.Type)
	}

	res, err := system.Execute(ctx, action, args, 0)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%s: %s", action, res.Error.Message)
	}
	return res.Data, nil
}

// clamp bounds a coordinate pair to the configured display.
func (l *Loop) clamp(x, y int) (int, int) {
	cx, cy := x, y
	if cx < 0 {
		cx = 0
	} else if cx >= l.cfg.DisplayWidth {
		cx = l.cfg.DisplayWidth - 1
	}
	if cy < 0 {
		cy = 0
	} else if cy >= l.cfg.DisplayHeight {
		cy = l.cfg.DisplayHeight - 1
	}
	if cx != x || cy != y {
		l.log.Warn("coordinates clamped to display bounds", "x", x, "y", y, "clampedX", cx, "clampedY", cy)
	}
	return cx, cy
}
