package agent

import (
	"encoding/json"
	"sync"
	"time"
)

// State is the session lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateFailed
}

// IterationRecord captures one perceive-plan-act cycle. Screenshots are
// stored by reference to keep the record small.
type IterationRecord struct {
	Iteration     int             `json:"iteration"`
	ScreenshotRef string          `json:"screenshotRef,omitempty"`
	Analysis      json.RawMessage `json:"analysis,omitempty"`
	Decision      *Decision       `json:"decision,omitempty"`
	ActionResult  json.RawMessage `json:"actionResult,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// recordError appends to the record's error field so earlier failures in
// the same iteration stay visible.
func (r *IterationRecord) recordError(err error) {
	if r.Error == "" {
		r.Error = err.Error()
		return
	}
	r.Error += "; " + err.Error()
}

// Snapshot is the serializable session document persisted as history.json.
type Snapshot struct {
	SessionID     string            `json:"sessionId"`
	Goal          string            `json:"goal"`
	Iteration     int               `json:"iteration"`
	MaxIterations int               `json:"maxIterations"`
	State         State             `json:"state"`
	FailureReason string            `json:"failureReason,omitempty"`
	History       []IterationRecord `json:"history"`
	Artifacts     []string          `json:"artifacts"`
	StartedAt     time.Time         `json:"startedAt"`
	EndedAt       time.Time         `json:"endedAt,omitempty"`
}

// Session is the exclusive state of one agent run. The loop is the only
// writer; control signals arrive through atomic flags checked at loop
// checkpoints.
type Session struct {
	mu sync.Mutex

	id            string
	goal          string
	iteration     int
	maxIterations int
	state         State
	failureReason string
	history       []IterationRecord
	artifacts     []string
	startedAt     time.Time
	endedAt       time.Time

	pauseUntil    time.Time
	stopRequested bool
	userInput     bool
}

// NewSession starts a session in Running state.
func NewSession(id, goal string, maxIterations int) *Session {
	return &Session{
		id:            id,
		goal:          goal,
		maxIterations: maxIterations,
		state:         StateRunning,
		startedAt:     time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Iteration returns the number of completed iterations.
func (s *Session) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// RequestStop asks the loop to stop at its next checkpoint. An in-flight
// driver call finishes on its own timeout; its result is discarded.
func (s *Session) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRequested = true
}

// RequestPause signals user input; the loop pauses before its next
// iteration and auto-resumes after the configured pause duration.
func (s *Session) RequestPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userInput = true
}

// History returns a copy of all iteration records.
func (s *Session) History() []IterationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IterationRecord(nil), s.history...)
}

// LastRecords returns up to n most recent records, for the LLM window.
func (s *Session) LastRecords(n int) []IterationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.history) == 0 {
		return nil
	}
	if n > len(s.history) {
		n = len(s.history)
	}
	return append([]IterationRecord(nil), s.history[len(s.history)-n:]...)
}

// Snapshot freezes the session for persistence.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:     s.id,
		Goal:          s.goal,
		Iteration:     s.iteration,
		MaxIterations: s.maxIterations,
		State:         s.state,
		FailureReason: s.failureReason,
		History:       append([]IterationRecord(nil), s.history...),
		Artifacts:     append([]string(nil), s.artifacts...),
		StartedAt:     s.startedAt,
		EndedAt:       s.endedAt,
	}
}

// Internal mutators used by the loop.

func (s *Session) appendRecord(rec IterationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	s.iteration = rec.Iteration
}

func (s *Session) addArtifact(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, path)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if state.Terminal() {
		s.endedAt = time.Now()
	}
}

func (s *Session) fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
	s.failureReason = reason
	s.endedAt = time.Now()
}

// takeStopRequest reports and consumes the stop flag.
func (s *Session) stopPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// takeUserInput reports and clears the user-input flag.
func (s *Session) takeUserInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.userInput
	s.userInput = false
	return v
}

func (s *Session) setPause(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StatePaused
	s.pauseUntil = until
}

func (s *Session) pausedUntil() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseUntil, s.state == StatePaused
}

func (s *Session) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		s.state = StateRunning
	}
}
