// Package artifacts writes session outputs: screenshots, generated feature
// files, and the session history document.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Artifact describes one written file. Path is relative to the session
// directory so results stay portable.
type Artifact struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// Store manages the on-disk session layout:
//
//	<root>/sessions/<sessionId>/screenshots/
//	<root>/sessions/<sessionId>/features/
//	<root>/sessions/<sessionId>/history.json
//
// Directories are created lazily; write failures surface to the caller.
type Store struct {
	root string

	mu       sync.Mutex
	counters map[string]int // per-session monotonic counter
}

// NewStore roots the store at outputRoot.
func NewStore(outputRoot string) *Store {
	return &Store{root: outputRoot, counters: map[string]int{}}
}

// SessionDir returns (and creates) the directory for a session.
func (s *Store) SessionDir(sessionID string) (string, error) {
	dir := filepath.Join(s.root, "sessions", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session dir %s: %w", dir, err)
	}
	return dir, nil
}

// next returns the session's next monotonic counter value.
func (s *Store) next(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[sessionID]++
	return s.counters[sessionID]
}

// timestamp is ISO-8601 UTC with colons stripped for filesystem safety.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T150405Z")
}

// WriteScreenshot stores PNG bytes under screenshots/.
func (s *Store) WriteScreenshot(sessionID string, data []byte) (Artifact, error) {
	return s.write(sessionID, "screenshots",
		fmt.Sprintf("screenshot_%s_%03d.png", timestamp(time.Now()), s.next(sessionID)), data)
}

// WriteFeatureFile stores generated feature content under features/.
func (s *Store) WriteFeatureFile(sessionID, content string) (Artifact, error) {
	return s.write(sessionID, "features",
		fmt.Sprintf("generated_%s_%03d.feature", timestamp(time.Now()), s.next(sessionID)), []byte(content))
}

func (s *Store) write(sessionID, subdir, filename string, data []byte) (Artifact, error) {
	sessionDir, err := s.SessionDir(sessionID)
	if err != nil {
		return Artifact{}, err
	}
	dir := filepath.Join(sessionDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("creating %s: %w", dir, err)
	}
	full := filepath.Join(dir, filename)
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("writing %s: %w", full, err)
	}
	return Artifact{
		Path:     filepath.ToSlash(filepath.Join(subdir, filename)),
		Filename: filename,
	}, nil
}

// WriteHistory persists the session history document as history.json.
func (s *Store) WriteHistory(sessionID string, history any) error {
	sessionDir, err := s.SessionDir(sessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	path := filepath.Join(sessionDir, "history.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ResolvePath turns a session-relative artifact path into an absolute one.
func (s *Store) ResolvePath(sessionID, rel string) string {
	return filepath.Join(s.root, "sessions", sessionID, filepath.FromSlash(rel))
}
