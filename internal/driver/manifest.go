package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestFilename is the file the registry looks for in each driver
// directory.
const ManifestFilename = "driver.json"

// TransportWebSocket is the only transport this engine speaks. Manifests
// declaring stdio/http/tcp parse fine but are reported as not startable.
const TransportWebSocket = "websocket"

// Parameter describes one captured argument of a step pattern.
type Parameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "string" or "int"
	Required bool   `json:"required"`
}

// StepDefinition is one introspected (or manifest-embedded) step pattern a
// driver claims to handle.
type StepDefinition struct {
	ID          string      `json:"id"`
	Pattern     string      `json:"pattern"`
	Action      string      `json:"action"`
	Description string      `json:"description,omitempty"`
	Examples    []string    `json:"examples,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// Manifest is the on-disk description of a driver. Unknown fields are
// preserved across a parse/serialize round trip.
type Manifest struct {
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Author      string           `json:"author,omitempty"`
	License     string           `json:"license,omitempty"`
	Executable  string           `json:"executable"`
	Transport   string           `json:"transport"`
	Protocol    string           `json:"protocol,omitempty"`
	Features    []string         `json:"features,omitempty"`
	Actions     []string         `json:"actions,omitempty"`
	Steps       []StepDefinition `json:"steps,omitempty"`
	Category    string           `json:"category,omitempty"`
	Tags        []string         `json:"tags,omitempty"`

	// Dir is the directory the manifest was loaded from; Executable is
	// resolved relative to it. Not serialized.
	Dir string `json:"-"`

	extra map[string]json.RawMessage
}

// manifestAlias avoids UnmarshalJSON recursion.
type manifestAlias Manifest

var manifestKnownFields = func() map[string]struct{} {
	known := map[string]struct{}{}
	for _, k := range []string{
		"name", "version", "description", "author", "license", "executable",
		"transport", "protocol", "features", "actions", "steps", "category", "tags",
	} {
		known[k] = struct{}{}
	}
	return known
}()

// UnmarshalJSON decodes known fields and stashes unknown ones so they
// survive re-serialization.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var alias manifestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if _, ok := manifestKnownFields[k]; ok {
			delete(all, k)
		}
	}
	*m = Manifest(alias)
	if len(all) > 0 {
		m.extra = all
	}
	return nil
}

// MarshalJSON re-emits known fields plus any preserved unknown fields.
func (m Manifest) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(manifestAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Validate checks the required manifest fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s missing version", m.Name)
	}
	if m.Executable == "" {
		return fmt.Errorf("manifest %s missing executable", m.Name)
	}
	if m.Transport == "" {
		return fmt.Errorf("manifest %s missing transport", m.Name)
	}
	return nil
}

// ExecutablePath resolves the executable relative to the manifest directory.
func (m *Manifest) ExecutablePath() string {
	if filepath.IsAbs(m.Executable) {
		return m.Executable
	}
	return filepath.Join(m.Dir, m.Executable)
}

// Startable reports whether the engine can launch this driver, with a
// reason when it cannot. A missing executable is reported, never silently
// skipped.
func (m *Manifest) Startable() (bool, string) {
	if m.Transport != TransportWebSocket {
		return false, fmt.Sprintf("unsupported transport %q", m.Transport)
	}
	if _, err := os.Stat(m.ExecutablePath()); err != nil {
		return false, fmt.Sprintf("executable not found: %s", m.ExecutablePath())
	}
	return true, ""
}

// LoadManifest reads and validates the manifest in dir.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	m.Dir = dir
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}
