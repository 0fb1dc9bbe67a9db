// Package agent implements the perceive-plan-act loop: screenshot, scene
// analysis, LLM decision, action dispatch, bounded by an iteration budget.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionType enumerates the closed set of actions the LLM may decide on.
type ActionType string

const (
	ActionClick        ActionType = "click"
	ActionDoubleClick  ActionType = "double_click"
	ActionTypeText     ActionType = "type"
	ActionKey          ActionType = "key"
	ActionScroll       ActionType = "scroll"
	ActionWait         ActionType = "wait"
	ActionTaskComplete ActionType = "task_complete"
)

// keyNames is the closed set of names accepted for the key action.
var keyNames = func() map[string]struct{} {
	names := []string{
		"enter", "tab", "escape", "backspace", "delete", "space",
		"up", "down", "left", "right",
	}
	for i := 1; i <= 12; i++ {
		names = append(names, fmt.Sprintf("f%d", i))
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}()

// Action is one member of the decision union. Only the fields of the
// active variant are meaningful.
type Action struct {
	Type     ActionType `json:"type"`
	X        int        `json:"x,omitempty"`
	Y        int        `json:"y,omitempty"`
	Text     string     `json:"text,omitempty"`
	Key      string     `json:"key,omitempty"`
	ScrollY  int        `json:"scrollY,omitempty"`
	Duration int        `json:"duration,omitempty"` // milliseconds
}

// Validate rejects unknown variants and missing variant fields. The union
// is closed: an unrecognized action type is a parse failure, not a no-op.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionClick, ActionDoubleClick:
		return nil
	case ActionTypeText:
		if a.Text == "" {
			return fmt.Errorf("type action missing text")
		}
		return nil
	case ActionKey:
		if _, ok := keyNames[strings.ToLower(a.Key)]; !ok {
			return fmt.Errorf("unknown key name %q", a.Key)
		}
		return nil
	case ActionScroll:
		return nil
	case ActionWait:
		if a.Duration <= 0 {
			return fmt.Errorf("wait action needs a positive duration")
		}
		return nil
	case ActionTaskComplete:
		return nil
	case "":
		return fmt.Errorf("decision action missing type")
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

// Decision is the LLM's answer for one iteration.
type Decision struct {
	Reasoning  string `json:"reasoning"`
	Action     Action `json:"action"`
	IsComplete bool   `json:"isComplete"`
}

// ParseDecision decodes and validates a raw decision document.
func ParseDecision(raw []byte) (*Decision, error) {
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decision is not valid JSON: %w", err)
	}
	if err := d.Action.Validate(); err != nil {
		return nil, err
	}
	// Completion is driven by isComplete; a task_complete action that
	// contradicts it is rejected rather than guessed at.
	if d.Action.Type == ActionTaskComplete && !d.IsComplete {
		return nil, fmt.Errorf("task_complete action without isComplete")
	}
	return &d, nil
}

// RepairDecision is the single repair pass allowed after a parse failure:
// extract the first balanced {...} substring (models often wrap JSON in
// prose or fences) and parse that.
func RepairDecision(raw []byte) (*Decision, error) {
	extracted, ok := extractObject(string(raw))
	if !ok {
		return nil, fmt.Errorf("no JSON object found in decision output")
	}
	return ParseDecision([]byte(extracted))
}

// extractObject finds the first balanced top-level JSON object, honoring
// strings and escapes.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
