// Package feature models executable feature files and runs them against
// the step router.
package feature

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Feature is an ordered list of scenarios.
type Feature struct {
	Name      string
	Scenarios []Scenario
}

// Scenario is an ordered list of step texts. Given/When/Then labels are
// stripped during parsing; they carry no semantics.
type Scenario struct {
	Name  string
	Steps []string
}

var stepKeywords = []string{"Given ", "When ", "Then ", "And ", "But "}

// StripKeyword removes a leading Gherkin keyword from a step line.
func StripKeyword(line string) string {
	for _, kw := range stepKeywords {
		if strings.HasPrefix(line, kw) {
			return strings.TrimSpace(strings.TrimPrefix(line, kw))
		}
	}
	return line
}

// Parse reads the minimal feature format: a Feature: header, Scenario:
// blocks, and step lines. Comments (#) and blank lines are skipped.
// Tables, docstrings and scenario outlines are not supported.
func Parse(r io.Reader) (*Feature, error) {
	f := &Feature{}
	var current *Scenario

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "Feature:"):
			f.Name = strings.TrimSpace(strings.TrimPrefix(line, "Feature:"))
		case strings.HasPrefix(line, "Scenario:"):
			f.Scenarios = append(f.Scenarios, Scenario{
				Name: strings.TrimSpace(strings.TrimPrefix(line, "Scenario:")),
			})
			current = &f.Scenarios[len(f.Scenarios)-1]
		default:
			if current == nil {
				return nil, fmt.Errorf("line %d: step outside a scenario: %q", lineNo, line)
			}
			current.Steps = append(current.Steps, StripKeyword(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading feature: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, fmt.Errorf("feature has no scenarios")
	}
	return f, nil
}

// ParseFile parses a feature file from disk.
func ParseFile(path string) (*Feature, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening feature %s: %w", path, err)
	}
	defer file.Close()
	f, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Name == "" {
		f.Name = path
	}
	return f, nil
}
