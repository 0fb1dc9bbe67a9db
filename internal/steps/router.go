package steps

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sebastianm/runix/internal/driver"
)

// Resolution is a routed step: which driver, which action, and the
// captured arguments converted to their declared types.
type Resolution struct {
	DriverID string
	Action   string
	Args     []any
}

// NoMatchError means no registered pattern matched the step text.
// Suggestions lists patterns whose leading literal tokens overlap the text.
type NoMatchError struct {
	StepText    string
	Suggestions []string
}

func (e *NoMatchError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("no step matches %q", e.StepText)
	}
	return fmt.Sprintf("no step matches %q (did you mean: %s)", e.StepText, strings.Join(e.Suggestions, "; "))
}

type entry struct {
	driverID string
	def      driver.StepDefinition
	pat      *CompiledPattern
}

// OrderFunc supplies the stable registry order used as a tie-break.
type OrderFunc func() []string

// Router aggregates per-driver step tables into one matcher.
type Router struct {
	log   *slog.Logger
	order OrderFunc

	mu      sync.RWMutex
	entries []entry
}

// NewRouter builds an empty router. order may be nil, in which case ties
// fall through to the lexicographic driver id rule.
func NewRouter(log *slog.Logger, order OrderFunc) *Router {
	return &Router{
		log:   log.With("component", "router"),
		order: order,
	}
}

// RegisterSteps compiles and installs a driver's step table. Registering
// the same (driver, pattern) pair again replaces the previous definition,
// so re-introspection after a restart is idempotent. A pattern collision
// within a single driver's batch is an error.
func (r *Router) RegisterSteps(driverID string, defs []driver.StepDefinition) error {
	compiled := make([]entry, 0, len(defs))
	seen := map[string]struct{}{}
	for _, def := range defs {
		if _, dup := seen[def.Pattern]; dup {
			return fmt.Errorf("driver %s registers pattern %q twice", driverID, def.Pattern)
		}
		seen[def.Pattern] = struct{}{}
		pat, err := Compile(def.Pattern)
		if err != nil {
			return fmt.Errorf("driver %s: %w", driverID, err)
		}
		compiled = append(compiled, entry{driverID: driverID, def: def, pat: pat})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.driverID != driverID {
			kept = append(kept, e)
			continue
		}
		if _, replaced := seen[e.def.Pattern]; !replaced {
			kept = append(kept, e)
		}
	}
	r.entries = append(kept, compiled...)
	r.log.Debug("steps registered", "driver", driverID, "count", len(compiled))
	return nil
}

// Unregister drops every pattern owned by a driver.
func (r *Router) Unregister(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.driverID != driverID {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// RegistryView is the slice of the registry the router needs for reloads.
type RegistryView interface {
	List() []driver.Record
	Order() []string
}

// ReloadFrom rebuilds the table from the registry's records, using each
// manifest's embedded step list. Introspected tables are re-pushed by the
// registry itself when drivers restart.
func (r *Router) ReloadFrom(reg RegistryView) error {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
	for _, rec := range reg.List() {
		if len(rec.Manifest.Steps) == 0 {
			continue
		}
		if err := r.RegisterSteps(rec.ID, rec.Manifest.Steps); err != nil {
			return err
		}
	}
	return nil
}

// Resolve matches step text against every pattern. Collisions are broken
// by (1) more literal characters, (2) earlier position in the stable
// registry order, (3) lexicographically smaller driver id — never by
// insertion time.
func (r *Router) Resolve(stepText string) (Resolution, error) {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	type candidate struct {
		e        entry
		captures []string
	}
	var candidates []candidate
	for _, e := range entries {
		caps, ok := e.pat.Match(stepText)
		if !ok {
			continue
		}
		if len(caps) < requiredParams(e.def) {
			continue // missing required captures
		}
		candidates = append(candidates, candidate{e: e, captures: caps})
	}

	if len(candidates) == 0 {
		return Resolution{}, &NoMatchError{
			StepText:    stepText,
			Suggestions: r.suggest(stepText, entries),
		}
	}

	rank := r.orderRanks()
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.e.pat.LiteralChars != b.e.pat.LiteralChars {
			return a.e.pat.LiteralChars > b.e.pat.LiteralChars
		}
		ra, okA := rank[a.e.driverID]
		rb, okB := rank[b.e.driverID]
		if okA && okB && ra != rb {
			return ra < rb
		}
		return a.e.driverID < b.e.driverID
	})

	win := candidates[0]
	args, err := convertArgs(win.e.def, win.e.pat, win.captures)
	if err != nil {
		return Resolution{}, &NoMatchError{StepText: stepText}
	}
	return Resolution{
		DriverID: win.e.driverID,
		Action:   win.e.def.Action,
		Args:     args,
	}, nil
}

func (r *Router) orderRanks() map[string]int {
	if r.order == nil {
		return nil
	}
	ranks := map[string]int{}
	for i, id := range r.order() {
		ranks[id] = i
	}
	return ranks
}

// suggest returns the patterns whose literal-token prefix overlaps the
// step text the most, for the StepNotFound report.
func (r *Router) suggest(stepText string, entries []entry) []string {
	words := strings.Fields(strings.ToLower(stepText))
	if len(words) == 0 {
		return nil
	}

	best := 0
	overlaps := map[string]int{}
	for _, e := range entries {
		prefix := literalPrefix(e.def.Pattern)
		n := 0
		for i := 0; i < len(prefix) && i < len(words); i++ {
			if strings.ToLower(prefix[i]) != words[i] {
				break
			}
			n++
		}
		if n == 0 {
			continue
		}
		if existing, ok := overlaps[e.def.Pattern]; !ok || n > existing {
			overlaps[e.def.Pattern] = n
		}
		if n > best {
			best = n
		}
	}

	var out []string
	for pattern, n := range overlaps {
		if n == best {
			out = append(out, pattern)
		}
	}
	sort.Strings(out)
	if len(out) > 5 {
		out = out[:5]
	}
	return out
}

// literalPrefix returns the leading literal tokens of a pattern, stopping
// at the first placeholder.
func literalPrefix(pattern string) []string {
	var out []string
	for _, tok := range strings.Fields(pattern) {
		if strings.ContainsAny(tok, "{(") {
			break
		}
		out = append(out, tok)
	}
	return out
}

func requiredParams(def driver.StepDefinition) int {
	n := 0
	for _, p := range def.Parameters {
		if p.Required {
			n++
		}
	}
	return n
}

// convertArgs applies declared parameter types to the ordered captures,
// falling back to the placeholder kind when the table is silent.
func convertArgs(def driver.StepDefinition, pat *CompiledPattern, captures []string) ([]any, error) {
	args := make([]any, 0, len(captures))
	for i, raw := range captures {
		kind := "string"
		if i < len(def.Parameters) && def.Parameters[i].Type != "" {
			kind = def.Parameters[i].Type
		} else if i < len(pat.Captures) && pat.Captures[i] == CaptureInt {
			kind = "int"
		}
		switch kind {
		case "int":
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("capture %d: %q is not an int", i, raw)
			}
			args = append(args, n)
		default:
			args = append(args, raw)
		}
	}
	return args, nil
}
