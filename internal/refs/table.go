// Package refs implements the Snapshot -> Refs -> Action pipeline: turning
// an accessibility-tree snapshot into a stable, numbered set of refs a
// client can address, and resolving those refs back into engine locators.
// Grounded on the teacher's selectors.Manager for the shape of a
// read-mostly lookup table guarded by a single mutex; the parsing and
// numbering algorithm itself is reproduced verbatim from the pipeline
// contract, not redesigned.
package refs

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/engine"
)

// interactiveRoles is the fixed set of roles eligible for a ref. Anything
// else is walked past during extraction.
var interactiveRoles = map[string]bool{
	"button":     true,
	"link":       true,
	"textbox":    true,
	"checkbox":   true,
	"radio":      true,
	"menuitem":   true,
	"tab":        true,
	"searchbox":  true,
	"slider":     true,
	"spinbutton": true,
	"switch":     true,
}

// skipNamePatterns excludes date/calendar pickers, which tend to render as
// deeply repetitive, low-value interactive trees.
var skipNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)date`),
	regexp.MustCompile(`(?i)calendar`),
	regexp.MustCompile(`(?i)picker`),
	regexp.MustCompile(`(?i)datepicker`),
}

// candidateLine matches "- role" or '- role "name"', with arbitrary leading
// indentation carrying the tree depth.
var candidateLine = regexp.MustCompile(`^(\s*)-\s+([a-zA-Z][a-zA-Z0-9]*)(?:\s+"([^"]*)")?`)

const maxAcceptedRefs = 500

// key identifies a (role, name) pair for nth counting.
type key struct {
	role string
	name string
}

// Ref is one entry in a Table: the (role, name, nth) triple a refId was
// minted for.
type Ref struct {
	ID   core.RefId
	Role string
	Name string
	Nth  int
}

// Table is the per-tab ref lookup built from the most recent snapshot. It
// does not survive navigation: Clear must be called before a fresh
// snapshot is taken.
type Table struct {
	mu   sync.RWMutex
	refs map[core.RefId]Ref
	next int
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{refs: make(map[core.RefId]Ref)}
}

// Clear discards every ref, as required before rebuilding from a fresh
// snapshot (refs do not survive navigation).
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs = make(map[core.RefId]Ref)
	t.next = 0
}

// Lookup returns the Ref minted for id, or a not-found error naming the
// valid range and instructing the caller to take a fresh snapshot.
func (t *Table) Lookup(id core.RefId) (Ref, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.refs[id]
	if !ok {
		return Ref{}, core.NewNotFoundError(
			fmt.Sprintf("unknown ref %q; valid refs are e1..e%d for the current snapshot; take a fresh snapshot, refs do not survive navigation", id, t.next),
			core.ErrRefNotFound,
		)
	}
	return r, nil
}

// Len returns how many refs were minted for the current snapshot.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.next
}

// Resolve looks up id and builds an engine locator for it via
// page.GetByRole(role, name).nth(nth).
func (t *Table) Resolve(page engine.Page, id core.RefId) (engine.Locator, error) {
	r, err := t.Lookup(id)
	if err != nil {
		return nil, err
	}
	return page.GetByRole(r.Role, r.Name, r.Nth), nil
}

// Build parses a raw accessibility snapshot, mints refs for eligible
// nodes into the table, and returns the annotated snapshot text with
// "[eN]" inserted after each eligible node's name token, so refIds
// returned to a client are visible directly in the text they came from.
//
// Eligible nodes and their nth position are computed once; the annotated
// text and the ref table are built from the same pass so the two never
// disagree.
func (t *Table) Build(rawSnapshot string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refs = make(map[core.RefId]Ref)
	t.next = 0

	counts := make(map[key]int)
	lines := strings.Split(rawSnapshot, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		m := candidateLine.FindStringSubmatch(line)
		if m == nil || t.next >= maxAcceptedRefs {
			out = append(out, line)
			continue
		}

		role := m[2]
		roleLower := strings.ToLower(role)
		name := m[3]

		if !eligible(roleLower, name) {
			out = append(out, line)
			continue
		}

		k := key{role: roleLower, name: name}
		nth := counts[k]
		counts[k] = nth + 1

		t.next++
		id := core.RefId(fmt.Sprintf("e%d", t.next))
		t.refs[id] = Ref{ID: id, Role: roleLower, Name: name, Nth: nth}

		out = append(out, annotateLine(line, m, id))
	}

	return strings.Join(out, "\n")
}

// eligible defers to the process-wide SkipRoleManager (embedded defaults,
// optionally overridden/hot-reloaded from an external YAML file via
// Configure) so an operator can add interactive roles or skip patterns
// without a rebuild.
func eligible(roleLower, name string) bool {
	return currentSkipConfig().eligible(roleLower, name)
}

// annotateLine inserts "[eN]" immediately after the matched name token (or
// after the role token when there is no quoted name).
func annotateLine(line string, m []string, id core.RefId) string {
	full := m[0]
	insertAt := len(full)
	annotated := full[:insertAt] + " [" + string(id) + "]" + line[len(full):]
	return annotated
}
