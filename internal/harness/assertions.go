package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/docmap/internal/persist"
	"github.com/roach88/docmap/internal/queryir"
	"github.com/roach88/docmap/internal/store"
)

// Assertion checks the final state of one store.
type Assertion struct {
	// Type is one of record, absent, count, conflicts or leaves.
	Type  string `yaml:"type"`
	Store string `yaml:"store,omitempty"`

	// Ref names the record checked by record, absent and leaves.
	Ref string `yaml:"ref,omitempty"`

	// Entity is counted by count.
	Entity string `yaml:"entity,omitempty"`

	// Expect holds field values the record must have (subset match).
	Expect map[string]any `yaml:"expect,omitempty"`

	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord    = "record"
	AssertAbsent    = "absent"
	AssertCount     = "count"
	AssertConflicts = "conflicts"
	AssertLeaves    = "leaves"
)

var assertionTypes = []string{AssertRecord, AssertAbsent, AssertCount, AssertConflicts, AssertLeaves}

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Store    string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Store)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// evaluate checks every assertion in a fresh editing context per store and
// returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	contexts := make(map[string]*persist.Context)
	for _, a := range assertions {
		name := storeName(a.Store)
		c, ok := contexts[name]
		if !ok {
			c = h.stores[name].NewContext()
			contexts[name] = c
		}
		if err := h.assert(ctx, name, c, a); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func (h *Harness) assert(ctx context.Context, storeName string, c *persist.Context, a Assertion) error {
	failed := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Store: storeName, Expected: expected, Actual: actual}
	}

	switch a.Type {
	case AssertRecord, AssertAbsent:
		hd, ok := h.refs[a.Ref]
		if !ok {
			return failed(fmt.Sprintf("record %s", a.Ref), "ref never inserted")
		}
		rec, err := c.Fault(ctx, hd, nil)
		if a.Type == AssertAbsent {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return failed(fmt.Sprintf("%s absent", a.Ref), fmt.Sprintf("found (err=%v)", err))
		}
		if err != nil {
			return failed(fmt.Sprintf("record %s", a.Ref), err.Error())
		}
		diff, err := h.mismatches(rec, a.Expect)
		if err != nil {
			return err
		}
		if len(diff) > 0 {
			return failed(fmt.Sprintf("%s with %v", a.Ref, a.Expect), fmt.Sprintf("fields %v differ", diff))
		}
		return nil

	case AssertCount:
		res, err := c.Execute(ctx, persist.FetchRequest{
			Fetch:      queryir.Fetch{Entity: a.Entity},
			ResultType: persist.ResultCount,
		})
		if err != nil {
			return failed(fmt.Sprintf("%d %s", a.Count, a.Entity), err.Error())
		}
		if res.Count != a.Count {
			return failed(fmt.Sprintf("%d %s", a.Count, a.Entity), fmt.Sprintf("%d", res.Count))
		}
		return nil

	case AssertConflicts:
		sets, err := c.Conflicts(ctx)
		if err != nil {
			return failed(fmt.Sprintf("%d conflicts", a.Count), err.Error())
		}
		if len(sets) != a.Count {
			return failed(fmt.Sprintf("%d conflicts", a.Count), fmt.Sprintf("%d", len(sets)))
		}
		return nil

	case AssertLeaves:
		hd, ok := h.refs[a.Ref]
		if !ok {
			return failed(fmt.Sprintf("leaves of %s", a.Ref), "ref never inserted")
		}
		docs, err := h.stores[storeName].Documents().ListConflictingRevisions(ctx, hd.ID)
		if err != nil {
			return failed(fmt.Sprintf("%d live leaves of %s", a.Count, a.Ref), err.Error())
		}
		if len(docs) != a.Count {
			return failed(fmt.Sprintf("%d live leaves of %s", a.Count, a.Ref), fmt.Sprintf("%d", len(docs)))
		}
		return nil
	}
	return failed("known assertion type", a.Type)
}
