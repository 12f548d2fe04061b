package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, s.Name)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

// writeScenario writes src next to a copy of the test model and loads it.
func writeScenario(t *testing.T, src string) *Scenario {
	t.Helper()
	dir := t.TempDir()
	model, err := os.ReadFile("testdata/models/people.cue")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "people.cue"), model, 0o644))

	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	s, err := LoadScenario(path)
	require.NoError(t, err)
	return s
}

func TestRunReportsUnmetExpectations(t *testing.T) {
	s := writeScenario(t, `
name: wrong
description: every expectation here is wrong
model: people.cue
steps:
  - insert: [{entity: Person, ref: alice, fields: {name: Alice, age: 30}}]
  - fetch: {entity: Person, where: {field: name, value: Alice}}
    expect: {refs: []}
  - fetch: {entity: Person, result: count}
    expect: {count: 5}
  - {read: [alice], expect: {error: NOT_FOUND}}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "step 2: expected refs []")
	assert.Contains(t, result.Errors[1], "step 3: expected count 5, got 1")
	assert.Contains(t, result.Errors[2], "step 4: expected error NOT_FOUND, step succeeded")
	assert.Len(t, result.Trace, 4)
}

func TestRunReportsUnexpectedErrors(t *testing.T) {
	s := writeScenario(t, `
name: stale
description: a stale update without an expectation fails the run
model: people.cue
steps:
  - insert: [{entity: Person, ref: alice, fields: {name: Alice}}]
  - {context: other, read: [alice]}
  - update: [{ref: alice, fields: {age: 1}}]
  - {context: other, update: [{ref: alice, fields: {age: 2}}]}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "step 4: unexpected error")
	assert.Equal(t, "CONFLICT", result.Trace[3].Error)
	assert.Nil(t, result.Trace[3].Result)
}

func TestRunWrongStaleRefs(t *testing.T) {
	s := writeScenario(t, `
name: stale-refs
description: the conflict names alice, not bob
model: people.cue
steps:
  - insert:
      - {entity: Person, ref: alice, fields: {name: Alice}}
      - {entity: Person, ref: bob, fields: {name: Bob}}
  - {context: other, read: [alice, bob]}
  - update: [{ref: alice, fields: {age: 1}}]
  - context: other
    update: [{ref: alice, fields: {age: 2}}, {ref: bob, fields: {age: 2}}]
    expect: {error: CONFLICT, stale: [bob]}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected stale [bob], got [alice]")
}

func TestRunScenarioErrors(t *testing.T) {
	tests := []struct {
		name     string
		steps    string
		contains string
	}{
		{
			name:     "unknown ref",
			steps:    `  - read: [ghost]`,
			contains: `step 1: unknown ref "ghost"`,
		},
		{
			name: "duplicate ref",
			steps: `  - insert: [{entity: Team, ref: ops}]
  - insert: [{entity: Team, ref: ops}]`,
			contains: `step 2: ref "ops" inserted twice`,
		},
		{
			name: "update before read",
			steps: `  - insert: [{entity: Team, ref: ops}]
  - {context: other, update: [{ref: ops, fields: {title: X}}]}`,
			contains: "not read in this context",
		},
		{
			name:     "unknown property",
			steps:    `  - insert: [{entity: Team, ref: ops, fields: {colour: red}}]`,
			contains: `Team has no property "colour"`,
		},
		{
			name:     "unknown entity",
			steps:    `  - insert: [{entity: Ghost, ref: g}]`,
			contains: "insert g",
		},
		{
			name: "too many refs for to-one",
			steps: `  - insert:
      - {entity: Team, ref: a}
      - {entity: Team, ref: b}
      - {entity: Person, ref: p, fields: {team: [a, b]}}`,
			contains: "to-one team given 2 refs",
		},
		{
			name: "resolve without conflict",
			steps: `  - insert: [{entity: Team, ref: ops}]
  - resolve: {ref: ops, pick: {}}`,
			contains: "resolve ops: no conflict",
		},
		{
			name:     "bad fetch",
			steps:    `  - fetch: {entity: Person, result: rows}`,
			contains: `unknown result "rows"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := writeScenario(t, "name: bad\ndescription: bad\nmodel: people.cue\nsteps:\n"+tt.steps+"\n")
			_, err := Run(s)
			require.Error(t, err)
			var se *ScenarioError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestRunMissingModel(t *testing.T) {
	s := &Scenario{
		Name:        "x",
		Description: "x",
		Model:       filepath.Join(t.TempDir(), "missing.cue"),
		Stores:      []string{DefaultStore},
		Steps:       []Step{{Read: []string{"a"}}},
	}
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load model")
}

func TestMergeResolution(t *testing.T) {
	s := writeScenario(t, `
name: merge
description: disjoint edits on two peers merge into one revision
model: people.cue
stores: [local, remote]
steps:
  - insert: [{entity: Person, ref: alice, fields: {name: Alice, age: 30}}]
  - {store: remote, pull: local}
  - {store: remote, read: [alice]}
  - {store: remote, update: [{ref: alice, fields: {age: 31}}]}
  - update: [{ref: alice, fields: {name: Alicia}}]
  - {pull: remote, expect: {conflicts: 1}}
  - resolve: {ref: alice, pick: {name: Alicia}, merge: true, fields: {age: 31}}
  - {push: remote}
assertions:
  - {type: conflicts, count: 0}
  - {type: record, ref: alice, expect: {name: Alicia, age: 31}}
  - {type: record, store: remote, ref: alice, expect: {name: Alicia, age: 31}}
  - {type: leaves, store: remote, ref: alice, count: 1}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	resolve := result.Trace[6]
	assert.Equal(t, "resolve", resolve.Op)
	assert.Equal(t, 2, resolve.Result["leaves"])
	assert.ElementsMatch(t, []any{"name", "age"}, resolve.Result["divergent"])
}

func TestAssertionFailures(t *testing.T) {
	s := writeScenario(t, `
name: assertions
description: every assertion here fails
model: people.cue
steps:
  - insert:
      - {entity: Team, ref: ops, fields: {title: Ops}}
      - {entity: Person, ref: alice, fields: {name: Alice, team: ops}}
assertions:
  - {type: record, ref: alice, expect: {name: Bob, team: ops}}
  - {type: absent, ref: alice}
  - {type: count, entity: Person, count: 3}
  - {type: conflicts, count: 1}
  - {type: leaves, ref: alice, count: 2}
  - {type: record, ref: ghost}
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "fields [name] differ")
	assert.Contains(t, result.Errors[1], "Assertion failed: absent on local")
	assert.Contains(t, result.Errors[2], "Actual: 1")
	assert.Contains(t, result.Errors[3], "Expected: 1 conflicts")
	assert.Contains(t, result.Errors[4], "Expected: 2 live leaves of alice")
	assert.Contains(t, result.Errors[5], "ref never inserted")
}

func TestMarshalTraceOmitsEmptyFields(t *testing.T) {
	result := NewResult()
	result.addEvent(TraceEvent{Op: "pull", Store: "local", Result: map[string]any{"changes": 0}})
	result.addEvent(TraceEvent{Op: "read", Store: "local", Context: "main", Error: "NOT_FOUND"})

	data, err := MarshalTrace("t", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"t","trace":[{"op":"pull","result":{"changes":0},"seq":1,"store":"local"},{"context":"main","error":"NOT_FOUND","op":"read","seq":2,"store":"local"}]}`,
		string(data))
}
