package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docmap/internal/persist"
)

// DefaultStore is the store steps run against when they name none.
const DefaultStore = "local"

// DefaultContext is the editing context steps use when they name none.
const DefaultContext = "main"

// Scenario is one conformance scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Model is the CUE model file or directory, relative to the scenario
	// file once loaded.
	Model string `yaml:"model"`

	// Stores names the stores to open. Defaults to [local].
	Stores []string `yaml:"stores,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation. Exactly one of the operation fields is set.
type Step struct {
	Store   string `yaml:"store,omitempty"`
	Context string `yaml:"context,omitempty"`

	Insert  []RecordSpec       `yaml:"insert,omitempty"`
	Read    []string           `yaml:"read,omitempty"`
	Update  []RecordSpec       `yaml:"update,omitempty"`
	Delete  []string           `yaml:"delete,omitempty"`
	Fetch   *persist.FetchSpec `yaml:"fetch,omitempty"`
	Pull    string             `yaml:"pull,omitempty"`
	Push    string             `yaml:"push,omitempty"`
	Resolve *ResolveSpec       `yaml:"resolve,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// RecordSpec describes a record by ref. Fields hold attribute values and,
// for relationships, refs of target records.
type RecordSpec struct {
	Entity string         `yaml:"entity,omitempty"`
	Ref    string         `yaml:"ref"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// ResolveSpec resolves the conflict of one record. Pick selects the
// revision whose fields match; Merge combines all revisions starting from
// it; Fields are applied on top of the result.
type ResolveSpec struct {
	Ref    string         `yaml:"ref"`
	Pick   map[string]any `yaml:"pick"`
	Merge  bool           `yaml:"merge,omitempty"`
	Union  bool           `yaml:"union,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Expect states how a step must turn out.
type Expect struct {
	// Error is the expected error kind, such as CONFLICT or
	// REQUEST_NOT_SUPPORTED.
	Error string `yaml:"error,omitempty"`

	// Stale lists the refs a CONFLICT must report.
	Stale []string `yaml:"stale,omitempty"`

	// Refs is the expected fetch result, in order.
	Refs []string `yaml:"refs,omitempty"`

	Count     *int `yaml:"count,omitempty"`
	Conflicts *int `yaml:"conflicts,omitempty"`
}

// Op returns the name of the step's operation, or "" when none or several
// are set.
func (s Step) Op() string {
	var ops []string
	if s.Insert != nil {
		ops = append(ops, "insert")
	}
	if s.Read != nil {
		ops = append(ops, "read")
	}
	if s.Update != nil {
		ops = append(ops, "update")
	}
	if s.Delete != nil {
		ops = append(ops, "delete")
	}
	if s.Fetch != nil {
		ops = append(ops, "fetch")
	}
	if s.Pull != "" {
		ops = append(ops, "pull")
	}
	if s.Push != "" {
		ops = append(ops, "push")
	}
	if s.Resolve != nil {
		ops = append(ops, "resolve")
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// LoadScenario reads a scenario file. The model path is resolved against
// the file's directory. Unknown keys are errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(s.Model) {
		s.Model = filepath.Join(filepath.Dir(path), s.Model)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(s.Stores) == 0 {
		s.Stores = []string{DefaultStore}
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if s.Model == "" {
		return errors.New("model is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	known := func(store string) bool {
		return store == "" || slices.Contains(s.Stores, store)
	}
	for i, step := range s.Steps {
		op := step.Op()
		if op == "" {
			return fmt.Errorf("step %d: exactly one operation is required", i+1)
		}
		if !known(step.Store) {
			return fmt.Errorf("step %d: unknown store %q", i+1, step.Store)
		}
		if op == "pull" && !known(step.Pull) || op == "push" && !known(step.Push) {
			return fmt.Errorf("step %d: unknown peer store", i+1)
		}
		for _, r := range step.Insert {
			if r.Entity == "" || r.Ref == "" {
				return fmt.Errorf("step %d: inserts need entity and ref", i+1)
			}
		}
		for _, r := range step.Update {
			if r.Ref == "" {
				return fmt.Errorf("step %d: updates need a ref", i+1)
			}
		}
	}

	for i, a := range s.Assertions {
		if !slices.Contains(assertionTypes, a.Type) {
			return fmt.Errorf("assertion %d: unknown type %q", i+1, a.Type)
		}
		if !known(a.Store) {
			return fmt.Errorf("assertion %d: unknown store %q", i+1, a.Store)
		}
	}
	return nil
}
