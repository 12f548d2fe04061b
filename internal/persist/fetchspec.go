package persist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/codec"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
	"github.com/roach88/docmap/internal/queryir"
)

// FetchSpec is the YAML form of a fetch request:
//
//	entity: Person
//	where:
//	  and:
//	    - {field: age, op: ">=", value: 30}
//	    - {field: name, prefix: "A"}
//	sort: [{field: name, desc: true}]
//	limit: 10
//	result: records
type FetchSpec struct {
	Entity     string         `yaml:"entity"`
	Where      *PredicateSpec `yaml:"where,omitempty"`
	Sort       []SortSpec     `yaml:"sort,omitempty"`
	Limit      int            `yaml:"limit,omitempty"`
	Offset     int            `yaml:"offset,omitempty"`
	Properties []string       `yaml:"properties,omitempty"`
	Result     string         `yaml:"result,omitempty"`
}

// SortSpec is one sort key.
type SortSpec struct {
	Field string `yaml:"field"`
	Desc  bool   `yaml:"desc,omitempty"`
}

// PredicateSpec is one predicate node. Exactly one form must be used.
type PredicateSpec struct {
	Field    string     `yaml:"field,omitempty"`
	Op       string     `yaml:"op,omitempty"`
	Value    *yaml.Node `yaml:"-"` // typed against the model in Request
	In       *[]any     `yaml:"in,omitempty"`
	Between  []any      `yaml:"between,omitempty"`
	Prefix   *string    `yaml:"prefix,omitempty"`
	Contains *string    `yaml:"contains,omitempty"`

	And *[]PredicateSpec `yaml:"and,omitempty"`
	Or  *[]PredicateSpec `yaml:"or,omitempty"`
	Not *PredicateSpec   `yaml:"not,omitempty"`

	// Any filters on related records; Count on the size of a to-many
	// relationship. Both parse, neither translates.
	Any   *PredicateSpec `yaml:"any,omitempty"`
	Count *PredicateSpec `yaml:"count,omitempty"`
}

var predicateKeys = map[string]bool{
	"field": true, "op": true, "value": true, "in": true, "between": true,
	"prefix": true, "contains": true, "and": true, "or": true, "not": true,
	"any": true, "count": true,
}

// UnmarshalYAML captures the value node as written. Decoders in strict mode
// do not reach into custom unmarshalers, so unknown keys are checked here.
func (p *PredicateSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: predicate must be a mapping", node.Line)
	}
	var value *yaml.Node
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if !predicateKeys[key.Value] {
			return fmt.Errorf("line %d: field %s not found in predicate", key.Line, key.Value)
		}
		if v := node.Content[i+1]; key.Value == "value" && v.ShortTag() != "!!null" {
			value = v
		}
	}

	type plain PredicateSpec
	var out plain
	if err := node.Decode(&out); err != nil {
		return err
	}
	*p = PredicateSpec(out)
	p.Value = value
	return nil
}

// ParseFetchSpec reads a YAML fetch spec. Unknown keys are errors.
func ParseFetchSpec(r io.Reader) (FetchSpec, error) {
	var spec FetchSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return FetchSpec{}, errors.New("parse fetch spec: empty document")
		}
		return FetchSpec{}, fmt.Errorf("parse fetch spec: %w", err)
	}
	return spec, nil
}

// ParseFetchRequest reads a YAML fetch spec and types its literals with m.
func ParseFetchRequest(m *model.Model, data []byte) (FetchRequest, error) {
	spec, err := ParseFetchSpec(bytes.NewReader(data))
	if err != nil {
		return FetchRequest{}, err
	}
	return spec.Request(m)
}

// Request converts the spec to a FetchRequest. Literals are read as the
// declared type of the field they are compared with. Whether the request
// can run is decided later, by translation.
func (s FetchSpec) Request(m *model.Model) (FetchRequest, error) {
	if s.Entity == "" {
		return FetchRequest{}, errors.New("fetch spec: entity is required")
	}
	rt := ResultRecords
	if s.Result != "" {
		var ok bool
		if rt, ok = ParseResultType(s.Result); !ok {
			return FetchRequest{}, fmt.Errorf("fetch spec: unknown result %q", s.Result)
		}
	}

	f := queryir.Fetch{
		Entity:     s.Entity,
		Limit:      s.Limit,
		Offset:     s.Offset,
		Properties: s.Properties,
	}
	for _, k := range s.Sort {
		f.Sort = append(f.Sort, queryir.SortKey{Field: k.Field, Descending: k.Desc})
	}
	if s.Where != nil {
		e, _ := m.Entity(s.Entity)
		p, err := s.Where.predicate(m, e)
		if err != nil {
			return FetchRequest{}, fmt.Errorf("fetch spec: %w", err)
		}
		f.Where = p
	}
	return FetchRequest{Fetch: f, ResultType: rt}, nil
}

func (p *PredicateSpec) forms() int {
	n := 0
	for _, set := range []bool{
		p.Op != "" || p.Value != nil,
		p.In != nil,
		p.Between != nil,
		p.Prefix != nil,
		p.Contains != nil,
		p.And != nil,
		p.Or != nil,
		p.Not != nil,
		p.Any != nil,
		p.Count != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// predicate builds the predicate. e may be nil when the entity is unknown;
// literals are then read by their YAML type.
func (p *PredicateSpec) predicate(m *model.Model, e *model.Entity) (queryir.Predicate, error) {
	if n := p.forms(); n != 1 {
		return nil, fmt.Errorf("predicate on %q uses %d forms, want 1", p.Field, n)
	}

	switch {
	case p.And != nil:
		preds, err := predicates(m, e, *p.And)
		return queryir.And{Predicates: preds}, err
	case p.Or != nil:
		preds, err := predicates(m, e, *p.Or)
		return queryir.Or{Predicates: preds}, err
	case p.Not != nil:
		inner, err := p.Not.predicate(m, e)
		return queryir.Not{Predicate: inner}, err
	case p.Any != nil:
		target := e
		if e != nil {
			if r, ok := e.Relationship(p.Field); ok {
				target, _ = m.Entity(r.Target)
			}
		}
		inner, err := p.Any.predicate(m, target)
		return queryir.Subquery{Field: p.Field, Predicate: inner}, err
	case p.Count != nil:
		op, err := queryir.ParseOp(p.Count.Op)
		if err != nil {
			return nil, err
		}
		v, err := yamlValue(p.Count.Value)
		if err != nil {
			return nil, err
		}
		n, err := literal(nil, "", v)
		return queryir.Aggregate{Func: "@count", Field: p.Field, Op: op, Value: n}, err
	}

	if p.Field == "" {
		return nil, errors.New("predicate without field")
	}
	switch {
	case p.In != nil:
		values := make([]attr.Value, 0, len(*p.In))
		for _, raw := range *p.In {
			v, err := literal(e, p.Field, raw)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return queryir.In{Field: p.Field, Values: values}, nil
	case p.Between != nil:
		if len(p.Between) != 2 {
			return nil, fmt.Errorf("between on %q needs 2 values, got %d", p.Field, len(p.Between))
		}
		lo, err := literal(e, p.Field, p.Between[0])
		if err != nil {
			return nil, err
		}
		hi, err := literal(e, p.Field, p.Between[1])
		if err != nil {
			return nil, err
		}
		return queryir.Between{Field: p.Field, Low: lo, High: hi}, nil
	case p.Prefix != nil:
		return queryir.Match{Field: p.Field, Mode: queryir.Prefix, Value: *p.Prefix}, nil
	case p.Contains != nil:
		return queryir.Match{Field: p.Field, Mode: queryir.Contains, Value: *p.Contains}, nil
	}

	op := queryir.Eq
	if p.Op != "" {
		var err error
		if op, err = queryir.ParseOp(p.Op); err != nil {
			return nil, err
		}
	}
	if p.Value == nil {
		return nil, fmt.Errorf("comparison on %q has no value", p.Field)
	}
	raw, err := yamlValue(p.Value)
	if err != nil {
		return nil, err
	}
	v, err := literal(e, p.Field, raw)
	if err != nil {
		return nil, err
	}
	return queryir.Compare{Field: p.Field, Op: op, Value: v}, nil
}

func predicates(m *model.Model, e *model.Entity, specs []PredicateSpec) ([]queryir.Predicate, error) {
	out := make([]queryir.Predicate, 0, len(specs))
	for i := range specs {
		p, err := specs[i].predicate(m, e)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func yamlValue(n *yaml.Node) (any, error) {
	if n == nil {
		return nil, nil
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// literal reads raw as the declared type of field.
func literal(e *model.Entity, field string, raw any) (attr.Value, error) {
	if t, ok := raw.(time.Time); ok {
		raw = t.UTC().Format(time.RFC3339Nano)
	}
	if raw == nil {
		return attr.Null{}, nil
	}
	if e != nil {
		if a, ok := e.Attribute(field); ok && a.Kind.Valid() && a.Kind != attr.KindBinary {
			iv, err := ir.FromAny(raw)
			if err != nil {
				return nil, fmt.Errorf("value for %s: %w", field, err)
			}
			v, err := codec.Decode(iv, nil, a)
			if err != nil {
				return nil, fmt.Errorf("value for %s: %w", field, err)
			}
			return v, nil
		}
	}

	switch x := raw.(type) {
	case string:
		return attr.String(x), nil
	case bool:
		return attr.Bool(x), nil
	case int:
		return attr.Int64(x), nil
	case int64:
		return attr.Int64(x), nil
	case float64:
		return attr.Float64(x), nil
	}
	return nil, fmt.Errorf("value for %s: unsupported %T", field, raw)
}
