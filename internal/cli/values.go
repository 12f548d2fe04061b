package cli

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/codec"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
)

// assign applies one name=value assignment to rec. Values are YAML scalars
// or flow sequences:
//
//	name=Alice  age=30  salary="12.50"  born=2001-02-03T00:00:00Z
//	team=<id>   friends=[<id>, <id>]    photo=@face.png   nickname=null
//
// A binary value starting with @ is read from that file.
func assign(rec *ir.Record, e *model.Entity, expr string) error {
	name, raw, ok := strings.Cut(expr, "=")
	if !ok || name == "" {
		return fmt.Errorf("assignment %q: want name=value", expr)
	}

	if r, ok := e.Relationship(name); ok {
		rel, err := parseRelation(r, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		rec.Relate(name, rel)
		return nil
	}

	a, ok := e.Attribute(name)
	if !ok {
		return fmt.Errorf("%s has no property %q", e.Name, name)
	}
	v, err := parseValue(a, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	rec.Set(name, v)
	return nil
}

func parseValue(a model.Attribute, raw string) (attr.Value, error) {
	if a.Kind == attr.KindBinary {
		if raw == "null" {
			return attr.Null{}, nil
		}
		if path, ok := strings.CutPrefix(raw, "@"); ok {
			data, err := readInput(path)
			if err != nil {
				return nil, err
			}
			return attr.Binary(data), nil
		}
		return attr.Binary(raw), nil
	}

	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(time.RFC3339Nano)
	}
	// Strings and decimals keep the text as typed, so "007" stays a string
	// and "0.10" keeps its digits.
	if _, isString := v.(string); !isString && v != nil {
		if a.Kind == attr.KindString || a.Kind == attr.KindDecimal {
			v = raw
		}
	}
	iv, err := ir.FromAny(v)
	if err != nil {
		return nil, err
	}
	return codec.Decode(iv, nil, a)
}

func parseRelation(r model.Relationship, raw string) (ir.Relation, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return ir.Relation{}, fmt.Errorf("parse %q: %w", raw, err)
	}

	var ids []string
	switch x := v.(type) {
	case nil:
	case string:
		ids = []string{x}
	case []any:
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return ir.Relation{}, fmt.Errorf("%v is not an id", item)
			}
			ids = append(ids, s)
		}
	default:
		return ir.Relation{}, fmt.Errorf("%q is not an id or list of ids", raw)
	}

	if r.ToMany {
		if !r.Ordered {
			slices.Sort(ids)
		}
		return ir.ToMany(ids...), nil
	}
	switch len(ids) {
	case 0:
		return ir.Relation{}, nil
	case 1:
		return ir.ToOne(ids[0]), nil
	}
	return ir.Relation{}, fmt.Errorf("to-one relationship given %d ids", len(ids))
}

// readInput reads a file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// displayValue renders an attribute value for output. Binary values are
// summarized by size.
func displayValue(v attr.Value) any {
	switch x := v.(type) {
	case nil, attr.Null:
		return nil
	case attr.String:
		return string(x)
	case attr.Bool:
		return bool(x)
	case attr.Int16:
		return int64(x)
	case attr.Int32:
		return int64(x)
	case attr.Int64:
		return int64(x)
	case attr.Float32:
		return float64(x)
	case attr.Float64:
		return float64(x)
	case attr.Decimal:
		return x.String()
	case attr.Date:
		return x.UTC().Format(time.RFC3339Nano)
	case attr.Binary:
		return fmt.Sprintf("<%d bytes>", len(x))
	}
	return fmt.Sprint(v)
}
