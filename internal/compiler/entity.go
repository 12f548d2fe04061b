// Package compiler turns CUE model files into entity schemas.
//
// A model file declares entities under the top-level "entity" field:
//
//	entity: Person: {
//		attributes: {
//			name:  {type: "string", indexed: true}
//			age:   {type: "int32", default: 0}
//			photo: {type: "binary", content_type: "image/png"}
//			nick:  "string"
//		}
//		relationships: {
//			team: {target: "Team", inverse: "members"}
//		}
//	}
//
// Attribute and relationship order follows declaration order.
package compiler

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/model"
)

// unsupportedKinds are type names that can be declared but not stored.
// Attributes of these types fail when a value is encoded.
var unsupportedKinds = map[string]bool{
	"undefined":     true,
	"transformable": true,
	"objectid":      true,
}

// CompileModel compiles every entity under the "entity" field of v and
// validates the result as a whole.
func CompileModel(v cue.Value) (*model.Model, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	entitiesVal := v.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, &CompileError{
			Field:   "entity",
			Message: "no entities declared",
			Pos:     v.Pos(),
		}
	}

	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var entities []model.Entity
	for iter.Next() {
		e, err := CompileEntity(iter.Value())
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}

	m, err := model.New(entities...)
	if err != nil {
		return nil, &CompileError{Field: "entity", Message: err.Error(), Pos: entitiesVal.Pos()}
	}
	return m, nil
}

// CompileEntity parses a CUE value into an entity schema.
// The entity name is taken from the value's path label, e.g.:
//
//	v := ctx.CompileString(`entity: Person: { ... }`)
//	e, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.Person")))
func CompileEntity(v cue.Value) (*model.Entity, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	e := &model.Entity{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		e.Name = labels[len(labels)-1].String()
	}

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if attrsVal.Exists() {
		iter, err := attrsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			a, err := parseAttribute(e.Name, iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			e.Attributes = append(e.Attributes, a)
		}
	}

	relsVal := v.LookupPath(cue.ParsePath("relationships"))
	if relsVal.Exists() {
		iter, err := relsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			r, err := parseRelationship(e.Name, iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			e.Relationships = append(e.Relationships, r)
		}
	}

	if len(e.Attributes) == 0 && len(e.Relationships) == 0 {
		return nil, &CompileError{
			Field:   e.Name,
			Message: "entity declares no attributes or relationships",
			Pos:     v.Pos(),
		}
	}

	return e, nil
}

// parseAttribute accepts either a bare type name or a struct with a type
// field and optional indexed, default and content_type fields.
func parseAttribute(entity, name string, v cue.Value) (model.Attribute, error) {
	a := model.Attribute{Name: name}
	field := fmt.Sprintf("%s.attributes.%s", entity, name)

	typeVal := v
	if v.IncompleteKind() == cue.StructKind {
		typeVal = v.LookupPath(cue.ParsePath("type"))
		if !typeVal.Exists() {
			return a, &CompileError{Field: field + ".type", Message: "attribute type is required", Pos: v.Pos()}
		}
	}
	typeName, err := typeVal.String()
	if err != nil {
		return a, formatCUEError(err)
	}
	kind, ok := attr.ParseKind(typeName)
	if !ok && !unsupportedKinds[typeName] {
		return a, &CompileError{
			Field:   field + ".type",
			Message: fmt.Sprintf("unknown attribute type %q", typeName),
			Pos:     typeVal.Pos(),
		}
	}
	a.Kind = kind

	if v.IncompleteKind() != cue.StructKind {
		return a, nil
	}

	if idx := v.LookupPath(cue.ParsePath("indexed")); idx.Exists() {
		if a.Indexed, err = idx.Bool(); err != nil {
			return a, formatCUEError(err)
		}
	}
	if ct := v.LookupPath(cue.ParsePath("content_type")); ct.Exists() {
		if a.ContentType, err = ct.String(); err != nil {
			return a, formatCUEError(err)
		}
	}
	if def := v.LookupPath(cue.ParsePath("default")); def.Exists() {
		if a.Default, err = parseDefault(field+".default", kind, def); err != nil {
			return a, err
		}
	}
	return a, nil
}

func parseDefault(field string, kind attr.Kind, v cue.Value) (attr.Value, error) {
	if v.IsNull() {
		return attr.Null{}, nil
	}
	fail := func(msg string) error {
		return &CompileError{Field: field, Message: msg, Pos: v.Pos()}
	}

	switch kind {
	case attr.KindString:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return attr.String(s), nil
	case attr.KindBool:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return attr.Bool(b), nil
	case attr.KindInt16, attr.KindInt32, attr.KindInt64:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		val, err := attr.IntValue(kind, n)
		if err != nil {
			return nil, fail(err.Error())
		}
		return val, nil
	case attr.KindFloat32, attr.KindFloat64:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		val, err := attr.FloatValue(kind, f)
		if err != nil {
			return nil, fail(err.Error())
		}
		return val, nil
	case attr.KindDecimal:
		s, err := v.String()
		if err != nil {
			return nil, fail("decimal defaults are written as strings")
		}
		d, err := attr.NewDecimal(s)
		if err != nil {
			return nil, fail(err.Error())
		}
		return d, nil
	case attr.KindDate:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fail(fmt.Sprintf("date default must be RFC 3339: %v", err))
		}
		return attr.NewDate(t.UTC()), nil
	default:
		return nil, fail(fmt.Sprintf("%s attributes cannot have a default", kind))
	}
}

func parseRelationship(entity, name string, v cue.Value) (model.Relationship, error) {
	r := model.Relationship{Name: name}
	field := fmt.Sprintf("%s.relationships.%s", entity, name)

	targetVal := v.LookupPath(cue.ParsePath("target"))
	if !targetVal.Exists() {
		return r, &CompileError{Field: field + ".target", Message: "relationship target is required", Pos: v.Pos()}
	}
	var err error
	if r.Target, err = targetVal.String(); err != nil {
		return r, formatCUEError(err)
	}

	for label, dst := range map[string]*bool{"to_many": &r.ToMany, "ordered": &r.Ordered} {
		if fv := v.LookupPath(cue.ParsePath(label)); fv.Exists() {
			if *dst, err = fv.Bool(); err != nil {
				return r, formatCUEError(err)
			}
		}
	}
	if inv := v.LookupPath(cue.ParsePath("inverse")); inv.Exists() {
		if r.Inverse, err = inv.String(); err != nil {
			return r, formatCUEError(err)
		}
	}
	return r, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
