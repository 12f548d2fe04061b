// Package querysql translates fetch requests into parameterized SQLite
// queries over the documents table.
//
// Translation is all or nothing: a request containing any node that cannot
// be compiled exactly fails with RequestNotSupported and no SQL is produced.
//
// CRITICAL: every query ends with the id COLLATE BINARY ASC tiebreaker.
// CRITICAL: all values are parameterized, never interpolated. Field names
// are interpolated into JSON paths only after they are checked against the
// model, whose names are plain identifiers.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/codec"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/model"
	"github.com/roach88/docmap/internal/queryir"
	"github.com/roach88/docmap/internal/store"
)

// QuerySpec is a compiled fetch. It only exists when translation succeeded.
type QuerySpec struct {
	Entity string

	// SQL selects matching document ids in result order.
	SQL  string
	Args []any

	// Properties is the binary attribute subset to load (nil = all).
	Properties []string
}

// CountSQL wraps the query to count matching documents.
func (q QuerySpec) CountSQL() string {
	return "SELECT COUNT(*) FROM (" + q.SQL + ")"
}

// Translator compiles fetch requests against one model.
type Translator struct {
	model *model.Model
}

// NewTranslator creates a Translator for m.
func NewTranslator(m *model.Model) *Translator {
	return &Translator{model: m}
}

// Translate compiles f. Fails with RequestNotSupported when any part of the
// request cannot be compiled exactly.
func (t *Translator) Translate(f queryir.Fetch) (QuerySpec, error) {
	if result := queryir.Validate(f); !result.Valid {
		return QuerySpec{}, unsupported("%s", strings.Join(result.Problems, "; "))
	}
	e, ok := t.model.Entity(f.Entity)
	if !ok {
		return QuerySpec{}, unsupported("unknown entity %q", f.Entity)
	}
	for _, p := range f.Properties {
		if !e.Has(p) {
			return QuerySpec{}, unsupported("%s has no property %q", e.Name, p)
		}
	}

	c := &compiler{entity: e}
	var sb strings.Builder
	sb.WriteString("SELECT id FROM documents WHERE entity = ? AND deleted = 0")
	c.args = append(c.args, e.Name)

	if f.Where != nil {
		where, err := c.predicate(f.Where)
		if err != nil {
			return QuerySpec{}, err
		}
		sb.WriteString(" AND (")
		sb.WriteString(where)
		sb.WriteString(")")
	}

	sb.WriteString(" ORDER BY ")
	for _, k := range f.Sort {
		a, err := c.sortable(k.Field)
		if err != nil {
			return QuerySpec{}, err
		}
		sb.WriteString(store.FieldExpr(a.Name))
		if k.Descending {
			sb.WriteString(" DESC, ")
		} else {
			sb.WriteString(" ASC, ")
		}
	}
	// MANDATORY: deterministic tiebreaker
	sb.WriteString("id COLLATE BINARY ASC")

	switch {
	case f.Limit > 0:
		sb.WriteString(" LIMIT ?")
		c.args = append(c.args, int64(f.Limit))
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			c.args = append(c.args, int64(f.Offset))
		}
	case f.Offset > 0:
		// SQLite needs a LIMIT before OFFSET; -1 means none.
		sb.WriteString(" LIMIT -1 OFFSET ?")
		c.args = append(c.args, int64(f.Offset))
	}

	return QuerySpec{
		Entity:     e.Name,
		SQL:        sb.String(),
		Args:       c.args,
		Properties: f.Properties,
	}, nil
}

func unsupported(format string, args ...any) error {
	return fault.New(fault.RequestNotSupported, "translate", format, args...)
}

// compiler accumulates parameters for one request.
type compiler struct {
	entity *model.Entity
	args   []any
}

// operand is a comparable field: an attribute, or a to-one relationship
// compared by target id.
type operand struct {
	attr     model.Attribute
	relation bool
}

func (c *compiler) operand(field string) (operand, error) {
	if a, ok := c.entity.Attribute(field); ok {
		switch {
		case a.Kind == attr.KindBinary:
			return operand{}, unsupported("binary attribute %s.%s cannot be filtered", c.entity.Name, field)
		case !a.Kind.Valid():
			return operand{}, unsupported("attribute %s.%s has an undefined type", c.entity.Name, field)
		}
		return operand{attr: a}, nil
	}
	if r, ok := c.entity.Relationship(field); ok {
		if r.ToMany {
			return operand{}, unsupported("to-many relationship %s.%s cannot be filtered", c.entity.Name, field)
		}
		// Target ids are stored as strings.
		return operand{attr: model.Attribute{Name: r.Name, Kind: attr.KindString}, relation: true}, nil
	}
	return operand{}, unsupported("%s has no property %q", c.entity.Name, field)
}

// ordered reports whether the stored form of the operand sorts like its
// values.
func (o operand) ordered() bool {
	return !o.relation && codec.OrderPreserving(o.attr.Kind)
}

func (c *compiler) literal(o operand, v attr.Value) (any, error) {
	if attr.IsNull(v) {
		return nil, unsupported("null literal for %s; comparisons with null are always false", o.attr.Name)
	}
	if v.Kind() != o.attr.Kind {
		return nil, unsupported("%s literal for %s property %s", v.Kind(), o.attr.Kind, o.attr.Name)
	}
	param, err := codec.Literal(v, o.attr)
	if err != nil {
		return nil, fault.Wrap(fault.RequestNotSupported, "translate", err, "literal for %s", o.attr.Name)
	}
	return param, nil
}

func (c *compiler) sortable(field string) (model.Attribute, error) {
	a, ok := c.entity.Attribute(field)
	if !ok {
		return a, unsupported("cannot sort %s on %q: not an attribute", c.entity.Name, field)
	}
	if !a.Indexed {
		return a, unsupported("cannot sort %s on %q: attribute is not indexed", c.entity.Name, field)
	}
	if !codec.OrderPreserving(a.Kind) {
		return a, unsupported("cannot sort %s on %q: %s values have no stored order", c.entity.Name, field, a.Kind)
	}
	return a, nil
}

// predicate compiles p to a SQL condition that is true, false or NULL. NULL
// arises only from missing fields and is treated as false; Not therefore
// coalesces its operand before inverting it.
func (c *compiler) predicate(p queryir.Predicate) (string, error) {
	if p == nil {
		return "", unsupported("nil predicate")
	}

	switch pred := queryir.Unwrap(p).(type) {
	case queryir.Compare:
		return c.compare(pred)
	case queryir.In:
		return c.in(pred)
	case queryir.Between:
		return c.between(pred)
	case queryir.Match:
		return c.match(pred)
	case queryir.And:
		return c.junction(pred.Predicates, " AND ", "1")
	case queryir.Or:
		return c.junction(pred.Predicates, " OR ", "0")
	case queryir.Not:
		inner, err := c.predicate(pred.Predicate)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT COALESCE((%s), 0)", inner), nil
	case queryir.Subquery:
		return "", unsupported("subquery on %s.%s", c.entity.Name, pred.Field)
	case queryir.Aggregate:
		return "", unsupported("aggregate %s over %s.%s", pred.Func, c.entity.Name, pred.Field)
	default:
		return "", unsupported("unsupported predicate type: %T", p)
	}
}

var sqlOps = map[queryir.Op]string{
	queryir.Eq: "=",
	queryir.Ne: "!=",
	queryir.Lt: "<",
	queryir.Le: "<=",
	queryir.Gt: ">",
	queryir.Ge: ">=",
}

func (c *compiler) compare(cmp queryir.Compare) (string, error) {
	o, err := c.operand(cmp.Field)
	if err != nil {
		return "", err
	}
	op, ok := sqlOps[cmp.Op]
	if !ok {
		return "", unsupported("unknown operator %s", cmp.Op)
	}
	if cmp.Op.Ordering() && !o.ordered() {
		return "", unsupported("operator %s on %s: stored values have no order", cmp.Op, cmp.Field)
	}
	param, err := c.literal(o, cmp.Value)
	if err != nil {
		return "", err
	}
	c.args = append(c.args, param)
	return fmt.Sprintf("%s %s ?", store.FieldExpr(o.attr.Name), op), nil
}

func (c *compiler) in(in queryir.In) (string, error) {
	o, err := c.operand(in.Field)
	if err != nil {
		return "", err
	}
	if len(in.Values) == 0 {
		return "0", nil
	}
	params := make([]any, 0, len(in.Values))
	for _, v := range in.Values {
		param, err := c.literal(o, v)
		if err != nil {
			return "", err
		}
		params = append(params, param)
	}
	c.args = append(c.args, params...)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(params)), ", ")
	return fmt.Sprintf("%s IN (%s)", store.FieldExpr(o.attr.Name), marks), nil
}

func (c *compiler) between(b queryir.Between) (string, error) {
	o, err := c.operand(b.Field)
	if err != nil {
		return "", err
	}
	if !o.ordered() {
		return "", unsupported("between on %s: stored values have no order", b.Field)
	}
	lo, err := c.literal(o, b.Low)
	if err != nil {
		return "", err
	}
	hi, err := c.literal(o, b.High)
	if err != nil {
		return "", err
	}
	c.args = append(c.args, lo, hi)
	return fmt.Sprintf("%s BETWEEN ? AND ?", store.FieldExpr(o.attr.Name)), nil
}

func (c *compiler) match(m queryir.Match) (string, error) {
	o, err := c.operand(m.Field)
	if err != nil {
		return "", err
	}
	if o.relation || o.attr.Kind != attr.KindString {
		return "", unsupported("%s match on non-string property %s", m.Mode, m.Field)
	}
	expr := store.FieldExpr(o.attr.Name)
	if m.Value == "" {
		// Every string starts with and contains the empty string.
		return fmt.Sprintf("%s IS NOT NULL", expr), nil
	}
	c.args = append(c.args, m.Value)
	switch m.Mode {
	case queryir.Prefix:
		return fmt.Sprintf("instr(%s, ?) = 1", expr), nil
	case queryir.Contains:
		return fmt.Sprintf("instr(%s, ?) > 0", expr), nil
	}
	return "", unsupported("unknown match mode %s", m.Mode)
}

func (c *compiler) junction(preds []queryir.Predicate, sep, empty string) (string, error) {
	if len(preds) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		sql, err := c.predicate(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+sql+")")
	}
	return strings.Join(parts, sep), nil
}
