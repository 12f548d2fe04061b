// Package mapper converts between typed records and document bodies with
// their attachments.
package mapper

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/codec"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/model"
)

// AttachmentFetcher loads the data of one attachment of the document being
// decoded.
type AttachmentFetcher func(name string) ([]byte, error)

// Mapper converts records of one model.
type Mapper struct {
	model *model.Model
}

// New creates a Mapper for m.
func New(m *model.Model) *Mapper {
	return &Mapper{model: m}
}

// Model returns the model the mapper converts.
func (m *Mapper) Model() *model.Model {
	return m.model
}

func (m *Mapper) entity(name string) (*model.Entity, error) {
	e, ok := m.model.Entity(name)
	if !ok {
		return nil, fault.New(fault.UndefinedAttributeType, "map", "unknown entity %q", name)
	}
	return e, nil
}

// ToDocument builds the document body and attachment set for rec.
//
// base is the revision the record was read from (nil for inserts). With
// changedOnly, the base fields are kept and only names listed in
// rec.Changed are re-encoded. Binary attributes that are deferred, absent, or
// unchanged keep the base attachment as a stub; an explicit Null removes it.
//
// The whole record is validated first; on error nothing is returned.
func (m *Mapper) ToDocument(rec ir.Record, base *ir.Document, changedOnly bool) (ir.Document, []ir.Attachment, error) {
	e, err := m.entity(rec.Entity)
	if err != nil {
		return ir.Document{}, nil, err
	}
	if rec.ID == "" {
		return ir.Document{}, nil, fault.New(fault.BadPath, "map", "%s record has no reference id", rec.Entity)
	}
	if err := checkNames(e, rec); err != nil {
		return ir.Document{}, nil, err
	}
	if base == nil {
		changedOnly = false
	}

	include := func(name string) bool {
		return !changedOnly || rec.HasChanged(name)
	}

	var fields ir.IRObject
	if changedOnly {
		fields = base.Fields.Clone()
	} else {
		fields = make(ir.IRObject, len(e.Attributes)+len(e.Relationships)+len(rec.Extra)+1)
		for k, v := range rec.Extra {
			if k != ir.EntityField && !e.Has(k) {
				fields[k] = ir.CloneValue(v)
			}
		}
	}
	fields[ir.EntityField] = ir.IRString(e.Name)

	var atts []ir.Attachment
	for _, a := range e.Attributes {
		if a.Kind == attr.KindBinary {
			att, keep, err := binaryAttachment(rec, a, base, include(a.Name))
			if err != nil {
				return ir.Document{}, nil, err
			}
			if keep {
				atts = append(atts, att)
			}
			continue
		}
		if !include(a.Name) {
			continue
		}
		if raw, ok := preserved(rec, a.Name); ok {
			fields[a.Name] = raw
			continue
		}
		enc, err := codec.Encode(rec.Get(a.Name), a)
		if err != nil {
			return ir.Document{}, nil, err
		}
		fields[a.Name] = enc.Field
	}

	for _, r := range e.Relationships {
		if !include(r.Name) {
			continue
		}
		if raw, ok := preserved(rec, r.Name); ok {
			fields[r.Name] = raw
			continue
		}
		v, err := encodeRelation(e.Name, r, rec.Relationships[r.Name])
		if err != nil {
			return ir.Document{}, nil, err
		}
		fields[r.Name] = v
	}

	doc := ir.Document{
		ID:     rec.ID,
		Rev:    rec.Version,
		Fields: fields,
	}
	if len(atts) > 0 {
		doc.Attachments = make(map[string]ir.AttachmentRef, len(atts))
		for _, att := range atts {
			doc.Attachments[att.Name] = att.AttachmentRef
		}
	}
	return doc, atts, nil
}

// preserved returns the stored field kept in Extra for a declared name that
// could not be decoded, as long as the caller has not assigned a new value.
func preserved(rec ir.Record, name string) (ir.IRValue, bool) {
	raw, ok := rec.Extra[name]
	if !ok || rec.HasChanged(name) {
		return nil, false
	}
	return ir.CloneValue(raw), true
}

// checkNames rejects attribute or relationship values the entity does not
// declare.
func checkNames(e *model.Entity, rec ir.Record) error {
	for name := range rec.Attributes {
		if _, ok := e.Attribute(name); !ok {
			return fault.New(fault.UndefinedAttributeType, "map", "%s has no attribute %q", e.Name, name)
		}
	}
	for name := range rec.Relationships {
		if _, ok := e.Relationship(name); !ok {
			return fault.New(fault.UndefinedAttributeType, "map", "%s has no relationship %q", e.Name, name)
		}
	}
	return nil
}

// binaryAttachment decides the attachment of a binary attribute. keep is
// false when the document should carry no attachment for it.
func binaryAttachment(rec ir.Record, a model.Attribute, base *ir.Document, include bool) (ir.Attachment, bool, error) {
	var baseRef *ir.AttachmentRef
	if base != nil {
		if ref, ok := base.Attachments[a.Name]; ok {
			baseRef = &ref
		}
	}

	v, present := rec.Attributes[a.Name]
	if !include || !present || rec.IsDeferred(a.Name) {
		if baseRef == nil {
			return ir.Attachment{}, false, nil
		}
		return ir.StubAttachment(a.Name, *baseRef), true, nil
	}

	enc, err := codec.Encode(v, a)
	if err != nil {
		return ir.Attachment{}, false, err
	}
	if enc.Attachment == nil {
		return ir.Attachment{}, false, nil
	}
	if baseRef != nil && baseRef.Digest == enc.Attachment.Digest && baseRef.ContentType == enc.Attachment.ContentType {
		return ir.StubAttachment(a.Name, *baseRef), true, nil
	}
	return *enc.Attachment, true, nil
}

func encodeRelation(entity string, r model.Relationship, rel ir.Relation) (ir.IRValue, error) {
	for _, id := range rel.IDs {
		if id == "" {
			return nil, fault.New(fault.UndefinedAttributeType, "map", "%s.%s holds an empty id", entity, r.Name)
		}
	}
	if !r.ToMany {
		switch len(rel.IDs) {
		case 0:
			return ir.IRNull{}, nil
		case 1:
			return ir.IRString(rel.IDs[0]), nil
		default:
			return nil, fault.New(fault.UndefinedAttributeType, "map",
				"to-one %s.%s holds %d ids", entity, r.Name, len(rel.IDs))
		}
	}

	ids := slices.Clone(rel.IDs)
	if !r.Ordered {
		slices.Sort(ids)
	}
	arr := make(ir.IRArray, len(ids))
	for i, id := range ids {
		arr[i] = ir.IRString(id)
	}
	return arr, nil
}

// FromDocument decodes doc into a record of the entity named by its tag.
//
// Missing fields decode to the declared default (or Null). Fields unknown
// to the schema, or not decodable under it, are kept in Extra so a later
// save writes them back. Binary attributes are loaded through fetch only
// when named in properties (nil means all); the rest are listed in Deferred.
func (m *Mapper) FromDocument(doc ir.Document, fetch AttachmentFetcher, properties []string) (ir.Record, error) {
	e, err := m.entity(doc.Entity())
	if err != nil {
		return ir.Record{}, err
	}

	rec := ir.Record{
		Entity:        e.Name,
		ID:            doc.ID,
		Version:       doc.Rev,
		Attributes:    make(map[string]attr.Value, len(e.Attributes)),
		Relationships: make(map[string]ir.Relation, len(e.Relationships)),
	}
	keepExtra := func(name string, v ir.IRValue, cause error) {
		slog.Warn("preserving undecodable field",
			"entity", e.Name,
			"id", doc.ID,
			"field", name,
			"error", cause,
		)
		if rec.Extra == nil {
			rec.Extra = make(ir.IRObject)
		}
		rec.Extra[name] = ir.CloneValue(v)
	}

	for _, a := range e.Attributes {
		if a.Kind == attr.KindBinary {
			if _, ok := doc.Attachments[a.Name]; !ok {
				rec.Attributes[a.Name] = attr.Null{}
				continue
			}
			if properties != nil && !slices.Contains(properties, a.Name) {
				rec.Deferred = append(rec.Deferred, a.Name)
				continue
			}
			if err := loadBinary(&rec, a, fetch); err != nil {
				return ir.Record{}, err
			}
			continue
		}

		field, ok := doc.Fields[a.Name]
		if !ok || isNull(field) {
			rec.Attributes[a.Name] = defaultOf(a)
			continue
		}
		v, err := codec.Decode(field, nil, a)
		if err != nil {
			keepExtra(a.Name, field, err)
			rec.Attributes[a.Name] = defaultOf(a)
			continue
		}
		rec.Attributes[a.Name] = v
	}

	for _, r := range e.Relationships {
		field, ok := doc.Fields[r.Name]
		if !ok || isNull(field) {
			rec.Relationships[r.Name] = ir.Relation{Many: r.ToMany}
			continue
		}
		rel, err := decodeRelation(r, field)
		if err != nil {
			keepExtra(r.Name, field, err)
			rec.Relationships[r.Name] = ir.Relation{Many: r.ToMany}
			continue
		}
		rec.Relationships[r.Name] = rel
	}

	for name, v := range doc.Fields {
		if name == ir.EntityField || e.Has(name) {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(ir.IRObject)
		}
		rec.Extra[name] = ir.CloneValue(v)
	}

	return rec, nil
}

// LoadDeferred faults in one deferred binary attribute of rec.
func (m *Mapper) LoadDeferred(rec *ir.Record, name string, fetch AttachmentFetcher) error {
	e, err := m.entity(rec.Entity)
	if err != nil {
		return err
	}
	a, ok := e.Attribute(name)
	if !ok || a.Kind != attr.KindBinary {
		return fault.New(fault.UndefinedAttributeType, "load", "%s has no binary attribute %q", e.Name, name)
	}
	if !rec.IsDeferred(name) {
		return nil
	}
	if err := loadBinary(rec, a, fetch); err != nil {
		return err
	}
	rec.Deferred = slices.DeleteFunc(rec.Deferred, func(s string) bool { return s == name })
	return nil
}

func loadBinary(rec *ir.Record, a model.Attribute, fetch AttachmentFetcher) error {
	if fetch == nil {
		return fmt.Errorf("load attachment %q of %s: no fetcher", a.Name, rec.ID)
	}
	data, err := fetch(a.Name)
	if err != nil {
		return fmt.Errorf("load attachment %q of %s: %w", a.Name, rec.ID, err)
	}
	if data == nil {
		data = []byte{}
	}
	v, err := codec.Decode(nil, data, a)
	if err != nil {
		return err
	}
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]attr.Value)
	}
	rec.Attributes[a.Name] = v
	return nil
}

func decodeRelation(r model.Relationship, field ir.IRValue) (ir.Relation, error) {
	if !r.ToMany {
		s, ok := field.(ir.IRString)
		if !ok || s == "" {
			return ir.Relation{}, fmt.Errorf("to-one %s stored as %T", r.Name, field)
		}
		return ir.ToOne(string(s)), nil
	}
	arr, ok := field.(ir.IRArray)
	if !ok {
		return ir.Relation{}, fmt.Errorf("to-many %s stored as %T", r.Name, field)
	}
	ids := make([]string, 0, len(arr))
	for i, v := range arr {
		s, ok := v.(ir.IRString)
		if !ok || s == "" {
			return ir.Relation{}, fmt.Errorf("to-many %s element %d stored as %T", r.Name, i, v)
		}
		ids = append(ids, string(s))
	}
	return ir.Relation{IDs: ids, Many: true}, nil
}

func defaultOf(a model.Attribute) attr.Value {
	if a.Default != nil {
		return a.Default
	}
	return attr.Null{}
}

func isNull(v ir.IRValue) bool {
	_, ok := v.(ir.IRNull)
	return v == nil || ok
}
