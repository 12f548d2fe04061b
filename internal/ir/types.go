package ir

import (
	"maps"
	"slices"

	"github.com/roach88/docmap/internal/attr"
)

// EntityField is the document field that tags a body with its entity name.
const EntityField = "doc_type"

// Record is the typed, object-side view of one stored object.
type Record struct {
	// Entity names the schema the record conforms to.
	Entity string `json:"entity"`

	// ID is the reference id. Assigned once, never changes, and equals the
	// document id.
	ID string `json:"id"`

	Attributes    map[string]attr.Value `json:"-"`
	Relationships map[string]Relation   `json:"relationships,omitempty"`

	// Version is the revision the record was read at (zero for inserts).
	Version Rev `json:"version,omitempty"`

	// Extra holds document fields the schema does not know about, or that
	// the current schema cannot decode. They are written back unchanged.
	Extra IRObject `json:"extra,omitempty"`

	// Deferred lists binary attributes that were not loaded.
	Deferred []string `json:"deferred,omitempty"`

	// Changed lists attribute and relationship names edited since read.
	Changed []string `json:"changed,omitempty"`
}

// Relation holds the target ids of one relationship.
// To-one relations hold zero or one id.
type Relation struct {
	IDs  []string `json:"ids"`
	Many bool     `json:"many"`
}

// ToOne builds a to-one relation. An empty id means no target.
func ToOne(id string) Relation {
	if id == "" {
		return Relation{}
	}
	return Relation{IDs: []string{id}}
}

// ToMany builds a to-many relation.
func ToMany(ids ...string) Relation {
	return Relation{IDs: slices.Clone(ids), Many: true}
}

// Target returns the id of a to-one relation, or "".
func (r Relation) Target() string {
	if len(r.IDs) == 0 {
		return ""
	}
	return r.IDs[0]
}

// Set assigns an attribute and marks it changed.
func (r *Record) Set(name string, v attr.Value) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]attr.Value)
	}
	r.Attributes[name] = v
	r.Deferred = slices.DeleteFunc(r.Deferred, func(s string) bool { return s == name })
	r.touch(name)
}

// Relate assigns a relationship and marks it changed.
func (r *Record) Relate(name string, rel Relation) {
	if r.Relationships == nil {
		r.Relationships = make(map[string]Relation)
	}
	r.Relationships[name] = rel
	r.touch(name)
}

func (r *Record) touch(name string) {
	if !slices.Contains(r.Changed, name) {
		r.Changed = append(r.Changed, name)
	}
}

// HasChanged reports whether name was edited since read.
func (r *Record) HasChanged(name string) bool {
	return slices.Contains(r.Changed, name)
}

// IsDeferred reports whether the binary attribute name was not loaded.
func (r *Record) IsDeferred(name string) bool {
	return slices.Contains(r.Deferred, name)
}

// Get returns the attribute value, or attr.Null when unset.
func (r *Record) Get(name string) attr.Value {
	if v, ok := r.Attributes[name]; ok && v != nil {
		return v
	}
	return attr.Null{}
}

// Clone returns a copy of r that shares no maps or slices with it.
// Binary attribute payloads are shared.
func (r Record) Clone() Record {
	out := r
	out.Attributes = maps.Clone(r.Attributes)
	if r.Relationships != nil {
		out.Relationships = make(map[string]Relation, len(r.Relationships))
		for k, v := range r.Relationships {
			out.Relationships[k] = Relation{IDs: slices.Clone(v.IDs), Many: v.Many}
		}
	}
	if r.Extra != nil {
		out.Extra = r.Extra.Clone()
	}
	out.Deferred = slices.Clone(r.Deferred)
	out.Changed = slices.Clone(r.Changed)
	return out
}

// Document is one revision of a stored document body.
type Document struct {
	ID      string   `json:"id"`
	Rev     Rev      `json:"rev,omitempty"`
	Fields  IRObject `json:"fields"`
	Deleted bool     `json:"deleted,omitempty"`

	// Attachments names the attachments of this revision.
	Attachments map[string]AttachmentRef `json:"attachments,omitempty"`
}

// Entity returns the entity tag of the document, or "".
func (d Document) Entity() string {
	if s, ok := d.Fields[EntityField].(IRString); ok {
		return string(s)
	}
	return ""
}

// AttachmentRef describes an attachment without its data.
type AttachmentRef struct {
	ContentType string `json:"content_type"`
	Digest      string `json:"digest"`
	Length      int64  `json:"length"`
}

// Attachment is a named binary payload belonging to one revision.
// A stub carries no data and keeps the attachment of the parent revision.
type Attachment struct {
	Name string `json:"name"`
	AttachmentRef
	Data []byte `json:"-"`
	Stub bool   `json:"stub,omitempty"`
}

// NewAttachment builds an attachment with new data.
func NewAttachment(name, contentType string, data []byte) Attachment {
	return Attachment{
		Name: name,
		AttachmentRef: AttachmentRef{
			ContentType: contentType,
			Digest:      Digest(data),
			Length:      int64(len(data)),
		},
		Data: data,
	}
}

// StubAttachment builds a stub that keeps the parent's attachment.
func StubAttachment(name string, ref AttachmentRef) Attachment {
	return Attachment{Name: name, AttachmentRef: ref, Stub: true}
}
