package persist

import (
	"fmt"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/queryir"
)

// Request is a unit of work for Context.Execute.
type Request interface {
	RequestKind() string
}

// SaveRequest writes inserted, updated and deleted records as one atomic
// save. Inserted records without an id get one assigned. Updated and
// deleted records must carry the version they were read at.
type SaveRequest struct {
	Inserted []ir.Record
	Updated  []ir.Record
	Deleted  []ir.Record
}

// RequestKind implements Request.
func (SaveRequest) RequestKind() string { return "save" }

// FetchRequest runs a fetch and returns records, ids or a count.
type FetchRequest struct {
	Fetch      queryir.Fetch
	ResultType ResultType
}

// RequestKind implements Request.
func (FetchRequest) RequestKind() string { return "fetch" }

// BatchUpdateRequest assigns Values to every record of Entity matching
// Where, in one atomic save.
type BatchUpdateRequest struct {
	Entity     string
	Where      queryir.Predicate
	Values     map[string]attr.Value
	ResultType ResultType
}

// RequestKind implements Request.
func (BatchUpdateRequest) RequestKind() string { return "batch-update" }

// ResultType selects what a fetch or batch update returns.
type ResultType int

const (
	// ResultRecords returns decoded records.
	ResultRecords ResultType = iota + 1

	// ResultIDs returns reference ids.
	ResultIDs

	// ResultCount returns the number of matches.
	ResultCount
)

var resultTypeNames = map[ResultType]string{
	ResultRecords: "records",
	ResultIDs:     "ids",
	ResultCount:   "count",
}

func (t ResultType) String() string {
	if n, ok := resultTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ResultType(%d)", int(t))
}

// ParseResultType parses the String form of a result type.
func ParseResultType(s string) (ResultType, bool) {
	for t, n := range resultTypeNames {
		if n == s {
			return t, true
		}
	}
	return 0, false
}

// Result is the outcome of Execute. Which fields are set depends on the
// request and its result type.
type Result struct {
	Records []ir.Record
	IDs     []string
	Count   int

	// Versions maps each written id to its new revision.
	Versions map[string]ir.Rev
}
