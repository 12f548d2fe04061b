package querysql

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/queryir"
	"github.com/roach88/docmap/internal/testutil"
)

const crew = "00000000-0000-7000-8000-000000000900"

func day(y int, m time.Month, d int) attr.Date {
	return attr.NewDate(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// TestTranslateGolden pins the exact SQL and parameters of representative
// requests.
func TestTranslateGolden(t *testing.T) {
	tests := []struct {
		name  string
		fetch queryir.Fetch
	}{
		{
			name: "name_eq",
			fetch: queryir.Fetch{
				Entity: "Person",
				Where:  queryir.Compare{Field: "name", Op: queryir.Eq, Value: attr.String("Alice")},
			},
		},
		{
			name: "compound_sorted_paged",
			fetch: queryir.Fetch{
				Entity: "Person",
				Where: queryir.And{Predicates: []queryir.Predicate{
					queryir.Compare{Field: "age", Op: queryir.Ge, Value: attr.Int32(18)},
					queryir.Or{Predicates: []queryir.Predicate{
						queryir.Match{Field: "name", Mode: queryir.Prefix, Value: "A"},
						queryir.Not{Predicate: queryir.In{Field: "team", Values: []attr.Value{attr.String(crew)}}},
					}},
				}},
				Sort:   []queryir.SortKey{{Field: "age", Descending: true}, {Field: "name"}},
				Limit:  10,
				Offset: 20,
			},
		},
		{
			name: "between_offset_only",
			fetch: queryir.Fetch{
				Entity: "Person",
				Where: queryir.And{Predicates: []queryir.Predicate{
					queryir.Between{Field: "born", Low: day(2000, 1, 1), High: day(2010, 12, 31)},
					queryir.Compare{Field: "active", Op: queryir.Eq, Value: attr.Bool(true)},
				}},
				Offset: 5,
			},
		},
		{
			name: "empty_or",
			fetch: queryir.Fetch{
				Entity: "Person",
				Where:  queryir.Or{},
				Sort:   []queryir.SortKey{{Field: "height"}},
				Limit:  1,
			},
		},
		{
			name: "decimal_in",
			fetch: queryir.Fetch{
				Entity: "Person",
				Where:  queryir.In{Field: "salary", Values: []attr.Value{attr.MustDecimal("1.50"), attr.MustDecimal("2")}},
			},
		},
		{
			name: "contains_all_teams",
			fetch: queryir.Fetch{
				Entity: "Team",
				Where:  queryir.Match{Field: "title", Mode: queryir.Contains, Value: "ops"},
				Sort:   []queryir.SortKey{{Field: "title", Descending: true}},
			},
		},
	}

	tr := NewTranslator(testutil.People())
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := tr.Translate(tt.fetch)
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(fmt.Sprintf("%s\nargs: %v\n", spec.SQL, spec.Args)))
		})
	}
}

func TestTranslateTiebreaker(t *testing.T) {
	tr := NewTranslator(testutil.People())
	fetches := []queryir.Fetch{
		{Entity: "Person"},
		{Entity: "Person", Sort: []queryir.SortKey{{Field: "name"}}},
		{Entity: "Team", Limit: 3},
	}
	for _, f := range fetches {
		spec, err := tr.Translate(f)
		require.NoError(t, err)
		assert.Contains(t, spec.SQL, "id COLLATE BINARY ASC")
		assert.Equal(t, f.Entity, spec.Args[0])
	}
}

func TestTranslateParameterizesValues(t *testing.T) {
	tr := NewTranslator(testutil.People())
	evil := `x'); DROP TABLE documents; --`

	spec, err := tr.Translate(queryir.Fetch{
		Entity: "Person",
		Where:  queryir.Compare{Field: "name", Op: queryir.Eq, Value: attr.String(evil)},
	})
	require.NoError(t, err)
	assert.NotContains(t, spec.SQL, "DROP")
	assert.Contains(t, spec.Args, evil)
}

func TestTranslateProperties(t *testing.T) {
	tr := NewTranslator(testutil.People())

	spec, err := tr.Translate(queryir.Fetch{Entity: "Person", Properties: []string{"photo"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"photo"}, spec.Properties)
	assert.Equal(t, "SELECT COUNT(*) FROM ("+spec.SQL+")", spec.CountSQL())
}

func TestTranslateRejects(t *testing.T) {
	tests := []struct {
		name  string
		fetch queryir.Fetch
		want  string
	}{
		{"unknown entity", queryir.Fetch{Entity: "Robot"}, "unknown entity"},
		{"no entity", queryir.Fetch{}, "no entity"},
		{"unknown field", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "nick", Op: queryir.Eq, Value: attr.String("x")}}, "no property"},
		{"key path", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "team.title", Op: queryir.Eq, Value: attr.String("x")}}, "key path"},
		{"subquery", queryir.Fetch{Entity: "Person", Where: queryir.Subquery{Field: "friends", Predicate: queryir.And{}}}, "subquery"},
		{"aggregate", queryir.Fetch{Entity: "Team", Where: queryir.Aggregate{Func: "@count", Field: "members", Op: queryir.Gt, Value: attr.Int64(2)}}, "aggregate"},
		{"unknown operator", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "name", Op: queryir.Op(99), Value: attr.String("x")}}, "unknown operator"},
		{"binary attribute", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "photo", Op: queryir.Eq, Value: attr.Binary{1}}}, "binary"},
		{"to-many", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "friends", Op: queryir.Eq, Value: attr.String(crew)}}, "to-many"},
		{"decimal ordering", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "salary", Op: queryir.Gt, Value: attr.MustDecimal("1")}}, "no order"},
		{"decimal between", queryir.Fetch{Entity: "Person", Where: queryir.Between{Field: "salary", Low: attr.MustDecimal("1"), High: attr.MustDecimal("2")}}, "no order"},
		{"relationship ordering", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "team", Op: queryir.Lt, Value: attr.String(crew)}}, "no order"},
		{"match on int", queryir.Fetch{Entity: "Person", Where: queryir.Match{Field: "age", Mode: queryir.Prefix, Value: "1"}}, "non-string"},
		{"match on relationship", queryir.Fetch{Entity: "Person", Where: queryir.Match{Field: "team", Mode: queryir.Prefix, Value: "0"}}, "non-string"},
		{"literal kind", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "age", Op: queryir.Eq, Value: attr.Int64(3)}}, "literal"},
		{"null literal", queryir.Fetch{Entity: "Person", Where: queryir.Compare{Field: "name", Op: queryir.Eq, Value: attr.Null{}}}, "null literal"},
		{"in kind", queryir.Fetch{Entity: "Person", Where: queryir.In{Field: "name", Values: []attr.Value{attr.String("a"), attr.Int32(1)}}}, "literal"},
		{"sort not indexed", queryir.Fetch{Entity: "Person", Sort: []queryir.SortKey{{Field: "salary"}}}, "not indexed"},
		{"sort relationship", queryir.Fetch{Entity: "Person", Sort: []queryir.SortKey{{Field: "team"}}}, "not an attribute"},
		{"negative limit", queryir.Fetch{Entity: "Person", Limit: -1}, "negative limit"},
		{"unknown property", queryir.Fetch{Entity: "Person", Properties: []string{"avatar"}}, "no property"},
		{"nested unsupported", queryir.Fetch{Entity: "Person", Where: queryir.Or{Predicates: []queryir.Predicate{
			queryir.Compare{Field: "name", Op: queryir.Eq, Value: attr.String("ok")},
			queryir.Not{Predicate: queryir.Compare{Field: "salary", Op: queryir.Le, Value: attr.MustDecimal("3")}},
		}}}, "no order"},
	}

	tr := NewTranslator(testutil.People())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := tr.Translate(tt.fetch)
			require.Error(t, err)
			assert.True(t, fault.IsNotSupported(err), "got %v", err)
			assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.want))
			assert.Empty(t, spec.SQL, "no query exists for a rejected request")
		})
	}
}
