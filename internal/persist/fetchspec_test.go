package persist

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/fault"
	"github.com/roach88/docmap/internal/queryir"
	"github.com/roach88/docmap/internal/testutil"
)

func TestParseFetchRequest(t *testing.T) {
	m := testutil.People()
	req, err := ParseFetchRequest(m, []byte(`
entity: Person
where:
  and:
    - {field: age, op: ">=", value: 30}
    - {field: name, prefix: "A"}
    - {field: salary, in: ["1.50", 2]}
    - {field: born, between: ["2000-01-01T00:00:00Z", "2010-01-01T00:00:00Z"]}
    - not: {field: team, value: "00000000-0000-7000-8000-000000000900"}
    - or: []
sort:
  - {field: name, desc: true}
limit: 5
offset: 2
properties: [photo]
result: ids
`))
	require.NoError(t, err)
	assert.Equal(t, ResultIDs, req.ResultType)

	want := queryir.Fetch{
		Entity: "Person",
		Where: queryir.And{Predicates: []queryir.Predicate{
			queryir.Compare{Field: "age", Op: queryir.Ge, Value: attr.Int32(30)},
			queryir.Match{Field: "name", Mode: queryir.Prefix, Value: "A"},
			queryir.In{Field: "salary", Values: []attr.Value{attr.MustDecimal("1.50"), attr.MustDecimal("2")}},
			queryir.Between{
				Field: "born",
				Low:   attr.NewDate(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)),
				High:  attr.NewDate(time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)),
			},
			queryir.Not{Predicate: queryir.Compare{Field: "team", Op: queryir.Eq, Value: attr.String(testutil.ID(900))}},
			queryir.Or{Predicates: []queryir.Predicate{}},
		}},
		Sort:       []queryir.SortKey{{Field: "name", Descending: true}},
		Limit:      5,
		Offset:     2,
		Properties: []string{"photo"},
	}
	assert.Equal(t, want.Entity, req.Fetch.Entity)
	assert.Equal(t, want.Sort, req.Fetch.Sort)
	assert.Equal(t, want.Properties, req.Fetch.Properties)
	assert.Equal(t, 5, req.Fetch.Limit)
	assert.Equal(t, 2, req.Fetch.Offset)

	got := req.Fetch.Where.(queryir.And).Predicates
	wantPreds := want.Where.(queryir.And).Predicates
	require.Len(t, got, len(wantPreds))
	assert.Equal(t, wantPreds[0], got[0])
	assert.Equal(t, wantPreds[1], got[1])
	in := got[2].(queryir.In)
	require.Len(t, in.Values, 2)
	assert.True(t, attr.Equal(attr.MustDecimal("1.5"), in.Values[0]))
	assert.True(t, attr.Equal(attr.MustDecimal("2"), in.Values[1]))
	between := got[3].(queryir.Between)
	assert.True(t, attr.Equal(wantPreds[3].(queryir.Between).Low, between.Low))
	assert.True(t, attr.Equal(wantPreds[3].(queryir.Between).High, between.High))
	assert.Equal(t, wantPreds[4], got[4])
	assert.Empty(t, got[5].(queryir.Or).Predicates)
}

func TestParseFetchSpecKeepsValueNodes(t *testing.T) {
	spec, err := ParseFetchSpec(strings.NewReader(`
entity: Person
where:
  or:
    - {field: name, value: Alice}
    - {field: age, op: "<", value: 40}
    - not: {field: salary, value: "12.50"}
`))
	require.NoError(t, err)
	require.NotNil(t, spec.Where)
	preds := *spec.Where.Or
	require.Len(t, preds, 3)
	require.NotNil(t, preds[0].Value)
	assert.Equal(t, "Alice", preds[0].Value.Value)
	assert.Equal(t, "!!int", preds[1].Value.ShortTag())
	assert.Equal(t, "12.50", preds[2].Not.Value.Value)

	req, err := spec.Request(testutil.People())
	require.NoError(t, err)
	or := req.Fetch.Where.(queryir.Or).Predicates
	assert.Equal(t, queryir.Compare{Field: "name", Op: queryir.Eq, Value: attr.String("Alice")}, or[0])
	assert.Equal(t, queryir.Compare{Field: "age", Op: queryir.Lt, Value: attr.Int32(40)}, or[1])
	salary := or[2].(queryir.Not).Predicate.(queryir.Compare)
	assert.True(t, attr.Equal(attr.MustDecimal("12.5"), salary.Value))
}

func TestParseFetchRequestDefaults(t *testing.T) {
	req, err := ParseFetchRequest(testutil.People(), []byte("entity: Team\n"))
	require.NoError(t, err)
	assert.Equal(t, ResultRecords, req.ResultType)
	assert.Nil(t, req.Fetch.Where)
}

func TestParseFetchRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "", "empty document"},
		{"no entity", "limit: 3\n", "entity is required"},
		{"unknown key", "entity: Person\nlimt: 3\n", "limt"},
		{"unknown result", "entity: Person\nresult: rows\n", "unknown result"},
		{"two forms", "entity: Person\nwhere: {field: name, value: a, prefix: b}\n", "2 forms"},
		{"no form", "entity: Person\nwhere: {field: name}\n", "0 forms"},
		{"bad operator", "entity: Person\nwhere: {field: age, op: '~', value: 1}\n", "unknown operator"},
		{"wrong type", "entity: Person\nwhere: {field: age, value: old}\n", "value for age"},
		{"between arity", "entity: Person\nwhere: {field: age, between: [1]}\n", "needs 2 values"},
		{"null value", "entity: Person\nwhere: {field: name, value: null}\n", "0 forms"},
		{"unknown predicate key", "entity: Person\nwhere: {field: name, valeu: a}\n", "field valeu not found"},
		{"unknown nested key", "entity: Person\nwhere:\n  and:\n    - {field: age, value: 3, flavor: x}\n", "field flavor not found"},
		{"scalar predicate", "entity: Person\nwhere: name\n", "predicate must be a mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFetchRequest(testutil.People(), []byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParsedUnsupportedFormsFailTranslation(t *testing.T) {
	s := openTemp(t)
	c := s.NewContext()

	for _, where := range []string{
		"{field: team, any: {field: title, value: Ops}}",
		"{field: friends, count: {op: '>', value: 2}}",
		"{field: photo, value: abc}",
	} {
		req, err := ParseFetchRequest(s.Model(), []byte("entity: Person\nwhere: "+where+"\n"))
		require.NoError(t, err, where)
		_, err = c.Execute(context.Background(), req)
		assert.True(t, fault.IsNotSupported(err), "%s: got %v", where, err)
	}
}

func TestInsertThenFetchByName(t *testing.T) {
	s := openTemp(t)
	c := s.NewContext()
	id := insert(t, c, person("Alice", 30), person("Bob", 25))[0]

	req, err := ParseFetchRequest(s.Model(), []byte(`{entity: Person, where: {field: name, value: Alice}}`))
	require.NoError(t, err)
	res, err := c.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, id, res.Records[0].ID)
}

func TestReadTwiceSameToken(t *testing.T) {
	s := openTemp(t)
	insert(t, s.NewContext(), person("Alice", 30))

	first := fetchAll(t, s.NewContext(), nil)
	second := fetchAll(t, s.NewContext(), nil)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Version, second[0].Version)
	assert.False(t, first[0].Version.IsZero())
	assert.True(t, strings.HasPrefix(string(first[0].Version), "1-"))
}
