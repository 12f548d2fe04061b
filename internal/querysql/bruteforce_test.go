package querysql

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docmap/internal/attr"
	"github.com/roach88/docmap/internal/ir"
	"github.com/roach88/docmap/internal/mapper"
	"github.com/roach88/docmap/internal/queryir"
	"github.com/roach88/docmap/internal/store"
	"github.com/roach88/docmap/internal/testutil"
)

const (
	datasets        = 120
	queriesPerSet   = 25
	peoplePerSet    = 30
	teamsPerDataset = 3
)

var (
	sampleNames    = []string{"Alice", "alice", "Al", "Bob", "Carol", "Émile", "Zoë", "", "A", "caf\u00e9", "cafe\u0301"}
	samplePatterns = []string{"A", "li", "", "É", "o", "Bob", "z", "caf", "e\u0301", "\u00e9"}
	sampleSalaries = []string{"1.5", "1.50", "2", "10", "-3.25", "0"}
	sampleTitles   = []string{"ops", "devops", "Ops", "research"}
)

// gen builds random data sets and requests that the translator accepts.
type gen struct {
	r     *rand.Rand
	teams []string
}

func (g *gen) maybeNull(v attr.Value) attr.Value {
	if g.r.IntN(6) == 0 {
		return attr.Null{}
	}
	return v
}

func (g *gen) name() attr.String   { return attr.String(sampleNames[g.r.IntN(len(sampleNames))]) }
func (g *gen) age() attr.Int32     { return attr.Int32(g.r.IntN(60) - 5) }
func (g *gen) height() attr.Float64 { return attr.Float64(float64(g.r.IntN(40))/4 + 1.5) }
func (g *gen) salary() attr.Decimal {
	return attr.MustDecimal(sampleSalaries[g.r.IntN(len(sampleSalaries))])
}
func (g *gen) born() attr.Date {
	return attr.NewDate(time.Date(1970+g.r.IntN(50), time.Month(1+g.r.IntN(12)), 1+g.r.IntN(28), g.r.IntN(24), 0, 0, 0, time.UTC))
}
func (g *gen) team() string { return g.teams[g.r.IntN(len(g.teams))] }

func (g *gen) person(id string) ir.Record {
	rec := ir.Record{Entity: "Person", ID: id}
	rec.Set("name", g.maybeNull(g.name()))
	rec.Set("age", g.maybeNull(g.age()))
	rec.Set("height", g.maybeNull(g.height()))
	rec.Set("salary", g.maybeNull(g.salary()))
	rec.Set("born", g.maybeNull(g.born()))
	rec.Set("active", g.maybeNull(attr.Bool(g.r.IntN(2) == 0)))
	rec.Set("photo", attr.Null{})
	if g.r.IntN(4) != 0 {
		rec.Relate("team", ir.ToOne(g.team()))
	} else {
		rec.Relate("team", ir.Relation{})
	}
	rec.Relate("friends", ir.Relation{Many: true})
	return rec
}

func (g *gen) teamRecord(id string) ir.Record {
	rec := ir.Record{Entity: "Team", ID: id}
	rec.Set("title", attr.String(sampleTitles[g.r.IntN(len(sampleTitles))]))
	rec.Set("logo", attr.Null{})
	rec.Relate("members", ir.Relation{Many: true})
	return rec
}

func (g *gen) op(ordering bool) queryir.Op {
	if !ordering {
		return []queryir.Op{queryir.Eq, queryir.Ne}[g.r.IntN(2)]
	}
	return queryir.Op(1 + g.r.IntN(6))
}

func (g *gen) leaf() queryir.Predicate {
	switch g.r.IntN(12) {
	case 0:
		return queryir.Compare{Field: "name", Op: g.op(true), Value: g.name()}
	case 1:
		return queryir.Compare{Field: "age", Op: g.op(true), Value: g.age()}
	case 2:
		return queryir.Compare{Field: "height", Op: g.op(true), Value: g.height()}
	case 3:
		return queryir.Compare{Field: "born", Op: g.op(true), Value: g.born()}
	case 4:
		return queryir.Compare{Field: "active", Op: g.op(true), Value: attr.Bool(g.r.IntN(2) == 0)}
	case 5:
		return queryir.Compare{Field: "team", Op: g.op(false), Value: attr.String(g.team())}
	case 6:
		return queryir.Compare{Field: "salary", Op: g.op(false), Value: g.salary()}
	case 7:
		var vals []attr.Value
		for range g.r.IntN(4) {
			vals = append(vals, g.age())
		}
		return queryir.In{Field: "age", Values: vals}
	case 8:
		vals := []attr.Value{g.name(), g.name()}
		return queryir.In{Field: "name", Values: vals}
	case 9:
		lo, hi := g.height(), g.height()
		return queryir.Between{Field: "height", Low: lo, High: hi}
	case 10:
		return queryir.Between{Field: "born", Low: g.born(), High: g.born()}
	default:
		mode := []queryir.MatchMode{queryir.Prefix, queryir.Contains}[g.r.IntN(2)]
		return queryir.Match{Field: "name", Mode: mode, Value: samplePatterns[g.r.IntN(len(samplePatterns))]}
	}
}

func (g *gen) predicate(depth int) queryir.Predicate {
	if depth == 0 || g.r.IntN(3) == 0 {
		return g.leaf()
	}
	switch g.r.IntN(3) {
	case 0:
		return queryir.Not{Predicate: g.predicate(depth - 1)}
	case 1:
		var preds []queryir.Predicate
		for range g.r.IntN(4) {
			preds = append(preds, g.predicate(depth-1))
		}
		return queryir.And{Predicates: preds}
	default:
		var preds []queryir.Predicate
		for range g.r.IntN(4) {
			preds = append(preds, g.predicate(depth-1))
		}
		return queryir.Or{Predicates: preds}
	}
}

func (g *gen) fetch() queryir.Fetch {
	f := queryir.Fetch{Entity: "Person"}
	if g.r.IntN(5) != 0 {
		f.Where = g.predicate(3)
	}
	sortable := []string{"name", "age", "height", "born", "active"}
	for range g.r.IntN(3) {
		f.Sort = append(f.Sort, queryir.SortKey{
			Field:      sortable[g.r.IntN(len(sortable))],
			Descending: g.r.IntN(2) == 0,
		})
	}
	if g.r.IntN(2) == 0 {
		f.Limit = g.r.IntN(10)
	}
	if g.r.IntN(3) == 0 {
		f.Offset = g.r.IntN(6)
	}
	return f
}

// seed writes recs to a fresh store with the model's indexes.
func seed(t *testing.T, m *mapper.Mapper, recs []ir.Record) *store.Store {
	t.Helper()
	ctx := context.Background()
	s := testutil.NewStore(t)
	for _, idx := range m.Model().Indexes() {
		require.NoError(t, s.EnsureIndex(ctx, idx[0], idx[1]))
	}

	writes := make([]store.Write, 0, len(recs))
	for _, rec := range recs {
		doc, atts, err := m.ToDocument(rec, nil, false)
		require.NoError(t, err)
		writes = append(writes, store.Write{Doc: doc, Attachments: atts})
	}
	_, err := s.Apply(ctx, writes)
	require.NoError(t, err)
	return s
}

// TestTranslateMatchesBruteForce checks that every translated request
// returns exactly the ids an in-memory evaluation over all records returns,
// in the same order.
func TestTranslateMatchesBruteForce(t *testing.T) {
	m := mapper.New(testutil.People())
	tr := NewTranslator(m.Model())
	ctx := context.Background()

	for set := 0; set < datasets; set++ {
		g := &gen{r: rand.New(rand.NewPCG(uint64(set), 0x5eed))}
		ids := testutil.NewSequentialIDs()

		var recs []ir.Record
		for range teamsPerDataset {
			team := g.teamRecord(ids.Generate())
			g.teams = append(g.teams, team.ID)
			recs = append(recs, team)
		}
		for range peoplePerSet {
			recs = append(recs, g.person(ids.Generate()))
		}
		// Insertion order must not matter.
		g.r.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })

		s := seed(t, m, recs)

		for q := 0; q < queriesPerSet; q++ {
			f := g.fetch()
			spec, err := tr.Translate(f)
			require.NoError(t, err, "set %d query %d: %+v", set, q, f)

			got, err := s.QueryIDs(ctx, spec.SQL, spec.Args...)
			require.NoError(t, err)
			want := queryir.Eval(f, recs)
			if want == nil {
				want = []string{}
			}
			if !assert.Equal(t, want, got, "set %d query %d\nfetch: %+v\nsql: %s\nargs: %v", set, q, f, spec.SQL, spec.Args) {
				return
			}

			n, err := s.QueryCount(ctx, spec.CountSQL(), spec.Args...)
			require.NoError(t, err)
			assert.Equal(t, len(want), n)
		}
		s.Close()
	}
}

// TestTranslateIgnoresDeleted checks that tombstoned documents never match.
func TestTranslateIgnoresDeleted(t *testing.T) {
	m := mapper.New(testutil.People())
	tr := NewTranslator(m.Model())
	ctx := context.Background()

	alice := ir.Record{Entity: "Person", ID: testutil.ID(1)}
	alice.Set("name", attr.String("Alice"))
	s := seed(t, m, []ir.Record{alice})

	spec, err := tr.Translate(queryir.Fetch{
		Entity: "Person",
		Where:  queryir.Compare{Field: "name", Op: queryir.Eq, Value: attr.String("Alice")},
	})
	require.NoError(t, err)
	got, err := s.QueryIDs(ctx, spec.SQL, spec.Args...)
	require.NoError(t, err)
	assert.Equal(t, []string{testutil.ID(1)}, got)

	cur, err := s.CurrentRev(ctx, alice.ID)
	require.NoError(t, err)
	_, err = s.PutDocument(ctx, ir.Document{
		ID:      alice.ID,
		Fields:  ir.IRObject{ir.EntityField: ir.IRString("Person"), "name": ir.IRString("Alice")},
		Deleted: true,
	}, nil, cur)
	require.NoError(t, err)

	got, err = s.QueryIDs(ctx, spec.SQL, spec.Args...)
	require.NoError(t, err)
	assert.Empty(t, got)
}
