package store

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/roach88/docmap/internal/ir"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// marshalBody converts document fields to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so equal bodies are stored byte-identically.
func marshalBody(fields ir.IRObject) (string, error) {
	if fields == nil {
		fields = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return string(data), nil
}

// unmarshalBody parses stored JSON TEXT to IRObject.
// Large integers are kept exact.
func unmarshalBody(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	v, err := ir.ParseIRValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("unmarshal body: stored %T, want object", v)
	}
	return obj, nil
}

// leaf is the head of one branch of a revision tree.
type leaf struct {
	Rev     ir.Rev
	Deleted bool
}

// compareLeaves orders leaves winner first: live before deleted, then
// highest generation, then highest hash.
func compareLeaves(a, b leaf) int {
	if a.Deleted != b.Deleted {
		if a.Deleted {
			return 1
		}
		return -1
	}
	return -ir.CompareRevs(a.Rev, b.Rev)
}

// leavesOf returns the leaves of a document, winner first.
func leavesOf(ctx context.Context, q querier, id string) ([]leaf, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rev, deleted FROM revisions
		WHERE doc_id = ? AND leaf = 1
		ORDER BY rev COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query leaves: %w", err)
	}
	defer rows.Close()

	var leaves []leaf
	for rows.Next() {
		var l leaf
		var rev string
		if err := rows.Scan(&rev, &l.Deleted); err != nil {
			return nil, fmt.Errorf("scan leaf: %w", err)
		}
		l.Rev = ir.Rev(rev)
		leaves = append(leaves, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leaves: %w", err)
	}

	slices.SortFunc(leaves, compareLeaves)
	return leaves, nil
}

// liveRevs returns the non-deleted leaves, winner first.
func liveRevs(leaves []leaf) []ir.Rev {
	var out []ir.Rev
	for _, l := range leaves {
		if !l.Deleted {
			out = append(out, l.Rev)
		}
	}
	return out
}

// sameRevSet reports whether a and b hold the same revisions in any order.
func sameRevSet(a, b []ir.Rev) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	y := slices.Clone(b)
	slices.SortFunc(x, func(p, q ir.Rev) int { return cmp.Compare(p, q) })
	slices.SortFunc(y, func(p, q ir.Rev) int { return cmp.Compare(p, q) })
	return slices.Equal(x, y)
}
