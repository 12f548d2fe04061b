package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Rev is an opaque revision token of the form "<generation>-<hash>".
// The zero Rev means "no revision" (a document not yet written).
type Rev string

// NewRev builds a Rev from its parts.
func NewRev(generation int, hash string) Rev {
	return Rev(strconv.Itoa(generation) + "-" + hash)
}

// ParseRev validates s as a revision token.
func ParseRev(s string) (Rev, error) {
	gen, hash, ok := strings.Cut(s, "-")
	if !ok || hash == "" || strings.Contains(hash, "-") {
		return "", fmt.Errorf("malformed revision %q", s)
	}
	n, err := strconv.Atoi(gen)
	if err != nil || n < 1 {
		return "", fmt.Errorf("malformed revision generation %q", s)
	}
	return Rev(s), nil
}

// MustParseRev is like ParseRev but panics on error.
func MustParseRev(s string) Rev {
	r, err := ParseRev(s)
	if err != nil {
		panic(err)
	}
	return r
}

// IsZero reports whether r is the empty revision.
func (r Rev) IsZero() bool {
	return r == ""
}

// Generation returns the depth of the revision in its tree, or 0 if r is
// empty or malformed.
func (r Rev) Generation() int {
	gen, _, ok := strings.Cut(string(r), "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(gen)
	if err != nil {
		return 0
	}
	return n
}

// Hash returns the content hash part of r.
func (r Rev) Hash() string {
	_, hash, _ := strings.Cut(string(r), "-")
	return hash
}

func (r Rev) String() string {
	return string(r)
}

// CompareRevs orders revisions by generation, then by hash. The store uses
// this order to pick the winning leaf, and every replica agrees on it.
func CompareRevs(a, b Rev) int {
	if ga, gb := a.Generation(), b.Generation(); ga != gb {
		if ga < gb {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Hash(), b.Hash())
}
