package cypher

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafeQuery is matched by every *UnsafeError.
var ErrUnsafeQuery = errors.New("cypher: query may modify the graph")

// Denylist holds the keywords that reject a query wherever they appear,
// including inside identifiers and string literals.
var Denylist = []string{"create", "merge", "set", "delete", "remove", "detach", "drop", "load"}

// Verdict is the outcome of the safety check.
type Verdict struct {
	Safe    bool   `json:"safe"`
	Keyword string `json:"keyword,omitempty"`
}

func (v Verdict) String() string {
	if v.Safe {
		return "safe"
	}
	return "rejected: " + v.Keyword
}

// Err returns nil for a safe verdict and an *UnsafeError otherwise.
func (v Verdict) Err() error {
	if v.Safe {
		return nil
	}
	return &UnsafeError{Keyword: v.Keyword}
}

// UnsafeError names the keyword a query was rejected for.
type UnsafeError struct {
	Keyword string
}

func (e *UnsafeError) Error() string {
	return fmt.Sprintf("cypher: query rejected, contains %q", e.Keyword)
}

func (e *UnsafeError) Is(target error) bool { return target == ErrUnsafeQuery }

// CheckSafety scans q case-insensitively for the denylisted keywords.
// Matching is by substring, so "offset" and "dataset" are rejected too.
func CheckSafety(q string) Verdict {
	lower := strings.ToLower(q)
	for _, kw := range Denylist {
		if strings.Contains(lower, kw) {
			return Verdict{Keyword: kw}
		}
	}
	return Verdict{Safe: true}
}
