// Package cypher turns model drafts into executable graph queries: it
// separates the query from the model's commentary, substitutes semantic
// search literals with embeddings, corrects the query against the live
// schema and refuses anything that could modify the graph.
package cypher

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/brunobiangulo/minutegraph/llm"
)

var fenceRe = regexp.MustCompile("(?s)```(.*?)```")

// Extract splits a model response into the commentary the model wrote as
// // lines and the query text. A fenced block, when present, is used
// instead of the whole response.
func Extract(text string) (description, query string) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(strings.ReplaceAll(m[1], "cypher", ""))
	}

	var desc, lines []string
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); strings.HasPrefix(t, "//") {
			desc = append(desc, strings.TrimSpace(strings.TrimLeft(t, "/")))
			continue
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	return strings.Join(desc, "\n"), strings.TrimSpace(strings.Join(lines, "\n"))
}

// semanticRe matches a vector index call whose query argument is still a
// natural-language literal.
var semanticRe = regexp.MustCompile(`vector\.queryNodes\s*\(\s*['"]\s*.+?\s*['"]\s*,\s*\d+\s*,\s*['"]\s*(.+?)\s*['"]\s*\)`)

// FindSemanticSearch returns the literal of the first semantic search call
// in q, without surrounding spaces.
func FindSemanticSearch(q string) (string, bool) {
	literal, _, ok := findSemanticSearch(q)
	return literal, ok
}

// findSemanticSearch also returns the quoted literal exactly as written.
func findSemanticSearch(q string) (literal, quoted string, ok bool) {
	m := semanticRe.FindStringSubmatchIndex(q)
	if m == nil || m[2] == m[3] {
		return "", "", false
	}
	start, end := m[2], m[3]
	for start > 0 && q[start-1] != '\'' && q[start-1] != '"' {
		start--
	}
	for end < len(q) && q[end] != '\'' && q[end] != '"' {
		end++
	}
	if start == 0 || end == len(q) {
		return "", "", false
	}
	return strings.TrimSpace(q[m[2]:m[3]]), q[start-1 : end+1], true
}

// Substitute embeds the semantic search literal of q and replaces the
// quoted literal with the vector. Queries without one are returned as is.
func Substitute(ctx context.Context, q string, e llm.Embedder) (string, bool, error) {
	literal, quoted, ok := findSemanticSearch(q)
	if !ok {
		return q, false, nil
	}
	vecs, err := e.Embed(ctx, []string{literal})
	if err != nil {
		return "", true, fmt.Errorf("cypher: embedding %q: %w", literal, err)
	}
	if len(vecs) != 1 {
		return "", true, fmt.Errorf("cypher: embedding %q: got %d vectors", literal, len(vecs))
	}
	return strings.ReplaceAll(q, quoted, FormatVector(vecs[0])), true, nil
}

// FormatVector renders v as a Cypher list literal.
func FormatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 12)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
