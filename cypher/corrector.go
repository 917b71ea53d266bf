package cypher

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/brunobiangulo/minutegraph/graph"
)

var (
	literalRe   = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)
	nodeLabelRe = regexp.MustCompile("\\(\\s*([A-Za-z_]\\w*)?\\s*:\\s*`?([A-Za-z_]\\w*)`?")
	relTypeRe   = regexp.MustCompile("\\[\\s*(?:[A-Za-z_]\\w*)?\\s*:\\s*!?([A-Za-z_`|:\\w]+)")
	// a single hop: (left)<-[:T]-(right) or (left)-[:T]->(right). The
	// right node is captured so chained hops can be matched again from it.
	hopRe = regexp.MustCompile(
		"\\(\\s*(\\w*)\\s*(?::\\s*`?(\\w+)`?)?[^()]*\\)" +
			"\\s*(<?)-\\s*\\[\\s*\\w*\\s*:\\s*`?(\\w+)`?[^\\]]*\\]\\s*-(>?)\\s*" +
			"(\\(\\s*(\\w*)\\s*(?::\\s*`?(\\w+)`?)?[^()]*\\))")
)

// mask blanks the contents of string literals, keeping byte offsets.
func mask(q string) string {
	return literalRe.ReplaceAllStringFunc(q, func(s string) string {
		return s[:1] + strings.Repeat("x", len(s)-2) + s[len(s)-1:]
	})
}

// Corrector checks a query against the graph schema. Unknown labels and
// relationship types make the query unusable; a relationship written
// against the direction it exists in is flipped.
type Corrector struct {
	Schema *graph.Schema
}

// Correct returns the corrected query, or "" when it cannot be run against
// the schema. With an empty schema every query passes unchanged.
func (c *Corrector) Correct(q string) string {
	if c == nil || c.Schema.Empty() || strings.TrimSpace(q) == "" {
		return q
	}
	m := mask(q)

	vars := make(map[string]string)
	for _, g := range nodeLabelRe.FindAllStringSubmatch(m, -1) {
		if !c.Schema.HasLabel(g[2]) {
			slog.Debug("cypher: unknown label", "label", g[2])
			return ""
		}
		if g[1] != "" {
			vars[g[1]] = g[2]
		}
	}
	for _, g := range relTypeRe.FindAllStringSubmatch(m, -1) {
		for _, typ := range strings.FieldsFunc(g[1], func(r rune) bool { return r == '|' || r == ':' || r == '`' }) {
			if !c.Schema.HasType(typ) {
				slog.Debug("cypher: unknown relationship type", "type", typ)
				return ""
			}
		}
	}

	type edit struct {
		pos, del int
		ins      string
	}
	var edits []edit
	label := func(v, l string) string {
		if l != "" {
			return l
		}
		return vars[v]
	}

	for from := 0; from < len(m); {
		loc := hopRe.FindStringSubmatchIndex(m[from:])
		if loc == nil {
			break
		}
		for i := range loc {
			if loc[i] >= 0 {
				loc[i] += from
			}
		}
		group := func(i int) string {
			if loc[2*i] < 0 {
				return ""
			}
			return m[loc[2*i]:loc[2*i+1]]
		}
		left := label(group(1), group(2))
		right := label(group(7), group(8))
		typ := group(4)
		leftArrow, rightArrow := group(3) == "<", group(5) == ">"
		// the right node may open the next hop
		from = loc[12]

		if left == "" || right == "" || leftArrow == rightArrow {
			continue
		}
		start, end := left, right
		if leftArrow {
			start, end = right, left
		}
		if c.Schema.HasPattern(start, typ, end) {
			continue
		}
		if !c.Schema.HasPattern(end, typ, start) {
			slog.Debug("cypher: relationship not in schema", "start", start, "type", typ, "end", end)
			return ""
		}
		if leftArrow {
			edits = append(edits, edit{pos: loc[6], del: 1}, edit{pos: loc[10], ins: ">"})
		} else {
			edits = append(edits, edit{pos: loc[10], del: 1}, edit{pos: loc[6], ins: "<"})
		}
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].pos > edits[j].pos })
	for _, e := range edits {
		q = q[:e.pos] + e.ins + q[e.pos+e.del:]
	}
	return q
}
