package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Property is a property key and the types observed for it.
type Property struct {
	Name  string   `json:"property"`
	Types []string `json:"types"`
}

// Element is a node label or relationship type with its properties.
type Element struct {
	Name       string     `json:"name"`
	Properties []Property `json:"properties"`
}

// Pattern is a relationship type observed between two labels.
type Pattern struct {
	Start string `json:"start"`
	Type  string `json:"type"`
	End   string `json:"end"`
}

func (p Pattern) String() string {
	return fmt.Sprintf("(:%s)-[:%s]->(:%s)", p.Start, p.Type, p.End)
}

// Schema is the live shape of the graph.
type Schema struct {
	Nodes         []Element `json:"nodes"`
	Relationships []Element `json:"relationships"`
	Patterns      []Pattern `json:"patterns"`
}

// Empty reports whether nothing is known about the graph.
func (s *Schema) Empty() bool {
	return s == nil || (len(s.Nodes) == 0 && len(s.Relationships) == 0 && len(s.Patterns) == 0)
}

// HasLabel reports whether label is a known node label.
func (s *Schema) HasLabel(label string) bool {
	for _, n := range s.Nodes {
		if n.Name == label {
			return true
		}
	}
	for _, p := range s.Patterns {
		if p.Start == label || p.End == label {
			return true
		}
	}
	return false
}

// HasType reports whether typ is a known relationship type.
func (s *Schema) HasType(typ string) bool {
	for _, r := range s.Relationships {
		if r.Name == typ {
			return true
		}
	}
	for _, p := range s.Patterns {
		if p.Type == typ {
			return true
		}
	}
	return false
}

// HasPattern reports whether (start)-[typ]->(end) occurs in the graph.
func (s *Schema) HasPattern(start, typ, end string) bool {
	for _, p := range s.Patterns {
		if p.Start == start && p.Type == typ && p.End == end {
			return true
		}
	}
	return false
}

// String renders the schema for the query generation prompt.
func (s *Schema) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Node properties:\n")
	writeElements(&b, s.Nodes)
	b.WriteString("Relationship properties:\n")
	writeElements(&b, s.Relationships)
	b.WriteString("The relationships:\n")
	for _, p := range s.Patterns {
		b.WriteString(p.String())
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeElements(b *strings.Builder, elems []Element) {
	for _, e := range elems {
		props := make([]string, 0, len(e.Properties))
		for _, p := range e.Properties {
			props = append(props, fmt.Sprintf("%s: %s", p.Name, strings.Join(p.Types, "|")))
		}
		fmt.Fprintf(b, "%s {%s}\n", e.Name, strings.Join(props, ", "))
	}
}

// sort orders every part of the schema by name so renders are stable.
func (s *Schema) sort() {
	byName := func(es []Element) {
		sort.Slice(es, func(i, j int) bool { return es[i].Name < es[j].Name })
		for _, e := range es {
			sort.Slice(e.Properties, func(i, j int) bool { return e.Properties[i].Name < e.Properties[j].Name })
		}
	}
	byName(s.Nodes)
	byName(s.Relationships)
	sort.Slice(s.Patterns, func(i, j int) bool {
		a, b := s.Patterns[i], s.Patterns[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.End < b.End
	})
}

// VectorIndex is one vector index of the graph.
type VectorIndex struct {
	Name       string   `json:"name"`
	Labels     []string `json:"labelsOrTypes"`
	Properties []string `json:"properties"`
}

// IndexInfo renders vector indexes as a markdown table for prompts.
func IndexInfo(indexes []VectorIndex) string {
	var b strings.Builder
	b.WriteString("|    | name | labelsOrTypes | properties |\n")
	b.WriteString("|---:|:-----|:--------------|:-----------|\n")
	for i, ix := range indexes {
		fmt.Fprintf(&b, "| %2d | %s | %s | %s |\n", i, ix.Name, quoteList(ix.Labels), quoteList(ix.Properties))
	}
	return strings.TrimRight(b.String(), "\n")
}

func quoteList(xs []string) string {
	q := make([]string, len(xs))
	for i, x := range xs {
		q[i] = "'" + x + "'"
	}
	return "[" + strings.Join(q, ", ") + "]"
}
