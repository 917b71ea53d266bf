package cypher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/minutegraph/graph"
	"github.com/brunobiangulo/minutegraph/llm"
)

type fakeEmbedder struct {
	calls [][]string
	vec   []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type fixedCompleter struct {
	reply string
	calls int
	last  llm.Completion
}

func (f *fixedCompleter) Complete(ctx context.Context, c llm.Completion) (string, error) {
	f.calls++
	f.last = c
	return f.reply, nil
}

func meetingSchema() *graph.Schema {
	return &graph.Schema{
		Nodes: []graph.Element{
			{Name: "Body", Properties: []graph.Property{{Name: "name", Types: []string{"STRING"}}}},
			{Name: "Meeting"},
			{Name: "MeetingItem"},
			{Name: "Person"},
		},
		Relationships: []graph.Element{{Name: "ATTENDED"}},
		Patterns: []graph.Pattern{
			{Start: "Body", Type: "HOSTED", End: "Meeting"},
			{Start: "Meeting", Type: "HAS_ITEM", End: "MeetingItem"},
			{Start: "Person", Type: "ATTENDED", End: "Meeting"},
		},
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name, in, desc, query string
	}{
		{
			name:  "plain",
			in:    "MATCH (b:Body)\nRETURN b.name",
			query: "MATCH (b:Body)\nRETURN b.name",
		},
		{
			name:  "fenced with commentary",
			in:    "Here you go:\n```cypher\n// Bodies of the city\n//  and their names\nMATCH (b:Body)\n  RETURN b.name\n```\nHope it helps.",
			desc:  "Bodies of the city\nand their names",
			query: "MATCH (b:Body)\nRETURN b.name",
		},
		{
			name:  "only commentary",
			in:    "// I cannot answer that",
			desc:  "I cannot answer that",
			query: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, q := Extract(tt.in)
			assert.Equal(t, tt.desc, desc)
			assert.Equal(t, tt.query, q)
		})
	}
}

func TestSubstituteWaterFees(t *testing.T) {
	for _, quote := range []string{"'", `"`} {
		q := "CALL db.index.vector.queryNodes('item_title_embedding', 10, " + quote + "water fees" + quote + ") YIELD node, score\nRETURN node.title"
		e := &fakeEmbedder{vec: []float32{0.25, -0.5, 1}}

		got, found, err := Substitute(context.Background(), q, e)
		require.NoError(t, err)
		assert.True(t, found)
		assert.NotContains(t, got, "water fees")
		assert.Contains(t, got, "[0.25, -0.5, 1]")
		assert.Equal(t, [][]string{{"water fees"}}, e.calls)
	}
}

func TestSubstitutePaddedLiteral(t *testing.T) {
	q := "CALL db.index.vector.queryNodes('item_title_embedding', 10, ' water fees ') YIELD node, score\nRETURN node.title"
	e := &fakeEmbedder{vec: []float32{0.5}}

	got, found, err := Substitute(context.Background(), q, e)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "CALL db.index.vector.queryNodes('item_title_embedding', 10, [0.5]) YIELD node, score\nRETURN node.title", got)
	assert.Equal(t, [][]string{{"water fees"}}, e.calls)
}

func TestSubstituteWithoutSemanticSearch(t *testing.T) {
	e := &fakeEmbedder{vec: []float32{1}}
	q := "MATCH (b:Body) WHERE b.name = 'water fees' RETURN b"
	got, found, err := Substitute(context.Background(), q, e)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, q, got)
	assert.Empty(t, e.calls)
}

func TestCheckSafetyAnyCase(t *testing.T) {
	for _, kw := range Denylist {
		variants := []string{kw, strings.ToUpper(kw), strings.ToUpper(kw[:1]) + kw[1:], alternate(kw)}
		for _, v := range variants {
			q := "MATCH (n) " + v + " n.x = 1 RETURN n"
			verdict := CheckSafety(q)
			assert.False(t, verdict.Safe, q)
			assert.ErrorIs(t, verdict.Err(), ErrUnsafeQuery)
		}
	}
	assert.True(t, CheckSafety("MATCH (b:Body)-[:HOSTED]->(m:Meeting) RETURN b.name").Safe)
	// substrings are rejected too
	assert.False(t, CheckSafety("MATCH (n) RETURN n SKIP 0 LIMIT 5 // offset").Safe)
}

func alternate(s string) string {
	b := []byte(s)
	for i := range b {
		if i%2 == 1 {
			b[i] = byte(strings.ToUpper(string(b[i]))[0])
		}
	}
	return string(b)
}

func TestCorrector(t *testing.T) {
	c := &Corrector{Schema: meetingSchema()}
	tests := []struct {
		name, in, want string
	}{
		{
			name: "valid chain",
			in:   "MATCH (b:Body)-[:HOSTED]->(m:Meeting)-[:HAS_ITEM]->(i:MeetingItem) RETURN i.title",
			want: "MATCH (b:Body)-[:HOSTED]->(m:Meeting)-[:HAS_ITEM]->(i:MeetingItem) RETURN i.title",
		},
		{
			name: "reversed direction",
			in:   "MATCH (m:Meeting)-[:HOSTED]->(b:Body) RETURN b.name",
			want: "MATCH (m:Meeting)<-[:HOSTED]-(b:Body) RETURN b.name",
		},
		{
			name: "reversed through variable",
			in:   "MATCH (m:Meeting) MATCH (i:MeetingItem)-[:HAS_ITEM]->(m) RETURN i",
			want: "MATCH (m:Meeting) MATCH (i:MeetingItem)<-[:HAS_ITEM]-(m) RETURN i",
		},
		{
			name: "unknown label",
			in:   "MATCH (c:Council) RETURN c",
			want: "",
		},
		{
			name: "unknown type",
			in:   "MATCH (p:Person)-[:OWNS]->(m:Meeting) RETURN p",
			want: "",
		},
		{
			name: "impossible pattern",
			in:   "MATCH (p:Person)-[:HOSTED]->(m:Meeting) RETURN p",
			want: "",
		},
		{
			name: "labels inside literals are ignored",
			in:   "MATCH (m:Meeting) WHERE m.start_time = '(x:Council)' RETURN m",
			want: "MATCH (m:Meeting) WHERE m.start_time = '(x:Council)' RETURN m",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Correct(tt.in))
		})
	}

	q := "MATCH (c:Council) RETURN c"
	assert.Equal(t, q, (&Corrector{}).Correct(q), "empty schema passes queries through")
}

func TestSynthesizeSemanticSearch(t *testing.T) {
	c := &fixedCompleter{reply: "```cypher\n// Items about water fees\nCALL db.index.vector.queryNodes('item_title_embedding', 5, 'water fees') YIELD node, score\nRETURN node.title, score\n```"}
	e := &fakeEmbedder{vec: []float32{0.5, 0.125}}
	s := &Synthesizer{
		Client:            c,
		Embedder:          e,
		Template:          "Schema:\n{schema}\nIndexes:\n{index_info}\nFields: {field_descriptions}\nQ: {question}",
		FieldDescriptions: `{"title": "item title"}`,
		IndexInfo:         "| 0 | item_title_embedding |",
	}

	q, err := s.Synthesize(context.Background(), "What was decided about water fees?", meetingSchema())
	require.NoError(t, err)
	assert.True(t, q.Verdict.Safe)
	assert.True(t, q.SemanticSearch)
	assert.Equal(t, "water fees", q.Literal)
	assert.Equal(t, "Items about water fees", q.Description)
	assert.Contains(t, q.Cleaned, "'water fees'")
	assert.NotContains(t, q.Executable(), "water fees")
	assert.Contains(t, q.Executable(), "[0.5, 0.125]")

	assert.Contains(t, c.last.System, "(:Body)-[:HOSTED]->(:Meeting)")
	assert.Contains(t, c.last.System, "item_title_embedding")
	assert.Contains(t, c.last.System, "Q: What was decided about water fees?")
	assert.NotContains(t, c.last.System, "{schema}")
}

func TestSynthesizeRejectsBeforeEmbedding(t *testing.T) {
	c := &fixedCompleter{reply: "CALL db.index.vector.queryNodes('idx', 5, 'water fees') YIELD node\nDeTaCh DELETE node"}
	e := &fakeEmbedder{vec: []float32{1}}
	s := &Synthesizer{Client: c, Embedder: e, Template: "{question}"}

	q, err := s.Synthesize(context.Background(), "drop it", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsafeQuery))
	var ue *UnsafeError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "delete", ue.Keyword)
	assert.False(t, q.Verdict.Safe)
	assert.Empty(t, q.Executable())
	assert.Empty(t, e.calls)
}

func TestSynthesizeEmptyDraft(t *testing.T) {
	s := &Synthesizer{Client: &fixedCompleter{reply: "// nothing to query"}, Template: "{question}"}
	_, err := s.Synthesize(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrEmptyDraft)
}

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[]", FormatVector(nil))
	assert.Equal(t, "[1, 0.1, -2.5]", FormatVector([]float32{1, 0.1, -2.5}))
}
