package graph

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brunobiangulo/minutegraph/merge"
	"github.com/brunobiangulo/minutegraph/record"
)

type statement struct {
	cypher string
	params map[string]any
}

type fakeGraph struct {
	mu      sync.Mutex
	runs    []statement
	queries []string
	rows    map[string][]map[string]any // keyed by a query prefix
}

func (f *fakeGraph) Run(ctx context.Context, cypher string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, statement{cypher, params})
	return nil
}

func (f *fakeGraph) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, cypher)
	for prefix, rows := range f.rows {
		if strings.HasPrefix(cypher, prefix) {
			return rows, nil
		}
	}
	return nil, nil
}

type countingEmbedder struct {
	mu    sync.Mutex
	texts int
	calls int
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts += len(texts)
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func sampleAggregate() *merge.Aggregate {
	meeting := merge.Meeting{}
	meeting.MeetingDate = "2024.03.08"
	meeting.MeetingReference = "1/2024"
	meeting.MeetingLocation = "Stadshuset"
	meeting.Participants = []record.Participant{{FirstName: "Anna", LastName: "Berg", Role: "ordförande", Attendance: "närvarande"}}
	meeting.AdjustedBy = []string{"Karl Johan Nyström"}

	item := record.Agenda{Title: "Vattenavgifter", Context: "Taxan höjs.", Decision: "Godkändes.",
		PreparedBy:  []string{"Eva Lind"},
		Attachments: []record.Attachment{{Title: "Taxa 2024", Link: "https://example.org/a.pdf"}},
	}
	item.Section = "12 §"
	item.DocID = "400001"
	meeting.Items = []record.Agenda{item}

	return &merge.Aggregate{Bodies: []merge.Body{{Name: "Stadsstyrelsen", Meetings: []merge.Meeting{meeting}}}}
}

func TestBuild(t *testing.T) {
	g := &fakeGraph{rows: map[string][]map[string]any{
		"SHOW VECTOR INDEXES": {{"name": "old_index", "labelsOrTypes": []any{"Body"}, "properties": []any{"name_embedding"}}},
	}}
	e := &countingEmbedder{}
	b := &Builder{Graph: g, Embedder: e, Dimension: 8}

	stats, err := b.Build(context.Background(), sampleAggregate())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stats.Bodies != 1 || stats.Meetings != 1 || stats.Items != 1 {
		t.Errorf("stats = %+v", stats)
	}
	// body, location, title, context, decision, attachment title
	if e.texts != 6 || stats.Embeddings != 6 {
		t.Errorf("embedded %d texts (stats %d), want 6", e.texts, stats.Embeddings)
	}

	if got := g.runs[0].cypher; got != "MATCH (n) DETACH DELETE n" {
		t.Errorf("first statement = %q", got)
	}
	last := g.runs[len(g.runs)-1].cypher
	if !strings.Contains(last, "datetime({year: year, month: month, day: day})") {
		t.Errorf("last statement does not convert dates: %q", last)
	}

	var drops, creates int
	var item, adjusted *statement
	for i, r := range g.runs {
		switch {
		case strings.HasPrefix(r.cypher, "DROP INDEX `old_index`"):
			drops++
		case strings.HasPrefix(r.cypher, "CREATE VECTOR INDEX"):
			creates++
			if !strings.Contains(r.cypher, "`vector.dimensions`: 8") || !strings.Contains(r.cypher, "'cosine'") {
				t.Errorf("index statement = %q", r.cypher)
			}
		case strings.Contains(r.cypher, "MERGE (i:MeetingItem"):
			item = &g.runs[i]
		case strings.Contains(r.cypher, ":ADJUSTED"):
			adjusted = &g.runs[i]
		}
	}
	if drops != 1 || creates != len(VectorIndexSpecs) {
		t.Errorf("drops=%d creates=%d", drops, creates)
	}

	if item == nil {
		t.Fatal("no item statement")
	}
	if item.params["meeting_date"] != "2024.03.08" || item.params["body"] != "Stadsstyrelsen" {
		t.Errorf("item params = %v", item.params)
	}
	if v, ok := item.params["title_embedding"].([]float32); !ok || v[0] != float32(len("Vattenavgifter")) {
		t.Errorf("title_embedding = %v", item.params["title_embedding"])
	}
	prepared := item.params["prepared"].([]map[string]any)
	if len(prepared) != 1 || prepared[0]["fname"] != "Eva" || prepared[0]["lname"] != "Lind" {
		t.Errorf("prepared = %v", prepared)
	}

	if adjusted == nil {
		t.Fatal("no adjusted statement")
	}
	people := adjusted.params["people"].([]map[string]any)
	if people[0]["fname"] != "Karl Johan" || people[0]["lname"] != "Nyström" {
		t.Errorf("adjusted = %v", people)
	}
}

func TestBuildWithoutEmbedder(t *testing.T) {
	g := &fakeGraph{}
	b := &Builder{Graph: g}
	if _, err := b.Build(context.Background(), &merge.Aggregate{}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	// wipe, indexes, date conversion
	if len(g.runs) != 2+len(VectorIndexSpecs) {
		t.Errorf("runs = %d", len(g.runs))
	}
	if !strings.Contains(g.runs[1].cypher, "`vector.dimensions`: 1024") {
		t.Errorf("default dimension not used: %q", g.runs[1].cypher)
	}
}

func TestReadSchema(t *testing.T) {
	g := &fakeGraph{rows: map[string][]map[string]any{
		"CALL db.schema.nodeTypeProperties": {
			{"label": "Meeting", "propertyName": "meeting_date", "propertyTypes": []any{"DateTime"}},
			{"label": "Body", "propertyName": "name", "propertyTypes": []any{"String"}},
			{"label": "Meeting", "propertyName": "end_time", "propertyTypes": []any{"String"}},
		},
		"CALL db.schema.relTypeProperties": {
			{"relType": ":`ATTENDED`", "propertyName": "role", "propertyTypes": []any{"String"}},
			{"relType": ":`HOSTED`", "propertyName": nil, "propertyTypes": nil},
		},
		"MATCH (a)-[r]->(b)": {
			{"start": "Person", "type": "ATTENDED", "end": "Meeting"},
			{"start": "Body", "type": "HOSTED", "end": "Meeting"},
		},
	}}
	s, err := ReadSchema(context.Background(), g)
	if err != nil {
		t.Fatal(err)
	}
	want := `Node properties:
Body {name: String}
Meeting {end_time: String, meeting_date: DateTime}
Relationship properties:
ATTENDED {role: String}
HOSTED {}
The relationships:
(:Body)-[:HOSTED]->(:Meeting)
(:Person)-[:ATTENDED]->(:Meeting)`
	if got := s.String(); got != want {
		t.Errorf("String() =\n%s\nwant\n%s", got, want)
	}
	if !s.HasLabel("Person") || !s.HasType("HOSTED") || !s.HasPattern("Body", "HOSTED", "Meeting") {
		t.Error("schema lookups failed")
	}
	if s.HasPattern("Meeting", "HOSTED", "Body") {
		t.Error("reversed pattern reported")
	}
}

func TestIndexInfo(t *testing.T) {
	got := IndexInfo([]VectorIndex{{Name: "item_title_embedding", Labels: []string{"MeetingItem"}, Properties: []string{"title_embedding"}}})
	if !strings.Contains(got, "| item_title_embedding | ['MeetingItem'] | ['title_embedding'] |") {
		t.Errorf("IndexInfo = %s", got)
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct{ in, f, l string }{
		{"", "", ""},
		{"Anna", "Anna", ""},
		{"Anna Berg", "Anna", "Berg"},
		{" Karl  Johan Nyström ", "Karl Johan", "Nyström"},
	}
	for _, tt := range tests {
		f, l := SplitName(tt.in)
		if f != tt.f || l != tt.l {
			t.Errorf("SplitName(%q) = %q, %q", tt.in, f, l)
		}
	}
}

func TestPlain(t *testing.T) {
	node := neo4j.Node{Labels: []string{"Meeting"}, Props: map[string]any{
		"meeting_location": "Stadshuset",
		"title_embedding":  []any{0.1, 0.2},
	}}
	got := plain([]any{node, int64(3)}).([]any)
	m := got[0].(map[string]any)
	if m["meeting_location"] != "Stadshuset" {
		t.Errorf("node = %v", m)
	}
	if got[1] != int64(3) {
		t.Errorf("scalar = %v", got[1])
	}
}
