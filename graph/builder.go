package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/minutegraph/llm"
	"github.com/brunobiangulo/minutegraph/merge"
	"github.com/brunobiangulo/minutegraph/record"
)

const (
	// DefaultDimension is the vector index dimension.
	DefaultDimension = 1024

	defaultConcurrency = 4
	embedBatchSize     = 64
)

// Graph reads and writes.
type Graph interface {
	Store
	Runner
}

// VectorIndexSpec declares one vector index created by the build.
type VectorIndexSpec struct {
	Name     string
	Label    string
	Property string
}

// VectorIndexSpecs are the indexes recreated by every build.
var VectorIndexSpecs = []VectorIndexSpec{
	{"body_name_embedding", "Body", "name_embedding"},
	{"meeting_location_embedding", "Meeting", "meeting_location_embedding"},
	{"item_title_embedding", "MeetingItem", "title_embedding"},
	{"item_context_embedding", "MeetingItem", "context_embedding"},
	{"item_decision_embedding", "MeetingItem", "decision_embedding"},
	{"attachment_title_embedding", "Attachment", "title_embedding"},
}

// Builder writes an aggregate into the graph.
type Builder struct {
	Graph       Graph
	Embedder    llm.Embedder
	Dimension   int
	Concurrency int
}

// BuildStats summarises a build.
type BuildStats struct {
	Bodies     int           `json:"bodies"`
	Meetings   int           `json:"meetings"`
	Items      int           `json:"items"`
	Embeddings int           `json:"embeddings"`
	Statements int           `json:"statements"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Build replaces the graph with the contents of agg, recreates the vector
// indexes and converts meeting dates to datetime values.
func (b *Builder) Build(ctx context.Context, agg *merge.Aggregate) (*BuildStats, error) {
	start := time.Now()
	stats := &BuildStats{}

	vecs, err := b.embedAll(ctx, embeddingTexts(agg))
	if err != nil {
		return nil, err
	}
	stats.Embeddings = len(vecs)

	run := func(cypher string, params map[string]any) error {
		stats.Statements++
		return b.Graph.Run(ctx, cypher, params)
	}

	slog.Info("graph: deleting existing nodes and relationships")
	if err := run("MATCH (n) DETACH DELETE n", nil); err != nil {
		return nil, fmt.Errorf("graph: wiping graph: %w", err)
	}

	total := 0
	for _, body := range agg.Bodies {
		total += len(body.Meetings)
	}
	done := 0
	for _, body := range agg.Bodies {
		if err := run(`MERGE (b:Body {name: $name})
SET b.name_embedding = $embedding`, map[string]any{
			"name":      body.Name,
			"embedding": vecs.get(body.Name),
		}); err != nil {
			return nil, fmt.Errorf("graph: body %q: %w", body.Name, err)
		}
		stats.Bodies++

		for _, m := range body.Meetings {
			if err := b.writeMeeting(run, body.Name, m, vecs); err != nil {
				return nil, fmt.Errorf("graph: meeting %s %s: %w", body.Name, m.MeetingDate, err)
			}
			stats.Meetings++
			stats.Items += len(m.Items)
			done++
			slog.Info("graph: meeting written", "progress", fmt.Sprintf("%d/%d", done, total),
				"body", body.Name, "meeting_date", m.MeetingDate, "items", len(m.Items))
		}
	}

	if err := b.createIndexes(ctx, run); err != nil {
		return nil, err
	}
	if err := run(`MATCH (m:Meeting)
WHERE toString(m.meeting_date) = m.meeting_date AND m.meeting_date <> ''
WITH m, split(m.meeting_date, '.') AS parts
WITH m, toInteger(parts[0]) AS year, toInteger(parts[1]) AS month, toInteger(parts[2]) AS day
SET m.meeting_date = datetime({year: year, month: month, day: day})`, nil); err != nil {
		return nil, fmt.Errorf("graph: converting meeting dates: %w", err)
	}

	stats.Elapsed = time.Since(start)
	slog.Info("graph: build complete",
		"bodies", stats.Bodies, "meetings", stats.Meetings, "items", stats.Items,
		"embeddings", stats.Embeddings, "elapsed", stats.Elapsed.Round(time.Millisecond))
	return stats, nil
}

const meetingMatch = `MATCH (:Body {name: $body})-[:HOSTED]->(m:Meeting {meeting_date: $meeting_date, meeting_reference: $meeting_reference})
`

func (b *Builder) writeMeeting(run func(string, map[string]any) error, body string, m merge.Meeting, vecs vectors) error {
	key := map[string]any{
		"body":              body,
		"meeting_date":      m.MeetingDate,
		"meeting_reference": m.MeetingReference,
	}
	with := func(extra map[string]any) map[string]any {
		p := make(map[string]any, len(key)+len(extra))
		for k, v := range key {
			p[k] = v
		}
		for k, v := range extra {
			p[k] = v
		}
		return p
	}

	if err := run(`MATCH (b:Body {name: $body})
MERGE (m:Meeting {meeting_date: $meeting_date, meeting_reference: $meeting_reference, start_time: $start_time, end_time: $end_time, meeting_location: $meeting_location})
MERGE (b)-[:HOSTED]->(m)
SET m.meeting_location_embedding = $embedding, m.doc_id = $doc_id`, with(map[string]any{
		"start_time":       m.StartTime,
		"end_time":         m.EndTime,
		"meeting_location": m.MeetingLocation,
		"embedding":        vecs.get(m.MeetingLocation),
		"doc_id":           m.DocID,
	})); err != nil {
		return err
	}

	participants := make([]map[string]any, 0, len(m.Participants))
	for _, p := range m.Participants {
		participants = append(participants, map[string]any{
			"fname": p.FirstName, "lname": p.LastName, "role": p.Role, "attendance": p.Attendance,
		})
	}
	substitutes := make([]map[string]any, 0, len(m.Substitutes))
	for _, s := range m.Substitutes {
		substitutes = append(substitutes, map[string]any{
			"fname": s.FirstName, "lname": s.LastName, "substituted_for": s.SubstitutedFor,
		})
	}
	attendees := make([]map[string]any, 0, len(m.AdditionalAttendees))
	for _, a := range m.AdditionalAttendees {
		attendees = append(attendees, map[string]any{"fname": a.FirstName, "lname": a.LastName, "role": a.Role})
	}
	signed := make([]map[string]any, 0, len(m.SignedBy))
	for _, s := range m.SignedBy {
		signed = append(signed, map[string]any{"fname": s.FirstName, "lname": s.LastName})
	}

	for _, st := range []struct {
		cypher string
		people []map[string]any
	}{
		{`UNWIND $people AS p
MERGE (x:Person {fname: p.fname, lname: p.lname})
MERGE (x)-[:ATTENDED {role: coalesce(p.role, ''), attendance: coalesce(p.attendance, '')}]->(m)`, participants},
		{`UNWIND $people AS p
MERGE (x:Person {fname: p.fname, lname: p.lname})
MERGE (x)-[:SUBSTITUTE_ATTENDEE]->(m)
WITH x, p WHERE p.substituted_for <> ''
MERGE (o:Person {name: p.substituted_for})
MERGE (x)-[:SUBSTITUTED_FOR]->(o)`, substitutes},
		{`UNWIND $people AS p
MERGE (x:Person {fname: p.fname, lname: p.lname})
MERGE (x)-[:ADDITIONAL_ATTENDEE {role: coalesce(p.role, '')}]->(m)`, attendees},
		{`UNWIND $people AS p
MERGE (x:Person {fname: p.fname, lname: p.lname})
MERGE (x)-[:SIGNED]->(m)`, signed},
		{`UNWIND $people AS p
MERGE (x:Person {fname: p.fname, lname: p.lname})
MERGE (x)-[:ADJUSTED]->(m)`, namesToPeople(m.AdjustedBy)},
	} {
		if len(st.people) == 0 {
			continue
		}
		if err := run(meetingMatch+st.cypher, with(map[string]any{"people": st.people})); err != nil {
			return err
		}
	}

	for _, item := range m.Items {
		if err := writeItem(run, with, item, vecs); err != nil {
			return fmt.Errorf("item %s: %w", item.DocID, err)
		}
	}
	return nil
}

func writeItem(run func(string, map[string]any) error, with func(map[string]any) map[string]any, item record.Agenda, vecs vectors) error {
	attachments := make([]map[string]any, 0, len(item.Attachments))
	for _, a := range item.Attachments {
		attachments = append(attachments, map[string]any{
			"title": a.Title, "link": a.Link, "embedding": vecs.get(a.Title),
		})
	}
	refs := item.References
	if refs == nil {
		refs = []string{}
	}
	return run(meetingMatch+`MERGE (i:MeetingItem {title: $title, section: $section, context: $context, decision: $decision})
MERGE (m)-[:HAS_ITEM]->(i)
SET i.title_embedding = $title_embedding,
    i.context_embedding = $context_embedding,
    i.decision_embedding = $decision_embedding,
    i.doc_id = $doc_id,
    i.doc_link = $doc_link,
    i.references = $references
WITH i
CALL {
  WITH i
  UNWIND $prepared AS p
  MERGE (x:Person {fname: p.fname, lname: p.lname})
  MERGE (x)-[:PREPARED]->(i)
}
CALL {
  WITH i
  UNWIND $proposed AS p
  MERGE (x:Person {fname: p.fname, lname: p.lname})
  MERGE (x)-[:PROPOSED]->(i)
}
CALL {
  WITH i
  UNWIND $attachments AS a
  MERGE (x:Attachment {link: a.link, title: a.title})
  MERGE (i)-[:HAS_ATTACHMENT]->(x)
  SET x.title_embedding = a.embedding
}`, with(map[string]any{
		"title":              item.Title,
		"section":            item.Section,
		"context":            item.Context,
		"decision":           item.Decision,
		"title_embedding":    vecs.get(item.Title),
		"context_embedding":  vecs.get(item.Context),
		"decision_embedding": vecs.get(item.Decision),
		"doc_id":             item.DocID,
		"doc_link":           item.Link,
		"references":         refs,
		"prepared":           namesToPeople(item.PreparedBy),
		"proposed":           namesToPeople(item.ProposalBy),
		"attachments":        attachments,
	}))
}

func (b *Builder) createIndexes(ctx context.Context, run func(string, map[string]any) error) error {
	existing, err := ReadVectorIndexes(ctx, b.Graph)
	if err != nil {
		return err
	}
	for _, ix := range existing {
		if err := run(fmt.Sprintf("DROP INDEX `%s`", ix.Name), nil); err != nil {
			return fmt.Errorf("graph: dropping index %s: %w", ix.Name, err)
		}
	}

	dim := b.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}
	for _, ix := range VectorIndexSpecs {
		stmt := fmt.Sprintf("CREATE VECTOR INDEX `%s` IF NOT EXISTS\nFOR (n:%s) ON (n.%s)\n"+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			ix.Name, ix.Label, ix.Property, dim)
		if err := run(stmt, nil); err != nil {
			return fmt.Errorf("graph: creating index %s: %w", ix.Name, err)
		}
	}
	slog.Info("graph: vector indexes created", "count", len(VectorIndexSpecs), "dimension", dim)
	return nil
}

// SplitName splits a full name into first and last name. Everything but
// the last word is the first name.
func SplitName(full string) (fname, lname string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
	}
}

func namesToPeople(names []string) []map[string]any {
	out := make([]map[string]any, 0, len(names))
	for _, n := range names {
		f, l := SplitName(n)
		if f == "" && l == "" {
			continue
		}
		out = append(out, map[string]any{"fname": f, "lname": l})
	}
	return out
}

// vectors maps embedded texts to their vectors.
type vectors map[string][]float32

func (v vectors) get(text string) any {
	if vec, ok := v[strings.TrimSpace(text)]; ok {
		return vec
	}
	return nil
}

// embeddingTexts lists every distinct text the build embeds.
func embeddingTexts(agg *merge.Aggregate) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, body := range agg.Bodies {
		add(body.Name)
		for _, m := range body.Meetings {
			add(m.MeetingLocation)
			for _, item := range m.Items {
				add(item.Title)
				add(item.Context)
				add(item.Decision)
				for _, a := range item.Attachments {
					add(a.Title)
				}
			}
		}
	}
	return out
}

// embedAll embeds texts in batches, several batches at a time.
func (b *Builder) embedAll(ctx context.Context, texts []string) (vectors, error) {
	out := make(vectors, len(texts))
	if b.Embedder == nil || len(texts) == 0 {
		return out, nil
	}
	conc := b.Concurrency
	if conc <= 0 {
		conc = defaultConcurrency
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	batches := (len(texts) + embedBatchSize - 1) / embedBatchSize
	for i := 0; i < len(texts); i += embedBatchSize {
		batch := texts[i:min(i+embedBatchSize, len(texts))]
		g.Go(func() error {
			vecs, err := b.Embedder.Embed(gctx, batch)
			if err != nil {
				return fmt.Errorf("graph: embedding: %w", err)
			}
			mu.Lock()
			for j, t := range batch {
				out[t] = vecs[j]
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slog.Info("graph: texts embedded", "texts", len(texts), "batches", batches)
	return out, nil
}
