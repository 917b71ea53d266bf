package merge

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/record"
)

func newTestCatalog(t *testing.T, dir string) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Document{
		{Path: filepath.Join(dir, "m1", "Beslutande_100001.pdf"), Title: "Beslutande", Body: "Stadsstyrelsen",
			MeetingDate: "2024.03.08", MeetingTime: "18:00", MeetingReference: "1/2024"},
		{Path: filepath.Join(dir, "m1", "items", "Vattenavgifter_100002.pdf"), Title: "Vattenavgifter", Body: "Stadsstyrelsen",
			MeetingDate: "8.3.2024", MeetingReference: "1/2024", Section: "12 §", Link: "https://example.org/100002"},
		{Path: filepath.Join(dir, "m1", "items", "att", "Bilaga_100003.pdf"), Title: " Bilaga 1 ", ParentID: "100002",
			Link: "https://example.org/100003"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

func TestMergeProvenanceAlwaysWins(t *testing.T) {
	cat := newTestCatalog(t, t.TempDir())
	doc, _ := cat.Get("100001")
	m := &Merger{Catalog: cat}

	payloads := []string{
		`{}`,
		`{"meeting_date":"1999.01.01","meeting_reference":"99/1999","meeting_location":"Stadshuset"}`,
		`{"meeting_date":null,"doc_id":"000000","section":"1 §"}`,
	}
	for _, raw := range payloads {
		p, err := record.Unmarshal(record.TypeMetadata, []byte(raw))
		if err != nil {
			t.Fatalf("Unmarshal(%s): %v", raw, err)
		}
		got, err := m.Merge(p, doc)
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		prov := got.Provenance()
		if prov.MeetingDate != "2024.03.08" || prov.MeetingReference != "1/2024" {
			t.Errorf("payload %s: provenance = %+v", raw, prov)
		}
		if prov.DocID != "100001" || prov.Section != "" || prov.MeetingTime != "18:00" {
			t.Errorf("payload %s: provenance = %+v", raw, prov)
		}
		if got.Metadata.Participants == nil {
			t.Error("participants should encode as []")
		}
	}
}

func TestMergeAgendaAttachmentsFromCatalog(t *testing.T) {
	cat := newTestCatalog(t, t.TempDir())
	doc, _ := cat.Get("100002")
	p, _ := record.Unmarshal(record.TypeAgenda, []byte(`{"title":"Vattenavgifter","attachments":[{"title":"made up","link":"x"}]}`))

	got, err := (&Merger{Catalog: cat}).Merge(p, doc)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	a := got.Agenda
	if a.MeetingDate != "2024.03.08" || a.Section != "12 §" {
		t.Errorf("provenance = %+v", a.Provenance)
	}
	if len(a.Attachments) != 1 || a.Attachments[0].DocID != "100003" || a.Attachments[0].Title != "Bilaga 1" {
		t.Errorf("attachments = %+v", a.Attachments)
	}
	if a.References == nil || a.PreparedBy == nil {
		t.Error("lists should be non-nil")
	}
}

func TestMergeRejectsReferences(t *testing.T) {
	cat := newTestCatalog(t, t.TempDir())
	doc, _ := cat.Get("100002")
	p, _ := record.Unmarshal(record.TypeReferences, []byte(`{"references":[]}`))
	if _, err := (&Merger{Catalog: cat}).Merge(p, doc); err == nil {
		t.Error("expected error")
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct{ in, want string }{
		{"2024.03.08", "2024.03.08"},
		{"2024-3-8", "2024.03.08"},
		{"8.3.2024", "2024.03.08"},
		{"Sammanträdet hölls 08/03/2024 kl. 18", "2024.03.08"},
		{"8 mars 2024", "2024.03.08"},
		{"8. maaliskuuta 2024", "2024.03.08"},
		{"March 8, 2024", "2024.03.08"},
		{"", ""},
		{"ingen tid angiven", ""},
		{"2024", ""},
		{"1/2024", ""},
		{"kl. 18:00", ""},
		{"31.02.2024", ""},
		{"29.02.2023", ""},
		{"29.02.2024", "2024.02.29"},
		{"2024-13-01", ""},
		{"March 2024", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDate(tt.in); got != tt.want {
			t.Errorf("NormalizeDate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReplaceIDs(t *testing.T) {
	html := `<html><body>
<p id="p1">Avgiften   höjs</p>
<p id="p2">med 5 %.</p>
<div id="d1"><span>Godkändes</span> enligt förslag.</div>
</body></html>`
	idx, err := IndexHTML(strings.NewReader(html))
	if err != nil {
		t.Fatalf("IndexHTML: %v", err)
	}
	p, _ := record.Unmarshal(record.TypeAgenda, []byte(
		`{"title":"Vattenavgifter","context":"p1, p2","decision":"d1","prepared_by":["p1, unknown"],"proposal_by":[null]}`))
	if err := ReplaceIDs(p, idx); err != nil {
		t.Fatalf("ReplaceIDs: %v", err)
	}
	a := p.Agenda
	if a.Context != "Avgiften höjs med 5 %." {
		t.Errorf("context = %q", a.Context)
	}
	if a.Decision != "Godkändes enligt förslag." {
		t.Errorf("decision = %q", a.Decision)
	}
	if a.Title != "Vattenavgifter" {
		t.Errorf("title = %q", a.Title)
	}
	if a.PreparedBy[0] != "p1, unknown" {
		t.Errorf("partially known ids must stay: %q", a.PreparedBy[0])
	}
	if len(a.ProposalBy) != 1 || a.ProposalBy[0] != "" {
		t.Errorf("null in list = %q", a.ProposalBy)
	}
}

func TestWriterIdempotenceAndManualProtection(t *testing.T) {
	cat := newTestCatalog(t, t.TempDir())
	doc, _ := cat.Get("100001")
	var w Writer
	p, _ := record.Unmarshal(record.TypeMetadata, []byte(`{"meeting_location":"Stadshuset"}`))

	path, err := w.Write(doc, ModeLLM, p, false)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != "llm_meeting_metadata.json" || filepath.Dir(path) != doc.Dir() {
		t.Errorf("path = %s", path)
	}
	if !w.Exists(doc, ModeLLM, record.TypeMetadata) {
		t.Error("Exists = false after write")
	}
	if _, err := w.Write(doc, ModeLLM, p, false); !errors.Is(err, ErrExists) {
		t.Errorf("second write err = %v, want ErrExists", err)
	}
	if _, err := w.Write(doc, ModeLLM, p, true); err != nil {
		t.Errorf("overwrite: %v", err)
	}
	if _, err := w.Write(doc, ModeManual, p, true); !errors.Is(err, ErrManualProtected) {
		t.Errorf("manual write err = %v, want ErrManualProtected", err)
	}

	got, err := w.Read(doc, ModeLLM, record.TypeMetadata)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Metadata.MeetingLocation != "Stadshuset" {
		t.Errorf("read back %+v", got.Metadata)
	}
	if _, err := w.Read(doc, ModeManual, record.TypeMetadata); !errors.Is(err, ErrNoRecord) {
		t.Errorf("err = %v, want ErrNoRecord", err)
	}
}

func TestAggregateGroupsItemsUnderMeetings(t *testing.T) {
	dir := t.TempDir()
	cat := newTestCatalog(t, dir)
	m := &Merger{Catalog: cat}
	var w Writer

	meta, _ := cat.Get("100001")
	item, _ := cat.Get("100002")
	mp, _ := record.Unmarshal(record.TypeMetadata, []byte(`{"meeting_location":"Stadshuset"}`))
	ap, _ := record.Unmarshal(record.TypeAgenda, []byte(`{"title":"Vattenavgifter"}`))
	for _, x := range []struct {
		doc catalog.Document
		p   *record.Payload
	}{{meta, mp}, {item, ap}} {
		if _, err := m.Merge(x.p, x.doc); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(x.doc, ModeLLM, x.p, true); err != nil {
			t.Fatal(err)
		}
	}

	agg, err := BuildAggregate(cat, ModeLLM, w)
	if err != nil {
		t.Fatalf("BuildAggregate: %v", err)
	}
	if len(agg.Bodies) != 1 || agg.Bodies[0].Name != "Stadsstyrelsen" {
		t.Fatalf("bodies = %+v", agg.Bodies)
	}
	meetings := agg.Bodies[0].Meetings
	if len(meetings) != 1 || meetings[0].MeetingLocation != "Stadshuset" || len(meetings[0].Items) != 1 {
		t.Fatalf("meetings = %+v", meetings)
	}

	path, err := WriteAggregate(dir, ModeLLM, agg)
	if err != nil {
		t.Fatalf("WriteAggregate: %v", err)
	}
	data, _ := os.ReadFile(path)
	var raw map[string][]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["body"]; !ok {
		t.Errorf("aggregate has no body key: %s", data)
	}

	back, err := LoadAggregate(path)
	if err != nil {
		t.Fatalf("LoadAggregate: %v", err)
	}
	got := back.Bodies[0].Meetings[0]
	if got.Items[0].Title != "Vattenavgifter" || got.Extra != nil {
		t.Errorf("round trip = %+v", got)
	}
}
