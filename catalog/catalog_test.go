package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testDocs() []Document {
	return []Document{
		{Path: "/p/styrelse/2024-03-08/Beslutande_100001.pdf", Title: "Beslutande", Body: "Stadsstyrelsen",
			MeetingDate: "8.3.2024", MeetingReference: "1/2024"},
		{Path: "/p/styrelse/2024-03-08/Vattenavgifter_100002.pdf", Title: "Vattenavgifter", Body: "Stadsstyrelsen",
			Section: "12 §", WebHTMLLink: "https://example.org/100002"},
		{Path: "/p/styrelse/2024-03-08/attachments/Bilaga_100003.docx", Title: "Bilaga 1", ParentID: "100002"},
	}
}

func TestDeriveID(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"Protokoll_123456.pdf", "123456", false},
		{"/a/b/Bilaga_654321.docx", "654321", false},
		{"Protokoll_12345.pdf", "", true},
		{"Protokoll_1234567.pdf", "", true},
		{"Protokoll_123456", "", true},
	}
	for _, tt := range tests {
		got, err := DeriveID(tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrNoDocID) {
				t.Errorf("DeriveID(%q) err = %v, want ErrNoDocID", tt.name, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("DeriveID(%q) = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}
}

func TestNewDerivesIDsAndKinds(t *testing.T) {
	c, err := New(testDocs())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d", c.Len())
	}
	want := map[string]Kind{"100001": KindMetadata, "100002": KindAgenda, "100003": KindIrrelevant}
	for id, kind := range want {
		d, ok := c.Get(id)
		if !ok {
			t.Fatalf("Get(%s) missing", id)
		}
		if d.Kind != kind {
			t.Errorf("%s kind = %s, want %s", id, d.Kind, kind)
		}
	}
	att := c.Attachments("100002")
	if len(att) != 1 || att[0].ID != "100003" {
		t.Errorf("Attachments = %+v", att)
	}
	if got := c.Filter(KindAgenda); len(got) != 1 || got[0].ID != "100002" {
		t.Errorf("Filter(agenda) = %+v", got)
	}
	if got := c.Bodies(); len(got) != 1 || got[0] != "Stadsstyrelsen" {
		t.Errorf("Bodies = %v", got)
	}
}

func TestNewRejectsBrokenInvariants(t *testing.T) {
	tests := []struct {
		name string
		docs []Document
	}{
		{"duplicate", []Document{{Path: "a_111111.pdf"}, {Path: "b_111111.pdf"}}},
		{"unknown parent", []Document{{Path: "a_111111.pdf", ParentID: "999999"}}},
		{"nested attachment", []Document{
			{Path: "a_111111.pdf"},
			{Path: "b_222222.pdf", ParentID: "111111"},
			{Path: "c_333333.pdf", ParentID: "222222"},
		}},
		{"no id", []Document{{Path: "protocol.pdf"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.docs); !errors.Is(err, ErrInvalidCatalog) {
				t.Errorf("err = %v, want ErrInvalidCatalog", err)
			}
		})
	}
}

func TestCatalogIsACopy(t *testing.T) {
	docs := testDocs()
	c, err := New(docs)
	if err != nil {
		t.Fatal(err)
	}
	docs[0].MeetingDate = "changed"
	d, _ := c.Get("100001")
	if d.MeetingDate != "8.3.2024" {
		t.Errorf("catalog shares caller slice")
	}
}

func TestInputPath(t *testing.T) {
	c, _ := New(testDocs())
	meta, _ := c.Get("100001")
	agenda, _ := c.Get("100002")

	if got := meta.InputPath("html"); got != "/p/styrelse/2024-03-08/Beslutande_100001.html" {
		t.Errorf("metadata html input = %s", got)
	}
	if got := meta.InputPath("txt"); got != "/p/styrelse/2024-03-08/Beslutande_100001.txt" {
		t.Errorf("metadata txt input = %s", got)
	}
	if got := agenda.InputPath("txt"); got != "/p/styrelse/2024-03-08/Vattenavgifter_100002.web.html" {
		t.Errorf("agenda input = %s", got)
	}
	if meta.Dir() != "/p/styrelse/2024-03-08" {
		t.Errorf("Dir = %s", meta.Dir())
	}
}

func TestLoadIndexResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	docs := []Document{
		{Path: "body/Beslutande_100001.pdf", Title: "Beslutande"},
		{Path: "body/attachments/Bilaga_100003.pdf", ParentID: "100001"},
	}
	index := filepath.Join(dir, "index", "documents.json")
	if err := WriteIndex(index, docs); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}

	c, err := LoadIndex(index, dir)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	d, ok := c.Get("100001")
	if !ok {
		t.Fatal("document missing")
	}
	if d.Path != filepath.Join(dir, "body", "Beslutande_100001.pdf") {
		t.Errorf("Path = %s", d.Path)
	}

	if err := os.WriteFile(index, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIndex(index, dir); !errors.Is(err, ErrInvalidCatalog) {
		t.Errorf("err = %v, want ErrInvalidCatalog", err)
	}
}
