// Package catalog holds the documents of one run and their parent/attachment
// relations. A Catalog is immutable once built and safe for concurrent reads.
package catalog

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrInvalidCatalog = errors.New("catalog: invalid catalog")
	ErrNoDocID        = errors.New("catalog: no document id in file name")
	ErrNotFound       = errors.New("catalog: document not found")
)

// Kind classifies what an extraction can get out of a document.
type Kind string

const (
	KindMetadata   Kind = "metadata"
	KindAgenda     Kind = "agenda"
	KindIrrelevant Kind = "irrelevant"
)

// MetadataTitles are the section titles of protocol pages that list the
// meeting's participants, time and place.
var MetadataTitles = []string{
	"Beslutande",
	"Sammanträdesuppgifter och deltagande",
	"Kokoustiedot ja osallistujat",
	"Vln:Beslutande",
	"Päättäjät",
}

// Document is one downloaded protocol page or attachment.
type Document struct {
	ID          string `json:"doc_id"`
	Path        string `json:"filepath"`
	TextPath    string `json:"text_path,omitempty"`
	HTMLPath    string `json:"html_path,omitempty"`
	WebHTMLPath string `json:"web_html_path,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	Kind        Kind   `json:"kind,omitempty"`

	Body             string `json:"body,omitempty"`
	Title            string `json:"title,omitempty"`
	Section          string `json:"section,omitempty"`
	MeetingDate      string `json:"meeting_date,omitempty"`
	MeetingTime      string `json:"meeting_time,omitempty"`
	MeetingReference string `json:"meeting_reference,omitempty"`
	WebHTMLLink      string `json:"web_html_link,omitempty"`
	Link             string `json:"doc_link,omitempty"`
}

// IsAttachment reports whether the document hangs off a parent.
func (d Document) IsAttachment() bool { return d.ParentID != "" }

// Dir is the directory persisted records for the document are written to.
func (d Document) Dir() string { return filepath.Dir(d.Path) }

func (d Document) stem() string {
	return strings.TrimSuffix(d.Path, filepath.Ext(d.Path))
}

// ConvertedHTML is the HTML produced from the source file.
func (d Document) ConvertedHTML() string {
	if d.HTMLPath != "" {
		return d.HTMLPath
	}
	return d.stem() + ".html"
}

// ConvertedText is the plain text produced from the source file.
func (d Document) ConvertedText() string {
	if d.TextPath != "" {
		return d.TextPath
	}
	return d.stem() + ".txt"
}

// WebHTML is the page scraped from the publishing site. Empty when the
// document has no web link.
func (d Document) WebHTML() string {
	if d.WebHTMLPath != "" {
		return d.WebHTMLPath
	}
	if d.WebHTMLLink == "" {
		return ""
	}
	return d.stem() + ".web.html"
}

// InputPath is the file sent to the model: the scraped page when the
// document was published as HTML, otherwise the converted file of the
// requested format ("html" or "txt").
func (d Document) InputPath(format string) string {
	if w := d.WebHTML(); w != "" {
		return w
	}
	if format == "txt" {
		return d.ConvertedText()
	}
	return d.ConvertedHTML()
}

var docIDPattern = regexp.MustCompile(`_(\d{6})\.[A-Za-z0-9]+$`)

// DeriveID returns the six-digit id embedded in names like
// "Protokoll_2024_123456.pdf".
func DeriveID(filename string) (string, error) {
	m := docIDPattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrNoDocID, filename)
	}
	return m[1], nil
}

// Classify infers a kind from a title when the index does not carry one.
func Classify(d Document) Kind {
	if d.IsAttachment() {
		return KindIrrelevant
	}
	title := strings.TrimSpace(d.Title)
	for _, t := range MetadataTitles {
		if strings.EqualFold(title, t) {
			return KindMetadata
		}
	}
	return KindAgenda
}

// Catalog indexes documents by id and by parent.
type Catalog struct {
	docs     []Document
	byID     map[string]int
	children map[string][]int
}

// New builds a catalog. Ids must be unique and every attachment's parent
// must exist and be a top-level document.
func New(docs []Document) (*Catalog, error) {
	c := &Catalog{
		docs:     make([]Document, len(docs)),
		byID:     make(map[string]int, len(docs)),
		children: make(map[string][]int),
	}
	copy(c.docs, docs)

	for i := range c.docs {
		d := &c.docs[i]
		if d.ID == "" {
			id, err := DeriveID(d.Path)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
			}
			d.ID = id
		}
		if d.Kind == "" {
			d.Kind = Classify(*d)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate document id %s", ErrInvalidCatalog, d.ID)
		}
		c.byID[d.ID] = i
	}

	for i, d := range c.docs {
		if !d.IsAttachment() {
			continue
		}
		p, ok := c.byID[d.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: attachment %s references unknown parent %s", ErrInvalidCatalog, d.ID, d.ParentID)
		}
		if c.docs[p].IsAttachment() {
			return nil, fmt.Errorf("%w: attachment %s has non top-level parent %s", ErrInvalidCatalog, d.ID, d.ParentID)
		}
		c.children[d.ParentID] = append(c.children[d.ParentID], i)
	}
	return c, nil
}

// Len returns the number of documents.
func (c *Catalog) Len() int { return len(c.docs) }

// Get returns the document with the given id.
func (c *Catalog) Get(id string) (Document, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Document{}, false
	}
	return c.docs[i], true
}

// Attachments returns the children of parentID in catalog order.
func (c *Catalog) Attachments(parentID string) []Document {
	idx := c.children[parentID]
	out := make([]Document, len(idx))
	for i, j := range idx {
		out[i] = c.docs[j]
	}
	return out
}

// Documents returns a copy of every document in catalog order.
func (c *Catalog) Documents() []Document {
	out := make([]Document, len(c.docs))
	copy(out, c.docs)
	return out
}

// Filter returns the documents of the given kind.
func (c *Catalog) Filter(kind Kind) []Document {
	var out []Document
	for _, d := range c.docs {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Select returns the documents with the given ids, skipping unknown ones.
func (c *Catalog) Select(ids []string) []Document {
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := c.Get(id); ok {
			out = append(out, d)
		}
	}
	return out
}

// Bodies returns the distinct decision-making bodies, sorted.
func (c *Catalog) Bodies() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range c.docs {
		if d.Body != "" && !seen[d.Body] {
			seen[d.Body] = true
			out = append(out, d.Body)
		}
	}
	sort.Strings(out)
	return out
}
