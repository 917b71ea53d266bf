package batch

import (
	"fmt"

	"github.com/brunobiangulo/minutegraph/catalog"
)

// IDMap is the two-way mapping between documents and the custom ids of
// their batch requests. It is built once per run.
type IDMap struct {
	toDoc map[string]catalog.Document
	toID  map[string]string // document path -> custom id
}

// NewIDMap maps each document to its six-digit document id. Two documents
// with the same id cannot share a batch.
func NewIDMap(docs []catalog.Document) (*IDMap, error) {
	m := &IDMap{
		toDoc: make(map[string]catalog.Document, len(docs)),
		toID:  make(map[string]string, len(docs)),
	}
	for _, d := range docs {
		id := d.ID
		if id == "" {
			var err error
			if id, err = catalog.DeriveID(d.Path); err != nil {
				return nil, err
			}
		}
		if prev, dup := m.toDoc[id]; dup {
			return nil, fmt.Errorf("batch: custom id %s used by %s and %s", id, prev.Path, d.Path)
		}
		m.toDoc[id] = d
		m.toID[d.Path] = id
	}
	return m, nil
}

// CustomID returns the custom id of doc.
func (m *IDMap) CustomID(doc catalog.Document) (string, bool) {
	id, ok := m.toID[doc.Path]
	return id, ok
}

// Resolve returns the document a custom id was generated for.
func (m *IDMap) Resolve(customID string) (catalog.Document, bool) {
	d, ok := m.toDoc[customID]
	return d, ok
}

// Len returns the number of mapped documents.
func (m *IDMap) Len() int { return len(m.toDoc) }
