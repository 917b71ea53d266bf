package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadIndex reads a JSON array of documents written by the scraper.
// Relative paths are resolved against root (the protocols directory); when
// root is empty they are resolved against the index file's directory.
func LoadIndex(path, root string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document index: %w", err)
	}
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrInvalidCatalog, path, err)
	}
	if root == "" {
		root = filepath.Dir(path)
	}
	for i := range docs {
		d := &docs[i]
		d.Path = resolve(root, d.Path)
		d.TextPath = resolve(root, d.TextPath)
		d.HTMLPath = resolve(root, d.HTMLPath)
		d.WebHTMLPath = resolve(root, d.WebHTMLPath)
	}
	return New(docs)
}

// WriteIndex persists documents in the format LoadIndex reads.
func WriteIndex(path string, docs []Document) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
