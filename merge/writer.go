package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/record"
)

var (
	ErrExists          = errors.New("merge: record already exists")
	ErrManualProtected = errors.New("merge: manual records are never written")
	ErrNoRecord        = errors.New("merge: no record")
)

// Mode tells machine-extracted records from human-curated ones.
type Mode string

const (
	ModeLLM    Mode = "llm"
	ModeManual Mode = "manual"
)

// Writer persists records as <document dir>/{mode}_meeting_{type}.json.
type Writer struct{}

// FileName returns the record file name for mode and type.
func FileName(mode Mode, t record.Type) string {
	return fmt.Sprintf("%s_meeting_%s.json", mode, t)
}

// Path returns where the record of doc is stored.
func (Writer) Path(doc catalog.Document, mode Mode, t record.Type) string {
	return filepath.Join(doc.Dir(), FileName(mode, t))
}

// Exists reports whether the record file is present.
func (w Writer) Exists(doc catalog.Document, mode Mode, t record.Type) bool {
	_, err := os.Stat(w.Path(doc, mode, t))
	return err == nil
}

// Write stores a machine-extracted record. Existing files are kept unless
// overwrite is set.
func (w Writer) Write(doc catalog.Document, mode Mode, p *record.Payload, overwrite bool) (string, error) {
	if mode != ModeLLM {
		return "", fmt.Errorf("%w: %s for %s", ErrManualProtected, mode, doc.ID)
	}
	path := w.Path(doc, mode, p.Type)
	if !overwrite && w.Exists(doc, mode, p.Type) {
		return path, fmt.Errorf("%w: %s", ErrExists, path)
	}
	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return "", fmt.Errorf("merge: encoding %s: %w", doc.ID, err)
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads a persisted record.
func (w Writer) Read(doc catalog.Document, mode Mode, t record.Type) (*record.Payload, error) {
	path := w.Path(doc, mode, t)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, path)
	}
	if err != nil {
		return nil, err
	}
	p, err := record.Unmarshal(t, data)
	if err != nil {
		return nil, fmt.Errorf("merge: decoding %s: %w", path, err)
	}
	return p, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("merge: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("merge: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("merge: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("merge: renaming into %s: %w", path, err)
	}
	return nil
}
