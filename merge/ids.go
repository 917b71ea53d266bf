package merge

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/brunobiangulo/minutegraph/record"
)

// IDIndex maps HTML element ids to their text.
type IDIndex map[string]string

// IndexHTML collects the text of every element carrying an id attribute.
func IndexHTML(r io.Reader) (IDIndex, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("merge: parsing html: %w", err)
	}
	idx := make(IDIndex)
	doc.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("id")
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, seen := idx[id]; seen {
			return
		}
		idx[id] = strings.Join(strings.Fields(s.Text()), " ")
	})
	return idx, nil
}

// Resolve replaces s when it is a comma-separated list made only of known
// ids; the element texts are joined with a space. Any other string is
// returned unchanged.
func (idx IDIndex) Resolve(s string) string {
	if len(idx) == 0 || strings.TrimSpace(s) == "" {
		return s
	}
	parts := strings.Split(s, ",")
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		text, ok := idx[strings.TrimSpace(p)]
		if !ok {
			return s
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, " ")
}

// ReplaceIDs rewrites every string in the payload through idx. Null object
// members are dropped so they decode to empty values; nulls inside arrays
// become empty strings. Models prompted with id-annotated HTML answer
// with element ids instead of copying long passages.
func ReplaceIDs(p *record.Payload, idx IDIndex) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	out, err := json.Marshal(idx.walk(v))
	if err != nil {
		return err
	}
	np, err := record.Unmarshal(p.Type, out)
	if err != nil {
		return err
	}
	*p = *np
	return nil
}

func (idx IDIndex) walk(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return idx.Resolve(t)
	case map[string]any:
		for k, x := range t {
			if x == nil {
				delete(t, k)
				continue
			}
			t[k] = idx.walk(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = idx.walk(x)
		}
		return t
	default:
		return v
	}
}
