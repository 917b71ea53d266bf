package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/record"
)

// Aggregate is every persisted record of one mode, grouped by body and
// meeting. It is the input of the knowledge-graph build.
type Aggregate struct {
	Bodies []Body `json:"body"`
}

// Body is a decision-making body.
type Body struct {
	Name     string    `json:"name"`
	Meetings []Meeting `json:"meetings"`
}

// Meeting is a metadata record plus the agenda items held at it.
type Meeting struct {
	record.Metadata
	Items []record.Agenda `json:"-"`
}

func (m Meeting) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	items := m.Items
	if items == nil {
		items = []record.Agenda{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	fields["meeting_items"] = raw
	return json.Marshal(fields)
}

func (m *Meeting) UnmarshalJSON(data []byte) error {
	var items struct {
		Items []record.Agenda `json:"meeting_items"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &m.Metadata); err != nil {
		return err
	}
	delete(m.Metadata.Extra, "meeting_items")
	if len(m.Metadata.Extra) == 0 {
		m.Metadata.Extra = nil
	}
	m.Items = items.Items
	return nil
}

// AggregateFileName is the aggregate file name for mode.
func AggregateFileName(mode Mode) string {
	return fmt.Sprintf("%s_aggregate_data.json", mode)
}

type meetingKey struct{ body, date, reference string }

// BuildAggregate reads the persisted records of mode for every document in
// cat. Agenda items are attached to the meeting of the same body, date and
// reference; items whose meeting has no metadata record get a meeting built
// from their provenance.
func BuildAggregate(cat *catalog.Catalog, mode Mode, w Writer) (*Aggregate, error) {
	meetings := make(map[meetingKey]*Meeting)
	var order []meetingKey

	get := func(prov record.Provenance) *Meeting {
		k := meetingKey{prov.Body, prov.MeetingDate, prov.MeetingReference}
		if m, ok := meetings[k]; ok {
			return m
		}
		m := &Meeting{}
		m.Provenance = prov
		fillMetadata(&m.Metadata)
		meetings[k] = m
		order = append(order, k)
		return m
	}

	for _, doc := range cat.Filter(catalog.KindMetadata) {
		p, err := w.Read(doc, mode, record.TypeMetadata)
		if errors.Is(err, ErrNoRecord) {
			continue
		}
		if err != nil {
			slog.Warn("merge: skipping unreadable record", "doc_id", doc.ID, "error", err)
			continue
		}
		m := get(p.Metadata.Provenance)
		items := m.Items
		m.Metadata = *p.Metadata
		m.Items = items
	}
	for _, doc := range cat.Filter(catalog.KindAgenda) {
		p, err := w.Read(doc, mode, record.TypeAgenda)
		if errors.Is(err, ErrNoRecord) {
			continue
		}
		if err != nil {
			slog.Warn("merge: skipping unreadable record", "doc_id", doc.ID, "error", err)
			continue
		}
		m := get(p.Agenda.Provenance)
		m.Items = append(m.Items, *p.Agenda)
	}

	byBody := make(map[string]*Body)
	var names []string
	for _, k := range order {
		b, ok := byBody[k.body]
		if !ok {
			b = &Body{Name: k.body}
			byBody[k.body] = b
			names = append(names, k.body)
		}
		m := meetings[k]
		sort.SliceStable(m.Items, func(i, j int) bool {
			if m.Items[i].Section != m.Items[j].Section {
				return m.Items[i].Section < m.Items[j].Section
			}
			return m.Items[i].DocID < m.Items[j].DocID
		})
		b.Meetings = append(b.Meetings, *m)
	}
	sort.Strings(names)

	agg := &Aggregate{Bodies: []Body{}}
	for _, n := range names {
		b := byBody[n]
		sort.SliceStable(b.Meetings, func(i, j int) bool {
			return b.Meetings[i].MeetingDate < b.Meetings[j].MeetingDate
		})
		agg.Bodies = append(agg.Bodies, *b)
	}
	return agg, nil
}

// WriteAggregate stores agg under root as {mode}_aggregate_data.json.
func WriteAggregate(root string, mode Mode, agg *Aggregate) (string, error) {
	data, err := json.MarshalIndent(agg, "", "    ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(root, AggregateFileName(mode))
	return path, writeAtomic(path, data)
}

// LoadAggregate reads an aggregate file.
func LoadAggregate(path string) (*Aggregate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("merge: reading aggregate: %w", err)
	}
	var agg Aggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("merge: decoding aggregate: %w", err)
	}
	return &agg, nil
}
