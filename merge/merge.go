// Package merge reconciles extraction payloads with the catalog and
// persists them next to their source documents.
package merge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/brunobiangulo/minutegraph/catalog"
	"github.com/brunobiangulo/minutegraph/record"
)

// Merger injects catalog provenance into payloads.
type Merger struct {
	Catalog *catalog.Catalog
}

// Merge overwrites the provenance fields of p with the catalog values of doc
// and, for agenda payloads, replaces the attachment list with doc's children.
// p is modified in place and returned.
func (m *Merger) Merge(p *record.Payload, doc catalog.Document) (*record.Payload, error) {
	if p == nil || p.Value() == nil {
		return nil, fmt.Errorf("merge: empty payload for %s", doc.ID)
	}
	prov := p.Provenance()
	if prov == nil {
		return nil, fmt.Errorf("merge: %s payloads carry no provenance", p.Type)
	}
	*prov = record.Provenance{
		DocID:            doc.ID,
		Body:             doc.Body,
		MeetingDate:      NormalizeDate(doc.MeetingDate),
		MeetingTime:      doc.MeetingTime,
		MeetingReference: doc.MeetingReference,
		Section:          doc.Section,
		Link:             doc.Link,
	}

	switch p.Type {
	case record.TypeMetadata:
		fillMetadata(p.Metadata)
	case record.TypeAgenda:
		fillAgenda(p.Agenda)
		attachments := []record.Attachment{}
		if m.Catalog != nil {
			for _, a := range m.Catalog.Attachments(doc.ID) {
				attachments = append(attachments, record.Attachment{
					DocID: a.ID,
					Title: strings.TrimSpace(a.Title),
					Link:  a.Link,
				})
			}
		}
		p.Agenda.Attachments = attachments
	}
	return p, nil
}

// fillMetadata and fillAgenda make absent lists encode as [] rather than null.
func fillMetadata(m *record.Metadata) {
	if m.Participants == nil {
		m.Participants = []record.Participant{}
	}
	if m.Substitutes == nil {
		m.Substitutes = []record.Substitute{}
	}
	if m.AdditionalAttendees == nil {
		m.AdditionalAttendees = []record.Attendee{}
	}
	if m.SignedBy == nil {
		m.SignedBy = []record.Signatory{}
	}
	if m.AdjustedBy == nil {
		m.AdjustedBy = []string{}
	}
}

func fillAgenda(a *record.Agenda) {
	if a.PreparedBy == nil {
		a.PreparedBy = []string{}
	}
	if a.ProposalBy == nil {
		a.ProposalBy = []string{}
	}
	if a.References == nil {
		a.References = []string{}
	}
}

var (
	reYMD = regexp.MustCompile(`(\d{4})[.\-/](\d{1,2})[.\-/](\d{1,2})`)
	reDMY = regexp.MustCompile(`(\d{1,2})[.\-/](\d{1,2})[.\-/](\d{4})`)
	// "8 mars 2024", "8. maaliskuuta 2024"
	reDayMonthName = regexp.MustCompile(`(?i)(\d{1,2})\.?\s+([a-zåäö]+)\s+(\d{4})`)
)

var monthNames = map[string]int{
	"januari": 1, "februari": 2, "mars": 3, "april": 4, "maj": 5, "juni": 6,
	"juli": 7, "augusti": 8, "september": 9, "oktober": 10, "november": 11, "december": 12,
	"tammikuuta": 1, "helmikuuta": 2, "maaliskuuta": 3, "huhtikuuta": 4, "toukokuuta": 5, "kesäkuuta": 6,
	"heinäkuuta": 7, "elokuuta": 8, "syyskuuta": 9, "lokakuuta": 10, "marraskuuta": 11, "joulukuuta": 12,
}

// NormalizeDate finds a date in free text and formats it as YYYY.MM.DD.
// Numeric dates are read year-first or day-first; month names in Swedish
// and Finnish are understood; anything else goes through dateparse. The
// day, month and year must all be written out and form a real calendar
// date. It returns "" otherwise.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if m := reYMD.FindStringSubmatch(s); m != nil {
		if d, ok := format(m[1], m[2], m[3]); ok {
			return d
		}
	}
	if m := reDMY.FindStringSubmatch(s); m != nil {
		if d, ok := format(m[3], m[2], m[1]); ok {
			return d
		}
	}
	if m := reDayMonthName.FindStringSubmatch(s); m != nil {
		if month, ok := monthNames[strings.ToLower(m[2])]; ok {
			if d, ok := format(m[3], strconv.Itoa(month), m[1]); ok {
				return d
			}
		}
	}
	if t, err := dateparse.ParseAny(s); err == nil && explicit(s, t) {
		return t.Format("2006.01.02")
	}
	return ""
}

var reNumber = regexp.MustCompile(`\d+`)

// explicit reports whether s spells out every part of t. dateparse fills
// a missing day or month with 1.
func explicit(s string, t time.Time) bool {
	var year, day, month bool
	for _, n := range reNumber.FindAllString(s, -1) {
		v, _ := strconv.Atoi(n)
		switch {
		case !year && len(n) == 4 && v == t.Year():
			year = true
		case !day && len(n) <= 2 && v == t.Day():
			day = true
		case !month && len(n) <= 2 && v == int(t.Month()):
			month = true
		}
	}
	if !month {
		lower := strings.ToLower(s)
		month = strings.Contains(lower, strings.ToLower(t.Month().String()[:3]))
	}
	return year && day && month
}

func format(year, month, day string) (string, bool) {
	y, err1 := strconv.Atoi(year)
	m, err2 := strconv.Atoi(month)
	d, err3 := strconv.Atoi(day)
	if err1 != nil || err2 != nil || err3 != nil {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return "", false
	}
	return fmt.Sprintf("%04d.%02d.%02d", y, m, d), true
}
