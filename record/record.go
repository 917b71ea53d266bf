// Package record defines the payloads produced by structured extraction.
//
// A Payload is a tagged union over the known record shapes. Fields the model
// returns that are not part of a shape are kept in that shape's Extra map so
// nothing is silently dropped between the model and the persisted file.
package record

import (
	"encoding/json"
	"fmt"
)

// Type is an extraction type.
type Type string

const (
	TypeMetadata   Type = "metadata"
	TypeAgenda     Type = "agenda"
	TypeReferences Type = "references"
)

// ParseType validates s as an extraction type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeMetadata, TypeAgenda, TypeReferences:
		return t, nil
	default:
		return "", fmt.Errorf("record: unknown extraction type %q", s)
	}
}

// Provenance holds what the catalog knows about a document. It is filled in
// after the model call and always wins over anything the model produced.
type Provenance struct {
	DocID            string `json:"doc_id"`
	Body             string `json:"body,omitempty"`
	MeetingDate      string `json:"meeting_date"`
	MeetingTime      string `json:"meeting_time"`
	MeetingReference string `json:"meeting_reference"`
	Section          string `json:"section"`
	Link             string `json:"doc_link,omitempty"`
}

type Participant struct {
	FirstName  string `json:"fname"`
	LastName   string `json:"lname"`
	Role       string `json:"role"`
	Attendance string `json:"attendance"`
}

type Substitute struct {
	FirstName      string `json:"fname"`
	LastName       string `json:"lname"`
	SubstitutedFor string `json:"substituted_for"`
}

type Attendee struct {
	FirstName string `json:"fname"`
	LastName  string `json:"lname"`
	Role      string `json:"role"`
}

type Signatory struct {
	FirstName string `json:"fname"`
	LastName  string `json:"lname"`
}

// Metadata is who met, when and where.
type Metadata struct {
	Provenance
	StartTime           string        `json:"start_time"`
	EndTime             string        `json:"end_time"`
	MeetingLocation     string        `json:"meeting_location"`
	Participants        []Participant `json:"participants"`
	Substitutes         []Substitute  `json:"substitutes"`
	AdditionalAttendees []Attendee    `json:"additional_attendees"`
	SignedBy            []Signatory   `json:"signed_by"`
	AdjustedBy          []string      `json:"adjusted_by"`

	Extra map[string]any `json:"-"`
}

// Attachment links an agenda item to a child document.
type Attachment struct {
	DocID string `json:"doc_id,omitempty"`
	Title string `json:"title"`
	Link  string `json:"link"`
}

// Agenda is one decision item of a meeting.
type Agenda struct {
	Provenance
	Title       string       `json:"title"`
	Context     string       `json:"context"`
	Decision    string       `json:"decision"`
	PreparedBy  []string     `json:"prepared_by"`
	ProposalBy  []string     `json:"proposal_by"`
	Attachments []Attachment `json:"attachments"`
	References  []string     `json:"references"`

	Extra map[string]any `json:"-"`
}

// References lists earlier decisions an agenda item refers to.
type References struct {
	References []string `json:"references"`

	Extra map[string]any `json:"-"`
}

type metadataFields Metadata
type agendaFields Agenda
type referencesFields References

func (m Metadata) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(metadataFields(m), m.Extra)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var f metadataFields
	extra, err := unmarshalWithExtra(data, &f)
	if err != nil {
		return err
	}
	*m = Metadata(f)
	m.Extra = extra
	return nil
}

func (a Agenda) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(agendaFields(a), a.Extra)
}

func (a *Agenda) UnmarshalJSON(data []byte) error {
	var f agendaFields
	extra, err := unmarshalWithExtra(data, &f)
	if err != nil {
		return err
	}
	*a = Agenda(f)
	a.Extra = extra
	return nil
}

func (r References) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(referencesFields(r), r.Extra)
}

func (r *References) UnmarshalJSON(data []byte) error {
	var f referencesFields
	extra, err := unmarshalWithExtra(data, &f)
	if err != nil {
		return err
	}
	*r = References(f)
	r.Extra = extra
	return nil
}

// Payload is exactly one of Metadata, Agenda or References, selected by Type.
type Payload struct {
	Type       Type
	Metadata   *Metadata
	Agenda     *Agenda
	References *References
}

// Provenance returns the provenance block of the payload, nil for references.
func (p *Payload) Provenance() *Provenance {
	switch p.Type {
	case TypeMetadata:
		if p.Metadata != nil {
			return &p.Metadata.Provenance
		}
	case TypeAgenda:
		if p.Agenda != nil {
			return &p.Agenda.Provenance
		}
	}
	return nil
}

// Value returns the populated variant.
func (p *Payload) Value() any {
	switch p.Type {
	case TypeMetadata:
		return p.Metadata
	case TypeAgenda:
		return p.Agenda
	case TypeReferences:
		return p.References
	}
	return nil
}

// MarshalJSON encodes the populated variant only.
func (p Payload) MarshalJSON() ([]byte, error) {
	v := p.Value()
	if v == nil {
		return nil, fmt.Errorf("record: empty payload of type %q", p.Type)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data as a payload of type t without schema validation.
func Unmarshal(t Type, data []byte) (*Payload, error) {
	p := &Payload{Type: t}
	var err error
	switch t {
	case TypeMetadata:
		p.Metadata = &Metadata{}
		err = json.Unmarshal(data, p.Metadata)
	case TypeAgenda:
		p.Agenda = &Agenda{}
		err = json.Unmarshal(data, p.Agenda)
	case TypeReferences:
		p.References = &References{}
		err = json.Unmarshal(data, p.References)
	default:
		return nil, fmt.Errorf("record: unknown extraction type %q", t)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
