package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// importDoc accepts both the current field names and the legacy export
// format (person/Person, stime, last_interact, _id).
type importDoc struct {
	ID               json.RawMessage `json:"id"`
	LegacyID         json.RawMessage `json:"_id"`
	Participant      string          `json:"participant"`
	Person           string          `json:"person"`
	PersonUpper      string          `json:"Person"`
	FirstInteraction *Moment         `json:"firstInteraction"`
	STime            *Moment         `json:"stime"`
	LastInteraction  *Moment         `json:"lastInteraction"`
	LastInteract     *Moment         `json:"last_interact"`
	Messages         []importMessage `json:"messages"`
	Annotations      []importRecord  `json:"annotations"`
}

type importMessage struct {
	ID          json.RawMessage `json:"id"`
	LegacyID    json.RawMessage `json:"_id"`
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Annotations []importRecord  `json:"annotations"`
	Comments    []importComment `json:"comments"`
}

type importRecord struct {
	ID       json.RawMessage `json:"id"`
	LegacyID json.RawMessage `json:"_id"`
	Title    string          `json:"title"`
	Type     Kind            `json:"type"`
	Options  []string        `json:"options"`
	Answers  json.RawMessage `json:"answers"`
}

type importComment struct {
	ID        json.RawMessage `json:"id"`
	LegacyID  json.RawMessage `json:"_id"`
	Author    string          `json:"author"`
	Name      string          `json:"name"`
	Timestamp json.RawMessage `json:"timestamp"`
	Content   string          `json:"content"`
}

// ParseImport decodes a JSON array of conversation documents. Missing ids are
// filled with newID. Answers that are not a plain string list are dropped.
func ParseImport(r io.Reader, newID func() string) ([]Conversation, error) {
	var docs []importDoc
	dec := json.NewDecoder(r)
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decoding import: %w", err)
	}

	out := make([]Conversation, 0, len(docs))
	for i, d := range docs {
		c, err := d.toConversation()
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		c.AssignIDs(newID)
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (d importDoc) toConversation() (Conversation, error) {
	c := Conversation{
		ID:          firstID(d.ID, d.LegacyID),
		Participant: firstNonEmpty(d.Participant, d.Person, d.PersonUpper),
		Messages:    make([]Message, 0, len(d.Messages)),
	}
	if c.Participant == "" {
		c.Participant = "Unknown"
	}
	if m := firstMoment(d.FirstInteraction, d.STime); m != nil {
		c.FirstInteraction = *m
	}
	if m := firstMoment(d.LastInteraction, d.LastInteract); m != nil {
		c.LastInteraction = *m
	}

	anns, err := convertRecords(d.Annotations)
	if err != nil {
		return Conversation{}, err
	}
	c.Annotations = anns

	for _, im := range d.Messages {
		m := Message{
			ID:      firstID(im.ID, im.LegacyID),
			Role:    Role(strings.ToLower(string(im.Role))),
			Content: im.Content,
		}
		if m.Annotations, err = convertRecords(im.Annotations); err != nil {
			return Conversation{}, err
		}
		for _, ic := range im.Comments {
			m.Comments = append(m.Comments, Comment{
				ID:        firstID(ic.ID, ic.LegacyID),
				Author:    firstNonEmpty(ic.Author, ic.Name),
				Timestamp: parseTimestamp(ic.Timestamp),
				Content:   ic.Content,
			})
		}
		c.Messages = append(c.Messages, m)
	}
	return c, nil
}

func convertRecords(in []importRecord) ([]Annotation, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]Annotation, 0, len(in))
	for _, r := range in {
		var answers []string
		if len(r.Answers) > 0 && !bytes.Equal(r.Answers, []byte("null")) {
			if err := json.Unmarshal(r.Answers, &answers); err != nil {
				answers = nil
			}
		}
		a, err := FromRecord(Record{
			ID:      firstID(r.ID, r.LegacyID),
			Title:   r.Title,
			Type:    r.Type,
			Options: r.Options,
		})
		if err != nil {
			return nil, err
		}
		if err := a.SetAnswers(answers); err != nil {
			a.Answers = nil
		}
		out = append(out, a)
	}
	return out, nil
}

// firstID returns the first usable id among raw values. Mongo extended JSON
// ({"$oid": "..."}) is unwrapped.
func firstID(raws ...json.RawMessage) string {
	for _, raw := range raws {
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
		var oid struct {
			OID string `json:"$oid"`
		}
		if err := json.Unmarshal(raw, &oid); err == nil && oid.OID != "" {
			return oid.OID
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstMoment(ms ...*Moment) *Moment {
	for _, m := range ms {
		if m != nil {
			return m
		}
	}
	return nil
}

// parseTimestamp accepts unix milliseconds or an RFC 3339 string.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
