package resource

import (
	"fmt"
	"strings"
)

// Link joins a stanza to the previous ones.
type Link string

const (
	LinkAnd Link = "A"
	LinkOr  Link = "O"
)

// Field prefixes select the object the stanza filters on.
const (
	PrefixItem     = "i_"
	PrefixSession  = "s_"
	PrefixDataset  = "d_"
	PrefixTemplate = "t_"
)

// Stanza is one Link|Field|Op|Value clause of the server query language,
// e.g. A|i_name|cont|temperature.
type Stanza struct {
	Link  Link
	Field string
	Op    string
	Value string
}

func (s Stanza) String() string {
	return string(s.Link) + "|" + s.Field + "|" + s.Op + "|" + s.Value
}

// Validate checks the link and field prefix.
func (s Stanza) Validate() error {
	if s.Link != LinkAnd && s.Link != LinkOr {
		return fmt.Errorf("resource: query link %q must be A or O", s.Link)
	}
	switch {
	case strings.HasPrefix(s.Field, PrefixItem),
		strings.HasPrefix(s.Field, PrefixSession),
		strings.HasPrefix(s.Field, PrefixDataset),
		strings.HasPrefix(s.Field, PrefixTemplate):
	default:
		return fmt.Errorf("resource: query field %q lacks an i_/s_/d_/t_ prefix", s.Field)
	}
	if s.Op == "" {
		return fmt.Errorf("resource: query stanza %q has no operator", s.String())
	}
	if strings.ContainsAny(s.Value, "|;") {
		return fmt.Errorf("resource: query value %q contains a separator", s.Value)
	}
	return nil
}

// Query is an ordered list of stanzas. The zero value matches everything.
type Query []Stanza

// And appends an A-linked stanza.
func (q Query) And(field, op, value string) Query {
	return append(q, Stanza{Link: LinkAnd, Field: field, Op: op, Value: value})
}

// Or appends an O-linked stanza.
func (q Query) Or(field, op, value string) Query {
	return append(q, Stanza{Link: LinkOr, Field: field, Op: op, Value: value})
}

// Validate checks every stanza.
func (q Query) Validate() error {
	for _, s := range q {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String renders the query in its unescaped form: stanzas each terminated
// by ';'.
func (q Query) String() string {
	var b strings.Builder
	for _, s := range q {
		b.WriteString(s.String())
		b.WriteByte(';')
	}
	return b.String()
}

var queryEscaper = strings.NewReplacer("|", "%7C", ";", "%3B", "#", "%23")

// Encode renders the query for use in a URL query parameter.
func (q Query) Encode() string {
	return queryEscaper.Replace(q.String())
}

var queryUnescaper = strings.NewReplacer("%7C", "|", "%7c", "|", "%3B", ";", "%3b", ";", "%23", "#")

// ParseQuery parses either the escaped or unescaped form.
func ParseQuery(raw string) (Query, error) {
	raw = queryUnescaper.Replace(strings.TrimSpace(raw))
	var q Query
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, "|", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("resource: malformed query stanza %q", part)
		}
		s := Stanza{Link: Link(fields[0]), Field: fields[1], Op: fields[2], Value: fields[3]}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		q = append(q, s)
	}
	return q, nil
}
