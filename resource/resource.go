package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a resource type and the REST endpoint serving it.
type Kind string

const (
	KindTemplate     Kind = "template"
	KindItem         Kind = "item"
	KindSession      Kind = "session"
	KindDataset      Kind = "dataset"
	KindItemCategory Kind = "item_category"
)

// Kinds lists every supported resource kind in dependency order: parents
// (sessions, datasets, categories) before items, templates last.
var Kinds = []Kind{KindSession, KindDataset, KindItemCategory, KindItem, KindTemplate}

// Endpoint returns the path segment used under the server base URL.
func (k Kind) Endpoint() string {
	switch k {
	case KindTemplate:
		return "reports"
	case KindItemCategory:
		return "item_category"
	default:
		return string(k)
	}
}

// DistinguishesCreate reports whether the endpoint accepts POST for new
// objects and PUT for updates. Legacy endpoints only accept PUT.
func (k Kind) DistinguishesCreate() bool {
	return k == KindTemplate || k == KindItemCategory
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

var (
	// ErrSchemaViolation marks a resource that cannot be serialized for the wire.
	ErrSchemaViolation = errors.New("resource: schema violation")
	// ErrUnknownKind is returned for kinds outside Kinds.
	ErrUnknownKind = errors.New("resource: unknown kind")
)

// SchemaError describes a field that violates the wire schema.
type SchemaError struct {
	Kind   Kind
	Field  string
	Len    int
	Max    int
	Detail string
}

func (e *SchemaError) Error() string {
	if e.Max > 0 {
		return fmt.Sprintf("resource: %s.%s is %d characters, limit %d", e.Kind, e.Field, e.Len, e.Max)
	}
	return fmt.Sprintf("resource: %s.%s: %s", e.Kind, e.Field, e.Detail)
}

func (e *SchemaError) Unwrap() error { return ErrSchemaViolation }

// Resource is implemented by every synchronizable object.
type Resource interface {
	GUID() uuid.UUID
	Kind() Kind
	Tags() string
	Saved() bool
	SetSaved(bool)
	// Fields renders the wire representation for the given API version.
	Fields(v APIVersion) (map[string]any, error)
	// Load populates the resource from a wire representation read from a
	// server speaking API version v.
	Load(fields map[string]any, v APIVersion) error
}

// Base carries the identity and metadata shared by all resources.
type Base struct {
	guid  uuid.UUID
	tags  string
	date  time.Time
	saved bool
}

func newBase() Base {
	return Base{guid: uuid.New(), date: time.Now().UTC()}
}

// GUID returns the immutable client-generated identifier.
func (b *Base) GUID() uuid.UUID { return b.guid }

// Tags returns the serialized tag string.
func (b *Base) Tags() string { return b.tags }

// SetTags replaces the serialized tag string.
func (b *Base) SetTags(tags string) { b.tags = tags }

// AddTag sets key to value, replacing any previous token for key.
func (b *Base) AddTag(key, value string) { b.tags = AddTag(b.tags, key, value) }

// RemoveTag drops every token for key.
func (b *Base) RemoveTag(key string) { b.tags = RemoveTag(b.tags, key) }

// TagValue returns the value recorded for key.
func (b *Base) TagValue(key string) (string, bool) { return TagValue(b.tags, key) }

// Date returns the creation timestamp.
func (b *Base) Date() time.Time { return b.date }

// Saved reports whether the resource has been pushed successfully.
func (b *Base) Saved() bool { return b.saved }

// SetSaved records push state. Only the sync client should call it.
func (b *Base) SetSaved(saved bool) { b.saved = saved }

func (b *Base) baseFields() map[string]any {
	return map[string]any{
		"guid": b.guid.String(),
		"tags": b.tags,
		"date": FormatTime(b.date),
	}
}

func (b *Base) loadBase(fields map[string]any) error {
	raw, ok := fields["guid"]
	if !ok {
		return &SchemaError{Field: "guid", Detail: "missing"}
	}
	id, err := uuid.Parse(fmt.Sprint(raw))
	if err != nil {
		return &SchemaError{Field: "guid", Detail: err.Error()}
	}
	b.guid = id
	b.tags = stringField(fields, "tags")
	if ts := stringField(fields, "date"); ts != "" {
		if parsed, err := ParseTime(ts); err == nil {
			b.date = parsed
		}
	}
	// Anything read from a server exists there.
	b.saved = true
	return nil
}

var jsonKeys = map[Kind][]string{
	KindTemplate:     {"guid", "tags", "date", "name", "parent", "children", "children_order", "params", "report_type", "item_filter"},
	KindItem:         {"guid", "tags", "date", "name", "source", "sequence", "session", "dataset", "type", "payloaddata", "categories"},
	KindSession:      {"guid", "tags", "date", "hostname", "platform", "application", "version"},
	KindDataset:      {"guid", "tags", "date", "filename", "dirname", "format", "numparts", "numelements"},
	KindItemCategory: {"guid", "date", "name", "perms_and_groups"},
}

var jsonKeyLimits = map[Kind]map[string]int{
	KindTemplate:     {"name": 255},
	KindItem:         {"name": 255, "source": 80},
	KindSession:      {"hostname": 50, "platform": 50, "application": 40, "version": 20},
	KindDataset:      {"filename": 256, "dirname": 256, "format": 50},
	KindItemCategory: {"name": 255},
}

// JSONKeys lists the wire fields of kind.
func JSONKeys(kind Kind) []string {
	return append([]string(nil), jsonKeys[kind]...)
}

// JSONKeyLimits returns the maximum length of each length-limited field.
func JSONKeyLimits(kind Kind) map[string]int {
	out := make(map[string]int, len(jsonKeyLimits[kind]))
	for k, v := range jsonKeyLimits[kind] {
		out[k] = v
	}
	return out
}

// Serialize renders r for API version v and validates it against the wire
// schema of its kind. It never touches the network.
func Serialize(r Resource, v APIVersion) (map[string]any, error) {
	kind := r.Kind()
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	fields, err := r.Fields(v)
	if err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) && schemaErr.Kind == "" {
			schemaErr.Kind = kind
		}
		return nil, err
	}
	allowed := make(map[string]struct{}, len(jsonKeys[kind]))
	for _, key := range jsonKeys[kind] {
		allowed[key] = struct{}{}
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, ok := allowed[key]; !ok {
			return nil, &SchemaError{Kind: kind, Field: key, Detail: "unknown field"}
		}
		limit, limited := jsonKeyLimits[kind][key]
		if !limited {
			continue
		}
		s, _ := fields[key].(string)
		if n := len([]rune(s)); n > limit {
			return nil, &SchemaError{Kind: kind, Field: key, Len: n, Max: limit}
		}
	}
	return fields, nil
}

// New returns an empty resource of kind, ready for Load.
func New(kind Kind) (Resource, error) {
	switch kind {
	case KindTemplate:
		return &Template{Base: newBase(), params: map[string]any{}}, nil
	case KindItem:
		return &Item{Base: newBase(), payload: NonePayload{}, categories: map[string]struct{}{}}, nil
	case KindSession:
		return &Session{Base: newBase()}, nil
	case KindDataset:
		return &Dataset{Base: newBase()}, nil
	case KindItemCategory:
		return &ItemCategory{Base: newBase(), perms: map[string]map[string]struct{}{}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Decode builds a resource of kind from its wire representation.
func Decode(kind Kind, fields map[string]any, v APIVersion) (Resource, error) {
	r, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := r.Load(fields, v); err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) && schemaErr.Kind == "" {
			schemaErr.Kind = kind
		}
		return nil, err
	}
	return r, nil
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		var n int
		fmt.Sscan(strings.TrimSpace(v), &n)
		return n
	default:
		return 0
	}
}

func guidField(fields map[string]any, key string) (uuid.NullUUID, error) {
	raw := stringField(fields, key)
	if raw == "" || raw == "None" {
		return uuid.NullUUID{}, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.NullUUID{}, &SchemaError{Field: key, Detail: err.Error()}
	}
	return uuid.NullUUID{UUID: id, Valid: true}, nil
}

func guidString(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID.String()
}
