package resource

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Item is one piece of report content bound to a Session and a Dataset.
type Item struct {
	Base
	name       string
	source     string
	sequence   int
	session    uuid.NullUUID
	dataset    uuid.NullUUID
	payload    Payload
	categories map[string]struct{}

	// encodedFor is the API version payloaddata was last read under. A
	// loaded item must be migrated before it is rendered for a server on
	// the other side of the legacy boundary.
	encodedFor *APIVersion
}

// NewItem returns an unsaved item bound to session and dataset.
func NewItem(name string, session *Session, dataset *Dataset) *Item {
	it := &Item{Base: newBase(), name: name, payload: NonePayload{}, categories: map[string]struct{}{}}
	if session != nil {
		it.SetSession(session.GUID())
	}
	if dataset != nil {
		it.SetDataset(dataset.GUID())
	}
	return it
}

func (it *Item) Kind() Kind { return KindItem }

func (it *Item) Name() string        { return it.name }
func (it *Item) SetName(name string) { it.name = name }

func (it *Item) Source() string          { return it.source }
func (it *Item) SetSource(source string) { it.source = source }

func (it *Item) Sequence() int     { return it.sequence }
func (it *Item) SetSequence(n int) { it.sequence = n }

// SessionGUID returns the referenced session.
func (it *Item) SessionGUID() uuid.NullUUID { return it.session }

// DatasetGUID returns the referenced dataset.
func (it *Item) DatasetGUID() uuid.NullUUID { return it.dataset }

func (it *Item) SetSession(id uuid.UUID) { it.session = uuid.NullUUID{UUID: id, Valid: true} }
func (it *Item) SetDataset(id uuid.UUID) { it.dataset = uuid.NullUUID{UUID: id, Valid: true} }

// Payload returns the current payload.
func (it *Item) Payload() Payload { return it.payload }

// SetPayload validates and stores p. A nil payload clears the item.
func (it *Item) SetPayload(p Payload) error {
	if p == nil {
		p = NonePayload{}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	it.payload = p
	it.encodedFor = nil
	return nil
}

// SetText stores a string payload.
func (it *Item) SetText(s string) error { return it.SetPayload(TextPayload{Text: s}) }

// SetHTML stores an html payload.
func (it *Item) SetHTML(s string) error { return it.SetPayload(TextPayload{HTML: true, Text: s}) }

// SetTable normalizes array into a table payload.
func (it *Item) SetTable(array any, rowLabels, columnLabels []string) (*Table, error) {
	t, err := NewTable(array, rowLabels, columnLabels)
	if err != nil {
		return nil, err
	}
	return t, it.SetPayload(t)
}

// SetTree stores a tree payload.
func (it *Item) SetTree(nodes ...TreeNode) error {
	t, err := NewTree(nodes...)
	if err != nil {
		return err
	}
	return it.SetPayload(t)
}

// SetFile stores a file-bearing payload of kind.
func (it *Item) SetFile(kind PayloadKind, filename string, data []byte) error {
	return it.SetPayload(&FilePayload{Type: kind, Filename: filename, Data: data})
}

// File returns the file payload, if any.
func (it *Item) File() (*FilePayload, bool) {
	fp, ok := it.payload.(*FilePayload)
	return fp, ok
}

// AddCategory adds the item to a named category.
func (it *Item) AddCategory(name string) {
	if it.categories == nil {
		it.categories = map[string]struct{}{}
	}
	it.categories[name] = struct{}{}
}

// RemoveCategory drops a category.
func (it *Item) RemoveCategory(name string) { delete(it.categories, name) }

// Categories returns the category names, sorted.
func (it *Item) Categories() []string {
	out := make([]string, 0, len(it.categories))
	for name := range it.categories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Migrate re-targets a loaded payload from API version from to to. It is
// exact for the closed payload set; opaque payloads crossing the legacy
// boundary fail with ErrMigration.
func (it *Item) Migrate(from, to APIVersion) error {
	if from.Legacy() != to.Legacy() {
		if _, opaque := it.payload.(opaquePayload); opaque {
			return fmt.Errorf("%w: item %s payload of type %q", ErrMigration, it.guid, it.payload.Kind())
		}
	}
	v := to
	it.encodedFor = &v
	return nil
}

func (it *Item) Fields(v APIVersion) (map[string]any, error) {
	if it.encodedFor != nil && it.encodedFor.Legacy() != v.Legacy() {
		return nil, fmt.Errorf("%w: item %s was read under API %s, migrate before pushing to %s", ErrMigration, it.guid, it.encodedFor, v)
	}
	payload := it.payload
	if payload == nil {
		payload = NonePayload{}
	}
	data, err := encodePayload(payload, v)
	if err != nil {
		return nil, &SchemaError{Kind: KindItem, Field: "payloaddata", Detail: err.Error()}
	}
	fields := it.baseFields()
	fields["name"] = it.name
	fields["source"] = it.source
	fields["sequence"] = it.sequence
	fields["session"] = guidString(it.session)
	fields["dataset"] = guidString(it.dataset)
	fields["type"] = string(payload.Kind())
	fields["payloaddata"] = data
	categories := make([]any, 0, len(it.categories))
	for _, name := range it.Categories() {
		categories = append(categories, name)
	}
	fields["categories"] = categories
	return fields, nil
}

func (it *Item) Load(fields map[string]any, v APIVersion) error {
	if err := it.loadBase(fields); err != nil {
		return err
	}
	it.name = stringField(fields, "name")
	it.source = stringField(fields, "source")
	it.sequence = intField(fields, "sequence")
	session, err := guidField(fields, "session")
	if err != nil {
		return err
	}
	dataset, err := guidField(fields, "dataset")
	if err != nil {
		return err
	}
	it.session, it.dataset = session, dataset
	payload, err := decodePayload(PayloadKind(stringField(fields, "type")), stringField(fields, "payloaddata"))
	if err != nil {
		return err
	}
	it.payload = payload
	it.categories = map[string]struct{}{}
	if list, ok := fields["categories"].([]any); ok {
		for _, raw := range list {
			it.categories[fmt.Sprint(raw)] = struct{}{}
		}
	}
	version := v
	it.encodedFor = &version
	return nil
}
