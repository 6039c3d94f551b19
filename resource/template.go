package resource

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Template is a report template. Parent and children are GUID references;
// use an Arena to resolve them.
type Template struct {
	Base
	name          string
	parent        uuid.NullUUID
	children      []uuid.UUID
	childrenOrder string
	params        map[string]any
	reportType    string
	itemFilter    Query
}

// NewTemplate returns an unsaved template.
func NewTemplate(name, reportType string) *Template {
	return &Template{Base: newBase(), name: name, reportType: reportType, params: map[string]any{}}
}

func (t *Template) Kind() Kind { return KindTemplate }

func (t *Template) Name() string        { return t.name }
func (t *Template) SetName(name string) { t.name = name }

func (t *Template) ReportType() string      { return t.reportType }
func (t *Template) SetReportType(rt string) { t.reportType = rt }

// Parent returns the parent GUID, if any.
func (t *Template) Parent() uuid.NullUUID { return t.parent }

// SetParent records parent without touching the parent's children.
func (t *Template) SetParent(parent uuid.NullUUID) { t.parent = parent }

// Children returns the ordered child GUIDs.
func (t *Template) Children() []uuid.UUID { return append([]uuid.UUID(nil), t.children...) }

// SetChildren replaces the ordered child list.
func (t *Template) SetChildren(children []uuid.UUID) {
	t.children = append([]uuid.UUID(nil), children...)
	t.Prepare()
}

// AddChild links child under t, appending it to the child order.
func (t *Template) AddChild(child *Template) {
	child.parent = uuid.NullUUID{UUID: t.guid, Valid: true}
	for _, id := range t.children {
		if id == child.guid {
			return
		}
	}
	t.children = append(t.children, child.guid)
	t.Prepare()
}

// RemoveChild unlinks the child GUID.
func (t *Template) RemoveChild(id uuid.UUID) bool {
	for i, c := range t.children {
		if c == id {
			t.children = append(t.children[:i], t.children[i+1:]...)
			t.Prepare()
			return true
		}
	}
	return false
}

// ChildrenOrder is the comma joined child GUID order sent to the server.
func (t *Template) ChildrenOrder() string { return t.childrenOrder }

// Prepare recomputes derived fields. It runs before every save.
func (t *Template) Prepare() {
	ids := make([]string, len(t.children))
	for i, id := range t.children {
		ids[i] = id.String()
	}
	t.childrenOrder = strings.Join(ids, ",")
}

// Params returns a copy of the params blob.
func (t *Template) Params() map[string]any {
	out := make(map[string]any, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

// SetParams replaces the params blob.
func (t *Template) SetParams(params map[string]any) {
	t.params = make(map[string]any, len(params))
	for k, v := range params {
		t.params[k] = v
	}
}

// Param returns one params entry.
func (t *Template) Param(key string) (any, bool) {
	v, ok := t.params[key]
	return v, ok
}

// SetParam sets one params entry.
func (t *Template) SetParam(key string, value any) {
	if t.params == nil {
		t.params = map[string]any{}
	}
	t.params[key] = value
}

// SetParamFlag stores a boolean flag as 0 or 1, the form servers compare
// against.
func (t *Template) SetParamFlag(key string, on bool) {
	v := 0
	if on {
		v = 1
	}
	t.SetParam(key, v)
}

// ParamFlag reads a flag written as 0/1 or, by older clients, as a bool.
func (t *Template) ParamFlag(key string) bool {
	switch v := t.params[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	}
	return false
}

// ItemFilter returns the query selecting items for this template.
func (t *Template) ItemFilter() Query { return append(Query(nil), t.itemFilter...) }

// SetItemFilter validates and stores q.
func (t *Template) SetItemFilter(q Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	t.itemFilter = append(Query(nil), q...)
	return nil
}

// Fields renders the template. Templates carry no payload so the encoding
// does not depend on v.
func (t *Template) Fields(v APIVersion) (map[string]any, error) {
	t.Prepare()
	fields := t.baseFields()
	fields["name"] = t.name
	fields["parent"] = guidString(t.parent)
	children := make([]any, len(t.children))
	for i, id := range t.children {
		children[i] = id.String()
	}
	fields["children"] = children
	fields["children_order"] = t.childrenOrder
	params, err := NormalizeJSON(t.params)
	if err != nil {
		return nil, &SchemaError{Kind: KindTemplate, Field: "params", Detail: err.Error()}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, &SchemaError{Kind: KindTemplate, Field: "params", Detail: err.Error()}
	}
	fields["params"] = string(data)
	fields["report_type"] = t.reportType
	fields["item_filter"] = t.itemFilter.String()
	return fields, nil
}

// Load populates the template. Children are reordered to match
// children_order; GUIDs missing from it keep their relative order at the
// end and stale entries in it are dropped.
func (t *Template) Load(fields map[string]any, v APIVersion) error {
	if err := t.loadBase(fields); err != nil {
		return err
	}
	t.name = stringField(fields, "name")
	t.reportType = stringField(fields, "report_type")
	parent, err := guidField(fields, "parent")
	if err != nil {
		return err
	}
	t.parent = parent
	var children []uuid.UUID
	if list, ok := fields["children"].([]any); ok {
		for _, raw := range list {
			id, err := uuid.Parse(fmt.Sprint(raw))
			if err != nil {
				return &SchemaError{Field: "children", Detail: err.Error()}
			}
			children = append(children, id)
		}
	}
	t.children = orderChildren(children, stringField(fields, "children_order"))
	t.Prepare()
	t.params = map[string]any{}
	switch p := fields["params"].(type) {
	case string:
		if strings.TrimSpace(p) != "" {
			if err := json.Unmarshal([]byte(p), &t.params); err != nil {
				return &SchemaError{Field: "params", Detail: err.Error()}
			}
		}
	case map[string]any:
		t.SetParams(p)
	}
	if raw := stringField(fields, "item_filter"); raw != "" {
		q, err := ParseQuery(raw)
		if err != nil {
			return &SchemaError{Field: "item_filter", Detail: err.Error()}
		}
		t.itemFilter = q
	} else {
		t.itemFilter = nil
	}
	return nil
}

func orderChildren(children []uuid.UUID, order string) []uuid.UUID {
	if order == "" {
		return children
	}
	present := make(map[uuid.UUID]bool, len(children))
	for _, id := range children {
		present[id] = true
	}
	out := make([]uuid.UUID, 0, len(children))
	used := make(map[uuid.UUID]bool, len(children))
	for _, raw := range strings.Split(order, ",") {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil || !present[id] || used[id] {
			continue
		}
		out = append(out, id)
		used[id] = true
	}
	for _, id := range children {
		if !used[id] {
			out = append(out, id)
		}
	}
	return out
}

// StripLinks returns a copy without parent or children, sharing t's GUID.
// Cross-server copies save it first so every GUID exists before links are
// restored.
func (t *Template) StripLinks() *Template {
	cp := *t
	cp.parent = uuid.NullUUID{}
	cp.children = nil
	cp.childrenOrder = ""
	cp.params = t.Params()
	cp.itemFilter = t.ItemFilter()
	return &cp
}
