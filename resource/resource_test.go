package resource

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestSerializeEnforcesLengthLimits(t *testing.T) {
	s := NewSession("app")
	s.Version = strings.Repeat("9", 21)
	_, err := Serialize(s, ModernVersion)
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if schemaErr.Kind != KindSession || schemaErr.Field != "version" || schemaErr.Max != 20 {
		t.Fatalf("unexpected schema error %+v", schemaErr)
	}
	if !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("schema error should wrap ErrSchemaViolation")
	}

	s.Version = strings.Repeat("é", 20)
	if _, err := Serialize(s, ModernVersion); err != nil {
		t.Fatalf("limits count runes, got %v", err)
	}
}

func TestSerializeOnlyDeclaredKeys(t *testing.T) {
	for _, kind := range Kinds {
		r, err := New(kind)
		if err != nil {
			t.Fatalf("new %s: %v", kind, err)
		}
		if c, ok := r.(*ItemCategory); ok {
			c.Grant(PermOwner, "admins")
		}
		fields, err := Serialize(r, ModernVersion)
		if err != nil {
			t.Fatalf("serialize %s: %v", kind, err)
		}
		keys := JSONKeys(kind)
		for key := range fields {
			found := false
			for _, k := range keys {
				found = found || k == key
			}
			if !found {
				t.Fatalf("%s: undeclared key %q", kind, key)
			}
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	d := NewDataset()
	d.Filename = "run.csv"
	d.NumParts = 3
	d.AddTag("stage", "final")
	fields, err := Serialize(d, ModernVersion)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	r, err := Decode(KindDataset, fields, ModernVersion)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := r.(*Dataset)
	if got.GUID() != d.GUID() || got.Filename != "run.csv" || got.NumParts != 3 || !got.Saved() {
		t.Fatalf("unexpected dataset %+v", got)
	}
	if v, _ := got.TagValue("stage"); v != "final" {
		t.Fatalf("tags lost: %q", got.Tags())
	}
	if _, err := Decode(Kind("bogus"), fields, ModernVersion); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestItemCategoryOwnerInvariant(t *testing.T) {
	c := NewItemCategory("reports", "admins")
	if err := c.Revoke(PermOwner, "admins"); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("expected ErrLastOwner, got %v", err)
	}
	c.Grant(PermOwner, "leads")
	if err := c.Revoke(PermOwner, "admins"); err != nil {
		t.Fatalf("revoke with another owner: %v", err)
	}
	if got := c.Groups(PermOwner); len(got) != 1 || got[0] != "leads" {
		t.Fatalf("unexpected owners %v", got)
	}
	fields, err := Serialize(c, ModernVersion)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, ok := fields["tags"]; ok {
		t.Fatalf("item categories carry no tags")
	}
	empty := &ItemCategory{Base: Base{guid: uuid.New()}}
	if _, err := Serialize(empty, ModernVersion); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("ownerless category must fail, got %v", err)
	}
}

func TestItemMigrateAcrossLegacyBoundary(t *testing.T) {
	it := NewItem("speeds", NewSession(""), NewDataset())
	if _, err := it.SetTable([]float64{1, 2, 3, 4}, []string{"a", "b"}, nil); err != nil {
		t.Fatalf("set table: %v", err)
	}
	legacyFields, err := Serialize(it, 0.9)
	if err != nil {
		t.Fatalf("serialize legacy: %v", err)
	}
	read, err := Decode(KindItem, legacyFields, 0.9)
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	loaded := read.(*Item)
	if _, err := Serialize(loaded, ModernVersion); !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration before migrate, got %v", err)
	}
	if err := loaded.Migrate(0.9, ModernVersion); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	modern, err := Serialize(loaded, ModernVersion)
	if err != nil {
		t.Fatalf("serialize modern: %v", err)
	}
	if strings.HasPrefix(modern["payloaddata"].(string), LegacyMarker) {
		t.Fatalf("migrated payload still legacy encoded")
	}
	tbl := loaded.Payload().(*Table)
	if tbl.Shape != [2]int{2, 2} {
		t.Fatalf("unexpected migrated shape %v", tbl.Shape)
	}

	opaque := NewItem("x", nil, nil)
	opaque.payload = opaquePayload{kind: "plot3d", raw: "??"}
	if err := opaque.Migrate(0.9, ModernVersion); !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration for opaque payload, got %v", err)
	}
}

func TestTemplateChildrenOrder(t *testing.T) {
	root := NewTemplate("root", "Layout:basic")
	a := NewTemplate("a", "Layout:panel")
	b := NewTemplate("b", "Layout:panel")
	root.AddChild(a)
	root.AddChild(b)
	if want := a.GUID().String() + "," + b.GUID().String(); root.ChildrenOrder() != want {
		t.Fatalf("unexpected order %q", root.ChildrenOrder())
	}
	if a.Parent().UUID != root.GUID() {
		t.Fatalf("child parent not set")
	}
	root.RemoveChild(a.GUID())
	if root.ChildrenOrder() != b.GUID().String() {
		t.Fatalf("order not recomputed: %q", root.ChildrenOrder())
	}

	root.AddChild(a)
	fields, err := Serialize(root, ModernVersion)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	// Server returned children in a different order than children_order.
	fields["children"] = []any{a.GUID().String(), b.GUID().String()}
	fields["children_order"] = b.GUID().String() + "," + a.GUID().String() + "," + uuid.NewString()
	r, err := Decode(KindTemplate, fields, ModernVersion)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := r.(*Template).Children()
	if len(got) != 2 || got[0] != b.GUID() || got[1] != a.GUID() {
		t.Fatalf("unexpected children %v", got)
	}
}

func TestTemplateParamFlagAndFilter(t *testing.T) {
	tpl := NewTemplate("t", "Layout:basic")
	tpl.SetParamFlag("show_toc", true)
	if v, _ := tpl.Param("show_toc"); v != 1 {
		t.Fatalf("flag should be stored as 1, got %#v", v)
	}
	if err := tpl.SetItemFilter(Query{}.And("i_name", "cont", "speed")); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	if err := tpl.SetItemFilter(Query{}.And("name", "cont", "x")); err == nil {
		t.Fatalf("expected prefix validation error")
	}
	fields, err := Serialize(tpl, ModernVersion)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	r, err := Decode(KindTemplate, fields, ModernVersion)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	back := r.(*Template)
	if !back.ParamFlag("show_toc") {
		t.Fatalf("flag lost in round trip: %v", back.Params())
	}
	if q := back.ItemFilter(); len(q) != 1 || q[0].Field != "i_name" {
		t.Fatalf("unexpected filter %v", q)
	}
}
