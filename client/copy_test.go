package client

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/reportsync/internal/fakeserver"
	"pkt.systems/reportsync/resource"
)

func TestCopyItemsCopiesReferencedParentsOnly(t *testing.T) {
	src, _, _ := newFakeClient(t, fakeserver.Options{Version: 1.0})
	dst, dstFake, _ := newFakeClient(t, fakeserver.Options{Version: 0.9})
	ctx := testContext(t)

	wanted := src.NewItem("wanted")
	if err := wanted.SetText("copy me"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	image := src.NewItem("wanted image")
	if err := image.SetFile(resource.PayloadImage, "plot.png", []byte("png-bytes")); err != nil {
		t.Fatalf("set file: %v", err)
	}
	if err := src.Put(ctx, wanted, image); err != nil {
		t.Fatalf("put: %v", err)
	}
	firstSession := src.Session()

	// A second session whose items do not match the query.
	src.SetSession(resource.NewSession("other"))
	other := src.NewItem("unrelated")
	if err := src.Put(ctx, other); err != nil {
		t.Fatalf("put other: %v", err)
	}

	res, err := src.CopyItems(ctx, dst, resource.Query{}.And("i_name", "cont", "wanted"))
	if err != nil {
		t.Fatalf("copy items: %v", err)
	}
	if res.Items != 2 || res.Sessions != 1 || res.Datasets != 1 || len(res.Unresolved) != 0 {
		t.Fatalf("unexpected copy result %+v", res)
	}
	if dstFake.Count("session") != 1 {
		t.Fatalf("expected only the referenced session copied, got %d", dstFake.Count("session"))
	}
	if _, ok := dstFake.Object("session", firstSession.GUID().String()); !ok {
		t.Fatal("expected referenced session on destination")
	}
	obj, ok := dstFake.Object("item", wanted.GUID().String())
	if !ok {
		t.Fatal("expected item copied with its GUID")
	}
	if data, _ := obj["payloaddata"].(string); !strings.HasPrefix(data, resource.LegacyMarker) {
		t.Fatalf("expected payload migrated to legacy encoding, got %q", data)
	}
	if got := dstFake.File(image.GUID().String()); !bytes.Equal(got, []byte("png-bytes")) {
		t.Fatalf("expected file content copied, got %q", got)
	}
	if _, ok := dstFake.Object("item", other.GUID().String()); ok {
		t.Fatal("unmatched item must not be copied")
	}
}

func TestCopyItemsEmptyMatch(t *testing.T) {
	src, _, _ := newFakeClient(t, fakeserver.Options{})
	dst, dstFake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)
	res, err := src.CopyItems(ctx, dst, resource.Query{}.And("i_name", "eq", "missing"))
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if res.Items != 0 || dstFake.Count("session") != 0 {
		t.Fatalf("expected nothing copied, got %+v", res)
	}
}

func TestCopyTemplatesExpandsLinkedTree(t *testing.T) {
	src, srcFake, _ := newFakeClient(t, fakeserver.Options{})
	dst, dstFake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)

	root := resource.NewTemplate("root", "Layout:basic")
	a := resource.NewTemplate("A", "Layout:panel")
	b := resource.NewTemplate("B", "Layout:panel")
	c := resource.NewTemplate("C", "Generator:tablemerge")
	root.AddChild(a)
	root.AddChild(b)
	a.AddChild(c)
	// Every GUID must exist before links to it are saved.
	tree := []*resource.Template{root, a, b, c}
	for _, tpl := range tree {
		if err := src.Put(ctx, tpl.StripLinks()); err != nil {
			t.Fatalf("seed %s: %v", tpl.Name(), err)
		}
	}
	for _, tpl := range tree {
		tpl.SetSaved(true)
		if err := src.Put(ctx, tpl); err != nil {
			t.Fatalf("link %s: %v", tpl.Name(), err)
		}
	}
	if srcFake.Count("reports") != 4 {
		t.Fatalf("expected 4 source templates, got %d", srcFake.Count("reports"))
	}

	res, err := src.CopyTemplates(ctx, dst, resource.Query{}.And("t_name", "eq", "C"))
	if err != nil {
		t.Fatalf("copy templates: %v", err)
	}
	if res.Templates != 4 || len(res.Unresolved) != 0 {
		t.Fatalf("expected the whole linked tree, got %+v", res)
	}
	if dstFake.Count("reports") != 4 {
		t.Fatalf("expected 4 destination templates, got %d", dstFake.Count("reports"))
	}
	obj, _ := dstFake.Object("reports", root.GUID().String())
	if obj["children_order"] != a.GUID().String()+","+b.GUID().String() {
		t.Fatalf("expected children order preserved, got %v", obj["children_order"])
	}
	obj, _ = dstFake.Object("reports", c.GUID().String())
	if obj["parent"] != a.GUID().String() {
		t.Fatalf("expected parent link restored, got %v", obj["parent"])
	}
}

func TestCopyTemplatesDropsDanglingLinks(t *testing.T) {
	src, srcFake, _ := newFakeClient(t, fakeserver.Options{})
	dst, dstFake, _ := newFakeClient(t, fakeserver.Options{})
	ctx := testContext(t)

	parent := resource.NewTemplate("parent", "Layout:basic")
	child := resource.NewTemplate("child", "Layout:panel")
	parent.AddChild(child)
	if err := src.Put(ctx, child.StripLinks(), parent.StripLinks()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	child.SetSaved(true)
	parent.SetSaved(true)
	if err := src.Put(ctx, child, parent); err != nil {
		t.Fatalf("link: %v", err)
	}
	// The parent vanishes from the source after the child was linked.
	srcFake.Forget("reports", parent.GUID().String())

	res, err := src.CopyTemplates(ctx, dst, resource.Query{}.And("t_name", "eq", "child"))
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != parent.GUID() {
		t.Fatalf("expected parent unresolved, got %+v", res.Unresolved)
	}
	obj, ok := dstFake.Object("reports", child.GUID().String())
	if !ok {
		t.Fatal("expected child copied")
	}
	if obj["parent"] != nil {
		t.Fatalf("expected dangling parent dropped, got %v", obj["parent"])
	}
}
