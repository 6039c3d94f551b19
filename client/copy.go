package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pkt.systems/reportsync/resource"
)

// CopyResult summarizes a cross-server copy.
type CopyResult struct {
	Items      int
	Sessions   int
	Datasets   int
	Templates  int
	Unresolved []uuid.UUID
}

// CopyItems copies the items matching query from c to dst. Only the
// sessions and datasets the matched items reference are copied, and they
// are pushed before the items. Payloads are migrated when the servers sit on
// different sides of the legacy API boundary.
func (c *Client) CopyItems(ctx context.Context, dst *Client, query resource.Query) (*CopyResult, error) {
	if dst == nil {
		return nil, fmt.Errorf("reportsync: copy items: nil destination")
	}
	ctx = ensureCorrelation(ctx)
	srcVersion, err := c.APIVersion(ctx)
	if err != nil {
		return nil, err
	}
	dstVersion, err := dst.APIVersion(ctx)
	if err != nil {
		return nil, err
	}
	found, err := c.Get(ctx, resource.KindItem, query)
	if err != nil {
		return nil, err
	}
	result := &CopyResult{}
	if len(found) == 0 {
		return result, nil
	}
	items := make([]*resource.Item, 0, len(found))
	sessionIDs := newGUIDSet()
	datasetIDs := newGUIDSet()
	for _, r := range found {
		it := r.(*resource.Item)
		if ref := it.SessionGUID(); ref.Valid {
			sessionIDs.add(ref.UUID)
		}
		if ref := it.DatasetGUID(); ref.Valid {
			datasetIDs.add(ref.UUID)
		}
		items = append(items, it)
	}
	var batch []resource.Resource
	for _, id := range sessionIDs.order {
		r, err := c.GetByGUID(ctx, resource.KindSession, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				result.Unresolved = append(result.Unresolved, id)
				continue
			}
			return nil, err
		}
		batch = append(batch, forNewServer(r))
		result.Sessions++
	}
	for _, id := range datasetIDs.order {
		r, err := c.GetByGUID(ctx, resource.KindDataset, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				result.Unresolved = append(result.Unresolved, id)
				continue
			}
			return nil, err
		}
		batch = append(batch, forNewServer(r))
		result.Datasets++
	}
	for _, it := range items {
		if err := it.Migrate(srcVersion, dstVersion); err != nil {
			return nil, err
		}
		if fp, ok := it.File(); ok {
			data, err := c.FetchFile(ctx, it.GUID())
			if err != nil {
				return nil, err
			}
			fp.Data = data
		}
		batch = append(batch, forNewServer(it))
		result.Items++
	}
	c.logInfoCtx(ctx, "client.copy.items", "items", result.Items, "sessions", result.Sessions, "datasets", result.Datasets, "dst", dst.BaseURL())
	if err := dst.Put(ctx, batch...); err != nil {
		return nil, err
	}
	return result, nil
}

// CopyTemplates copies the templates matching query, plus every template
// transitively linked to them, from c to dst. Each template is saved twice:
// first without links so every GUID exists, then with parent and children
// restored.
func (c *Client) CopyTemplates(ctx context.Context, dst *Client, query resource.Query) (*CopyResult, error) {
	if dst == nil {
		return nil, fmt.Errorf("reportsync: copy templates: nil destination")
	}
	ctx = ensureCorrelation(ctx)
	found, err := c.Get(ctx, resource.KindTemplate, query)
	if err != nil {
		return nil, err
	}
	arena := resource.NewArena()
	for _, r := range found {
		arena.Add(r.(*resource.Template))
	}
	unresolved, err := arena.Expand(ctx, c.fetchTemplates)
	if err != nil {
		return nil, err
	}
	result := &CopyResult{Templates: arena.Len(), Unresolved: unresolved}
	if arena.Len() == 0 {
		return result, nil
	}
	templates := arena.Templates()
	stripped := make([]resource.Resource, 0, len(templates))
	for _, t := range templates {
		s := t.StripLinks()
		s.SetSaved(false)
		stripped = append(stripped, s)
	}
	c.logInfoCtx(ctx, "client.copy.templates", "templates", len(templates), "unresolved", len(unresolved), "dst", dst.BaseURL())
	if err := dst.Put(ctx, stripped...); err != nil {
		return nil, fmt.Errorf("reportsync: copy templates (create pass): %w", err)
	}
	missing := newGUIDSet()
	for _, id := range unresolved {
		missing.add(id)
	}
	linked := make([]resource.Resource, 0, len(templates))
	for _, t := range templates {
		// Links to templates absent from the source cannot be restored.
		if p := t.Parent(); p.Valid && missing.seen[p.UUID] {
			t.SetParent(uuid.NullUUID{})
		}
		for _, child := range t.Children() {
			if missing.seen[child] {
				t.RemoveChild(child)
			}
		}
		// The create pass made every GUID exist on dst.
		t.SetSaved(true)
		linked = append(linked, t)
	}
	if err := dst.Put(ctx, linked...); err != nil {
		return nil, fmt.Errorf("reportsync: copy templates (link pass): %w", err)
	}
	return result, nil
}

func (c *Client) fetchTemplates(ctx context.Context, ids []uuid.UUID) ([]*resource.Template, error) {
	out := make([]*resource.Template, 0, len(ids))
	for _, id := range ids {
		r, err := c.GetByGUID(ctx, resource.KindTemplate, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, r.(*resource.Template))
	}
	return out, nil
}

// forNewServer marks a resource read from one server as not yet present on
// another.
func forNewServer(r resource.Resource) resource.Resource {
	r.SetSaved(false)
	return r
}

type guidSet struct {
	seen  map[uuid.UUID]bool
	order []uuid.UUID
}

func newGUIDSet() *guidSet { return &guidSet{seen: make(map[uuid.UUID]bool)} }

func (s *guidSet) add(id uuid.UUID) {
	if s.seen[id] {
		return
	}
	s.seen[id] = true
	s.order = append(s.order, id)
}
