package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"sort"

	"github.com/google/uuid"

	"pkt.systems/reportsync/api"
	"pkt.systems/reportsync/resource"
)

// Session returns the client's current Session, creating it on first use.
func (c *Client) Session() *resource.Session {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.session == nil {
		c.session = resource.NewSession(c.application)
	}
	return c.session
}

// SetSession replaces the current Session.
func (c *Client) SetSession(s *resource.Session) {
	c.pushMu.Lock()
	c.session = s
	c.pushMu.Unlock()
}

// Dataset returns the client's current Dataset, creating it on first use.
func (c *Client) Dataset() *resource.Dataset {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.dataset == nil {
		c.dataset = resource.NewDataset()
	}
	return c.dataset
}

// SetDataset replaces the current Dataset.
func (c *Client) SetDataset(d *resource.Dataset) {
	c.pushMu.Lock()
	c.dataset = d
	c.pushMu.Unlock()
}

// NewItem returns an unsaved item bound to the current Session and Dataset.
func (c *Client) NewItem(name string) *resource.Item {
	return resource.NewItem(name, c.Session(), c.Dataset())
}

// Put pushes resources. Every resource is validated against the wire schema
// before the first request. Parents are pushed before children: sessions,
// datasets and categories first, then items, then templates. For items
// referencing the current Session/Dataset, the parent is pushed first
// whenever its content digest changed since the last push.
func (c *Client) Put(ctx context.Context, resources ...resource.Resource) error {
	if len(resources) == 0 {
		return nil
	}
	ctx = ensureCorrelation(ctx)
	version, err := c.APIVersion(ctx)
	if err != nil {
		return err
	}
	for _, r := range resources {
		if _, err := resource.Serialize(r, version); err != nil {
			return err
		}
	}
	ordered := orderForPush(resources)
	c.logDebugCtx(ctx, "client.push.start", "count", len(ordered), "version", version.String())
	for _, r := range ordered {
		var err error
		switch t := r.(type) {
		case *resource.Item:
			err = c.pushItem(ctx, t, version)
		case *resource.Session, *resource.Dataset:
			err = c.pushParent(ctx, r, version, true)
		default:
			err = c.pushOne(ctx, r, version)
		}
		if err != nil {
			c.logWarnCtx(ctx, "client.push.error", "kind", r.Kind(), "guid", r.GUID(), "error", err)
			return err
		}
	}
	c.logDebugCtx(ctx, "client.push.success", "count", len(ordered))
	return nil
}

func orderForPush(resources []resource.Resource) []resource.Resource {
	rank := make(map[resource.Kind]int, len(resource.Kinds))
	for i, k := range resource.Kinds {
		rank[k] = i
	}
	out := append([]resource.Resource(nil), resources...)
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i].Kind()] < rank[out[j].Kind()]
	})
	return out
}

// pushItem makes sure the item's parents exist, pushes it and, when the
// server rejects a foreign key, repairs once by re-pushing the parents.
func (c *Client) pushItem(ctx context.Context, it *resource.Item, version resource.APIVersion) error {
	if err := c.ensureParents(ctx, it, version, false); err != nil {
		return err
	}
	err := c.pushOne(ctx, it, version)
	var apiErr *APIError
	if err == nil || !errors.As(err, &apiErr) || !apiErr.InvalidPK() {
		return err
	}
	c.logInfoCtx(ctx, "client.push.repair", "guid", it.GUID(), "error", err)
	repairErr := c.ensureParents(ctx, it, version, true)
	if repairErr == nil {
		repairErr = c.pushOne(ctx, it, version)
	}
	c.metrics.recordRepair(ctx, repairErr)
	if repairErr != nil {
		return fmt.Errorf("reportsync: item %s rejected after parent repair: %w", it.GUID(), repairErr)
	}
	return nil
}

// ensureParents pushes the Session and Dataset referenced by it when they
// are known locally and either unsaved or changed. force re-pushes them
// regardless.
func (c *Client) ensureParents(ctx context.Context, it *resource.Item, version resource.APIVersion, force bool) error {
	for _, ref := range []uuid.NullUUID{it.SessionGUID(), it.DatasetGUID()} {
		if !ref.Valid {
			continue
		}
		parent := c.lookupParent(ref.UUID)
		if parent == nil {
			continue
		}
		if err := c.pushParent(ctx, parent, version, force); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) lookupParent(id uuid.UUID) resource.Resource {
	c.pushMu.Lock()
	session, dataset := c.session, c.dataset
	c.pushMu.Unlock()
	if session != nil && session.GUID() == id {
		return session
	}
	if dataset != nil && dataset.GUID() == id {
		return dataset
	}
	if r, ok := c.registry.Get(id); ok {
		switch r.(type) {
		case *resource.Session, *resource.Dataset:
			return r
		}
	}
	return nil
}

// pushParent pushes a Session or Dataset unless it is saved and its digest
// matches the last pushed one.
func (c *Client) pushParent(ctx context.Context, r resource.Resource, version resource.APIVersion, force bool) error {
	c.parentMu.Lock()
	defer c.parentMu.Unlock()
	digest, err := resource.Digest(r)
	if err != nil {
		return err
	}
	c.pushMu.Lock()
	last := c.digests[r.GUID()]
	c.pushMu.Unlock()
	if !force && r.Saved() && last == digest {
		c.logTraceCtx(ctx, "client.push.parent_unchanged", "kind", r.Kind(), "guid", r.GUID())
		return nil
	}
	if err := c.pushOne(ctx, r, version); err != nil {
		return err
	}
	c.pushMu.Lock()
	c.digests[r.GUID()] = digest
	c.pushMu.Unlock()
	return nil
}

// pushOne sends a single resource. Kinds that distinguish create from
// update POST to the list endpoint while unsaved; everything else PUTs to
// the detail endpoint.
func (c *Client) pushOne(ctx context.Context, r resource.Resource, version resource.APIVersion) error {
	if t, ok := r.(*resource.Template); ok {
		t.Prepare()
	}
	fields, err := resource.Serialize(r, version)
	if err != nil {
		return err
	}
	kind := r.Kind()
	method := http.MethodPut
	path := api.DetailPath(kind.Endpoint(), r.GUID().String())
	if kind.DistinguishesCreate() && !r.Saved() {
		method = http.MethodPost
		path = api.ListPath(kind.Endpoint())
	}
	err = c.sendJSON(ctx, method, path, fields, nil)
	c.metrics.recordPush(ctx, string(kind), err)
	if err != nil {
		return err
	}
	r.SetSaved(true)
	c.registry.Add(r)
	c.logTraceCtx(ctx, "client.push.sent", "kind", kind, "guid", r.GUID(), "method", method)
	if it, ok := r.(*resource.Item); ok {
		if fp, ok := it.File(); ok && len(fp.Data) > 0 {
			if err := c.uploadFile(ctx, it.GUID(), fp); err != nil {
				return err
			}
		}
	}
	return nil
}

// uploadFile PUTs the binary content of a file-bearing item as multipart
// form data.
func (c *Client) uploadFile(ctx context.Context, id uuid.UUID, fp *resource.FilePayload) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fp.Filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(fp.Data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPut, api.FilePath(id.String()), body.Bytes(), mw.FormDataContentType(), nil); err != nil {
		return fmt.Errorf("reportsync: upload %s for item %s: %w", fp.Filename, id, err)
	}
	c.logDebugCtx(ctx, "client.push.file", "guid", id, "filename", fp.Filename, "bytes", len(fp.Data))
	return nil
}
