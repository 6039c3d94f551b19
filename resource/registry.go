package resource

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry is a caller-owned GUID to resource table. When capacity is
// positive the least recently used entry is evicted once it is exceeded;
// capacity zero keeps every entry until Remove.
type Registry struct {
	mu       sync.Mutex
	capacity int
	entries  map[uuid.UUID]*list.Element
	lru      *list.List
}

type registryEntry struct {
	id  uuid.UUID
	res Resource
}

// NewRegistry returns an empty table.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		entries:  make(map[uuid.UUID]*list.Element),
		lru:      list.New(),
	}
}

// Add inserts or refreshes r.
func (r *Registry) Add(res Resource) {
	if r == nil || res == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := res.GUID()
	if elem, ok := r.entries[id]; ok {
		elem.Value.(*registryEntry).res = res
		r.lru.MoveToFront(elem)
		return
	}
	r.entries[id] = r.lru.PushFront(&registryEntry{id: id, res: res})
	r.evictLocked()
}

// Get returns the resource registered for id and marks it recently used.
func (r *Registry) Get(id uuid.UUID) (Resource, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	r.lru.MoveToFront(elem)
	return elem.Value.(*registryEntry).res, true
}

// Remove drops id.
func (r *Registry) Remove(id uuid.UUID) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.entries[id]; ok {
		r.lru.Remove(elem)
		delete(r.entries, id)
	}
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) evictLocked() {
	if r.capacity <= 0 {
		return
	}
	for r.lru.Len() > r.capacity {
		oldest := r.lru.Back()
		r.lru.Remove(oldest)
		delete(r.entries, oldest.Value.(*registryEntry).id)
	}
}

// Arena indexes templates by GUID so parent/children references can be
// resolved without pointers between templates.
type Arena struct {
	templates map[uuid.UUID]*Template
	order     []uuid.UUID
}

// NewArena returns an arena holding templates.
func NewArena(templates ...*Template) *Arena {
	a := &Arena{templates: make(map[uuid.UUID]*Template)}
	for _, t := range templates {
		a.Add(t)
	}
	return a
}

// Add inserts t unless its GUID is already present. It reports whether t
// was new.
func (a *Arena) Add(t *Template) bool {
	if t == nil {
		return false
	}
	if _, ok := a.templates[t.GUID()]; ok {
		return false
	}
	a.templates[t.GUID()] = t
	a.order = append(a.order, t.GUID())
	return true
}

// Get resolves a GUID.
func (a *Arena) Get(id uuid.UUID) (*Template, bool) {
	t, ok := a.templates[id]
	return t, ok
}

// Len returns the number of templates.
func (a *Arena) Len() int { return len(a.templates) }

// Templates returns the templates in insertion order.
func (a *Arena) Templates() []*Template {
	out := make([]*Template, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.templates[id])
	}
	return out
}

// Missing lists GUIDs referenced by parent or children links that are not
// in the arena, in first-seen order.
func (a *Arena) Missing() []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	note := func(id uuid.UUID) {
		if _, ok := a.templates[id]; ok || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range a.order {
		t := a.templates[id]
		if t.parent.Valid {
			note(t.parent.UUID)
		}
		for _, c := range t.children {
			note(c)
		}
	}
	return out
}

// FetchFunc loads templates by GUID. Unknown GUIDs are omitted from the
// result.
type FetchFunc func(ctx context.Context, ids []uuid.UUID) ([]*Template, error)

// Expand fetches referenced templates until a fixed point is reached: every
// parent and child of every template in the arena is present, or could not
// be found. It returns the GUIDs that could not be resolved.
func (a *Arena) Expand(ctx context.Context, fetch FetchFunc) ([]uuid.UUID, error) {
	unresolved := make(map[uuid.UUID]bool)
	for {
		var want []uuid.UUID
		for _, id := range a.Missing() {
			if !unresolved[id] {
				want = append(want, id)
			}
		}
		if len(want) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fetched, err := fetch(ctx, want)
		if err != nil {
			return nil, fmt.Errorf("resource: expand templates: %w", err)
		}
		got := make(map[uuid.UUID]bool, len(fetched))
		for _, t := range fetched {
			a.Add(t)
			got[t.GUID()] = true
		}
		for _, id := range want {
			if !got[id] {
				unresolved[id] = true
			}
		}
	}
	out := make([]uuid.UUID, 0, len(unresolved))
	for _, id := range a.Missing() {
		if unresolved[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Reachable returns the templates reachable from seeds through parent and
// children links, seeds first, breadth-first.
func (a *Arena) Reachable(seeds ...uuid.UUID) []*Template {
	seen := make(map[uuid.UUID]bool)
	queue := append([]uuid.UUID(nil), seeds...)
	var out []*Template
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		t, ok := a.templates[id]
		if !ok {
			continue
		}
		out = append(out, t)
		if t.parent.Valid {
			queue = append(queue, t.parent.UUID)
		}
		queue = append(queue, t.children...)
	}
	return out
}
