package resource

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// TreeNode is one entry of a tree payload.
type TreeNode struct {
	Key      string
	Name     string
	Value    any
	Children []TreeNode
}

// Tree is a tree payload. It is ready only after Validate has accepted
// every node.
type Tree struct {
	Nodes []TreeNode
	ready bool
}

// NewTree validates nodes and returns a ready tree.
func NewTree(nodes ...TreeNode) (*Tree, error) {
	t := &Tree{Nodes: nodes}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) Kind() PayloadKind { return PayloadTree }

// Ready reports whether the last Validate succeeded.
func (t *Tree) Ready() bool { return t != nil && t.ready }

// Validate checks every node recursively and marks the tree ready.
func (t *Tree) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil tree", ErrPayload)
	}
	t.ready = false
	if err := validateTreeNodes(t.Nodes, "tree"); err != nil {
		return err
	}
	t.ready = true
	return nil
}

func validateTreeNodes(nodes []TreeNode, path string) error {
	for i, node := range nodes {
		at := fmt.Sprintf("%s[%d]", path, i)
		if node.Key == "" {
			return fmt.Errorf("%w: %s has no key", ErrPayload, at)
		}
		if node.Name == "" {
			return fmt.Errorf("%w: %s has no name", ErrPayload, at)
		}
		if err := validateTreeValue(node.Value); err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
		if err := validateTreeNodes(node.Children, at+".children"); err != nil {
			return err
		}
	}
	return nil
}

type treeScalar int

const (
	treeInvalid treeScalar = iota
	treeNil
	treeFloat
	treeInt
	treeBool
	treeString
	treeTime
	treeUUID
)

func treeScalarKind(v any) treeScalar {
	switch v.(type) {
	case nil:
		return treeNil
	case float64, float32:
		return treeFloat
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return treeInt
	case bool:
		return treeBool
	case string:
		return treeString
	case time.Time:
		return treeTime
	case uuid.UUID:
		return treeUUID
	}
	return treeInvalid
}

// validateTreeValue accepts a scalar of the closed set or a homogeneous
// list of one.
func validateTreeValue(v any) error {
	if treeScalarKind(v) != treeInvalid {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("%w: tree value %T is not a supported scalar", ErrPayload, v)
	}
	want := treeInvalid
	for i := 0; i < rv.Len(); i++ {
		kind := treeScalarKind(rv.Index(i).Interface())
		if kind == treeInvalid || kind == treeNil {
			return fmt.Errorf("%w: tree list element %d (%T) is not a supported scalar", ErrPayload, i, rv.Index(i).Interface())
		}
		if want == treeInvalid {
			want = kind
			continue
		}
		if kind != want {
			return fmt.Errorf("%w: tree list mixes value types", ErrPayload)
		}
	}
	return nil
}

func (t *Tree) wire() []any {
	return treeNodesWire(t.Nodes)
}

func treeNodesWire(nodes []TreeNode) []any {
	out := make([]any, len(nodes))
	for i, node := range nodes {
		m := map[string]any{
			"key":   node.Key,
			"name":  node.Name,
			"value": node.Value,
		}
		if len(node.Children) > 0 {
			m["children"] = treeNodesWire(node.Children)
		}
		out[i] = m
	}
	return out
}

func treeFromWire(list []any) (*Tree, error) {
	nodes, err := treeNodesFromWire(list)
	if err != nil {
		return nil, err
	}
	return NewTree(nodes...)
}

func treeNodesFromWire(list []any) ([]TreeNode, error) {
	nodes := make([]TreeNode, 0, len(list))
	for i, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: tree node %d is not an object", ErrPayload, i)
		}
		node := TreeNode{
			Key:   stringField(m, "key"),
			Name:  stringField(m, "name"),
			Value: m["value"],
		}
		if children, ok := m["children"].([]any); ok {
			kids, err := treeNodesFromWire(children)
			if err != nil {
				return nil, err
			}
			node.Children = kids
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
