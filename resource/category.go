package resource

import (
	"errors"
	"fmt"
	"sort"
)

// PermOwner is the permission every category must grant to some group.
const PermOwner = "owner"

// ErrLastOwner is returned when a change would leave a category ownerless.
var ErrLastOwner = errors.New("resource: item category must keep at least one owner group")

// ItemCategory groups items under shared permissions.
type ItemCategory struct {
	Base
	name  string
	perms map[string]map[string]struct{}
}

// NewItemCategory returns an unsaved category owned by ownerGroup.
func NewItemCategory(name, ownerGroup string) *ItemCategory {
	c := &ItemCategory{Base: newBase(), name: name, perms: map[string]map[string]struct{}{}}
	c.Grant(PermOwner, ownerGroup)
	return c
}

func (c *ItemCategory) Kind() Kind { return KindItemCategory }

func (c *ItemCategory) Name() string        { return c.name }
func (c *ItemCategory) SetName(name string) { c.name = name }

// Grant gives group the permission perm.
func (c *ItemCategory) Grant(perm, group string) {
	if c.perms == nil {
		c.perms = map[string]map[string]struct{}{}
	}
	groups := c.perms[perm]
	if groups == nil {
		groups = map[string]struct{}{}
		c.perms[perm] = groups
	}
	groups[group] = struct{}{}
}

// Revoke removes perm from group. Removing the last owner fails.
func (c *ItemCategory) Revoke(perm, group string) error {
	groups := c.perms[perm]
	if _, ok := groups[group]; !ok {
		return nil
	}
	if perm == PermOwner && len(groups) == 1 {
		return ErrLastOwner
	}
	delete(groups, group)
	if len(groups) == 0 {
		delete(c.perms, perm)
	}
	return nil
}

// Groups returns the sorted groups holding perm.
func (c *ItemCategory) Groups(perm string) []string {
	out := make([]string, 0, len(c.perms[perm]))
	for g := range c.perms[perm] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Permissions returns the sorted permission names.
func (c *ItemCategory) Permissions() []string {
	out := make([]string, 0, len(c.perms))
	for p := range c.perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *ItemCategory) Fields(APIVersion) (map[string]any, error) {
	if len(c.perms[PermOwner]) == 0 {
		return nil, &SchemaError{Kind: KindItemCategory, Field: "perms_and_groups", Detail: ErrLastOwner.Error()}
	}
	fields := c.baseFields()
	delete(fields, "tags")
	fields["name"] = c.name
	perms := make(map[string]any, len(c.perms))
	for _, p := range c.Permissions() {
		groups := c.Groups(p)
		list := make([]any, len(groups))
		for i, g := range groups {
			list[i] = g
		}
		perms[p] = list
	}
	fields["perms_and_groups"] = perms
	return fields, nil
}

func (c *ItemCategory) Load(fields map[string]any, _ APIVersion) error {
	if err := c.loadBase(fields); err != nil {
		return err
	}
	c.name = stringField(fields, "name")
	c.perms = map[string]map[string]struct{}{}
	raw, ok := fields["perms_and_groups"].(map[string]any)
	if !ok && fields["perms_and_groups"] != nil {
		return &SchemaError{Field: "perms_and_groups", Detail: fmt.Sprintf("unexpected %T", fields["perms_and_groups"])}
	}
	for perm, groups := range raw {
		list, _ := groups.([]any)
		for _, g := range list {
			c.Grant(perm, fmt.Sprint(g))
		}
	}
	return nil
}
