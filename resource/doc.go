// Package resource models the objects a report server stores: templates,
// items, sessions, datasets and item categories.
//
// Every resource carries a client generated GUID, a tag string and a saved
// flag that only the sync client sets. Serialize renders a resource for a
// given server API version and validates it against the wire schema before
// anything reaches the network.
//
// # Tags
//
// Tags are space separated tokens, either bare keys or key=value pairs.
// Tokens containing whitespace or '=' are single quoted:
//
//	it.AddTag("owner", "jane doe") // owner='jane doe'
//
// # Payload encoding
//
// Item payloads form a closed set (string, html, table, tree, image,
// animation, scene, file, none). Servers speaking API 1.0 or later receive
// JSON; older servers receive pickle protocol 0, base64 encoded behind the
// LegacyMarker prefix. An item read under one API version must be migrated
// with (*Item).Migrate before it is pushed across that boundary.
//
// # Graphs
//
// Template parent/children links are GUIDs. Arena resolves them and
// expands a set of templates to everything transitively linked. Registry is
// an LRU GUID table owned by the caller.
package resource
