// Package resource models an NMOS IS-04 resource document as an opaque
// tree: a map with string keys and JSON-value leaves. The version ladder
// and path filter operate on this structurally, never against a static
// per-type schema, since resource shapes grow new fields between minor
// API versions.
package resource

import "fmt"

// Type identifies one of the six NMOS resource collections.
type Type string

const (
	TypeNode     Type = "nodes"
	TypeDevice   Type = "devices"
	TypeSource   Type = "sources"
	TypeFlow     Type = "flows"
	TypeSender   Type = "senders"
	TypeReceiver Type = "receivers"
)

// ValidTypes is the set of resource collections the registry knows about.
var ValidTypes = map[Type]bool{
	TypeNode:     true,
	TypeDevice:   true,
	TypeSource:   true,
	TypeFlow:     true,
	TypeSender:   true,
	TypeReceiver: true,
}

// IsValidType reports whether t names a known resource collection.
func IsValidType(t Type) bool {
	return ValidTypes[t]
}

// Doc is an opaque resource document. Keys beginning with "@_" are
// internal annotations (e.g. "@_apiversion") stripped before emission
// by Summarise.
type Doc map[string]interface{}

// APIVersionKey is the internal annotation key carrying the document's
// native API version. Absent means "v1.0" per spec.
const APIVersionKey = "@_apiversion"

// DefaultAPIVersion is assumed when a document carries no APIVersionKey.
const DefaultAPIVersion = "v1.0"

// APIVersion returns the document's native API version, defaulting to
// v1.0 when the annotation is absent.
func (d Doc) APIVersion() string {
	if v, ok := d[APIVersionKey].(string); ok && v != "" {
		return v
	}
	return DefaultAPIVersion
}

// ID returns the document's "id" field, or "" if missing/non-string.
func (d Doc) ID() string {
	if v, ok := d["id"].(string); ok {
		return v
	}
	return ""
}

// Clone produces a deep copy of d so callers can mutate it (e.g. during
// downgrade) without aliasing the registry's copy.
func (d Doc) Clone() Doc {
	return deepCopy(d).(Doc)
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case Doc:
		out := make(Doc, len(val))
		for k, vv := range val {
			out[k] = deepCopy(vv)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = deepCopy(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return val
	}
}

// Summarise strips every top-level key beginning with "@_" from doc.
// It does not recurse: annotation stripping is scoped to the top level
// only.
func Summarise(doc Doc) Doc {
	if doc == nil {
		return nil
	}
	out := make(Doc, len(doc))
	for k, v := range doc {
		if len(k) >= 2 && k[0] == '@' && k[1] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}

// TypeFromString validates and converts a raw collection token (as
// found in a URL path segment) into a Type.
func TypeFromString(s string) (Type, error) {
	t := Type(s)
	if !IsValidType(t) {
		return "", fmt.Errorf("unknown resource type %q", s)
	}
	return t, nil
}
