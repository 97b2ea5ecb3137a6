// Package cache provides a Redis client used by the document-store registry
// adapter.
//
// This file defines the key naming convention for the "meta" tombstone
// bucket: one Redis string per deleted resource, keyed by resource type and
// id, holding a JSON-encoded deletion record. Tombstones are read back by
// the docstore poll loop (internal/registryadapter/docstore) to distinguish
// "deleted since last poll" from "never existed".
//
// Key format: nmos:tombstone:<resource_type>:<id>
package cache

import "fmt"

const tombstonePrefix = "nmos:tombstone"

// TombstoneKey returns the Redis key for a deleted resource's tombstone.
func TombstoneKey(resourceType, id string) string {
	return fmt.Sprintf("%s:%s:%s", tombstonePrefix, resourceType, id)
}

// TombstonePattern returns the scan pattern matching all tombstones of a
// given resource type, or all tombstones if resourceType is empty.
func TombstonePattern(resourceType string) string {
	if resourceType == "" {
		return tombstonePrefix + ":*"
	}
	return fmt.Sprintf("%s:%s:*", tombstonePrefix, resourceType)
}
