// Package registryadapter defines the uniform interface the core
// consumes to read from and watch a backing NMOS registry store, and the
// shared ChangeEvent type both concrete backends emit.
package registryadapter

import (
	"context"

	"github.com/nmos-tools/queryservice/internal/resource"
)

// Action identifies the kind of mutation a ChangeEvent reports.
type Action string

const (
	ActionSet    Action = "set"
	ActionDelete Action = "delete"
)

// ChangeEvent is the internal, backend-agnostic representation of one
// registry mutation. Key carries enough information to derive the
// resource type and id (see Key.Type/Key.ID).
type ChangeEvent struct {
	Action Action
	Key    Key
	Pre    resource.Doc
	Post   resource.Doc
}

// Key identifies a single resource document.
type Key struct {
	Type resource.Type
	ID   string
}

// Adapter is the interface consumed by the Change Watcher and Query
// Service. Two implementations exist: watchedkv (Kubernetes watch) and
// docstore (Postgres + Redis poll).
type Adapter interface {
	// Snapshot returns a consistent point-in-time list of resources. When
	// all is true every type is returned and resourceType is ignored;
	// otherwise only resourceType's collection is returned.
	Snapshot(ctx context.Context, resourceType resource.Type, all bool) ([]resource.Doc, error)

	// Events returns a channel of ChangeEvents. The channel is closed
	// when ctx is cancelled or the adapter can no longer produce events
	// (the caller, Change Watcher, is responsible for reconnecting by
	// calling Events again).
	Events(ctx context.Context) (<-chan ChangeEvent, error)

	// Close releases any resources (connections, watches) held by the
	// adapter.
	Close() error
}
