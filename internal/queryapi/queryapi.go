// Package queryapi implements the Query Service: translating an HTTP
// request path into a registry lookup, downgrading and filtering
// results to the caller's API version and query parameters, and
// choosing between collection and single-document responses.
package queryapi

import (
	"context"
	"fmt"
	"sort"

	"github.com/nmos-tools/queryservice/internal/apperrors"
	"github.com/nmos-tools/queryservice/internal/pathfilter"
	"github.com/nmos-tools/queryservice/internal/registryadapter"
	"github.com/nmos-tools/queryservice/internal/resource"
	"github.com/nmos-tools/queryservice/internal/version"
)

// Service answers snapshot GET requests against a registryadapter.Adapter.
type Service struct {
	adapter registryadapter.Adapter
}

// New creates a Service reading through adapter.
func New(adapter registryadapter.Adapter) *Service {
	return &Service{adapter: adapter}
}

// Result is the outcome of a Get call: either a collection (IsList) or a
// single document.
type Result struct {
	IsList bool
	List   []resource.Doc
	Doc    resource.Doc
}

// Get fetches the snapshot named by path, drops anything that fails to
// downgrade to apiVersion or fails the args filter, summarises what's
// left, and for a single-id path returns exactly one document (or an
// error distinguishing not-found from a type mismatch).
func (s *Service) Get(ctx context.Context, apiVersion, path string, id string, args map[string]string) (Result, error) {
	resType, all, err := pathfilter.Translate(path)
	if err != nil {
		return Result{}, apperrors.NotFound(path)
	}

	verbose := args["verbose"] != "false"
	minAcceptable := args["query.downgrade"]

	var docs []resource.Doc
	if all {
		docs, err = s.adapter.Snapshot(ctx, "", true)
	} else {
		docs, err = s.adapter.Snapshot(ctx, resType, false)
	}
	if err != nil {
		return Result{}, apperrors.RegistryUnavailable(err)
	}

	filtered := make([]resource.Doc, 0, len(docs))
	for _, doc := range docs {
		downgraded, ok := version.Downgrade(doc, resType, apiVersion, minAcceptable)
		if !ok {
			continue
		}
		if !pathfilter.Matches(args, downgraded) {
			continue
		}
		summarised := resource.Summarise(downgraded)
		filtered = append(filtered, render(summarised, verbose))
	}

	if id == "" {
		sortByID(filtered)
		return Result{IsList: true, List: filtered}, nil
	}

	for _, doc := range filtered {
		if doc.ID() == id {
			return Result{Doc: doc}, nil
		}
	}

	// id is absent from this type's own filtered results. If it's present
	// in this type's raw (pre-filter) snapshot, it exists under the
	// right type but was excluded by args/downgrade: a plain 404. If not,
	// check whether it exists under a different collection entirely,
	// which is reported as a 409 rather than a 404.
	notFoundLabel := fmt.Sprintf("%s/%s", resType, id)

	for _, doc := range docs {
		if doc.ID() == id {
			return Result{}, apperrors.NotFound(notFoundLabel)
		}
	}

	if mismatch, err := s.existsUnderAnotherType(ctx, id); err == nil && mismatch {
		return Result{}, apperrors.TypeMismatch(string(resType))
	}
	return Result{}, apperrors.NotFound(notFoundLabel)
}

// render applies the verbose/id-only toggle: non-verbose responses
// shrink every document to its "id" field, matching the original
// service's stripped listing mode.
func render(doc resource.Doc, verbose bool) resource.Doc {
	if verbose {
		return doc
	}
	return resource.Doc{"id": doc.ID()}
}

func sortByID(docs []resource.Doc) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
}

// existsUnderAnotherType distinguishes a plain 404 from the 409 reserved
// for a single-id path whose id exists, just under a different resource
// collection. Callers have already confirmed id is absent from
// the requested type's own snapshot, so any match here is necessarily a
// different collection. Only reached on the single-id not-found path, so
// the extra full-registry read doesn't cost anything on the common case.
func (s *Service) existsUnderAnotherType(ctx context.Context, id string) (bool, error) {
	all, err := s.adapter.Snapshot(ctx, "", true)
	if err != nil {
		return false, err
	}
	for _, doc := range all {
		if doc.ID() == id {
			return true, nil
		}
	}
	return false, nil
}
