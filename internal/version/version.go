// Package version implements the NMOS IS-04 Version Ladder: downgrading a
// resource document from its native API version to a requested target,
// dropping fields that were introduced after the target version.
package version

import (
	"strconv"
	"strings"

	"github.com/nmos-tools/queryservice/internal/resource"
)

// Supported lists every API version this service serves, oldest first.
var Supported = []string{"v1.0", "v1.1", "v1.2", "v1.3"}

// fieldDrop names the fields removed from a resource type's document when
// stepping down to the version this entry is keyed under.
type fieldDrop map[resource.Type][]string

// ladder[to] holds the fields to drop per resource type when stepping
// from the version immediately above "to" down to "to". Walking from a
// higher native version to a lower target applies each step in sequence.
var ladder = map[string]fieldDrop{
	"v1.2": {
		resource.TypeNode:   {"attached_network_device", "authorization"},
		resource.TypeDevice: {"authorization"},
		resource.TypeSource: {"event_type"},
		resource.TypeFlow:   {"event_type"},
	},
	"v1.1": {
		resource.TypeNode:     {"interfaces"},
		resource.TypeSender:   {"interface_bindings", "caps", "subscription"},
		resource.TypeReceiver: {"interface_bindings"},
	},
	"v1.0": {
		resource.TypeNode:   {"api", "description", "tags", "clocks"},
		resource.TypeDevice: {"controls", "description", "tags"},
		resource.TypeSource: {"clock_name", "channels", "grain_rate"},
		resource.TypeFlow: {
			"device_id", "media_type", "colorspace", "components",
			"frame_height", "frame_width", "interlace_mode", "bit_depth",
			"sample_rate", "DID_SDID", "grain_rate", "transfer_characteristic",
		},
		resource.TypeReceiver: {"caps"},
	},
}

// steps is the ordered walk-down path, one minor version at a time.
var steps = []string{"v1.3", "v1.2", "v1.1", "v1.0"}

// Compare returns -1, 0, or 1 comparing the integer components of two
// "vMAJOR.MINOR" version strings.
func Compare(a, b string) int {
	am, an := parse(a)
	bm, bn := parse(b)
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	if an != bn {
		if an < bn {
			return -1
		}
		return 1
	}
	return 0
}

func parse(v string) (int, int) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 2)
	major, _ := strconv.Atoi(parts[0])
	minor := 0
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

// IsSupported reports whether v is one of the four versions this service
// serves.
func IsSupported(v string) bool {
	for _, s := range Supported {
		if s == v {
			return true
		}
	}
	return false
}

// Downgrade renders doc at targetVer, dropping fields introduced after
// that version. It returns (nil, false) when the downgrade is
// unreachable: targetVer newer than v1.3, or the walk lands short of
// targetVer and minAcceptableVer (if non-empty) doesn't accept the
// result.
//
// minAcceptableVer, when non-empty, lets a caller accept a document at a
// version lower than targetVer rather than reject it outright (the
// subscription-level "query.downgrade" override).
func Downgrade(doc resource.Doc, resType resource.Type, targetVer string, minAcceptableVer string) (resource.Doc, bool) {
	if doc == nil {
		return nil, false
	}

	out := doc.Clone()
	if _, ok := out[resource.APIVersionKey]; !ok {
		out[resource.APIVersionKey] = resource.DefaultAPIVersion
	}

	if Compare(targetVer, "v1.3") > 0 {
		return nil, false
	}

	native := out.APIVersion()

	startIdx := indexOf(steps, native)
	if startIdx == -1 {
		// Native version not on the known ladder (newer than v1.3, or
		// malformed): walk from the top.
		startIdx = 0
	}
	targetIdx := indexOf(steps, targetVer)
	if targetIdx == -1 {
		return nil, false
	}

	for i := startIdx; i < targetIdx; i++ {
		to := steps[i+1]
		drop(out, resType, to)
		out[resource.APIVersionKey] = to
	}

	if out.APIVersion() == targetVer {
		return out, true
	}

	if minAcceptableVer != "" && Compare(out.APIVersion(), minAcceptableVer) >= 0 {
		return out, true
	}

	return nil, false
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// drop removes, recursively (including nested in lists and sub-objects),
// every occurrence of the named fields from doc for the given resource
// type and step.
func drop(doc resource.Doc, resType resource.Type, to string) {
	fields, ok := ladder[to][resType]
	if !ok {
		return
	}
	for _, f := range fields {
		delete(doc, f)
	}
	for k, v := range doc {
		doc[k] = dropRecursive(v, fields)
	}
}

func dropRecursive(v interface{}, fields []string) interface{} {
	switch val := v.(type) {
	case resource.Doc:
		for _, f := range fields {
			delete(val, f)
		}
		for k, vv := range val {
			val[k] = dropRecursive(vv, fields)
		}
		return val
	case map[string]interface{}:
		for _, f := range fields {
			delete(val, f)
		}
		for k, vv := range val {
			val[k] = dropRecursive(vv, fields)
		}
		return val
	case []interface{}:
		for i, vv := range val {
			val[i] = dropRecursive(vv, fields)
		}
		return val
	default:
		return val
	}
}
