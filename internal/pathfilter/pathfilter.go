// Package pathfilter translates NMOS resource-path URL segments into
// resource type tokens, and evaluates the flat dotted-path equality
// filter query parameters compile down to.
package pathfilter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nmos-tools/queryservice/internal/resource"
)

// reservedParams are query keys matches never treats as filter pairs.
var reservedParams = map[string]bool{
	"verbose":         true,
	"query.downgrade": true,
	"query.rql":       true,
}

func isReserved(k string) bool {
	if reservedParams[k] {
		return true
	}
	return strings.HasPrefix(k, "paging.")
}

// Translate strips leading/trailing slashes from a resource path and
// returns the resource type token. An empty path or "/" means "all
// types" and is reported via all=true with an empty token.
func Translate(path string) (token resource.Type, all bool, err error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", true, nil
	}
	t, convErr := resource.TypeFromString(trimmed)
	if convErr != nil {
		return "", false, fmt.Errorf("translate %q: %w", path, convErr)
	}
	return t, false, nil
}

// Matches reports whether doc satisfies every non-reserved (k, v) pair
// in args. Each key is a dotted path into doc; the string form of the
// value found there must equal v exactly (case-sensitive). A missing
// path never matches. An empty/all-reserved args set always matches.
func Matches(args map[string]string, doc resource.Doc) bool {
	for k, v := range args {
		if isReserved(k) {
			continue
		}
		val, ok := lookup(doc, strings.Split(k, "."))
		if !ok {
			return false
		}
		if stringify(val) != v {
			return false
		}
	}
	return true
}

func lookup(doc resource.Doc, path []string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(doc)
	for _, seg := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case resource.Doc:
		return map[string]interface{}(m), true
	case map[string]interface{}:
		return m, true
	default:
		return nil, false
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
