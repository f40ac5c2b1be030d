// Package vars substitutes {dotted.path} placeholders against a run context.
package vars

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/viperbmw/netstacks-sub000/types"
)

const (
	// KeyTimestamp resolves to the current UTC time regardless of context contents.
	KeyTimestamp = "timestamp"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)*)\}`)

// now is swapped in tests.
var now = time.Now

// Resolve replaces every {path} placeholder in s. A placeholder whose walk hits
// a non-map value before the path is exhausted is left unmodified; a missing
// key resolves to the empty string.
func Resolve(s string, ctx map[string]any) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		path := token[1 : len(token)-1]
		value, ok := lookup(path, ctx)
		if !ok {
			return token
		}
		return render(value)
	})
}

// ResolveValue resolves v when it is a string and returns it unchanged otherwise.
func ResolveValue(v any, ctx map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return Resolve(s, ctx)
}

// ResolveTopLevel resolves the string values of m, one level deep.
func ResolveTopLevel(m map[string]any, ctx map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = ResolveValue(v, ctx)
	}
	return out
}

func lookup(path string, ctx map[string]any) (any, bool) {
	switch path {
	case KeyTimestamp:
		return types.FormatTime(now()), true
	case types.KeyWorkflowName:
		return ctx[types.KeyWorkflowName], true
	}

	var current any = ctx
	for _, seg := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		v, found := m[seg]
		if !found {
			v = ""
		}
		current = v
	}
	return current, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.ExecutionContext:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any, types.ExecutionContext:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
