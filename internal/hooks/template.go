package hooks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/amon/internal/events"
)

var templateRe = regexp.MustCompile(`\{\{\s*event\.([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderTemplate substitutes {{ event.<dotted.path> }} placeholders in value
// against the event. A string that is exactly one placeholder resolves to the
// referenced value with its type preserved; mixed content stringifies each
// placeholder. Maps and lists are rendered recursively; other values pass
// through untouched.
func RenderTemplate(value any, event events.Event) any {
	switch v := value.(type) {
	case map[string]any:
		rendered := make(map[string]any, len(v))
		for key, item := range v {
			rendered[key] = RenderTemplate(item, event)
		}
		return rendered
	case []any:
		rendered := make([]any, len(v))
		for i, item := range v {
			rendered[i] = RenderTemplate(item, event)
		}
		return rendered
	case string:
		return renderString(v, event)
	default:
		return value
	}
}

func renderString(value string, event events.Event) any {
	matches := templateRe.FindAllStringSubmatchIndex(value, -1)
	if len(matches) == 0 {
		return value
	}

	// A template that is exactly one placeholder preserves the raw value.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(value) {
		path := value[matches[0][2]:matches[0][3]]
		resolved, ok := event.Lookup(path)
		if !ok {
			return ""
		}
		return resolved
	}

	var out strings.Builder
	last := 0
	for _, match := range matches {
		out.WriteString(value[last:match[0]])
		path := value[match[2]:match[3]]
		resolved, ok := event.Lookup(path)
		if ok {
			out.WriteString(stringify(resolved))
		}
		last = match[1]
	}
	out.WriteString(value[last:])
	return out.String()
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RenderArgs renders an action args template map against an event.
func RenderArgs(args map[string]any, event events.Event) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	rendered, _ := RenderTemplate(args, event).(map[string]any)
	if rendered == nil {
		return map[string]any{}
	}
	return rendered
}

// DedupeKeyFor renders the hook's dedupe key template, returning "" when the
// hook has none.
func DedupeKeyFor(hook Hook, event events.Event) string {
	if hook.DedupeKey == "" {
		return ""
	}
	return stringify(RenderTemplate(hook.DedupeKey, event))
}
