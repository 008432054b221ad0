package hooks

import (
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/amon/internal/events"
)

// Match returns the ordered list of enabled hooks that match the event at the
// given instant. Filter evaluation never fails the caller: a filter field
// that cannot be evaluated treats the event as non-matching.
func Match(hooksList []Hook, event events.Event, now time.Time, state *StateStore) []Hook {
	var matched []Hook
	for _, hook := range hooksList {
		if !hook.Enabled {
			continue
		}
		if !containsString(hook.EventTypes, event.Type) {
			continue
		}
		if !matchFilters(hook, event) {
			continue
		}
		if !passesState(hook, event, now, state) {
			continue
		}
		matched = append(matched, hook)
	}
	return matched
}

func matchFilters(hook Hook, event events.Event) bool {
	if containsString(hook.Filters.IgnoreActors, event.Actor) {
		return false
	}

	if hook.Filters.PathGlob != "" {
		path := eventString(event, "path")
		if path == "" {
			return false
		}
		ok, err := doublestar.Match(hook.Filters.PathGlob, path)
		if err != nil || !ok {
			return false
		}
	}

	if hook.Filters.MinSize != nil {
		size, ok := eventNumber(event, "size")
		if !ok || size < float64(*hook.Filters.MinSize) {
			return false
		}
	}

	if hook.Filters.Mime != "" {
		mime := eventString(event, "mime")
		if mime == "" {
			return false
		}
		if strings.HasSuffix(hook.Filters.Mime, "/*") {
			prefix := strings.TrimSuffix(hook.Filters.Mime, "*")
			if !strings.HasPrefix(mime, prefix) {
				return false
			}
		} else if mime != hook.Filters.Mime {
			return false
		}
	}

	return true
}

func passesState(hook Hook, event events.Event, now time.Time, state *StateStore) bool {
	if state == nil {
		return true
	}
	hs := state.Get(hook.HookID)

	if hook.MaxConcurrency > 0 && hs.Inflight >= hook.MaxConcurrency {
		return false
	}

	if hook.CooldownSeconds > 0 && hs.LastTriggeredAt != "" {
		last, err := time.Parse(time.RFC3339, hs.LastTriggeredAt)
		if err == nil && now.Sub(last) < time.Duration(hook.CooldownSeconds)*time.Second {
			return false
		}
	}

	if key := DedupeKeyFor(hook, event); key != "" {
		if seen, ok := hs.Dedupe[key]; ok {
			if hook.CooldownSeconds == 0 {
				return false
			}
			last, err := time.Parse(time.RFC3339, seen)
			if err == nil && now.Sub(last) < time.Duration(hook.CooldownSeconds)*time.Second {
				return false
			}
		}
	}

	return true
}

// eventString resolves a key against the event top level, then its payload.
func eventString(event events.Event, key string) string {
	if value, ok := event.Lookup(key); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	if value, ok := event.Lookup("payload." + key); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}

func eventNumber(event events.Event, key string) (float64, bool) {
	for _, path := range []string{key, "payload." + key} {
		value, ok := event.Lookup(path)
		if !ok {
			continue
		}
		switch v := value.(type) {
		case float64:
			return v, true
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, false
			}
			return parsed, true
		}
	}
	return 0, false
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
