package driver

import (
	"sort"
	"strings"
)

// Args is a parsed device argument string of the form "k1=v1,k2=v2".
type Args map[string]string

// ParseArgs splits an argument string. Keys without "=" map to "".
// Surrounding whitespace is ignored; later keys win.
func ParseArgs(s string) Args {
	out := make(Args)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

// Get returns the value for key or def when the key is absent or empty.
func (a Args) Get(key, def string) string {
	if v, ok := a[key]; ok && v != "" {
		return v
	}
	return def
}

// String renders the arguments with sorted keys.
func (a Args) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if a[k] == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+"="+a[k])
	}
	return strings.Join(parts, ",")
}

// Matches reports whether every key in filter is present in a with the
// same value. An empty filter matches everything.
func (a Args) Matches(filter Args) bool {
	for k, v := range filter {
		got, ok := a[k]
		if !ok {
			return false
		}
		if v != "" && got != v {
			return false
		}
	}
	return true
}
