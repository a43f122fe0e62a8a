package proxy

import (
	"os"
	"regexp"
	"strings"
)

var envDefaultPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-|-)([^}]*)\}`)

// expandEnvString expands ${VAR}, $VAR and ${VAR:-fallback}.
func expandEnvString(value string, lookup func(string) string) string {
	if value == "" || !strings.Contains(value, "$") {
		return value
	}

	expanded := envDefaultPattern.ReplaceAllStringFunc(value, func(match string) string {
		parts := envDefaultPattern.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		if val := lookup(parts[1]); val != "" {
			return val
		}
		return parts[3]
	})

	return os.Expand(expanded, lookup)
}

// expandServerEntry resolves variables in command, args and env values.
// Variables set in the entry's own env take precedence over the host's.
func expandServerEntry(entry *ServerEntry) {
	if entry == nil {
		return
	}

	own := make(map[string]string, len(entry.Env))
	for _, kv := range entry.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			own[k] = v
		}
	}
	lookup := func(key string) string {
		if val, ok := own[key]; ok {
			return val
		}
		return os.Getenv(key)
	}
	expand := func(value string) string {
		return expandEnvString(value, lookup)
	}

	entry.Command = expand(entry.Command)
	for i, arg := range entry.Args {
		entry.Args[i] = expand(arg)
	}
	for i, kv := range entry.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			entry.Env[i] = k + "=" + expandEnvString(v, os.Getenv)
		}
	}
}

// ExpandServerEntry returns a resolved copy of entry, leaving entry itself
// untouched.
func ExpandServerEntry(entry ServerEntry) ServerEntry {
	entry.Args = append([]string(nil), entry.Args...)
	entry.Env = append([]string(nil), entry.Env...)
	expandServerEntry(&entry)
	return entry
}
