package config

import (
	"reflect"
	"strings"
)

// secretKeys holds the dotted keys of every Config field tagged secret:"true".
var secretKeys = secretPaths(reflect.TypeOf(Config{}), "")

func secretPaths(t reflect.Type, prefix string) map[string]bool {
	out := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := joinKey(prefix, name)
		if f.Type.Kind() == reflect.Struct {
			for k := range secretPaths(f.Type, key) {
				out[k] = true
			}
			continue
		}
		if f.Tag.Get("secret") == "true" {
			out[key] = true
		}
	}
	return out
}

// IsSecretKey reports whether key names a credential such as llm.api_key.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Flatten turns the JSON form of a config into dotted keys, so
// {"llm": {"model": "m"}} becomes {"llm.model": "m"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if child, ok := v.(map[string]any); ok {
				walk(joinKey(prefix, k), child)
				continue
			}
			out[joinKey(prefix, k)] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		section := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := section[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				section[part] = child
			}
			section = child
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets copies flat with credential values hidden. Values longer than
// four characters keep their last four so a key can still be told apart.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !secretKeys[k] || !ok || s == "" {
			out[k] = v
			continue
		}
		if len(s) <= 4 {
			out[k] = "***"
		} else {
			out[k] = "***" + s[len(s)-4:]
		}
	}
	return out
}
