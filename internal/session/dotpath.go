// dotpath.go -- dot-notation access into nested session maps.
//
// "user.roles" walks data["user"]["roles"]. Intermediate values that are not maps
// are treated as missing on read and replaced on write.
package session

import "strings"

func splitPath(key string) []string {
	return strings.Split(key, ".")
}

// getPath returns the value at key and whether it exists.
func getPath(data map[string]any, key string) (any, bool) {
	parts := splitPath(key)
	cur := data
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// setPath stores v at key, creating intermediate maps as needed.
func setPath(data map[string]any, key string, v any) {
	parts := splitPath(key)
	cur := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// removePath deletes the value at key. Reports whether anything was removed.
// Emptied parent maps are left in place.
func removePath(data map[string]any, key string) bool {
	parts := splitPath(key)
	cur := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}
