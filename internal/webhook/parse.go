package webhook

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ParsePayload decodes a webhook body into a nested map. JSON bodies pass
// through; form-encoded bodies use bracket-path keys like
// data[PARAMS][MESSAGE] which get rebuilt into nested maps. Keys with
// malformed bracket paths are skipped, not fatal.
func ParsePayload(contentType string, body []byte) (map[string]any, error) {
	if strings.Contains(contentType, "application/json") || looksLikeJSON(body) {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decode json payload: %w", err)
		}
		return payload, nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("decode form payload: %w", err)
	}
	payload := map[string]any{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		path, ok := bracketPath(key)
		if !ok {
			continue
		}
		setPath(payload, path, vals[len(vals)-1])
	}
	return payload, nil
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{")
}

// bracketPath splits "data[PARAMS][MESSAGE]" into its segments. Returns
// false for unbalanced or empty-rooted keys.
func bracketPath(key string) ([]string, bool) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		if key == "" {
			return nil, false
		}
		return []string{key}, true
	}
	root := key[:open]
	if root == "" {
		return nil, false
	}
	path := []string{root}
	rest := key[open:]
	for rest != "" {
		if rest[0] != '[' {
			return nil, false
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, false
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path, true
}

// setPath writes a leaf value into nested maps, creating levels as needed.
// A conflict with an existing leaf value drops the new key.
func setPath(root map[string]any, path []string, value string) {
	node := root
	for _, seg := range path[:len(path)-1] {
		child, ok := node[seg]
		if !ok {
			next := map[string]any{}
			node[seg] = next
			node = next
			continue
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return
		}
		node = childMap
	}
	last := path[len(path)-1]
	if _, exists := node[last]; exists {
		if _, isMap := node[last].(map[string]any); isMap {
			return
		}
	}
	node[last] = value
}
