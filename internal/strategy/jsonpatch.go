package strategy

import "encoding/json"

// setJSONString sets a dotted path to a string value in a JSON object,
// creating intermediate objects as needed, mirroring
// original_source/.../provider_strategy_gemini.rs's overwrite_string_field
// (walk the dotted path, replacing non-object intermediates with a fresh
// object) translated into Go's encoding/json map idiom.
func setJSONString(body []byte, path, value string) ([]byte, error) {
	var root map[string]any
	if len(body) == 0 {
		root = map[string]any{}
	} else if err := json.Unmarshal(body, &root); err != nil {
		return nil, err
	}
	if root == nil {
		root = map[string]any{}
	}

	segs := splitPath(path)
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			break
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}

	return json.Marshal(root)
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}
