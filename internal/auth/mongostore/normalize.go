package mongostore

import "go.mongodb.org/mongo-driver/v2/bson"

// Normalize unwraps driver-native values into plain Go values at any depth:
// bson.Binary becomes []byte, documents become map[string]any and arrays
// become []any.
func Normalize(v any) any {
	switch x := v.(type) {
	case bson.Binary:
		return x.Data
	case *bson.Binary:
		if x == nil {
			return nil
		}
		return x.Data
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = Normalize(e.Value)
		}
		return m
	case bson.M:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case bson.A:
		return normalizeSlice(x)
	case []any:
		return normalizeSlice(x)
	default:
		return v
	}
}

func normalizeMap(in map[string]any) map[string]any {
	m := make(map[string]any, len(in))
	for k, v := range in {
		m[k] = Normalize(v)
	}
	return m
}

func normalizeSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = Normalize(v)
	}
	return out
}
