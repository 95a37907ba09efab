package optimizer

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values read back from JSON arrive as float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]interface{}, key string) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return 0
}
