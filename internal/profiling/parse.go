package profiling

import (
	"encoding/json"
	"strings"
)

// extractJSON strips markdown fences and prose surrounding a JSON value.
// Models wrap output in ```json blocks or lead with commentary often enough
// that strict unmarshalling of the raw completion is a losing strategy.
func extractJSON(s string) []byte {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start := objStart
	closer := byte('}')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		start = arrStart
		closer = ']'
	}
	if start < 0 {
		return []byte(s)
	}
	if end := strings.LastIndexByte(s, closer); end > start {
		return []byte(s[start : end+1])
	}
	return []byte(s[start:])
}

// parseChunkProfiles parses a batch response. Unparseable responses yield an
// empty slice; individual malformed entries are dropped.
func parseChunkProfiles(content string) []chunkProfile {
	var profiles []chunkProfile
	if err := json.Unmarshal(extractJSON(content), &profiles); err != nil {
		return nil
	}
	return profiles
}

// parseChunkProfile parses a single-chunk retry response.
func parseChunkProfile(content string) (chunkProfile, bool) {
	var p chunkProfile
	if err := json.Unmarshal(extractJSON(content), &p); err != nil {
		return chunkProfile{}, false
	}
	return p, true
}
