package uplink

import (
	"strconv"
	"strings"
)

// firstLine extracts the HTTP-style status line from a caster response.
func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// responseOK accepts any status line carrying a 200-class code. Casters
// answer with either "ICY 200 OK" or a regular HTTP status line.
func responseOK(statusLine string) bool {
	for _, field := range strings.Fields(statusLine) {
		code, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if code >= 200 && code < 300 {
			return true
		}
	}
	return false
}

// trimVersion strips a leading "v" for the Source-Agent header.
func trimVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}
