package ioutil

import (
	"fmt"
	"io"
	"strings"
)

// Snippet reads at most limit bytes of r for use in an error message.
// Surrounding whitespace is dropped and a cut body ends in "...".
func Snippet(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}
	s := strings.TrimSpace(string(body))
	if truncated {
		s += "..."
	}
	return s
}
