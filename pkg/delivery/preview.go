package delivery

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// preview renders s for a single log field: newlines are folded and anything past
// maxBytes is replaced by a marker carrying the original length.
func preview(s string, maxBytes int) string {
	if maxBytes <= 0 || s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:cut], len(s))
}

func previewError(err error, maxBytes int) string {
	if err == nil {
		return ""
	}
	return preview(err.Error(), maxBytes)
}
