package llm

import (
	"fmt"
	"strings"
	"time"
)

// timeNow is swapped in tests that need a fixed clock for Retry-After dates.
var timeNow = time.Now

func isTextMedia(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml", "application/toml":
		return true
	}
	return false
}

// fileAsText inlines a text-like file for providers without a document block.
func fileAsText(in Input) string {
	return fmt.Sprintf("<file name=%q>\n%s\n</file>", in.Name, string(in.Data))
}
