package toolloop

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// A fence may open mid-line and close right after the content; it must be
// closed to count.
var fencedBlock = regexp.MustCompile("(?s)```\\w*\\n(.*?)```")

// ExtractCodeBlock returns the body of the first fenced code block in s,
// without its final line break. Blocks with no content are not reported.
func ExtractCodeBlock(s string) (string, bool) {
	m := fencedBlock.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	code := strings.TrimSuffix(m[1], "\n")
	if strings.TrimSpace(code) == "" {
		return "", false
	}
	return code, true
}

// HealPath is where self-healed code is written
func HealPath(dir string, now time.Time) string {
	name := fmt.Sprintf("file_%d.ts", now.UnixMilli())
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}
