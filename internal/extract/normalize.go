package extract

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// bulletPrefix matches an optional "-", "•" or "12." marker and the whitespace after it.
var bulletPrefix = regexp.MustCompile(`^\s*(?:[-•]|\d+\.)?\s*`)

var lineBreak = regexp.MustCompile(`\r?\n`)

// Normalize converts raw worker output into task titles. Order and
// duplicates are preserved; lines that end up empty are dropped.
func Normalize(raw string) []string {
	return lo.FilterMap(lineBreak.Split(raw, -1), func(line string, _ int) (string, bool) {
		title := strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		return title, title != ""
	})
}
