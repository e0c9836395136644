package memory

import (
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Sanitize turns renderer markup into plain markdown before text enters
// memory.
func Sanitize(text string) string {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "<") {
		if md, err := htmltomarkdown.ConvertString(text); err == nil {
			text = strings.TrimSpace(md)
		}
	}
	return blankRuns.ReplaceAllString(text, "\n\n")
}
