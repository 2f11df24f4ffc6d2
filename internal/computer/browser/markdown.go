package browser

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// toMarkdown converts a document to markdown, truncated to limit runes.
func toMarkdown(html string, limit int) (string, error) {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	md = strings.TrimSpace(md)
	if runes := []rune(md); limit > 0 && len(runes) > limit {
		md = string(runes[:limit]) + "\n\n[Content truncated]"
	}
	return md, nil
}
