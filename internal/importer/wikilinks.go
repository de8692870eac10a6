package importer

import (
	"regexp"
	"strings"
)

// wikilinkRe matches [[link]] and [[link|alias]] patterns.
var wikilinkRe = regexp.MustCompile(`\[\[([^\[\]|]+?)(?:\|([^\[\]]+?))?\]\]`)

// WikiLink is a [[target]] or [[target|label]] reference to another document.
type WikiLink struct {
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// ExtractWikiLinks returns the links in content, deduplicated by target
// case-insensitively, in order of first appearance.
func ExtractWikiLinks(content string) []WikiLink {
	seen := make(map[string]bool)
	var links []WikiLink
	for _, m := range wikilinkRe.FindAllStringSubmatch(content, -1) {
		target := strings.TrimSpace(m[1])
		if key := strings.ToLower(target); !seen[key] {
			seen[key] = true
			links = append(links, WikiLink{Target: target, Label: strings.TrimSpace(m[2])})
		}
	}
	return links
}

// StripWikiLinks replaces each link with its label, or its target when it has
// none, so the body reads as plain text for matching and embedding.
func StripWikiLinks(content string) string {
	return wikilinkRe.ReplaceAllStringFunc(content, func(match string) string {
		parts := wikilinkRe.FindStringSubmatch(match)
		if label := strings.TrimSpace(parts[2]); label != "" {
			return label
		}
		return strings.TrimSpace(parts[1])
	})
}
