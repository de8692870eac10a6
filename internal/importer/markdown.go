package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

// ParsedFile is one document file split into its frontmatter and body.
type ParsedFile struct {
	// RelativePath is the path below the import root, with forward slashes.
	RelativePath string

	// Title comes from the frontmatter, the first H1, or the file name.
	Title string

	// Body is the text with frontmatter removed and wiki links flattened.
	Body string

	Frontmatter map[string]any

	// Aliases are the frontmatter "aliases" (Obsidian's convention).
	Aliases []string

	// Tags merges frontmatter tags with inline #tags.
	Tags []string

	// Group is the document type: frontmatter "type", else the top-level
	// directory of the file.
	Group string

	// URL is the frontmatter "url", the document's natural key when set.
	URL string

	Links []WikiLink

	// Timestamp is from the frontmatter date fields, or zero.
	Timestamp time.Time
}

// handledKeys are frontmatter keys that map onto entity columns rather than
// free-form fields.
var handledKeys = map[string]bool{
	"title": true, "aliases": true, "alias": true, "tags": true, "type": true,
	"url": true, "date": true, "created": true, "created_at": true, "updated_at": true,
}

// ParseFile parses the content of a Markdown or plain-text document.
func ParseFile(content []byte, relativePath string) (*ParsedFile, error) {
	rel := filepath.ToSlash(relativePath)

	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", rel, err)
	}

	title := extractString(fm, "title")
	if title == "" {
		title = extractH1(body)
	}
	if title == "" {
		title = titleFromPath(rel)
	}

	group := extractString(fm, "type")
	if group == "" {
		group = groupFromPath(rel)
	}

	aliases := extractList(fm, "aliases")
	if len(aliases) == 0 {
		aliases = extractList(fm, "alias")
	}

	return &ParsedFile{
		RelativePath: rel,
		Title:        title,
		Body:         strings.TrimSpace(StripWikiLinks(body)),
		Frontmatter:  fm,
		Aliases:      aliases,
		Tags:         mergeTags(extractList(fm, "tags"), extractInlineTags(body)),
		Group:        group,
		URL:          extractString(fm, "url"),
		Links:        ExtractWikiLinks(body),
		Timestamp:    extractTimestamp(fm),
	}, nil
}

// Entity converts the file into a document entity. key is the natural key to
// use when the frontmatter has no url.
func (pf *ParsedFile) Entity(key string) *types.Entity {
	if pf.URL != "" {
		key = pf.URL
	}

	fields := map[string]string{"source_path": pf.RelativePath}
	if len(pf.Links) > 0 {
		targets := make([]string, len(pf.Links))
		for i, l := range pf.Links {
			targets[i] = l.Target
		}
		fields["links"] = strings.Join(targets, ", ")
	}
	if !pf.Timestamp.IsZero() {
		fields["date"] = pf.Timestamp.UTC().Format(time.RFC3339)
	}
	for k, v := range pf.Frontmatter {
		if handledKeys[k] {
			continue
		}
		switch v.(type) {
		case map[string]any, []any, nil:
			continue
		}
		fields[k] = strings.TrimSpace(fmt.Sprintf("%v", v))
	}

	return &types.Entity{
		Class:      types.ClassDocument,
		Name:       pf.Title,
		PrimaryKey: key,
		Group:      pf.Group,
		Aliases:    pf.Aliases,
		Tags:       pf.Tags,
		Text:       pf.Body,
		Fields:     fields,
		CreatedAt:  pf.Timestamp,
	}
}

// splitFrontmatter separates YAML frontmatter between --- delimiters from the
// body. Text without a closed frontmatter block is all body.
func splitFrontmatter(text string) (map[string]any, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]any{}, text, nil
	}

	fm := make(map[string]any)
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

// groupFromPath returns the top-level directory, or "" for files at the root.
func groupFromPath(rel string) string {
	parts := strings.Split(rel, "/")
	if len(parts) > 1 {
		return sanitizeSegment(parts[0])
	}
	return ""
}

// titleFromPath derives a title from the file name without its extension.
func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.TrimSpace(name)
}

// extractH1 returns the text of the first ATX heading (# ...) in body.
func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// extractList reads a list-valued frontmatter key. A string value is split on
// commas.
func extractList(fm map[string]any, key string) []string {
	var out []string
	switch v := fm[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// extractTimestamp reads the first parseable date field.
func extractTimestamp(fm map[string]any) time.Time {
	for _, key := range []string{"date", "created", "created_at", "updated_at"} {
		raw, ok := fm[key]
		if !ok {
			continue
		}
		if t, ok := raw.(time.Time); ok {
			return t
		}
		s := strings.TrimSpace(fmt.Sprintf("%v", raw))
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func extractString(fm map[string]any, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

func extractInlineTags(body string) []string {
	var tags []string
	for _, m := range inlineTagRe.FindAllStringSubmatch(body, -1) {
		tags = append(tags, m[1])
	}
	return tags
}

// mergeTags combines tag lists, deduplicating case-insensitively and keeping
// the first spelling. The result is sorted.
func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, tag := range append(append([]string{}, a...), b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			result = append(result, tag)
		}
	}
	sort.Strings(result)
	return result
}

// sanitizeSegment lowercases a path segment and replaces anything that is not
// a letter, digit or hyphen.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
