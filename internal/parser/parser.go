// Package parser extracts frontmatter, title, links, and word counts from Markdown content.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

var (
	// wikilinkRe matches [[target]], [[target|display]] and the embed form ![[target]].
	wikilinkRe  = regexp.MustCompile(`(!?)\[\[([^\[\]\n]+)\]\]`)
	mdLinkRe    = regexp.MustCompile(`(!?)\[([^\[\]\n]*)\]\(\s*<?([^()\s<>]+)>?(?:\s+"[^"\n]*")?\s*\)`)
	schemeRe    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*:`)
	fenceRe     = regexp.MustCompile("(?ms)^[ \t]*(?:```|~~~)[^\n]*\n.*?^[ \t]*(?:```|~~~)[ \t]*$")
	inlineCode  = regexp.MustCompile("`+")
	headingMark = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+`)
	emphasisRe  = regexp.MustCompile(`[*_~]+`)
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// Result holds the output of parsing a Markdown file.
type Result struct {
	Frontmatter map[string]any
	Body        string
	Title       string
	Links       []models.Link
	Tags        []string
	WordCount   int
}

// Parse extracts frontmatter, body, title, links, tags and word count from raw
// Markdown bytes. Content that is not valid UTF-8 is reported as corrupted.
func Parse(data []byte) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("parser: %w: invalid UTF-8", apperr.ErrCorruptedContent)
	}
	data = bytes.TrimPrefix(data, bom)

	fm, body := splitFrontmatter(data)
	visible := fenceRe.ReplaceAllString(body, "")

	return &Result{
		Frontmatter: fm,
		Body:        body,
		Title:       deriveTitle(visible),
		Links:       extractLinks(visible),
		Tags:        extractTags(fm),
		WordCount:   countWords(body),
	}, nil
}

// splitBlock locates a leading "---" delimited block. body is everything after
// the closing delimiter line, unmodified.
func splitBlock(data []byte) (block, body []byte, ok bool) {
	trimmed := bytes.TrimLeft(data, "\r\n")
	firstNL := bytes.IndexByte(trimmed, '\n')
	if firstNL < 0 || string(bytes.TrimRight(trimmed[:firstNL], " \t\r")) != "---" {
		return nil, data, false
	}

	rest := trimmed[firstNL+1:]
	for off := 0; off < len(rest); {
		lineEnd, next := len(rest), len(rest)
		if nl := bytes.IndexByte(rest[off:], '\n'); nl >= 0 {
			lineEnd = off + nl
			next = lineEnd + 1
		}
		if string(bytes.TrimRight(rest[off:lineEnd], " \t\r")) == "---" {
			return rest[:off], rest[next:], true
		}
		off = next
	}
	return nil, data, false
}

// splitFrontmatter separates the YAML block from the Markdown body. A missing
// block or invalid YAML yields an empty map and the entire content as body.
func splitFrontmatter(data []byte) (map[string]any, string) {
	block, body, ok := splitBlock(data)
	if !ok {
		return map[string]any{}, string(data)
	}

	var fm map[string]any
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return map[string]any{}, string(data)
	}
	if fm == nil {
		fm = map[string]any{}
	}
	for k, v := range fm {
		fm[k] = jsonSafe(v)
	}
	return fm, strings.TrimLeft(string(body), "\r\n")
}

// jsonSafe converts YAML maps with non-string keys into map[string]any so the
// frontmatter can be stored as JSON.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = jsonSafe(inner)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[fmt.Sprint(k)] = jsonSafe(inner)
		}
		return out
	case []any:
		for i, inner := range t {
			t[i] = jsonSafe(inner)
		}
		return t
	}
	return v
}

// deriveTitle returns the text of the first level-1 heading, or "".
func deriveTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(strings.TrimRight(trimmed[2:], "#"))
		}
	}
	return ""
}

// extractLinks returns wikilinks, embeds and internal markdown links, one per
// (target, type). A repeated edge keeps its first position and its last text.
func extractLinks(body string) []models.Link {
	var out []models.Link
	seen := make(map[string]int)

	add := func(target string, typ models.LinkType, text string) {
		target = NormalizeTarget(target)
		if target == "" {
			return
		}
		key := string(typ) + "\x00" + target
		if i, ok := seen[key]; ok {
			out[i].Text = text
			return
		}
		seen[key] = len(out)
		out = append(out, models.Link{TargetPath: target, Type: typ, Text: text})
	}

	for _, m := range wikilinkRe.FindAllStringSubmatch(body, -1) {
		inner := m[2]
		target, display := inner, ""
		if i := strings.Index(inner, "|"); i >= 0 {
			target, display = inner[:i], strings.TrimSpace(inner[i+1:])
		}
		target = strings.TrimSpace(target)
		if display == "" {
			display = target
		}
		typ := models.LinkWikilink
		if m[1] == "!" {
			typ = models.LinkEmbed
		}
		add(stripFragment(target), typ, display)
	}

	for _, m := range mdLinkRe.FindAllStringSubmatch(body, -1) {
		if m[1] == "!" {
			continue
		}
		target := m[3]
		if isExternal(target) || strings.HasPrefix(target, "#") {
			continue
		}
		target = stripFragment(target)
		if decoded, err := url.PathUnescape(target); err == nil {
			target = decoded
		}
		add(target, models.LinkMarkdown, strings.TrimSpace(m[2]))
	}

	return out
}

func isExternal(target string) bool {
	return strings.HasPrefix(target, "//") || schemeRe.MatchString(target)
}

func stripFragment(target string) string {
	if i := strings.IndexAny(target, "#^?"); i >= 0 {
		target = target[:i]
	}
	return strings.TrimSpace(target)
}

// NormalizeTarget strips leading slashes and appends ".md" when the target has
// no extension.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	target = strings.TrimLeft(target, "/")
	target = strings.TrimPrefix(target, "./")
	if target == "" {
		return ""
	}
	if path.Ext(target) == "" {
		target += ".md"
	}
	return target
}

// extractTags reads the frontmatter "tags" field as a list or a comma/space
// separated string.
func extractTags(fm map[string]any) []string {
	raw, ok := fm["tags"]
	if !ok {
		return nil
	}

	var items []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if item != nil {
				items = append(items, fmt.Sprint(item))
			}
		}
	case string:
		items = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, t := range items {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// countWords counts whitespace-separated words of the visible text: code
// fences, inline code markers, images, embeds and emphasis are stripped, and
// links collapse to their visible text.
func countWords(body string) int {
	s := fenceRe.ReplaceAllString(body, " ")
	s = wikilinkRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := wikilinkRe.FindStringSubmatch(m)
		if sub[1] == "!" {
			return " "
		}
		inner := sub[2]
		if i := strings.Index(inner, "|"); i >= 0 {
			return inner[i+1:]
		}
		return inner
	})
	s = mdLinkRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := mdLinkRe.FindStringSubmatch(m)
		if sub[1] == "!" {
			return " "
		}
		return sub[2]
	})
	s = inlineCode.ReplaceAllString(s, "")
	s = headingMark.ReplaceAllString(s, "")
	s = emphasisRe.ReplaceAllString(s, "")
	return len(strings.Fields(s))
}
