package research

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	citationOpen  = "[citation]"
	citationClose = "[citation/]"
)

// UnknownCitationKeyError reports a citation placeholder in the report
// body with no entry in any citation block. Extraction tolerates noisy
// lines, assembly does not tolerate dangling keys.
type UnknownCitationKeyError struct {
	Key string
}

func (e *UnknownCitationKeyError) Error() string {
	return fmt.Sprintf("research: citation key %q has no matching citation entry", e.Key)
}

// citationEntry is one deduplicated reference.
type citationEntry struct {
	index int
	text  string
}

// citationLine matches "[key]text(url)" with the url in the trailing
// parentheses.
var citationLine = regexp.MustCompile(`^\[([^\[\]]+)\](.*)\(([^()]+)\)\s*$`)

// keyPlaceholder matches a bracketed key in the body. A following "(" is
// excluded so markdown links pass through untouched.
var keyPlaceholder = regexp.MustCompile(`\[([^\[\]\n]+)\]\(?`)

// assembleReport merges per-section content into the final document:
// citation blocks are excised, urls deduplicated in first-seen order,
// body placeholders replaced with superscript indexes, and a references
// section appended. Deterministic for fixed input.
func assembleReport(sections []string) (string, error) {
	body := strings.Join(sections, "\n\n")

	// Pass 1: excise every citation block. Reference indexes follow the
	// order distinct urls first appear while scanning the blocks, which
	// keeps assembly deterministic for fixed input.
	keyToURL := make(map[string]string)
	urlEntries := make(map[string]*citationEntry)
	var urlOrder []string

	for {
		start := strings.Index(body, citationOpen)
		if start < 0 {
			break
		}
		rest := body[start+len(citationOpen):]
		end := strings.Index(rest, citationClose)
		if end < 0 {
			// Unterminated block, leave the text as is.
			break
		}
		block := rest[:end]
		body = body[:start] + rest[end+len(citationClose):]

		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			m := citationLine.FindStringSubmatch(line)
			if m == nil {
				// Noise from the model, skip it.
				continue
			}
			key, text, url := m[1], strings.TrimSpace(m[2]), strings.TrimSpace(m[3])
			keyToURL[key] = url
			if _, seen := urlEntries[url]; !seen {
				urlEntries[url] = &citationEntry{
					index: len(urlOrder) + 1,
					text:  strings.TrimSpace(text + " (" + url + ")"),
				}
				urlOrder = append(urlOrder, url)
			}
		}
	}

	// Pass 2: swap body placeholders for superscript reference indexes.
	var unknown *UnknownCitationKeyError
	out := keyPlaceholder.ReplaceAllStringFunc(body, func(match string) string {
		if strings.HasSuffix(match, "(") {
			// Markdown link, not a citation key.
			return match
		}
		key := match[1 : len(match)-1]
		url, ok := keyToURL[key]
		if !ok {
			if unknown == nil {
				unknown = &UnknownCitationKeyError{Key: key}
			}
			return match
		}
		return fmt.Sprintf("<sup>[%d]</sup>", urlEntries[url].index)
	})
	if unknown != nil {
		return "", unknown
	}

	if len(urlOrder) == 0 {
		return out, nil
	}
	var refs strings.Builder
	refs.WriteString(strings.TrimRight(out, "\n"))
	refs.WriteString("\n\n## References\n\n")
	for _, url := range urlOrder {
		entry := urlEntries[url]
		fmt.Fprintf(&refs, "%d. %s\n", entry.index, entry.text)
	}
	return refs.String(), nil
}
