// Package reference extracts candidate order and invoice identifiers from
// free-text bank transaction references.
//
// A parser is built once per organizer from all known prefixes (event slugs
// and invoice-number prefixes) and reused across a batch, since compiling the
// alternation pattern is the expensive part.
package reference

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Hit is one extracted (prefix, code) pair. Prefix is always the canonical
// registered prefix, even when the text matched a separator-stripped alias.
type Hit struct {
	Prefix string
	Code   string
}

// Parser holds the compiled alternation pattern for one set of prefixes.
type Parser struct {
	re        *regexp.Regexp
	canonical map[string]string // separator-stripped form -> canonical prefix
}

var (
	separators = regexp.MustCompile(`[\- ]+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// NewParser compiles a parser for the given prefixes and code length range.
// Prefixes are upper-cased; a prefix containing separators also answers for
// its separator-stripped alias. Returns nil when no prefixes are known.
func NewParser(prefixes []string, minLen, maxLen int) *Parser {
	if len(prefixes) == 0 {
		return nil
	}

	canonical := make(map[string]string, len(prefixes))
	seen := make(map[string]bool, len(prefixes))
	parts := make([]string, 0, len(prefixes))

	for _, p := range prefixes {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		stripped := separators.ReplaceAllString(p, "")
		if stripped == "" || seen[stripped] {
			continue
		}
		seen[stripped] = true
		canonical[stripped] = p
		parts = append(parts, prefixPattern(p))
	}
	if len(parts) == 0 {
		return nil
	}

	// Longest prefix first, so RW23-EXTRA wins over RW23 when both match.
	sort.Slice(parts, func(i, j int) bool {
		if len(parts[i]) != len(parts[j]) {
			return len(parts[i]) > len(parts[j])
		}
		return parts[i] < parts[j]
	})

	pattern := `(` + strings.Join(parts, "|") + `)[\- ]*([A-Z0-9]{` +
		strconv.Itoa(minLen) + `,` + strconv.Itoa(maxLen) + `})`

	return &Parser{
		re:        regexp.MustCompile(pattern),
		canonical: canonical,
	}
}

// prefixPattern escapes a prefix for the alternation, turning separator runs
// into "zero or more space/hyphen" so RW23-X, RW23 X and RW23X all match.
func prefixPattern(prefix string) string {
	pieces := separators.Split(prefix, -1)
	for i, piece := range pieces {
		pieces[i] = regexp.QuoteMeta(piece)
	}
	return strings.Join(pieces, `[\- ]*`)
}

// Parse extracts all (prefix, code) pairs from the reference text.
//
// The pattern runs twice: once with newlines collapsed to spaces, once with
// all whitespace stripped (banks line-wrap references mid-code). Whichever
// run yields more matches wins; ties favor the whitespace-preserving run.
func (p *Parser) Parse(reference string) []Hit {
	if p == nil || reference == "" {
		return nil
	}

	text := strings.ToUpper(reference)
	collapsed := whitespace.ReplaceAllString(text, " ")
	stripped := whitespace.ReplaceAllString(text, "")

	a := p.extract(collapsed)
	b := p.extract(stripped)
	if len(b) > len(a) {
		return b
	}
	return a
}

func (p *Parser) extract(text string) []Hit {
	matches := p.re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		prefix := p.canonical[separators.ReplaceAllString(m[1], "")]
		if prefix == "" {
			prefix = m[1]
		}
		hits = append(hits, Hit{Prefix: prefix, Code: m[2]})
	}
	return hits
}

