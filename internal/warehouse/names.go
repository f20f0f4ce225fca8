package warehouse

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// NormalizeName turns a spreadsheet header into a lower snake_case
// identifier: runs of non-alphanumerics collapse to one underscore, edges are
// trimmed, and a leading digit gets an underscore prefix ("2025 Q1" -> "_2025_q1").
func NormalizeName(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingSep = true
	}
	out := b.String()
	if out == "" {
		return ""
	}
	if r := rune(out[0]); unicode.IsDigit(r) {
		out = "_" + out
	}
	return out
}

// normalizeHeader normalizes every header, naming blank ones columnNN and
// suffixing duplicates with _1, _2, ...
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := NormalizeName(h)
		if name == "" {
			name = fmt.Sprintf("column%02d", i)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[name] = 0
		out[i] = name
	}
	return out
}

var noteSuffix = regexp.MustCompile(`(_?note_\d+)+$`)

// StripNotes removes trailing footnote markers such as "_note_3" or
// "_note_1_note_2" from a normalized column name.
func StripNotes(name string) string {
	stripped := noteSuffix.ReplaceAllString(name, "")
	if stripped == "" {
		return name
	}
	return stripped
}

// IsSuppressed reports whether a published cell value is a suppression or
// not-available marker such as "[x]" or "[c]".
func IsSuppressed(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), "[")
}
