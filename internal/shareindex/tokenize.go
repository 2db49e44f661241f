package shareindex

import "strings"

const minQueryLength = 3

var separatorReplacer = strings.NewReplacer(
	"/", " ",
	"\\", " ",
	":", " ",
	"\"", " ",
)

// tokenize derives the full-text tokens for a masked filename: separators
// and quote characters become whitespace, then the result is lowercased and
// split on whitespace.
func tokenize(maskedFilename string) []string {
	cleaned := separatorReplacer.Replace(strings.ToLower(maskedFilename))
	return strings.Fields(cleaned)
}

// sanitizeQuery strips separator and quote characters from a search query,
// the same normalization applied to indexed filenames, so "rock/pop" finds
// files tokenized from "Rock - Pop.mp3".
func sanitizeQuery(query string) string {
	cleaned := separatorReplacer.Replace(query)
	return strings.TrimSpace(cleaned)
}

// validQuery reports whether a sanitized query meets the minimum length
// required to run a search at all (§4.1, §8 boundary behavior).
func validQuery(sanitized string) bool {
	return len(sanitized) >= minQueryLength
}
