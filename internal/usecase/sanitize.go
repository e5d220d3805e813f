package usecase

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()

	// Quotes are inert in text content and are kept literal.
	quoteUnescaper = strings.NewReplacer("&#39;", "'", "&#34;", `"`)
)

// Sanitize strips all markup from user input. &, < and > stay escaped, so
// the result is safe to embed and Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	clean := strictPolicy.Sanitize(strings.TrimSpace(s))
	return strings.TrimSpace(quoteUnescaper.Replace(clean))
}
