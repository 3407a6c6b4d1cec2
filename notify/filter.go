package notify

import (
	"regexp"
	"strings"
	"sync"
)

// Stream titles are free-form text chosen by the streamer; when the filter is
// enabled, terms from this list are masked before the title reaches a group.
var sensitiveTerms = []string{
	"nsfw",
	"18+",
	"porn",
	"hentai",
	"xxx",
	"onlyfans",
}

var sensitivePattern = sync.OnceValue(func() *regexp.Regexp {
	quoted := make([]string, len(sensitiveTerms))
	for i, t := range sensitiveTerms {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return regexp.MustCompile("(?i)(" + strings.Join(quoted, "|") + ")")
})

// FilterTitle masks sensitive terms in a stream title with asterisks.
func FilterTitle(title string) string {
	return sensitivePattern().ReplaceAllStringFunc(title, func(m string) string {
		return strings.Repeat("*", len(m))
	})
}
