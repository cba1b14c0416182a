package slack

import "regexp"

var markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^\)]+)\)`)

// FormatLinks rewrites markdown links [text](url) into Slack's <url|text>.
func FormatLinks(text string) string {
	return markdownLink.ReplaceAllString(text, "<$2|$1>")
}
