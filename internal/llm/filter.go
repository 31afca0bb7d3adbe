package llm

import (
	"regexp"
	"strings"
)

// Some local and proxy-served models leak their chain of thought into
// the assistant text inside pseudo-XML tags. Strip every known variant
// before the text reaches callers.
var (
	reasoningTagNames = `think|thinking|reasoning|reflection|internal`

	closedReasoningRe = regexp.MustCompile(`(?is)<(?:` + reasoningTagNames + `)>.*?</(?:` + reasoningTagNames + `)>`)

	// An unclosed tag at the start of the output swallows everything up
	// to the first blank line, which is where these models resume the
	// actual answer.
	unclosedReasoningRe = regexp.MustCompile(`(?is)\A\s*<(?:` + reasoningTagNames + `)>.*?(\n\s*\n|\z)`)
)

func StripReasoning(text string) string {
	if text == "" {
		return ""
	}
	out := closedReasoningRe.ReplaceAllString(text, "")
	out = unclosedReasoningRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
