package agent

import (
	"regexp"
	"strings"
)

var markdownImage = regexp.MustCompile(`!\[[^\]]*]\(([^)]+)\)`)

// finalize applies answer post-processing: append tool-produced images
// the answer does not already show, then the captured sources block.
func (a *Agent) finalize(t *turn, answer string) string {
	text := strings.TrimSpace(answer)
	if block := collectToolImages(t.toolSummaries, text); block != "" {
		text = strings.TrimSpace(text + "\n\n" + block)
	}
	return maybeAppendSources(text, t.latestSources)
}

// collectToolImages gathers Markdown image references from tool results,
// deduplicated by URL against each other and against the answer.
func collectToolImages(summaries []toolSummary, answer string) string {
	if len(summaries) == 0 {
		return ""
	}
	seen := make(map[string]bool)
	for _, m := range extractMarkdownImages(answer) {
		seen[m.url] = true
	}
	var blocks []string
	for _, s := range summaries {
		for _, m := range extractMarkdownImages(s.result) {
			if seen[m.url] {
				continue
			}
			seen[m.url] = true
			blocks = append(blocks, m.markup)
		}
	}
	return strings.TrimSpace(strings.Join(blocks, "\n"))
}

type imageRef struct {
	markup string
	url    string
}

func extractMarkdownImages(text string) []imageRef {
	if text == "" {
		return nil
	}
	var out []imageRef
	for _, m := range markdownImage.FindAllStringSubmatch(text, -1) {
		url := strings.TrimSpace(m[1])
		if url != "" {
			out = append(out, imageRef{markup: m[0], url: url})
		}
	}
	return out
}

// maybeAppendSources appends the captured web/news sources block unless
// the answer already cites sources.
func maybeAppendSources(answer, sources string) string {
	if sources == "" {
		return answer
	}
	if strings.Contains(strings.ToLower(answer), "sources:") {
		return answer
	}
	return strings.TrimRight(answer, " \n") + "\n\n" + strings.TrimSpace(sources)
}
