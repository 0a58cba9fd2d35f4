package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	fetchUserAgent = "Mozilla/5.0 (compatible; valet/1.0)"
	maxFetchBytes  = 2 << 20
	maxExtractText = 8000
)

// Fetcher downloads pages and extracts their readable text.
type Fetcher struct {
	http *http.Client
}

// NewFetcher builds a fetcher with the given request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{http: &http.Client{Timeout: timeout}}
}

// Fetch downloads a URL and returns its extracted text. A non-empty
// selector restricts extraction to matching elements.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, selector string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("websearch: bad url: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("websearch: fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("websearch: fetch status %d for %s", resp.StatusCode, rawURL)
	}

	contentType := resp.Header.Get("Content-Type")
	body := io.LimitReader(resp.Body, maxFetchBytes)

	if !strings.Contains(contentType, "html") {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", err
		}
		return clipText(strings.TrimSpace(string(raw))), nil
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("websearch: parse html: %w", err)
	}
	return ExtractText(doc, selector), nil
}

// ExtractText pulls visible text from a parsed page, skipping script,
// style, and navigation chrome. With a selector it collects only the
// matching elements' text.
func ExtractText(doc *goquery.Document, selector string) string {
	doc.Find("script, style, noscript, nav, header, footer, iframe").Remove()

	root := doc.Selection
	if selector != "" {
		matched := doc.Find(selector)
		if matched.Length() > 0 {
			root = matched
		}
	} else if main := doc.Find("main, article"); main.Length() > 0 {
		root = main.First()
	}

	var parts []string
	root.Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			parts = append(parts, text)
		}
	})
	return clipText(collapseWhitespace(strings.Join(parts, "\n")))
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func clipText(s string) string {
	if len(s) <= maxExtractText {
		return s
	}
	return s[:maxExtractText] + "..."
}

// FormatSources renders results as the markdown block appended to
// answers built from search output.
func FormatSources(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, r := range results {
		title := r.Title
		if title == "" {
			title = r.URL
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", title, r.URL)
	}
	return b.String()
}

// SummarizeResults renders results as a sources block that keeps the
// snippets, for tool output and digest summaries.
func SummarizeResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sources:")
	for _, r := range results {
		title := strings.TrimSpace(r.Title)
		url := strings.TrimSpace(r.URL)
		var line string
		switch {
		case url != "" && title != "":
			line = fmt.Sprintf("- [%s](%s)", title, url)
		case url != "":
			line = fmt.Sprintf("- [%s](%s)", url, url)
		case title != "":
			line = "- " + title
		default:
			line = "- Result"
		}
		if snippet := strings.TrimSpace(r.Snippet); snippet != "" {
			line += ": " + snippet
		}
		b.WriteString("\n" + line)
	}
	return b.String()
}
