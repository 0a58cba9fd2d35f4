package tools

import (
	"context"
	"strings"

	"valet/internal/agent"
	"valet/internal/websearch"
)

func (d Deps) webSearchTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "web_search",
		Description: "Search the web for information.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return "Provide a query for web search.", nil
			}
			results, err := d.Web.Search(ctx, query, searchLimit(args))
			if err != nil {
				return "", err
			}
			if summary := summarizeResults(results); summary != "" {
				return summary, nil
			}
			return "No results.", nil
		},
	}
}

func (d Deps) newsSearchTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "news_search",
		Description: "Search recent news articles.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return "Provide a query for news search.", nil
			}
			results, err := d.Web.SearchNews(ctx, query, searchLimit(args))
			if err != nil {
				return "", err
			}
			if summary := summarizeResults(results); summary != "" {
				return summary, nil
			}
			return "No results.", nil
		},
	}
}

func (d Deps) webFetchTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "web_fetch",
		Description: "Fetch a URL and return its readable text. Use a CSS selector to narrow the extraction.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":       map[string]any{"type": "string"},
				"selector":  map[string]any{"type": "string"},
				"max_chars": map[string]any{"type": "integer"},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rawURL := strings.TrimSpace(stringArg(args, "url"))
			if rawURL == "" {
				return "Provide a URL to fetch.", nil
			}
			text, err := d.Fetcher.Fetch(ctx, rawURL, strings.TrimSpace(stringArg(args, "selector")))
			if err != nil {
				return "", err
			}
			maxChars, ok := intArg(args, "max_chars")
			if !ok || maxChars <= 0 {
				maxChars = 1200
			}
			return clipOnWord(text, maxChars), nil
		},
	}
}

func searchLimit(args map[string]any) int {
	limit, ok := intArg(args, "limit")
	if !ok || limit <= 0 {
		limit = 5
	}
	return min(limit, 10)
}

// summarizeResults renders search hits as the markdown sources block the
// finalizer recognizes and re-appends to the answer.
func summarizeResults(results []websearch.Result) string {
	return websearch.SummarizeResults(results)
}
