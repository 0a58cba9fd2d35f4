package tools

import (
	"context"
	"fmt"
	"strings"

	"valet/internal/agent"
	"valet/internal/rag"
)

func (d Deps) listDocumentsTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "list_documents",
		Description: "List ingested documents for this conversation.",
		Parameters:  emptyObjectSchema(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			docs, err := d.Store.ListDocuments(conversationID)
			if err != nil {
				return "", err
			}
			if len(docs) == 0 {
				return "No documents ingested.", nil
			}
			var b strings.Builder
			b.WriteString("Documents:")
			for _, doc := range docs {
				fmt.Fprintf(&b, "\n- %s (%s)", doc.Name, doc.DocType)
			}
			return b.String(), nil
		},
	}
}

func (d Deps) listImagesTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "list_images",
		Description: "List stored images.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Max number of images to return.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			images, err := d.Store.ListImages(conversationID)
			if err != nil {
				return "", err
			}
			if limit, ok := intArg(args, "limit"); ok && limit > 0 && limit < len(images) {
				images = images[:limit]
			}
			if len(images) == 0 {
				return "No images available.", nil
			}
			var b strings.Builder
			b.WriteString("Images:")
			for _, img := range images {
				fmt.Fprintf(&b, "\n- %s", img.Name)
			}
			return b.String(), nil
		},
	}
}

func (d Deps) ragSearchTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "rag_search",
		Description: "Search ingested documents for relevant excerpts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return "Provide a query for document search.", nil
			}
			hits, err := d.Retriever.Search(conversationID, query, d.Settings.RAGTopK)
			if err != nil {
				return "", err
			}
			context := rag.FormatContext(hits)
			if context == "" {
				return "No relevant documents found.", nil
			}
			return context, nil
		},
	}
}

func (d Deps) ragRebuildTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "rag_rebuild",
		Description: "Rebuild the document search index.",
		Parameters:  emptyObjectSchema(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			d.Retriever.Invalidate(conversationID)
			return "Document index rebuilt.", nil
		},
	}
}

func emptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
