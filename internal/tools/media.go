package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"valet/internal/agent"
	"valet/internal/llm"
)

func (d Deps) imageGenerateTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "image_generate",
		Description: "Generate an image from a prompt.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{"type": "string"},
				"prompt":   map[string]any{"type": "string"},
			},
			"required": []string{"prompt"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			prompt := strings.TrimSpace(stringArg(args, "prompt"))
			if prompt == "" {
				return "Provide a prompt for image generation.", nil
			}
			if !d.LLM.Available() {
				return "Image generation is not configured.", nil
			}
			filename := safeFilename(stringArg(args, "filename"))
			if filename == "" {
				filename = fmt.Sprintf("image_%s.png", time.Now().UTC().Format("20060102150405"))
			}
			if filepath.Ext(filename) == "" {
				filename += ".png"
			}

			payload, err := d.LLM.GenerateImage(ctx, d.Settings.ImageModel, prompt, "")
			if err != nil {
				return "", err
			}
			raw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return "", fmt.Errorf("decode image payload: %w", err)
			}

			dir := d.Settings.GeneratedDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
			path := filepath.Join(dir, filename)
			if err := os.WriteFile(path, raw, 0o644); err != nil {
				return "", err
			}
			if _, err := d.Store.AddImage(conversationID, filename, path, "Generated: "+prompt, true); err != nil {
				d.logger().Warn("image registration failed", "file", filename, "error", err)
			}
			return fmt.Sprintf("Image created: %s\n\n![%s](/files/generated/%s)", filename, filename, filename), nil
		},
	}
}

func (d Deps) plotGenerateTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "plot_generate",
		Description: "Generate a chart image (SVG) from structured data.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename":   map[string]any{"type": "string"},
				"chart_type": map[string]any{"type": "string", "enum": []string{"line", "bar"}},
				"title":      map[string]any{"type": "string"},
				"x":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"y":          map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
				"x_label":    map[string]any{"type": "string"},
				"y_label":    map[string]any{"type": "string"},
				"series": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name": map[string]any{"type": "string"},
							"y":    map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
						},
						"required": []string{"y"},
					},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			spec, err := plotSpecFromArgs(args)
			if err != nil {
				return err.Error(), nil
			}
			filename := safeFilename(stringArg(args, "filename"))
			if filename == "" {
				filename = "plot"
			}
			filename = strings.TrimSuffix(filename, filepath.Ext(filename)) + ".svg"

			dir := d.Settings.GeneratedDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
			path := filepath.Join(dir, filename)
			if _, err := os.Stat(path); err == nil {
				stem := strings.TrimSuffix(filename, ".svg")
				filename = fmt.Sprintf("%s_%s.svg", stem, time.Now().UTC().Format("20060102150405"))
				path = filepath.Join(dir, filename)
			}
			if err := os.WriteFile(path, []byte(renderSVG(spec)), 0o644); err != nil {
				return "", err
			}

			description := "Plot generated"
			if spec.Title != "" {
				description = "Plot: " + spec.Title
			}
			if _, err := d.Store.AddImage(conversationID, filename, path, description, true); err != nil {
				d.logger().Warn("image registration failed", "file", filename, "error", err)
			}
			return fmt.Sprintf("Plot created: %s\n\n![%s](/files/generated/%s)", filename, filename, filename), nil
		},
	}
}

func (d Deps) imageDescribeTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "image_describe",
		Description: "Describe an existing image by filename.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{"type": "string"},
			},
			"required": []string{"filename"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			filename := safeFilename(stringArg(args, "filename"))
			if filename == "" {
				return "Provide an image filename.", nil
			}
			images, err := d.Store.ListImages(conversationID)
			if err != nil {
				return "", err
			}
			var path string
			for _, img := range images {
				if strings.EqualFold(img.Name, filename) {
					path = img.Path
					break
				}
			}
			if path == "" {
				return "Image not found.", nil
			}
			return d.describeImage(ctx, path)
		},
	}
}

// describeImage sends the image to the vision model as a data URI.
func (d Deps) describeImage(ctx context.Context, path string) (string, error) {
	if !d.LLM.Available() {
		return "Vision is not configured.", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "Image file is missing.", nil
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/png"
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(raw))

	res, err := d.LLM.Chat(ctx, llm.ChatRequest{
		Model: d.Settings.VisionModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "Describe this image concisely."},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURI}},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	description := strings.TrimSpace(res.Content)
	if description == "" {
		return "No description available.", nil
	}
	return description, nil
}
