package tools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"valet/internal/agent"
)

// resolver validates project-relative paths, rejecting anything that
// escapes the configured root.
type resolver struct {
	root string
}

func (r resolver) resolve(path string) (string, error) {
	root := strings.TrimSpace(r.root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	clean := strings.TrimSpace(path)
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path is outside the project root")
	}
	return target, nil
}

func (r resolver) relative(target string) string {
	rootAbs, err := filepath.Abs(r.root)
	if err != nil {
		return target
	}
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

func (d Deps) projectResolver() resolver {
	return resolver{root: d.Settings.ProjectRoot}
}

// fileCreateTool writes a new text file into the exports directory and
// registers it as a conversation document so retrieval can see it.
func (d Deps) fileCreateTool(conversationID int64) agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "file_create",
		Description: "Create a text file with the given content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{"type": "string"},
				"content":  map[string]any{"type": "string"},
			},
			"required": []string{"filename", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			filename := safeFilename(stringArg(args, "filename"))
			if filename == "" {
				return "Provide a valid filename.", nil
			}
			if filepath.Ext(filename) == "" {
				filename += ".txt"
			}
			content := stringArg(args, "content")

			dir := d.Settings.ExportsDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
			path := filepath.Join(dir, filename)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", err
			}

			if err := d.upsertDocument(conversationID, filename, path, content); err != nil {
				d.logger().Warn("document registration failed", "file", filename, "error", err)
			}
			return fmt.Sprintf("File created: %s\nPath: /files/exports/%s", filename, filename), nil
		},
	}
}

// upsertDocument registers or refreshes a document row and drops the
// conversation's retrieval index so the next search sees the new text.
func (d Deps) upsertDocument(conversationID int64, name, path, text string) error {
	docs, err := d.Store.ListDocuments(conversationID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if strings.EqualFold(doc.Name, name) {
			if err := d.Store.UpdateDocumentText(doc.ID, text); err != nil {
				return err
			}
			d.Retriever.Invalidate(conversationID)
			return nil
		}
	}
	if _, err := d.Store.AddDocument(conversationID, name, path, strings.TrimPrefix(filepath.Ext(name), "."), text); err != nil {
		return err
	}
	d.Retriever.Invalidate(conversationID)
	return nil
}

func (d Deps) projectListFilesTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "project_list_files",
		Description: "List files in the local project directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":           map[string]any{"type": "string"},
				"recursive":      map[string]any{"type": "boolean"},
				"include_hidden": map[string]any{"type": "boolean"},
				"max":            map[string]any{"type": "integer"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res := d.projectResolver()
			base, err := res.resolve(stringArg(args, "path"))
			if err != nil {
				return err.Error(), nil
			}
			if _, err := os.Stat(base); err != nil {
				return "Path not found.", nil
			}
			recursive := boolArg(args, "recursive", false)
			includeHidden := boolArg(args, "include_hidden", false)
			limit := 200
			if v, ok := intArg(args, "max"); ok && v > 0 {
				limit = v
			}

			var entries []string
			walk := func(path string, entry fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if path == base {
					return nil
				}
				name := entry.Name()
				if !includeHidden && strings.HasPrefix(name, ".") {
					if entry.IsDir() {
						return fs.SkipDir
					}
					return nil
				}
				rel := res.relative(path)
				if entry.IsDir() {
					rel += "/"
					if !recursive {
						entries = append(entries, rel)
						if len(entries) >= limit {
							return fs.SkipAll
						}
						return fs.SkipDir
					}
				}
				entries = append(entries, rel)
				if len(entries) >= limit {
					return fs.SkipAll
				}
				return nil
			}
			if err := filepath.WalkDir(base, walk); err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "No files found.", nil
			}
			var b strings.Builder
			b.WriteString("Project files:")
			for _, item := range entries {
				b.WriteString("\n- " + item)
			}
			return b.String(), nil
		},
	}
}

func (d Deps) projectReadFileTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "project_read_file",
		Description: "Read a file from the local project directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":       map[string]any{"type": "string"},
				"start_line": map[string]any{"type": "integer"},
				"end_line":   map[string]any{"type": "integer"},
				"max_chars":  map[string]any{"type": "integer"},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pathArg := strings.TrimSpace(stringArg(args, "path"))
			if pathArg == "" {
				return "Provide a file path.", nil
			}
			res := d.projectResolver()
			path, err := res.resolve(pathArg)
			if err != nil {
				return err.Error(), nil
			}
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				return "File not found.", nil
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Sprintf("Read failed: %v", err), nil
			}
			content := string(raw)

			startLine, hasStart := intArg(args, "start_line")
			endLine, hasEnd := intArg(args, "end_line")
			if hasStart || hasEnd {
				lines := strings.Split(content, "\n")
				start := 0
				if hasStart && startLine > 1 {
					start = min(startLine-1, len(lines))
				}
				end := len(lines)
				if hasEnd && endLine < end {
					end = max(endLine, start)
				}
				content = strings.Join(lines[start:end], "\n")
			}

			maxChars := 4000
			if v, ok := intArg(args, "max_chars"); ok && v > 0 {
				maxChars = v
			}
			content = clipOnWord(content, maxChars)
			return fmt.Sprintf("File: %s\n\n%s", pathArg, content), nil
		},
	}
}

func (d Deps) projectSearchTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "project_search",
		Description: "Search for text in project files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":          map[string]any{"type": "string"},
				"path":           map[string]any{"type": "string"},
				"max_results":    map[string]any{"type": "integer"},
				"include_hidden": map[string]any{"type": "boolean"},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := stringArg(args, "query")
			if strings.TrimSpace(query) == "" {
				return "Provide a search query.", nil
			}
			res := d.projectResolver()
			base, err := res.resolve(stringArg(args, "path"))
			if err != nil {
				return err.Error(), nil
			}
			if _, err := os.Stat(base); err != nil {
				return "Path not found.", nil
			}
			includeHidden := boolArg(args, "include_hidden", false)
			limit := 40
			if v, ok := intArg(args, "max_results"); ok && v > 0 {
				limit = v
			}

			var results []string
			walk := func(path string, entry fs.DirEntry, err error) error {
				if err != nil || entry.IsDir() {
					if err == nil && entry.IsDir() && !includeHidden &&
						path != base && strings.HasPrefix(entry.Name(), ".") {
						return fs.SkipDir
					}
					return nil
				}
				if !includeHidden && strings.HasPrefix(entry.Name(), ".") {
					return nil
				}
				raw, err := os.ReadFile(path)
				if err != nil {
					return nil
				}
				if isBinary(raw) || !bytes.Contains(raw, []byte(query)) {
					return nil
				}
				rel := res.relative(path)
				for i, line := range strings.Split(string(raw), "\n") {
					if strings.Contains(line, query) {
						results = append(results, fmt.Sprintf("- %s:%d %s", rel, i+1, strings.TrimSpace(line)))
						if len(results) >= limit {
							return fs.SkipAll
						}
					}
				}
				return nil
			}
			if err := filepath.WalkDir(base, walk); err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "No matches found.", nil
			}
			return "Search results:\n" + strings.Join(results, "\n"), nil
		},
	}
}

func (d Deps) projectReplaceTool() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "project_replace",
		Description: "Replace text in a project file (targeted update).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":     map[string]any{"type": "string"},
				"old_text": map[string]any{"type": "string"},
				"new_text": map[string]any{"type": "string"},
				"count":    map[string]any{"type": "integer"},
			},
			"required": []string{"path", "old_text", "new_text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pathArg := strings.TrimSpace(stringArg(args, "path"))
			oldText := stringArg(args, "old_text")
			if pathArg == "" || oldText == "" {
				return "Provide path and old_text.", nil
			}
			newText := stringArg(args, "new_text")

			res := d.projectResolver()
			path, err := res.resolve(pathArg)
			if err != nil {
				return err.Error(), nil
			}
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				return "File not found.", nil
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Sprintf("Read failed: %v", err), nil
			}
			content := string(raw)
			total := strings.Count(content, oldText)
			if total == 0 {
				return "Text not found.", nil
			}
			replaced := total
			count, hasCount := intArg(args, "count")
			if hasCount && count > 0 && count < total {
				replaced = count
			} else {
				count = -1
			}
			updated := strings.Replace(content, oldText, newText, count)
			if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s.", replaced, pathArg), nil
		},
	}
}

// isBinary applies the null-byte sniff to the file head.
func isBinary(raw []byte) bool {
	head := raw
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.IndexByte(head, 0) >= 0
}

// clipOnWord truncates to limit characters on a word boundary.
func clipOnWord(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if i := strings.LastIndexAny(cut, " \n"); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
