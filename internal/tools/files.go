package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/taskloom/internal/docstore"
)

// File tools are thin wrappers over the session document store. The
// store enforces path normalization and escape checks; tools only shape
// the results.

type ReadFileTool struct {
	docs *docstore.Store
}

func NewReadFileTool(docs *docstore.Store) *ReadFileTool {
	return &ReadFileTool{docs: docs}
}

func (t *ReadFileTool) Name() string { return "readFile" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the session document store"
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Store-relative file path",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	if p == "" {
		return ErrorResult("path is required")
	}
	content, doc, err := t.docs.Read(p)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("file not found: %s", p))
		}
		return ErrorResult(err.Error())
	}
	return DataResult(map[string]interface{}{
		"content": content,
		"path":    doc.Path,
	})
}

type WriteFileTool struct {
	docs *docstore.Store
}

func NewWriteFileTool(docs *docstore.Store) *WriteFileTool {
	return &WriteFileTool{docs: docs}
}

func (t *WriteFileTool) Name() string { return "writeFile" }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file in the session document store"
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Store-relative file path",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	if p == "" {
		return ErrorResult("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}
	doc, err := t.docs.Write(p, content)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return DataResult(map[string]interface{}{
		"success": true,
		"path":    doc.Path,
		"version": doc.Version,
	})
}

// EditFileTool replaces the first occurrence of a search string. A
// missing file or an unmatched search both come back as errors so the
// model can re-read and retry.
type EditFileTool struct {
	docs *docstore.Store
}

func NewEditFileTool(docs *docstore.Store) *EditFileTool {
	return &EditFileTool{docs: docs}
}

func (t *EditFileTool) Name() string { return "editFile" }

func (t *EditFileTool) Description() string {
	return "Replace the first occurrence of a search string in a file"
}

func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Store-relative file path",
			},
			"search": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to find",
			},
			"replace": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "search", "replace"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	if p == "" {
		return ErrorResult("path is required")
	}
	search, _ := args["search"].(string)
	if search == "" {
		return ErrorResult("search is required")
	}
	replace, ok := args["replace"].(string)
	if !ok {
		return ErrorResult("replace is required")
	}

	content, _, err := t.docs.Read(p)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrorResult(fmt.Sprintf("file not found: %s", p))
		}
		return ErrorResult(err.Error())
	}
	idx := strings.Index(content, search)
	if idx < 0 {
		return ErrorResult(fmt.Sprintf("search text not found in %s", p))
	}
	edited := content[:idx] + replace + content[idx+len(search):]

	doc, err := t.docs.Write(p, edited)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return DataResult(map[string]interface{}{
		"success": true,
		"path":    doc.Path,
		"version": doc.Version,
	})
}

type ListFilesTool struct {
	docs *docstore.Store
}

func NewListFilesTool(docs *docstore.Store) *ListFilesTool {
	return &ListFilesTool{docs: docs}
}

func (t *ListFilesTool) Name() string { return "listFiles" }

func (t *ListFilesTool) Description() string {
	return "List all file paths in the session document store"
}

func (t *ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	docs := t.docs.List()
	paths := make([]string, 0, len(docs))
	for _, d := range docs {
		paths = append(paths, d.Path)
	}
	return DataResult(map[string]interface{}{"files": paths})
}
