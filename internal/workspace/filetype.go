package workspace

import (
	"path"
	"strings"
)

// FileType is the viewer category of a workspace file.
type FileType string

const (
	TypeCode     FileType = "code"
	TypeMarkdown FileType = "markdown"
	TypeImage    FileType = "image"
	TypeText     FileType = "text"
	TypeUnknown  FileType = "unknown"
)

var fileTypes = map[string]FileType{
	"ts": TypeCode, "tsx": TypeCode, "js": TypeCode, "jsx": TypeCode,
	"py": TypeCode, "go": TypeCode, "java": TypeCode, "cpp": TypeCode,
	"c": TypeCode, "h": TypeCode, "css": TypeCode, "scss": TypeCode,
	"html": TypeCode, "json": TypeCode, "xml": TypeCode, "yaml": TypeCode,
	"yml": TypeCode,

	"md": TypeMarkdown, "markdown": TypeMarkdown,

	"png": TypeImage, "jpg": TypeImage, "jpeg": TypeImage, "gif": TypeImage,
	"svg": TypeImage, "webp": TypeImage, "bmp": TypeImage,

	"txt": TypeText,
}

var languages = map[string]string{
	"ts": "typescript", "tsx": "typescript",
	"js": "javascript", "jsx": "javascript",
	"py":   "python",
	"go":   "go",
	"json": "json",
	"html": "html",
	"css":  "css",
	"scss": "scss",
	"xml":  "xml",
	"yaml": "yaml", "yml": "yaml",
	"md":  "markdown",
	"txt": "plaintext",
	"c":   "c", "h": "c",
	"cpp":  "cpp",
	"java": "java",
}

func extension(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// TypeOf classifies name by its extension.
func TypeOf(name string) FileType {
	if t, ok := fileTypes[extension(name)]; ok {
		return t
	}
	return TypeUnknown
}

// Language returns the syntax highlighting language for name, or
// "plaintext".
func Language(name string) string {
	if lang, ok := languages[extension(name)]; ok {
		return lang
	}
	return "plaintext"
}
