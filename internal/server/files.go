package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/omochice/moon-chat/internal/api"
)

// MaxFileSize is the largest file served as text.
const MaxFileSize = 1 << 20

var (
	ErrNotFound     = errors.New("not found")
	ErrNotDir       = errors.New("not a directory")
	ErrIsDir        = errors.New("is a directory")
	ErrExists       = errors.New("already exists")
	ErrAccessDenied = errors.New("access denied")
	ErrInvalid      = errors.New("invalid request")
)

var allowedExtensions = []string{
	".txt", ".md", ".json", ".yaml", ".yml", ".csv",
	".py", ".js", ".ts", ".jsx", ".tsx", ".go", ".html", ".css",
	".sh", ".sql", ".toml", ".ipynb",
}

// FileService manages the workspace directory. Every path is resolved
// inside the workspace root; paths that would leave it are refused.
type FileService struct {
	root *os.Root
}

// OpenFileService opens dir as the workspace root, creating it if needed.
func OpenFileService(dir string) (*FileService, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	return &FileService{root: root}, nil
}

// Close releases the workspace root.
func (s *FileService) Close() error {
	return s.root.Close()
}

// resolve turns a workspace path such as "/docs/a.md" into a name
// relative to the root. The root itself is ".".
func resolve(p string) (string, error) {
	rel := path.Clean(strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/"))
	if rel == "." {
		return ".", nil
	}
	name := filepath.FromSlash(rel)
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: path traversal detected", ErrAccessDenied)
	}
	return name, nil
}

func workspacePath(rel string) string {
	if rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func node(rel string, info fs.FileInfo) api.FileNode {
	n := api.FileNode{
		Name:     info.Name(),
		Path:     workspacePath(rel),
		Type:     api.NodeFolder,
		Modified: info.ModTime(),
	}
	if !info.IsDir() {
		size := info.Size()
		n.Type = api.NodeFile
		n.Size = &size
		n.Extension = filepath.Ext(info.Name())
	}
	return n
}

func (s *FileService) stat(rel, p string) (fs.FileInfo, error) {
	info, err := s.root.Stat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// List returns the entries of the directory at p, folders first and then
// by case-insensitive name.
func (s *FileService) List(p string) ([]api.FileNode, error) {
	rel, err := resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := s.stat(rel, p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, p)
	}

	dir, err := s.root.Open(rel)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	nodes := make([]api.FileNode, 0, len(entries))
	for _, e := range entries {
		if e.Name() == ".gitkeep" {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		nodes = append(nodes, node(filepath.Join(rel, e.Name()), fi))
	}

	slices.SortFunc(nodes, func(a, b api.FileNode) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return nodes, nil
}

// CreateFile writes a new file, creating missing parent folders.
func (s *FileService) CreateFile(p, content string) (api.FileNode, error) {
	rel, err := resolve(p)
	if err != nil {
		return api.FileNode{}, err
	}
	if rel == "." {
		return api.FileNode{}, fmt.Errorf("%w: %s", ErrExists, p)
	}
	if _, err := s.root.Stat(rel); err == nil {
		return api.FileNode{}, fmt.Errorf("%w: %s", ErrExists, p)
	}
	if ext := filepath.Ext(rel); !slices.Contains(allowedExtensions, strings.ToLower(ext)) {
		return api.FileNode{}, fmt.Errorf("%w: file extension not allowed: %q", ErrInvalid, ext)
	}

	if parent := filepath.Dir(rel); parent != "." {
		if err := s.root.MkdirAll(parent, 0o755); err != nil {
			return api.FileNode{}, fmt.Errorf("failed to create parent folder: %w", err)
		}
	}
	if err := s.root.WriteFile(rel, []byte(content), 0o644); err != nil {
		return api.FileNode{}, fmt.Errorf("failed to write file: %w", err)
	}

	info, err := s.stat(rel, p)
	if err != nil {
		return api.FileNode{}, err
	}
	return node(rel, info), nil
}

// CreateFolder creates a folder and any missing parents.
func (s *FileService) CreateFolder(p string) (api.FileNode, error) {
	rel, err := resolve(p)
	if err != nil {
		return api.FileNode{}, err
	}
	if _, err := s.root.Stat(rel); err == nil {
		return api.FileNode{}, fmt.Errorf("%w: %s", ErrExists, p)
	}
	if err := s.root.MkdirAll(rel, 0o755); err != nil {
		return api.FileNode{}, fmt.Errorf("failed to create folder: %w", err)
	}

	info, err := s.stat(rel, p)
	if err != nil {
		return api.FileNode{}, err
	}
	return node(rel, info), nil
}

// Read returns the text of the file at p. Files larger than MaxFileSize
// or not valid UTF-8 are refused.
func (s *FileService) Read(p string) (api.FileContent, error) {
	data, rel, err := s.readRaw(p)
	if err != nil {
		return api.FileContent{}, err
	}
	if !utf8.Valid(data) {
		return api.FileContent{}, fmt.Errorf("%w: file is not a valid UTF-8 text file", ErrInvalid)
	}
	return api.FileContent{
		Path:     workspacePath(rel),
		Content:  string(data),
		Encoding: "utf-8",
		Size:     int64(len(data)),
	}, nil
}

// ReadRaw returns the bytes of the file at p, subject to MaxFileSize.
func (s *FileService) ReadRaw(p string) ([]byte, error) {
	data, _, err := s.readRaw(p)
	return data, err
}

func (s *FileService) readRaw(p string) ([]byte, string, error) {
	rel, err := resolve(p)
	if err != nil {
		return nil, "", err
	}
	info, err := s.stat(rel, p)
	if err != nil {
		return nil, "", err
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	if info.Size() > MaxFileSize {
		return nil, "", fmt.Errorf("%w: file too large: %d bytes (limit: %d)", ErrInvalid, info.Size(), MaxFileSize)
	}
	data, err := s.root.ReadFile(rel)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	return data, rel, nil
}

// Delete removes the file or folder at p. The workspace root cannot be
// deleted.
func (s *FileService) Delete(p string) (api.DeleteResult, error) {
	rel, err := resolve(p)
	if err != nil {
		return api.DeleteResult{}, err
	}
	if rel == "." {
		return api.DeleteResult{}, fmt.Errorf("%w: cannot delete workspace root", ErrAccessDenied)
	}
	if _, err := s.stat(rel, p); err != nil {
		return api.DeleteResult{}, err
	}
	if err := s.root.RemoveAll(rel); err != nil {
		return api.DeleteResult{Path: p, Message: err.Error()}, fmt.Errorf("failed to delete: %w", err)
	}
	return api.DeleteResult{Success: true, Path: p, Message: "Item deleted successfully"}, nil
}
