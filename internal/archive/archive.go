// Package archive stores the raw view responses of both backends, one
// directory per request, so later passes can work offline.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/funnyzak/viewaudit/pkg/request"
)

// File names inside each request directory.
const (
	ProdFile = "prod.json"
	NewFile  = "new.json"
)

const jsonIndent = "    "

// FilesystemError wraps a failed archive read or write.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// Entry is one archived request.
type Entry struct {
	Dir    string
	View   string
	Params request.Params
}

// Path returns the location of the named backend file.
func (e Entry) Path(file string) string {
	return filepath.Join(e.Dir, file)
}

// Archive is rooted at a directory on disk.
type Archive struct {
	root string
}

// New returns an archive rooted at dir.
func New(dir string) *Archive {
	return &Archive{root: dir}
}

// Root returns the archive directory.
func (a *Archive) Root() string {
	return a.root
}

// Dir returns the directory that holds the responses for req.
func (a *Archive) Dir(req *request.ExtractedRequest) string {
	return filepath.Join(a.root, req.ArchiveKey())
}

// Store writes both raw bodies for req, pretty-printed. The directory is
// created when missing and existing files are overwritten.
func (a *Archive) Store(req *request.ExtractedRequest, prodBody, newBody []byte) (string, error) {
	dir := a.Dir(req)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}
	for name, body := range map[string][]byte{ProdFile: prodBody, NewFile: newBody} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, indent(body), 0o644); err != nil {
			return "", &FilesystemError{Op: "write", Path: path, Err: err}
		}
	}
	return dir, nil
}

func indent(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", jsonIndent); err != nil {
		return body
	}
	return buf.Bytes()
}

// Entries lists every archived request that has a file named file, sorted
// by directory name.
func (a *Archive) Entries(file string) ([]Entry, error) {
	pattern := filepath.Join(a.root, "**", file)
	matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, &FilesystemError{Op: "glob", Path: pattern, Err: err}
	}
	sort.Strings(matches)

	entries := make([]Entry, 0, len(matches))
	for _, match := range matches {
		dir := filepath.Dir(match)
		rel, err := filepath.Rel(a.root, dir)
		if err != nil {
			continue
		}
		view, rawQuery, found := strings.Cut(filepath.ToSlash(rel), "?")
		if !found || view == "" || strings.Contains(view, "/") {
			continue
		}
		entries = append(entries, Entry{
			Dir:    dir,
			View:   view,
			Params: request.ParseParams(rawQuery),
		})
	}
	return entries, nil
}

// Read returns the contents of one archived file.
func (a *Archive) Read(entry Entry, file string) ([]byte, error) {
	path := entry.Path(file)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FilesystemError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}
