// Package loader reads chronicle configuration into nested maps.
//
// Files are TOML or YAML, chosen by extension. Environment variables with
// the CHRONICLE_ prefix are mapped onto the same dotted paths so every
// source can be merged with DeepMerge before decoding.
package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for a config file whose extension names
// no known format.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Loader is a source of settings. A source that does not exist yields a
// nil map and no error.
type Loader interface {
	Load() (map[string]any, error)
}

// FileSystem is the file access a File needs.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

type osFS struct{}

func (osFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// OS reads from the host file system.
var OS FileSystem = osFS{}

// Format decodes one configuration document. source names the document in
// errors.
type Format struct {
	Name   string
	decode func(source string, data []byte) (map[string]any, error)
}

// Supported formats.
var (
	TOML = Format{Name: "toml", decode: parseTOML}
	YAML = Format{Name: "yaml", decode: parseYAML}
)

var formatsByExt = map[string]Format{
	".toml": TOML,
	".yaml": YAML,
	".yml":  YAML,
}

// Decode parses a whole document held in memory.
func (f Format) Decode(source string, data []byte) (map[string]any, error) {
	return f.decode(source, data)
}

// Read parses a document from r.
func (f Format) Read(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s config: %w", f.Name, err)
	}
	return f.decode("<reader>", data)
}

// File is a Loader for one configuration file.
type File struct {
	fsys   FileSystem
	path   string
	format Format
}

// NewFile returns a loader reading path from fsys as format.
func NewFile(fsys FileSystem, path string, format Format) *File {
	return &File{fsys: fsys, path: path, format: format}
}

// ForPath returns a loader for path, picking the format by extension.
func ForPath(fsys FileSystem, path string) (*File, error) {
	format, ok := formatsByExt[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return NewFile(fsys, path, format), nil
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// Format returns the file format.
func (f *File) Format() Format { return f.format }

// Load reads and decodes the file. A missing file yields nil, nil.
func (f *File) Load() (map[string]any, error) {
	data, err := f.fsys.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", f.path, err)
	}
	return f.format.decode(f.path, data)
}

// ParseError reports a malformed configuration document. Line and Column
// are 1-based and zero when unknown.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Path)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&b, ":%d", e.Column)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// DeepMerge overlays src on dst and returns dst, allocating it if nil.
// Nested maps merge key by key; any other value from src replaces the one
// in dst. Maps taken from src are copied, so later changes to src do not
// leak into the result.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		sub, isMap := v.(map[string]any)
		if !isMap {
			dst[k] = v
			continue
		}
		existing, _ := dst[k].(map[string]any)
		dst[k] = DeepMerge(existing, sub)
	}
	return dst
}

// GetByPath looks up a dotted path such as "agent.command".
func GetByPath(m map[string]any, path string) (any, bool) {
	head, rest, nested := strings.Cut(path, ".")
	v, ok := m[head]
	if !ok || !nested {
		return v, ok
	}
	sub, isMap := v.(map[string]any)
	if !isMap {
		return nil, false
	}
	return GetByPath(sub, rest)
}

// SetByPath stores value at a dotted path, replacing any non-map value
// that stands where a section is needed.
func SetByPath(m map[string]any, path string, value any) {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		m[head] = value
		return
	}
	sub, isMap := m[head].(map[string]any)
	if !isMap {
		sub = make(map[string]any)
		m[head] = sub
	}
	SetByPath(sub, rest, value)
}
