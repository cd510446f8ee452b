package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/core"
)

var (
	// ErrOutsideRoot is returned for paths escaping the workspace root.
	ErrOutsideRoot = errors.New("fs: path outside workspace root")
	// ErrHidden is returned for paths filtered by the include/exclude globs.
	ErrHidden = errors.New("fs: path is excluded")
)

// File is the content of one workspace file.
type File struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("fs: invalid pattern %q: %w", pattern, err)
		}

		out = append(out, g)
	}

	return out, nil
}

// relative converts a user path to a clean slash separated path relative
// to the root.
func (p *Plugin) relative(path string) (string, error) {
	if path == "" {
		return "", errors.New("fs: empty path")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.root, abs)
	}

	rel, err := filepath.Rel(p.root, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	return filepath.ToSlash(rel), nil
}

// hidden reports whether rel is filtered out. Directories only consult the
// exclude globs.
func (p *Plugin) hidden(rel string, dir bool) bool {
	for _, g := range p.exclude {
		if g.Match(rel) {
			return true
		}
	}

	if dir || len(p.include) == 0 {
		return false
	}

	for _, g := range p.include {
		if g.Match(rel) {
			return false
		}
	}

	return true
}

func (p *Plugin) abs(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

func (p *Plugin) stat(rel string) (fs.FileInfo, error) {
	return os.Stat(p.abs(rel))
}

// read returns the bounded content of rel, served from the cache when
// possible.
func (p *Plugin) read(rel string) (File, error) {
	if p.hidden(rel, false) {
		return File{Path: rel}, fmt.Errorf("%w: %s", ErrHidden, rel)
	}

	if content, ok := p.cache.Get(rel); ok {
		return File{Path: rel, Content: content, Truncated: int64(len(content)) >= p.opts.MaxFileBytes}, nil
	}

	f, err := os.Open(p.abs(rel))
	if err != nil {
		return File{Path: rel}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return File{Path: rel}, err
	}

	if info.IsDir() {
		return File{Path: rel}, fmt.Errorf("fs: %s is a directory", rel)
	}

	raw, err := io.ReadAll(io.LimitReader(f, p.opts.MaxFileBytes))
	if err != nil {
		return File{Path: rel}, err
	}

	content := string(raw)
	p.cache.Add(rel, content)

	return File{Path: rel, Content: content, Truncated: info.Size() > p.opts.MaxFileBytes}, nil
}

// listFiles walks folder and returns the visible files in lexical order.
// limit < 1 means unlimited.
func (p *Plugin) listFiles(ctx context.Context, folder string, limit int) ([]string, error) {
	rel, err := p.relative(folder)
	if err != nil {
		return nil, err
	}

	var out []string

	errLimit := errors.New("limit reached")

	err = filepath.WalkDir(p.abs(rel), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		r, _ := filepath.Rel(p.root, path)
		r = filepath.ToSlash(r)

		if d.IsDir() {
			if r != "." && r != rel && p.hidden(r, true) {
				return filepath.SkipDir
			}

			return nil
		}

		if p.hidden(r, false) {
			return nil
		}

		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			return errLimit
		}

		return nil
	})

	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}

	return out, nil
}

// contextPrompt inlines the attached files.
func (p *Plugin) contextPrompt(_ context.Context, st State) (string, error) {
	var b strings.Builder

	for _, rel := range st.Files {
		f, err := p.read(rel)
		if err != nil {
			p.log.Warn("fs.context.skipped", "path", rel, "error", err.Error())
			continue
		}

		fmt.Fprintf(&b, "<file path=%q>\n%s\n</file>\n", f.Path, f.Content)
	}

	return b.String(), nil
}

type readFilesInput struct {
	Paths []string `json:"paths" jsonschema:"required,minItems=1,description=Workspace relative paths of the files to read"`
}

func (p *Plugin) readFilesAgent() agent.Agent {
	return agent.MustNew("read_files", "Read the content of workspace files by relative path.",
		func(ctx context.Context, in readFilesInput, ac *agent.Context) ([]File, error) {
			out := make([]File, 0, len(in.Paths))

			for _, path := range in.Paths {
				if err := ctx.Err(); err != nil {
					return nil, err
				}

				rel, err := p.relative(path)
				if err != nil {
					out = append(out, File{Path: path, Error: err.Error()})
					continue
				}

				f, err := p.read(rel)
				if err != nil {
					f.Error = err.Error()
				}

				out = append(out, f)
			}

			ac.Log().Debug("fs.read_files", "count", len(out))

			return out, nil
		})
}

// renderRead renders one log card per file read.
func renderRead(_ core.FunctionCall, record core.AgentRecord) []core.LogEntry {
	files, ok := record.Output.([]File)
	if !ok {
		return []core.LogEntry{core.NewLogEntry(ID, record.Name, map[string]any{"output": record.Output})}
	}

	out := make([]core.LogEntry, 0, len(files))
	for _, f := range files {
		e := core.NewLogEntry(ID, "Read "+f.Path, map[string]any{"path": f.Path, "truncated": f.Truncated})
		if f.Error != "" {
			e.IsError = true
			e.Fields["error"] = f.Error
		}

		out = append(out, e)
	}

	return out
}
