// Package layout owns the base/todo and base/done directory convention: it
// creates the tree, maps input paths to their mirrored output paths and
// discovers the PDFs waiting to be processed.
package layout

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	TodoDir = "todo"
	DoneDir = "done"
)

// StagingPrefix starts the hidden in-progress output files written under done.
// Their names end in .part-<id>, never .pdf, so discovery cannot pick them up.
const StagingPrefix = "."

// Tree is a base directory with its todo and done subtrees, all absolute.
type Tree struct {
	Base string
	Todo string
	Done string
}

// Job is one input file and where its searchable copy goes.
type Job struct {
	InputPath  string
	OutputPath string
	RelPath    string // relative to Tree.Todo, used in logs
}

// InvalidLayoutError reports a path that is not below the root it should be under.
type InvalidLayoutError struct {
	Path string
	Root string
}

func (e *InvalidLayoutError) Error() string {
	return fmt.Sprintf("invalid layout: %s is not under %s", e.Path, e.Root)
}

// EnsureTree creates base, base/todo and base/done if they are missing.
func EnsureTree(base string) (Tree, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return Tree{}, fmt.Errorf("resolve base %q: %w", base, err)
	}
	t := Tree{
		Base: abs,
		Todo: filepath.Join(abs, TodoDir),
		Done: filepath.Join(abs, DoneDir),
	}
	for _, dir := range []string{t.Base, t.Todo, t.Done} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Tree{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return t, nil
}

// Mirror replaces the todoRoot prefix of input with doneRoot. Only the root
// boundary is substituted; "todo" appearing deeper in the path is kept.
func Mirror(input, todoRoot, doneRoot string) (string, error) {
	rel, err := relBelow(input, todoRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Clean(doneRoot), rel), nil
}

// Unmirror is the inverse of Mirror.
func Unmirror(output, todoRoot, doneRoot string) (string, error) {
	rel, err := relBelow(output, doneRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Clean(todoRoot), rel), nil
}

// relBelow returns path relative to root, failing unless path is strictly inside root.
func relBelow(path, root string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return "", &InvalidLayoutError{Path: path, Root: root}
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", &InvalidLayoutError{Path: path, Root: root}
	}
	return rel, nil
}

// IsPDFName reports whether name has a .pdf extension, any case.
func IsPDFName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// Discover walks t.Todo and returns a Job for every PDF below it, hidden files
// and symlinks to regular files included. Unreadable sub-directories are
// logged and skipped. The result is sorted by RelPath.
func Discover(t Tree) ([]Job, error) {
	var jobs []Job
	err := filepath.WalkDir(t.Todo, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == t.Todo {
				return err
			}
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsPDFName(d.Name()) {
			return nil
		}
		if !isRegularFile(path, d) {
			log.Warn().Str("path", path).Msg("skipping PDF name that is not a regular file")
			return nil
		}
		out, merr := Mirror(path, t.Todo, t.Done)
		if merr != nil {
			log.Error().Err(merr).Str("path", path).Msg("cannot mirror path")
			return nil
		}
		rel, _ := filepath.Rel(t.Todo, path)
		jobs = append(jobs, Job{InputPath: path, OutputPath: out, RelPath: rel})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", t.Todo, err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RelPath < jobs[j].RelPath })
	return jobs, nil
}

// isRegularFile follows symlinks; WalkDir itself does not.
func isRegularFile(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
