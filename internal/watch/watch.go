// Package watch re-runs a pass over the todo tree whenever PDFs show up in it.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/layout"
)

// Loop runs pass once, then again each time new PDFs settle below root for
// debounce. Passes never overlap; events seen during a pass schedule one more.
// It returns when ctx is done.
func Loop(ctx context.Context, root string, debounce time.Duration, pass func(context.Context)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := addTree(w, root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	if debounce <= 0 {
		debounce = time.Second
	}

	pass(ctx)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	arm := func() {
		if armed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(debounce)
		armed = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if e.Has(fsnotify.Create) && isDir(e.Name) {
				if err := addTree(w, e.Name); err != nil {
					log.Warn().Err(err).Str("dir", e.Name).Msg("cannot watch new directory")
				}
				arm()
				continue
			}
			if layout.IsPDFName(e.Name) && (e.Has(fsnotify.Create) || e.Has(fsnotify.Write)) {
				log.Debug().Str("file", e.Name).Str("op", e.Op.String()).Msg("todo changed")
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				arm()
			}
		case <-timer.C:
			armed = false
			pass(ctx)
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			log.Warn().Err(err).Str("path", path).Msg("skipping unwatchable path")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
