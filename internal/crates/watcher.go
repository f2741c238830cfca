package crates

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the crate cache whenever Serato (or anything else)
// rewrites a file in the Subcrates directory. Blocks until ctx is done;
// returns immediately if the directory cannot be watched.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		s.log.Debug().Err(err).Str("dir", s.dir).Msg("subcrates directory not watchable")
		return err
	}
	s.log.Info().Str("dir", s.dir).Msg("watching subcrates directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, crateExt) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(ev.Name), crateExt)
			s.Invalidate(Slug(name))
			s.log.Debug().Str("crate", name).Str("op", ev.Op.String()).Msg("crate cache invalidated")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("crate watcher error")
		}
	}
}
