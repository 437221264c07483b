package catalog

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the catalog whenever the override file changes. It returns
// once the watcher is installed; reloads happen in the background until the
// context is cancelled. A reload failure keeps the previous table.
func (c *Catalog) Watch(ctx context.Context, path string, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := c.LoadFile(path); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("catalog reload failed, keeping previous table")
					continue
				}
				log.Info().Str("path", path).Msg("catalog reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("catalog watcher error")
			}
		}
	}()
	return nil
}
