package registry

import (
	"context"

	"github.com/basket/clawmesh/internal/config"
)

// Watch reloads the store whenever another process rewrites the registry
// file. Writes made by this store are recognised by content hash and
// skipped. Watch returns once the watcher is running; it stops with ctx.
func (s *Store) Watch(ctx context.Context) error {
	w := config.NewWatcher(s.logger, s.path)
	if err := w.Start(ctx); err != nil {
		return err
	}
	go func() {
		for ev := range w.Events() {
			changed, err := s.Reload()
			if err != nil {
				s.logger.Warn("registry reload failed, keeping current agents", "path", ev.Path, "error", err)
				continue
			}
			if changed {
				s.logger.Debug("registry reload applied", "op", ev.Op.String())
			}
		}
	}()
	return nil
}
