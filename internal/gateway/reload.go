package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/Mschirtzinger/lofi/internal/actions"
	"github.com/Mschirtzinger/lofi/internal/authstore"
	"github.com/Mschirtzinger/lofi/internal/schema"
)

// ApplySchema migrates db to next and swaps in its actions. next must be an
// additive evolution of the schema currently served; on any error the
// running registry is left in place.
func (s *Server) ApplySchema(ctx context.Context, db *authstore.DB, next *schema.Schema) error {
	if cur := s.Registry(); cur != nil {
		if err := schema.CheckEvolution(cur.Schema(), next); err != nil {
			return err
		}
	}
	if err := db.Migrate(ctx, next); err != nil {
		return err
	}
	reg, err := actions.Generate(db.RawDB(), next)
	if err != nil {
		return err
	}
	s.SetRegistry(reg)
	s.logger.Printf("Serving schema version %d (%d sync tables)", next.Version, len(reg.Tables()))
	return nil
}

// WatchSchema reloads the schema file at path whenever it changes, until ctx
// is cancelled. Rejected revisions are logged and the previous schema keeps
// serving.
func (s *Server) WatchSchema(ctx context.Context, db *authstore.DB, path string, debounce time.Duration) error {
	w, err := schema.NewWatcher(path, debounce)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to watch schema: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case next, ok := <-w.Changes():
				if !ok {
					return
				}
				if err := s.ApplySchema(ctx, db, next); err != nil {
					s.logger.Printf("Warning: ignoring schema change: %v", err)
				}
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				s.logger.Printf("Warning: schema watcher: %v", err)
			}
		}
	}()
	return nil
}
