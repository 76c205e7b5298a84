package archive

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// reconcile 在打开时整理存量记录，调用方持有 writeMu。
func (s *Store) reconcile(ctx context.Context) error {
	rows, err := s.backend.Rows(ctx)
	if err != nil {
		return err
	}

	// 墓碑：上次运行中已卸载的归档。
	dropped := make(map[int64]struct{})
	for _, a := range rows {
		if !a.Tombstoned() {
			continue
		}
		if _, ok := dropped[a.ID]; ok {
			continue
		}
		if err := s.backend.Drop(ctx, a.ID); err != nil {
			return err
		}
		dropped[a.ID] = struct{}{}
		s.logger.Info("purged uninstalled archive", fields("id", a.ID, "location", a.Location)...)
	}

	// 中断的更新留下的高代记录。
	var current []*Archive
	for _, cur := range currentGenerations(rows) {
		if _, ok := dropped[cur.ID]; ok {
			continue
		}
		var orphans []int64
		for _, a := range rows {
			if a.ID == cur.ID && a.Generation != cur.Generation {
				orphans = append(orphans, a.Generation)
			}
		}
		if len(orphans) > 0 {
			if err := s.backend.Drop(ctx, cur.ID, orphans...); err != nil {
				return err
			}
			s.logger.Warn("dropped uncommitted archive generations", fields("id", cur.ID, "generations", orphans)...)
		}
		current = append(current, cur)
	}

	stale, err := s.scanStale(ctx, current)
	if err != nil {
		return err
	}
	for _, old := range stale {
		if err := s.reinsert(ctx, old); err != nil {
			return err
		}
	}
	return nil
}

// scanStale 并行检查制品修改时间，返回比记录更新的归档。
// 制品缺失时保留缓存记录。
func (s *Store) scanStale(ctx context.Context, current []*Archive) ([]*Archive, error) {
	marks := make([]bool, len(current))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.scanLimit)
	for i, a := range current {
		if a.LocalPath == "" {
			continue
		}
		g.Go(func() error {
			mt, err := ModTime(a.LocalPath)
			if err != nil {
				if os.IsNotExist(err) {
					s.logger.Warn("plugin artifact missing, keeping cached archive", fields("id", a.ID, "path", a.LocalPath)...)
					return nil
				}
				s.logger.Warn("stat plugin artifact failed", fields("id", a.ID, "path", a.LocalPath, "error", err)...)
				return nil
			}
			marks[i] = mt.After(a.LastModified)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []*Archive
	for i, a := range current {
		if marks[i] {
			out = append(out, a)
		}
	}
	return out, nil
}

// reinsert 以新 id 重新导入过期制品，成功后删除旧记录，id 不会被复用。
func (s *Store) reinsert(ctx context.Context, old *Archive) error {
	art, err := ReadArtifact(old.LocalPath)
	if err != nil {
		s.logger.Warn("re-read stale artifact failed, keeping cached archive", fields("id", old.ID, "path", old.LocalPath, "error", err)...)
		return nil
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}
	a := s.newArchive(id, 1, old.Location, old.LocalPath, art)
	a.StartLevel = old.StartLevel
	a.Autostart = old.Autostart
	if err := s.put(ctx, a, art); err != nil {
		return errors.Wrapf(err, "reinsert archive %d", old.ID)
	}
	if err := s.backend.Drop(ctx, old.ID); err != nil {
		return err
	}
	s.logger.Info("reinstalled modified plugin artifact", fields("old_id", old.ID, "id", id, "location", old.Location)...)
	return nil
}
