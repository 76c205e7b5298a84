package archive

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/lk2023060901/zeus-plugin/pkg/clock"
	"github.com/lk2023060901/zeus-plugin/pkg/logger"
	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
)

var fields = logger.KV

// Store 管理插件归档：事务性增删改、代际替换与资源读取。
// 写操作由 writeMu 串行化，读操作并发执行。
type Store struct {
	backend   Backend
	logger    logger.Logger
	clock     clock.Clock
	scanLimit int

	writeMu sync.Mutex
	opened  atomic.Bool
}

// Option 配置 Store。
type Option func(*Store)

// WithLogger 设置日志记录器。
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		s.logger = logger.OrNop(l)
	}
}

// WithClock 设置时钟。
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithScanLimit 设置打开时并行检查制品的最大并发数。
func WithScanLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanLimit = n
		}
	}
}

// NewStore 基于给定后端创建 Store，需调用 Open 后使用。
func NewStore(b Backend, opts ...Option) *Store {
	s := &Store{
		backend:   b,
		logger:    logger.Nop(),
		clock:     clock.Real(),
		scanLimit: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open 打开后端并整理存量记录：清除墓碑与残留代，重新导入已过期的制品。
func (s *Store) Open(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opened.Load() {
		return nil
	}
	if err := s.backend.Open(ctx); err != nil {
		return err
	}
	if err := s.reconcile(ctx); err != nil {
		_ = s.backend.Close()
		return err
	}
	s.opened.Store(true)
	s.logger.Info("archive store opened", fields("backend", s.backend.Name())...)
	return nil
}

// Close 关闭存储。
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.opened.CompareAndSwap(true, false) {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) checkOpen(op string) error {
	if !s.opened.Load() {
		return storeError(NotOpen, op, nil)
	}
	return nil
}

// Insert 读取制品并以新 id 写入第一代归档。
func (s *Store) Insert(ctx context.Context, location, localPath string) (*Archive, error) {
	if err := s.checkOpen("insert"); err != nil {
		return nil, err
	}
	art, err := ReadArtifact(localPath)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, err := s.nextID(ctx)
	if err != nil {
		return nil, err
	}
	a := s.newArchive(id, 1, location, localPath, art)
	a.Autostart = AutostartStopped
	if err := s.put(ctx, a, art); err != nil {
		return nil, err
	}
	s.logger.Debug("archive inserted", fields("id", a.ID, "location", location)...)
	return a, nil
}

// InsertGeneration 为已有归档写入新一代，旧代保持生效直到 CommitGeneration。
func (s *Store) InsertGeneration(ctx context.Context, id int64, localPath string) (*Archive, error) {
	if err := s.checkOpen("insert generation"); err != nil {
		return nil, err
	}
	art, err := ReadArtifact(localPath)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	gens, err := s.generations(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(gens) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "archive %d", id)
	}
	cur := gens[0]
	a := s.newArchive(id, gens[len(gens)-1].Generation+1, cur.Location, localPath, art)
	a.StartLevel = cur.StartLevel
	a.Autostart = cur.Autostart
	if err := s.put(ctx, a, art); err != nil {
		return nil, err
	}
	s.logger.Debug("archive generation inserted", fields("id", id, "generation", a.Generation)...)
	return a, nil
}

// CommitGeneration 原子地删除 key 之前的所有代，使 key 成为当前代。
func (s *Store) CommitGeneration(ctx context.Context, key Key) error {
	if err := s.checkOpen("commit generation"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	gens, err := s.generations(ctx, key.ID)
	if err != nil {
		return err
	}
	var older []int64
	found := false
	for _, g := range gens {
		switch {
		case g.Generation < key.Generation:
			older = append(older, g.Generation)
		case g.Generation == key.Generation:
			found = true
		}
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "archive %d generation %d", key.ID, key.Generation)
	}
	if len(older) == 0 {
		return nil
	}
	return s.backend.Drop(ctx, key.ID, older...)
}

// Purge 删除指定代，用于回滚失败的安装或更新。
func (s *Store) Purge(ctx context.Context, key Key) error {
	if err := s.checkOpen("purge"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.backend.Drop(ctx, key.ID, key.Generation)
}

// Remove 删除归档的全部代。
func (s *Store) Remove(ctx context.Context, id int64) error {
	if err := s.checkOpen("remove"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.backend.Drop(ctx, id)
}

// Tombstone 将归档标记为已卸载，下次 Open 时物理删除。
func (s *Store) Tombstone(ctx context.Context, id int64) error {
	level := TombstoneStartLevel
	return s.update(ctx, "tombstone", id, RowUpdate{StartLevel: &level})
}

// SetStartLevel 持久化启动级别。
func (s *Store) SetStartLevel(ctx context.Context, id int64, level int) error {
	return s.update(ctx, "set start level", id, RowUpdate{StartLevel: &level})
}

// SetAutostart 持久化自启动设置。
func (s *Store) SetAutostart(ctx context.Context, id int64, a Autostart) error {
	return s.update(ctx, "set autostart", id, RowUpdate{Autostart: &a})
}

func (s *Store) update(ctx context.Context, op string, id int64, u RowUpdate) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.backend.Update(ctx, id, u)
}

// Archives 返回所有生效归档的当前代（按 id 升序），跳过墓碑。
// 清单无法解码的归档不会中断读取，而是带上 LoadErr 返回。
func (s *Store) Archives(ctx context.Context) ([]*Archive, error) {
	if err := s.checkOpen("archives"); err != nil {
		return nil, err
	}
	rows, err := s.backend.Rows(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Archive
	for _, a := range currentGenerations(rows) {
		if a.Tombstoned() {
			continue
		}
		if err := s.loadHeaders(ctx, a); err != nil {
			if !errors.Is(err, ErrFileCorrupt) {
				return nil, err
			}
			s.logger.Warn("archive manifest unreadable", fields("id", a.ID, "location", a.Location, "error", err.Error())...)
			a.Headers, a.LoadErr = manifest.Headers{}, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Archive 返回指定 id 的当前代。
func (s *Store) Archive(ctx context.Context, id int64) (*Archive, error) {
	if err := s.checkOpen("archive"); err != nil {
		return nil, err
	}
	gens, err := s.generations(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(gens) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "archive %d", id)
	}
	a := gens[0]
	if err := s.loadHeaders(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Resource 读取某代归档中的资源。
func (s *Store) Resource(ctx context.Context, key Key, path string) ([]byte, error) {
	if err := s.checkOpen("resource"); err != nil {
		return nil, err
	}
	return s.backend.Resource(ctx, key, cleanResourcePath(path))
}

// ResourceList 返回 dir 下的直接子项，子目录以 "/" 结尾。
func (s *Store) ResourceList(ctx context.Context, key Key, dir string) ([]string, error) {
	if err := s.checkOpen("resource list"); err != nil {
		return nil, err
	}
	paths, err := s.backend.ResourcePaths(ctx, key)
	if err != nil {
		return nil, err
	}
	return listChildren(paths, dir), nil
}

// FindResources 返回 dir 下基名匹配 pattern 的资源路径。
func (s *Store) FindResources(ctx context.Context, key Key, dir, pattern string, recurse bool) ([]string, error) {
	if err := s.checkOpen("find resources"); err != nil {
		return nil, err
	}
	paths, err := s.backend.ResourcePaths(ctx, key)
	if err != nil {
		return nil, err
	}
	return findMatching(paths, dir, pattern, recurse)
}

// loadHeaders 按制品读取时的顺序解析持久化的清单文件，保持原始字节不变。
func (s *Store) loadHeaders(ctx context.Context, a *Archive) error {
	for _, candidate := range manifest.Files {
		data, err := s.backend.Resource(ctx, a.Key(), candidate)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		h, err := manifest.Parse(candidate, data)
		if err != nil {
			return storeError(FileCorrupt, "load manifest", err)
		}
		a.Headers = h
		return nil
	}
	a.Headers = manifest.Headers{}
	return nil
}

// generations 返回 id 的所有代，按代升序。
func (s *Store) generations(ctx context.Context, id int64) ([]*Archive, error) {
	rows, err := s.backend.Rows(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Archive
	for _, a := range rows {
		if a.ID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (s *Store) nextID(ctx context.Context) (int64, error) {
	rows, err := s.backend.Rows(ctx)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, a := range rows {
		if a.ID > max {
			max = a.ID
		}
	}
	return max + 1, nil
}

func (s *Store) newArchive(id, generation int64, location, localPath string, art *Artifact) *Archive {
	return &Archive{
		ID:           id,
		Generation:   generation,
		Location:     location,
		LocalPath:    localPath,
		SymbolicName: art.Headers.Get(manifest.SymbolicName),
		Version:      art.Headers.Get(manifest.Version),
		LastModified: art.LastModified,
		Timestamp:    s.clock.Now(),
		StartLevel:   1,
		Headers:      art.Headers,
	}
}

// put 写入归档及制品内的全部资源，清单文件原样保存。
func (s *Store) put(ctx context.Context, a *Archive, art *Artifact) error {
	return s.backend.Put(ctx, a, art.Resources)
}

// currentGenerations 为每个 id 选出最低代（已提交的那一代），按 id 升序。
func currentGenerations(rows []*Archive) []*Archive {
	byID := make(map[int64]*Archive)
	for _, a := range rows {
		if cur, ok := byID[a.ID]; !ok || a.Generation < cur.Generation {
			byID[a.ID] = a
		}
	}
	out := make([]*Archive, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
