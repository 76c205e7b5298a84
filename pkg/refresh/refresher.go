package refresh

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"

	"github.com/lk2023060901/zeus-plugin/pkg/archive"
	"github.com/lk2023060901/zeus-plugin/pkg/conc"
	"github.com/lk2023060901/zeus-plugin/pkg/framework"
	"github.com/lk2023060901/zeus-plugin/pkg/logger"
	"github.com/lk2023060901/zeus-plugin/pkg/service"
)

var fields = logger.KV

// ServiceID 是刷新服务在宿主应用中的标识。
const ServiceID = "plugin-refresh"

var _ service.Service = (*Refresher)(nil)

// Framework 是刷新服务依赖的框架能力。
type Framework interface {
	Plugins() []*framework.Plugin
	AddListener(framework.Listener)
	RemoveListener(framework.Listener)
}

// Stats 刷新统计
type Stats struct {
	Sweeps   int64
	Updates  int64
	Failures int64
}

// Refresher 检测制品变化并更新对应插件：cron 定期巡检，
// fsnotify 监听制品目录，更新在协程池中执行并按策略重试。
// 巡检使用阻塞的协程池；监听事件使用非阻塞的协程池，池满时丢弃，由下次巡检补上。
type Refresher struct {
	cfg       Config
	fw        Framework
	logger    logger.Logger
	retryable func(error) bool

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	pool    *conc.Pool[bool]
	events  *conc.Pool[bool]
	watcher *watcher
	ctx     context.Context
	cancel  context.CancelFunc

	stateMu  sync.Mutex
	inflight map[int64]struct{}
	// failed 记录更新失败时的制品修改时间，制品未再变化时不重复尝试。
	failed map[int64]time.Time

	sweeps   atomic.Int64
	updates  atomic.Int64
	failures atomic.Int64
}

// Option 配置 Refresher。
type Option func(*Refresher)

// WithLogger 设置日志记录器
func WithLogger(l logger.Logger) Option {
	return func(r *Refresher) {
		r.logger = logger.OrNop(l)
	}
}

// WithRetryable 设置判断错误是否值得重试的函数
func WithRetryable(fn func(error) bool) Option {
	return func(r *Refresher) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// New 创建刷新服务
func New(cfg Config, fw Framework, opts ...Option) (*Refresher, error) {
	if fw == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "framework is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Refresher{
		cfg:       cfg,
		fw:        fw,
		logger:    logger.Nop(),
		retryable: Retryable,
		inflight:  make(map[int64]struct{}),
		failed:    make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retryable 是默认的重试判定：插件忙或制品暂时不可读时重试。
func Retryable(err error) bool {
	return errors.Is(err, framework.ErrBusy) || errors.Is(err, framework.ErrRead)
}

// ID 实现 service.Service。
func (r *Refresher) ID() string { return ServiceID }

// Requires 实现 service.Service。
func (r *Refresher) Requires() []string { return []string{framework.ModuleID} }

// Init 实现 service.Service。
func (r *Refresher) Init(context.Context) error { return r.cfg.Validate() }

// Start 启动定期巡检与目录监听。
func (r *Refresher) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.pool = r.newPool()
	r.events = r.newPool(conc.WithNonBlocking(true))

	if r.cfg.Spec != "" {
		loc, err := r.cfg.location()
		if err != nil {
			r.abortStart()
			return errors.Wrapf(ErrInvalidConfig, "invalid timezone %q: %v", r.cfg.Timezone, err)
		}
		c := cron.New(
			cron.WithLocation(loc),
			cron.WithParser(r.cfg.parser()),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		)
		if _, err := c.AddFunc(r.cfg.Spec, r.scheduledSweep); err != nil {
			r.abortStart()
			return errors.Wrapf(err, "schedule sweep %q", r.cfg.Spec)
		}
		c.Start()
		r.cron = c
	}

	if r.cfg.Watch {
		w, err := newWatcher(r.cfg.Debounce, r.logger, r.artifactChanged)
		if err != nil {
			if r.cron != nil {
				r.cron.Stop()
				r.cron = nil
			}
			r.abortStart()
			return err
		}
		w.start()
		r.watcher = w
		r.fw.AddListener(r)
		w.sync(watchDirs(r.fw.Plugins()))
	}

	r.running = true
	r.logger.Info("plugin refresh started", fields("spec", r.cfg.Spec, "watch", r.cfg.Watch, "workers", r.pool.Cap())...)
	return nil
}

func (r *Refresher) newPool(opts ...conc.PoolOption) *conc.Pool[bool] {
	opts = append(opts, conc.WithExpiryDuration(r.cfg.WorkerIdle))
	return conc.NewPool[bool](r.cfg.Workers, opts...)
}

func (r *Refresher) abortStart() {
	r.cancel()
	r.pool.Release()
	r.events.Release()
	r.pool, r.events = nil, nil
}

// Stop 停止巡检与监听，等待进行中的巡检结束或 ctx 取消。
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	c, w, pool, events, cancel := r.cron, r.watcher, r.pool, r.events, r.cancel
	r.cron, r.watcher, r.pool, r.events = nil, nil, nil, nil
	r.mu.Unlock()

	if w != nil {
		r.fw.RemoveListener(r)
		w.stop()
	}
	cancel()
	var err error
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	pool.Release()
	events.Release()
	r.logger.Info("plugin refresh stopped")
	return err
}

// Running 返回服务是否在运行。
func (r *Refresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stats 返回累计统计。
func (r *Refresher) Stats() Stats {
	return Stats{Sweeps: r.sweeps.Load(), Updates: r.updates.Load(), Failures: r.failures.Load()}
}

func (r *Refresher) scheduledSweep() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("sweep panicked", fields("panic", rec)...)
		}
	}()
	start := time.Now()
	n, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("sweep failed", fields("updated", n, "duration", time.Since(start), "error", err.Error())...)
		return
	}
	r.logger.Debug("sweep completed", fields("updated", n, "duration", time.Since(start))...)
}

// Sweep 检查所有插件的制品，更新修改时间晚于已安装版本的插件，
// 返回成功更新的数量。未启动时使用临时协程池。
func (r *Refresher) Sweep(ctx context.Context) (int, error) {
	r.sweeps.Inc()
	pool, release := r.acquirePool()
	defer release()

	var (
		futures []*conc.Future[bool]
		errs    error
	)
	for _, p := range r.fw.Plugins() {
		if !r.shouldRefresh(p) {
			continue
		}
		f, err := pool.Submit(func() (bool, error) { return r.refresh(ctx, p) })
		if err != nil {
			errs = errors.Join(errs, errors.Wrapf(err, "refresh plugin %d", p.ID()))
			continue
		}
		futures = append(futures, f)
	}
	updated := 0
	for _, f := range futures {
		ok, err := f.Await()
		if ok {
			updated++
		}
		if err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return updated, errs
}

// Refresh 立即检查并更新单个插件，返回是否执行了更新。
func (r *Refresher) Refresh(ctx context.Context, p *framework.Plugin) (bool, error) {
	if !r.shouldRefresh(p) {
		return false, nil
	}
	return r.refresh(ctx, p)
}

func (r *Refresher) acquirePool() (*conc.Pool[bool], func()) {
	r.mu.Lock()
	pool := r.pool
	r.mu.Unlock()
	if pool != nil {
		return pool, func() {}
	}
	pool = r.newPool()
	return pool, pool.Release
}

// Stale 判断插件制品的修改时间是否晚于已安装的版本。
func Stale(p *framework.Plugin) (bool, time.Time, error) {
	if p.State() == framework.StateUninstalled {
		return false, time.Time{}, nil
	}
	mt, err := archive.ModTime(p.LocalPath())
	if err != nil {
		return false, time.Time{}, err
	}
	return mt.After(p.LastModified()), mt, nil
}

func (r *Refresher) shouldRefresh(p *framework.Plugin) bool {
	stale, mt, err := Stale(p)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("plugin artifact missing", fields("plugin_id", p.ID(), "path", p.LocalPath())...)
		} else {
			r.logger.Warn("stat plugin artifact failed", fields("plugin_id", p.ID(), "error", err.Error())...)
		}
		return false
	}
	if !stale {
		return false
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if last, ok := r.failed[p.ID()]; ok && last.Equal(mt) {
		return false
	}
	return true
}

func (r *Refresher) refresh(ctx context.Context, p *framework.Plugin) (bool, error) {
	id := p.ID()
	r.stateMu.Lock()
	if _, busy := r.inflight[id]; busy {
		r.stateMu.Unlock()
		r.logger.Debug("plugin refresh skipped, still running", fields("plugin_id", id)...)
		return false, nil
	}
	r.inflight[id] = struct{}{}
	r.stateMu.Unlock()
	defer func() {
		r.stateMu.Lock()
		delete(r.inflight, id)
		r.stateMu.Unlock()
	}()

	// 并发的刷新可能已完成更新。
	stale, mt, err := Stale(p)
	if err != nil || !stale {
		return false, nil
	}

	retry := newRetrier(r.cfg.Retry, r.retryable)
	err = retry.do(ctx, func() error {
		return p.Update(ctx, "")
	}, func(attempt int, err error, wait time.Duration) {
		r.logger.Warn("plugin refresh retry", fields(
			"plugin_id", id,
			"attempt", attempt,
			"backoff", wait,
			"error", err.Error(),
		)...)
	})

	r.stateMu.Lock()
	if err != nil {
		r.failed[id] = mt
	} else {
		delete(r.failed, id)
	}
	r.stateMu.Unlock()

	if err != nil {
		r.failures.Inc()
		r.logger.Error("plugin refresh failed", fields("plugin_id", id, "path", p.LocalPath(), "error", err.Error())...)
		return false, errors.Wrapf(err, "refresh plugin %d", id)
	}
	r.updates.Inc()
	r.logger.Info("plugin refreshed", fields("plugin_id", id, "symbolic_name", p.SymbolicName(), "version", p.Version().String())...)
	return true, nil
}

// PluginChanged 在插件安装、更新或卸载后同步监听目录。
func (r *Refresher) PluginChanged(e framework.Event) {
	switch e.Type {
	case framework.EventInstalled, framework.EventUpdated, framework.EventUninstalled:
		r.syncWatches()
	}
}

func (r *Refresher) syncWatches() {
	r.mu.Lock()
	w := r.watcher
	r.mu.Unlock()
	if w == nil {
		return
	}
	w.sync(watchDirs(r.fw.Plugins()))
}

// watchDirs 返回需要监听的目录：制品所在目录，目录制品本身也监听。
func watchDirs(plugins []*framework.Plugin) []string {
	seen := make(map[string]struct{})
	var dirs []string
	add := func(d string) {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			dirs = append(dirs, d)
		}
	}
	for _, p := range plugins {
		if p.State() == framework.StateUninstalled {
			continue
		}
		lp, err := filepath.Abs(p.LocalPath())
		if err != nil {
			continue
		}
		add(filepath.Dir(lp))
		if info, err := os.Stat(lp); err == nil && info.IsDir() {
			add(lp)
		}
	}
	return dirs
}

// artifactChanged 由监听器在防抖后调用，异步刷新受影响的插件。
func (r *Refresher) artifactChanged(path string) {
	r.mu.Lock()
	events, ctx := r.events, r.ctx
	r.mu.Unlock()
	if events == nil {
		return
	}
	for _, p := range r.fw.Plugins() {
		if !affects(p.LocalPath(), path) || !r.shouldRefresh(p) {
			continue
		}
		if _, err := events.Submit(func() (bool, error) { return r.refresh(ctx, p) }); err != nil {
			r.logger.Warn("artifact change dropped", fields("plugin_id", p.ID(), "path", path, "error", err.Error())...)
		}
	}
}

// affects 判断 path 上的变化是否影响位于 localPath 的制品。
func affects(localPath, path string) bool {
	lp, err := filepath.Abs(localPath)
	if err != nil {
		return false
	}
	path = filepath.Clean(path)
	if path == lp {
		return true
	}
	rel, err := filepath.Rel(lp, path)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && !startsWithParent(rel)
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
