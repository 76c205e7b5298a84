package framework

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lk2023060901/zeus-plugin/pkg/archive"
	"github.com/lk2023060901/zeus-plugin/pkg/clock"
	"github.com/lk2023060901/zeus-plugin/pkg/logger"
	"github.com/lk2023060901/zeus-plugin/pkg/module"
)

var fields = logger.KV

const (
	// ModuleID 是框架作为宿主模块时的标识。
	ModuleID = "plugin-framework"
	// Version 是框架版本。
	Version = "1.0.0"

	// PropertyUUID 是框架实例 UUID 的属性名。
	PropertyUUID = "framework.uuid"
	// PropertyVersion 是框架版本的属性名。
	PropertyVersion = "framework.version"
)

var _ module.Module = (*Framework)(nil)

// Framework 是一个插件运行时实例：持有注册表与归档存储，负责解析、
// 批量启动与停止。多个实例可以并存，互不共享状态。
type Framework struct {
	cfg        Config
	logger     logger.Logger
	clock      clock.Clock
	loader     Loader
	services   ServiceRegistry
	registerer prometheus.Registerer
	metrics    *metrics
	events     *dispatcher
	uuid       string
	properties map[string]string

	store     *archive.Store
	ownsStore bool
	registry  *Registry
	resolveMu sync.Mutex

	// lifecycleMu 串行化 Init 与 Stop，mu 只保护状态标志。
	lifecycleMu sync.Mutex
	mu          sync.Mutex
	initialized bool
	started     bool
}

// Option 配置 Framework。
type Option func(*Framework)

// WithLogger 设置日志记录器。
func WithLogger(l logger.Logger) Option {
	return func(f *Framework) {
		f.logger = logger.OrNop(l)
	}
}

// WithClock 设置时钟。
func WithClock(c clock.Clock) Option {
	return func(f *Framework) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithLoader 设置激活入口加载器，默认为空的 StaticLoader。
func WithLoader(l Loader) Option {
	return func(f *Framework) {
		if l != nil {
			f.loader = l
		}
	}
}

// WithServiceRegistry 设置服务注册表。
func WithServiceRegistry(s ServiceRegistry) Option {
	return func(f *Framework) {
		if s != nil {
			f.services = s
		}
	}
}

// WithStore 使用外部创建的存储，框架不负责关闭它。
func WithStore(s *archive.Store) Option {
	return func(f *Framework) {
		f.store = s
	}
}

// WithRegisterer 将生命周期指标注册到 reg。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(f *Framework) {
		f.registerer = reg
	}
}

// New 创建框架实例，需调用 Init 或 Start 后使用。
func New(cfg Config, opts ...Option) (*Framework, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Framework{
		cfg:      cfg,
		logger:   logger.Nop(),
		clock:    clock.Real(),
		loader:   NewStaticLoader(),
		services: nopServices{},
		uuid:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(f)
	}
	m, err := newMetrics(f.registerer)
	if err != nil {
		return nil, err
	}
	f.metrics = m
	f.events = newDispatcher(f.logger, f.clock.Now)
	f.registry = newRegistry(f)

	f.properties = make(map[string]string, len(cfg.Properties)+2)
	for k, v := range cfg.Properties {
		f.properties[k] = v
	}
	f.properties[PropertyUUID] = f.uuid
	f.properties[PropertyVersion] = Version
	return f, nil
}

// ID 实现 module.Module。
func (f *Framework) ID() string { return ModuleID }

// Version 实现 module.Module。
func (f *Framework) Version() string { return Version }

// Requires 实现 module.Module。
func (f *Framework) Requires() []string { return nil }

// UUID 返回实例 UUID。
func (f *Framework) UUID() string { return f.uuid }

// Property 读取框架属性。
func (f *Framework) Property(key string) string { return f.properties[key] }

// Properties 返回全部框架属性的副本。
func (f *Framework) Properties() map[string]string {
	out := make(map[string]string, len(f.properties))
	for k, v := range f.properties {
		out[k] = v
	}
	return out
}

// Config 返回生效的配置。
func (f *Framework) Config() Config { return f.cfg }

// Registry 返回插件注册表。
func (f *Framework) Registry() *Registry { return f.registry }

// Store 返回归档存储，Init 之前为 nil。
func (f *Framework) Store() *archive.Store { return f.store }

// Init 打开归档存储并从中重建插件。
func (f *Framework) Init(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if f.isInitialized() {
		return nil
	}

	if f.store == nil {
		s, err := archive.Open(ctx, f.cfg.Storage, archive.WithLogger(f.logger), archive.WithClock(f.clock))
		if err != nil {
			return err
		}
		f.store, f.ownsStore = s, true
	} else if err := f.store.Open(ctx); err != nil {
		return err
	}

	if err := f.registry.Load(ctx); err != nil {
		_ = f.closeStore()
		return err
	}
	f.mu.Lock()
	f.initialized = true
	f.mu.Unlock()
	f.logger.Info("plugin framework initialized", fields("uuid", f.uuid, "plugins", len(f.registry.All()))...)
	return nil
}

// Start 初始化框架并按 (启动级别, id) 顺序启动持久化为自启动的插件。
// 单个插件启动失败只会被报告。
func (f *Framework) Start(ctx context.Context) error {
	if err := f.Init(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()

	if f.cfg.Autostart {
		f.autostart(ctx)
	}
	f.events.frameworkEvent(FrameworkStarted, nil, nil)
	f.logger.Info("plugin framework started", fields("uuid", f.uuid, "active", len(f.registry.ActivePlugins()))...)
	return nil
}

func (f *Framework) autostart(ctx context.Context) {
	var list []*Plugin
	for _, p := range f.registry.All() {
		if p.Autostart() != archive.AutostartStopped {
			list = append(list, p)
		}
	}
	sortByStartLevel(list)
	if err := f.resolve(ctx, list...); err != nil {
		f.logger.Warn("autostart resolve failed", fields("error", err.Error())...)
	}
	for _, p := range list {
		if !p.State().In(StatesResolved) {
			continue
		}
		opts := []StartOption{StartTransient()}
		if p.Autostart() == archive.AutostartEager {
			opts = append(opts, StartEager())
		}
		if err := p.Start(ctx, opts...); err != nil && !errors.Is(err, ErrActivator) && !errors.Is(err, ErrResolve) {
			f.reportError(p, err)
		}
	}
}

// Stop 按启动顺序的逆序停止所有运行中的插件，不改变其自启动设置，
// 随后关闭框架打开的存储。此后已有的插件句柄失效，可再次 Init。
func (f *Framework) Stop(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()
	if !f.isInitialized() {
		return nil
	}

	active := f.registry.ActivePlugins()
	sortByStartLevel(active)
	var errs error
	for i := len(active) - 1; i >= 0; i-- {
		if err := active[i].Stop(ctx, StopTransient()); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	f.mu.Lock()
	f.started = false
	f.initialized = false
	f.mu.Unlock()

	f.events.frameworkEvent(FrameworkStopped, nil, errs)
	f.registry.reset()
	if err := f.closeStore(); err != nil {
		errs = errors.Join(errs, err)
	}
	f.logger.Info("plugin framework stopped", fields("uuid", f.uuid)...)
	return errs
}

func (f *Framework) closeStore() error {
	if !f.ownsStore {
		return nil
	}
	return f.store.Close()
}

func (f *Framework) isInitialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

func (f *Framework) checkInit() error {
	if !f.isInitialized() {
		return errNotInitialized
	}
	return nil
}

// Install 安装插件，见 Registry.Install。
func (f *Framework) Install(ctx context.Context, location, localPath string) (*Plugin, error) {
	if err := f.checkInit(); err != nil {
		return nil, err
	}
	return f.registry.Install(ctx, location, localPath)
}

// Plugin 按 id 查找插件。
func (f *Framework) Plugin(id int64) *Plugin { return f.registry.Plugin(id) }

// Plugins 返回全部插件，按 id 升序。
func (f *Framework) Plugins() []*Plugin { return f.registry.All() }

// ResolvePlugins 解析给定插件；未指定时解析全部处于 Installed 的插件。
func (f *Framework) ResolvePlugins(ctx context.Context, plugins ...*Plugin) error {
	if err := f.checkInit(); err != nil {
		return err
	}
	if len(plugins) == 0 {
		plugins = f.registry.All()
	}
	return f.resolve(ctx, plugins...)
}

// StartPlugins 见 Registry.StartPlugins。
func (f *Framework) StartPlugins(ctx context.Context, plugins []*Plugin, opts ...StartOption) error {
	if err := f.checkInit(); err != nil {
		return err
	}
	return f.registry.StartPlugins(ctx, plugins, opts...)
}

// AddListener 注册插件事件监听器。
func (f *Framework) AddListener(l Listener) { f.events.addListener(l) }

// RemoveListener 注销插件事件监听器。l 须可比较，函数监听器应以指针注册。
func (f *Framework) RemoveListener(l Listener) { f.events.removeListener(l) }

// AddFrameworkListener 注册框架事件监听器，错误报告也通过它投递。
func (f *Framework) AddFrameworkListener(l FrameworkListener) { f.events.addFrameworkListener(l) }

// RemoveFrameworkListener 注销框架事件监听器。
func (f *Framework) RemoveFrameworkListener(l FrameworkListener) {
	f.events.removeFrameworkListener(l)
}

// reportError 将错误写入日志并投递给框架监听器。
func (f *Framework) reportError(p *Plugin, err error) {
	fs := fields("error", err.Error())
	if p != nil {
		fs = append(fs, fields("plugin_id", p.ID(), "location", p.Location())...)
	}
	f.logger.Error("plugin framework error", fs...)
	f.events.frameworkEvent(FrameworkError, p, err)
}

func sortByStartLevel(list []*Plugin) {
	sort.SliceStable(list, func(i, j int) bool {
		li, lj := list[i].StartLevel(), list[j].StartLevel()
		if li != lj {
			return li < lj
		}
		return list[i].ID() < list[j].ID()
	})
}
