package framework

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/archive"
	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
	"github.com/lk2023060901/zeus-plugin/pkg/version"
)

// Plugin 是一个已安装插件：生命周期状态机、清单元数据与依赖列表。
// 生命周期方法在调用方 goroutine 上同步执行，同一插件上的操作由操作令牌串行化。
type Plugin struct {
	fw       *Framework
	id       int64
	location string

	mu        sync.Mutex
	state     State
	op        Operation
	opChanged chan struct{}
	archive   *archive.Archive
	manifest  *manifest.Manifest
	activator Activator
	pctx      *Context
	// lazy 表示已进入 Starting、等待首次使用时激活。
	lazy bool
}

func newPlugin(fw *Framework, a *archive.Archive) (*Plugin, error) {
	p := &Plugin{
		fw:        fw,
		id:        a.ID,
		location:  a.Location,
		state:     StateInstalled,
		opChanged: make(chan struct{}),
		archive:   a.Clone(),
	}
	m, err := manifest.Validate(a.Headers)
	if err != nil {
		return nil, newPluginError(KindManifest, p, err, "invalid manifest")
	}
	p.manifest = m
	return p, nil
}

// ID 返回插件 id，更新后保持不变。
func (p *Plugin) ID() int64 { return p.id }

// Location 返回安装位置。
func (p *Plugin) Location() string { return p.location }

// SymbolicName 返回符号名。
func (p *Plugin) SymbolicName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest == nil {
		return ""
	}
	return p.manifest.SymbolicName
}

// Version 返回插件版本。
func (p *Plugin) Version() version.Version {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest == nil {
		return version.Empty
	}
	return p.manifest.Version
}

// State 返回当前生命周期状态。
func (p *Plugin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Headers 返回清单头部副本。
func (p *Plugin) Headers() manifest.Headers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest.Headers.Clone()
}

// Requires 返回依赖声明。
func (p *Plugin) Requires() []manifest.RequirePlugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]manifest.RequirePlugin(nil), p.manifest.Requires...)
}

// Lazy 判断清单是否声明了延迟激活。
func (p *Plugin) Lazy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest.Lazy
}

// StartLevel 返回启动级别。
func (p *Plugin) StartLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archive.StartLevel
}

// Autostart 返回持久化的自启动设置。
func (p *Plugin) Autostart() archive.Autostart {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archive.Autostart
}

// LastModified 返回制品的修改时间。
func (p *Plugin) LastModified() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archive.LastModified
}

// LocalPath 返回当前代制品的本地路径。
func (p *Plugin) LocalPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archive.LocalPath
}

// Generation 返回当前归档代。
func (p *Plugin) Generation() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archive.Generation
}

func (p *Plugin) String() string {
	return fmt.Sprintf("%s_%s [%d]", p.SymbolicName(), p.Version(), p.id)
}

func (p *Plugin) key() archive.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.archive.Key()
}

// setState 在插件锁内提交状态并入队事件，mutate 在同一临界区内执行。
func (p *Plugin) setState(to State, evt EventType, mutate func()) error {
	p.mu.Lock()
	from := p.state
	if !canTransition(from, to) {
		p.mu.Unlock()
		return newPluginError(KindStateChange, p, nil, "illegal transition %s -> %s", from, to)
	}
	p.state = to
	if mutate != nil {
		mutate()
	}
	if evt != 0 {
		p.fw.events.postPlugin(evt, p)
	}
	p.mu.Unlock()
	p.fw.events.drain()

	p.fw.metrics.transition(from, to)
	p.fw.logger.Debug("plugin state changed", fields("plugin_id", p.id, "location", p.location, "from", from.String(), "to", to.String())...)
	return nil
}

func (p *Plugin) emit(evt EventType) {
	p.fw.events.pluginChanged(evt, p)
}

// StartOption 调整 Start 的行为。
type StartOption func(*startOptions)

type startOptions struct {
	eager     bool
	transient bool
}

// StartEager 忽略延迟激活策略，立即调用激活入口。
func StartEager() StartOption {
	return func(o *startOptions) { o.eager = true }
}

// StartTransient 不持久化自启动设置。
func StartTransient() StartOption {
	return func(o *startOptions) { o.transient = true }
}

// StopOption 调整 Stop 的行为。
type StopOption func(*stopOptions)

type stopOptions struct {
	transient bool
}

// StopTransient 不持久化自启动设置。
func StopTransient() StopOption {
	return func(o *stopOptions) { o.transient = true }
}

// Start 解析依赖并启动插件。已处于 Active 时直接返回。
func (p *Plugin) Start(ctx context.Context, opts ...StartOption) error {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	switch p.State() {
	case StateUninstalled:
		return illegalState(p, "cannot start an uninstalled plugin")
	case StateActive:
		return nil
	case StateStopping:
		return newPluginError(KindStateChange, p, nil, "start requested while stopping")
	}
	if inActivation(ctx, p.id) {
		return nil
	}
	if err := p.beginOperation(ctx, OpActivating, p.fw.cfg.WaitTimeout); err != nil {
		return err
	}
	defer p.endOperation()
	return p.start(withActivation(ctx, p.id), o)
}

// start 在持有令牌时执行启动。
func (p *Plugin) start(ctx context.Context, o startOptions) error {
	st := p.State()
	switch st {
	case StateUninstalled:
		return illegalState(p, "cannot start an uninstalled plugin")
	case StateActive:
		return nil
	}
	if !o.transient {
		auto := archive.AutostartDeclared
		if o.eager {
			auto = archive.AutostartEager
		}
		if err := p.persistAutostart(ctx, auto); err != nil {
			return err
		}
	}
	if st == StateInstalled {
		if err := p.fw.resolve(ctx, p); err != nil {
			return err
		}
		if p.State() != StateResolved {
			return newPluginError(KindResolve, p, nil, "plugin is %s after resolve", p.State())
		}
	}

	p.mu.Lock()
	lazy, pending := p.manifest.Lazy, p.lazy
	p.mu.Unlock()
	if !o.eager {
		if pending {
			return nil
		}
		if lazy {
			return p.setState(StateStarting, EventLazyActivation, func() { p.lazy = true })
		}
	}
	return p.activate(ctx)
}

// activate 依次启动强制依赖、加载并调用激活入口，失败时回退到 Resolved。
func (p *Plugin) activate(ctx context.Context) error {
	begin := time.Now()
	p.mu.Lock()
	wasLazy := p.lazy
	p.lazy = false
	p.mu.Unlock()

	if wasLazy {
		p.emit(EventStarting)
	} else if err := p.setState(StateStarting, EventStarting, nil); err != nil {
		return err
	}

	if err := p.startRequirements(ctx); err != nil {
		p.unwind()
		p.fw.reportError(p, err)
		return err
	}

	a, err := p.loadActivator(ctx)
	if err == nil && a != nil {
		pctx := newContext(ctx, p)
		err = p.callActivator("start", func() error { return a.Start(pctx) })
		if err == nil {
			p.mu.Lock()
			p.activator, p.pctx = a, pctx
			p.mu.Unlock()
		}
	}
	if err != nil {
		err = newPluginError(KindActivator, p, err, "activator start failed")
		p.unwind()
		p.fw.reportError(p, err)
		return err
	}

	if err := p.setState(StateActive, EventStarted, nil); err != nil {
		return err
	}
	p.fw.metrics.observeStart(time.Since(begin))
	p.fw.logger.Info("plugin started", fields("plugin_id", p.id, "symbolic_name", p.SymbolicName(), "version", p.Version().String())...)
	return nil
}

func (p *Plugin) startRequirements(ctx context.Context) error {
	for _, req := range p.Requires() {
		if req.IsOptional() {
			continue
		}
		dep := p.fw.registry.provider(req)
		if dep == nil {
			return newPluginError(KindResolve, p, nil, "requirement %s is not resolved", req)
		}
		if dep == p {
			continue
		}
		if err := dep.Start(ctx, StartTransient()); err != nil {
			return newPluginError(KindActivator, p, err, "requirement %s failed to start", req)
		}
	}
	return nil
}

func (p *Plugin) loadActivator(ctx context.Context) (Activator, error) {
	p.mu.Lock()
	req := LoadRequest{
		PluginID:     p.id,
		SymbolicName: p.manifest.SymbolicName,
		LocalPath:    p.archive.LocalPath,
		Headers:      p.manifest.Headers.Clone(),
	}
	p.mu.Unlock()
	a, err := p.fw.loader.Load(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "load activator")
	}
	return a, nil
}

func (p *Plugin) callActivator(phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("activator %s panicked: %v", phase, r)
		}
	}()
	return fn()
}

// unwind 将启动失败的插件回退到 Resolved。
func (p *Plugin) unwind() {
	_ = p.setState(StateStopping, EventStopping, nil)
	p.releaseServices()
	_ = p.setState(StateResolved, EventStopped, func() {
		p.activator, p.pctx = nil, nil
	})
}

func (p *Plugin) releaseServices() {
	p.fw.services.UnregisterServices(p)
	p.fw.services.UngetServices(p)
}

// EnsureActivated 在首次使用时激活处于延迟启动中的插件。
func (p *Plugin) EnsureActivated(ctx context.Context) error {
	switch st := p.State(); st {
	case StateActive:
		return nil
	case StateUninstalled:
		return illegalState(p, "cannot activate an uninstalled plugin")
	case StateStarting:
	default:
		return newPluginError(KindInvalidOperation, p, nil, "plugin is %s", st)
	}
	if inActivation(ctx, p.id) {
		return nil
	}
	if err := p.beginOperation(ctx, OpActivating, p.fw.cfg.WaitTimeout); err != nil {
		return err
	}
	defer p.endOperation()

	p.mu.Lock()
	st, pending := p.state, p.lazy
	p.mu.Unlock()
	if st == StateActive {
		return nil
	}
	if st != StateStarting || !pending {
		return newPluginError(KindInvalidOperation, p, nil, "plugin is %s", st)
	}
	return p.activate(withActivation(ctx, p.id))
}

// Stop 停止插件，结束时处于 Resolved。
func (p *Plugin) Stop(ctx context.Context, opts ...StopOption) error {
	var o stopOptions
	for _, opt := range opts {
		opt(&o)
	}
	if p.State() == StateUninstalled {
		return illegalState(p, "cannot stop an uninstalled plugin")
	}
	if err := p.beginOperation(ctx, OpDeactivating, p.fw.cfg.WaitTimeout); err != nil {
		return err
	}
	defer p.endOperation()

	if p.State() == StateUninstalled {
		return illegalState(p, "cannot stop an uninstalled plugin")
	}
	if !o.transient {
		if err := p.persistAutostart(ctx, archive.AutostartStopped); err != nil {
			return err
		}
	}
	return p.stop()
}

// stop 在持有令牌时执行停止，未启动时直接返回。
func (p *Plugin) stop() error {
	if !p.State().In(StatesRunning) {
		return nil
	}
	begin := time.Now()
	p.mu.Lock()
	a, pctx := p.activator, p.pctx
	p.mu.Unlock()

	if err := p.setState(StateStopping, EventStopping, func() { p.lazy = false }); err != nil {
		return err
	}
	var err error
	if a != nil {
		if err = p.callActivator("stop", func() error { return a.Stop(pctx) }); err != nil {
			err = newPluginError(KindActivator, p, err, "activator stop failed")
			p.fw.reportError(p, err)
		}
	}
	p.releaseServices()
	if serr := p.setState(StateResolved, EventStopped, func() { p.activator, p.pctx = nil, nil }); serr != nil {
		return serr
	}
	p.fw.metrics.observeStop(time.Since(begin))
	p.fw.logger.Info("plugin stopped", fields("plugin_id", p.id, "symbolic_name", p.SymbolicName())...)
	return err
}

// Update 用 localPath 处的制品替换插件；localPath 为空时重新读取当前制品。
// 失败时清除新代并恢复原有运行状态。
func (p *Plugin) Update(ctx context.Context, localPath string) error {
	if p.State() == StateUninstalled {
		return illegalState(p, "cannot update an uninstalled plugin")
	}
	if err := p.beginOperation(ctx, OpUpdating, p.fw.cfg.WaitTimeout); err != nil {
		return err
	}
	defer p.endOperation()
	ctx = withActivation(ctx, p.id)

	st := p.State()
	if st == StateUninstalled {
		return illegalState(p, "cannot update an uninstalled plugin")
	}
	p.mu.Lock()
	prevName := p.manifest.SymbolicName
	wasLazy := p.lazy
	if localPath == "" {
		localPath = p.archive.LocalPath
	}
	p.mu.Unlock()

	wasRunning := st.In(StatesRunning)
	wasResolved := st.In(StatesResolved)
	restart := startOptions{eager: !wasLazy, transient: true}

	if wasRunning {
		if err := p.stop(); err != nil {
			p.fw.logger.Warn("stop before update failed", fields("plugin_id", p.id, "error", err.Error())...)
		}
	}
	restore := func() {
		if !wasRunning {
			return
		}
		if err := p.start(ctx, restart); err != nil {
			p.fw.logger.Warn("restart after failed update failed", fields("plugin_id", p.id, "error", err.Error())...)
		}
	}

	next, err := p.fw.store.InsertGeneration(ctx, p.id, localPath)
	if err != nil {
		restore()
		return newPluginError(KindRead, p, err, "read %s", localPath)
	}
	m, err := manifest.Validate(next.Headers)
	if err != nil {
		p.purge(ctx, next.Key())
		restore()
		return newPluginError(KindManifest, p, err, "invalid manifest in %s", localPath)
	}
	if other := p.fw.registry.PluginByNameVersion(m.SymbolicName, m.Version); other != nil && other != p {
		p.purge(ctx, next.Key())
		restore()
		return newPluginError(KindDuplicate, p, nil, "%s %s is already installed as plugin %d", m.SymbolicName, m.Version, other.ID())
	}
	if err := p.fw.store.CommitGeneration(ctx, next.Key()); err != nil {
		p.purge(ctx, next.Key())
		restore()
		return err
	}

	swap := func() {
		p.archive = next.Clone()
		p.manifest = m
	}
	if wasResolved {
		err = p.setState(StateInstalled, EventUnresolved, swap)
	} else {
		err = p.setState(StateInstalled, 0, swap)
	}
	if err != nil {
		return err
	}
	p.fw.registry.rename(p, prevName)
	p.emit(EventUpdated)
	p.fw.metrics.updated()
	p.fw.logger.Info("plugin updated", fields("plugin_id", p.id, "generation", next.Generation, "version", m.Version.String())...)

	if wasRunning {
		return p.start(ctx, restart)
	}
	return nil
}

func (p *Plugin) purge(ctx context.Context, key archive.Key) {
	if err := p.fw.store.Purge(ctx, key); err != nil {
		p.fw.logger.Warn("purge unused generation failed", fields("plugin_id", p.id, "generation", key.Generation, "error", err.Error())...)
	}
}

// Uninstall 停止插件、标记归档为墓碑并从注册表移除。
func (p *Plugin) Uninstall(ctx context.Context) error {
	if p.State() == StateUninstalled {
		return illegalState(p, "plugin already uninstalled")
	}
	if err := p.beginOperation(ctx, OpUninstalling, p.fw.cfg.UninstallTimeout); err != nil {
		return err
	}
	defer p.endOperation()

	if p.State() == StateUninstalled {
		return illegalState(p, "plugin already uninstalled")
	}
	if p.State().In(StatesRunning) {
		if err := p.stop(); err != nil {
			p.fw.logger.Warn("stop before uninstall failed", fields("plugin_id", p.id, "error", err.Error())...)
		}
	}
	if err := p.fw.store.Tombstone(ctx, p.id); err != nil {
		return err
	}
	p.fw.registry.remove(p)
	if err := p.setState(StateUninstalled, EventUninstalled, func() {
		p.archive.StartLevel = archive.TombstoneStartLevel
	}); err != nil {
		return err
	}
	p.fw.logger.Info("plugin uninstalled", fields("plugin_id", p.id, "location", p.location)...)
	return nil
}

// Resolve 解析插件依赖，已解析时直接返回。
func (p *Plugin) Resolve(ctx context.Context) error {
	switch p.State() {
	case StateUninstalled:
		return illegalState(p, "cannot resolve an uninstalled plugin")
	case StateInstalled:
	default:
		return nil
	}
	if err := p.beginOperation(ctx, OpResolving, p.fw.cfg.WaitTimeout); err != nil {
		return err
	}
	defer p.endOperation()
	return p.fw.resolve(ctx, p)
}

// SetStartLevel 修改并持久化启动级别。
func (p *Plugin) SetStartLevel(ctx context.Context, level int) error {
	if level < 0 {
		return errors.Wrapf(ErrInvalidArgument, "start level %d", level)
	}
	if p.State() == StateUninstalled {
		return illegalState(p, "cannot change start level of an uninstalled plugin")
	}
	if err := p.fw.store.SetStartLevel(ctx, p.id, level); err != nil {
		return err
	}
	p.mu.Lock()
	p.archive.StartLevel = level
	p.mu.Unlock()
	return nil
}

func (p *Plugin) persistAutostart(ctx context.Context, a archive.Autostart) error {
	p.mu.Lock()
	cur := p.archive.Autostart
	p.mu.Unlock()
	if cur == a {
		return nil
	}
	if err := p.fw.store.SetAutostart(ctx, p.id, a); err != nil {
		return err
	}
	p.mu.Lock()
	p.archive.Autostart = a
	p.mu.Unlock()
	return nil
}

// Resource 读取插件内打包的资源。
func (p *Plugin) Resource(ctx context.Context, path string) ([]byte, error) {
	if p.State() == StateUninstalled {
		return nil, illegalState(p, "plugin uninstalled")
	}
	return p.fw.store.Resource(ctx, p.key(), path)
}

// ResourceList 列出 dir 下的直接子项，子目录以 "/" 结尾。
func (p *Plugin) ResourceList(ctx context.Context, dir string) ([]string, error) {
	if p.State() == StateUninstalled {
		return nil, illegalState(p, "plugin uninstalled")
	}
	return p.fw.store.ResourceList(ctx, p.key(), dir)
}

// FindResources 查找 dir 下基名匹配 pattern 的资源。
func (p *Plugin) FindResources(ctx context.Context, dir, pattern string, recurse bool) ([]string, error) {
	if p.State() == StateUninstalled {
		return nil, illegalState(p, "plugin uninstalled")
	}
	return p.fw.store.FindResources(ctx, p.key(), dir, pattern, recurse)
}
