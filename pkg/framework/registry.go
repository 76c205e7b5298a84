package framework

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/lk2023060901/zeus-plugin/pkg/archive"
	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
	"github.com/lk2023060901/zeus-plugin/pkg/version"
)

// Registry 持有所有已安装插件，按 id、安装位置和符号名索引。
type Registry struct {
	fw *Framework

	mu         sync.RWMutex
	byID       map[int64]*Plugin
	byLocation map[string]*Plugin
	byName     map[string][]*Plugin

	installs singleflight.Group
}

func newRegistry(fw *Framework) *Registry {
	return &Registry{
		fw:         fw,
		byID:       make(map[int64]*Plugin),
		byLocation: make(map[string]*Plugin),
		byName:     make(map[string][]*Plugin),
	}
}

// Install 安装 localPath 处的制品。location 已注册时返回已有插件；
// 同一 location 的并发安装合并为一次。
func (r *Registry) Install(ctx context.Context, location, localPath string) (*Plugin, error) {
	if location == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "empty location")
	}
	if p := r.PluginByLocation(location); p != nil {
		return p, nil
	}
	v, err, _ := r.installs.Do(location, func() (any, error) {
		if p := r.PluginByLocation(location); p != nil {
			return p, nil
		}
		return r.install(ctx, location, localPath)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plugin), nil
}

func (r *Registry) install(ctx context.Context, location, localPath string) (*Plugin, error) {
	a, err := r.fw.store.Insert(ctx, location, localPath)
	if err != nil {
		if errors.Is(err, archive.ErrStore) {
			return nil, err
		}
		return nil, newPluginError(KindRead, nil, err, "read %s", localPath)
	}
	if lvl := r.fw.cfg.DefaultStartLevel; lvl != a.StartLevel {
		if err := r.fw.store.SetStartLevel(ctx, a.ID, lvl); err != nil {
			r.fw.logger.Warn("set default start level failed", fields("id", a.ID, "error", err.Error())...)
		} else {
			a.StartLevel = lvl
		}
	}
	p, err := newPlugin(r.fw, a)
	if err == nil {
		err = r.add(p)
	}
	if err != nil {
		if rerr := r.fw.store.Remove(ctx, a.ID); rerr != nil {
			r.fw.logger.Warn("remove rejected archive failed", fields("id", a.ID, "error", rerr.Error())...)
		}
		return nil, err
	}

	r.fw.metrics.installed()
	r.fw.logger.Info("plugin installed", fields("plugin_id", p.ID(), "location", location, "symbolic_name", p.SymbolicName(), "version", p.Version().String())...)
	p.emit(EventInstalled)
	return p, nil
}

// add 在检查 (符号名, 版本) 唯一后加入索引。
func (r *Registry) add(p *Plugin) error {
	name, v := p.SymbolicName(), p.Version()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byLocation[p.location]; ok {
		return newPluginError(KindDuplicate, p, nil, "location %s is already installed", p.location)
	}
	for _, other := range r.byName[name] {
		if other.Version().Equal(v) {
			return newPluginError(KindDuplicate, p, nil, "%s %s is already installed as plugin %d", name, v, other.ID())
		}
	}
	r.byID[p.id] = p
	r.byLocation[p.location] = p
	r.byName[name] = append(r.byName[name], p)
	return nil
}

// Remove 仅移除 location 对应的索引项，归档的清除由存储负责。
func (r *Registry) Remove(location string) {
	if p := r.PluginByLocation(location); p != nil {
		r.remove(p)
	}
}

func (r *Registry) remove(p *Plugin) {
	name := p.SymbolicName()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byLocation[p.location] == p {
		delete(r.byLocation, p.location)
	}
	if r.byID[p.id] == p {
		delete(r.byID, p.id)
	}
	r.byName[name] = without(r.byName[name], p)
	if len(r.byName[name]) == 0 {
		delete(r.byName, name)
	}
}

// rename 在更新改变了符号名后调整名称索引。
func (r *Registry) rename(p *Plugin, prevName string) {
	name := p.SymbolicName()
	if name == prevName {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[prevName] = without(r.byName[prevName], p)
	if len(r.byName[prevName]) == 0 {
		delete(r.byName, prevName)
	}
	r.byName[name] = append(r.byName[name], p)
}

func without(list []*Plugin, p *Plugin) []*Plugin {
	for i, cur := range list {
		if cur == p {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Plugin 按 id 查找。
func (r *Registry) Plugin(id int64) *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// PluginByLocation 按安装位置查找。
func (r *Registry) PluginByLocation(location string) *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byLocation[location]
}

// PluginByNameVersion 按 (符号名, 版本) 查找。
func (r *Registry) PluginByNameVersion(name string, v version.Version) *Plugin {
	r.mu.RLock()
	list := append([]*Plugin(nil), r.byName[name]...)
	r.mu.RUnlock()
	for _, p := range list {
		if p.Version().Equal(v) {
			return p
		}
	}
	return nil
}

// Plugins 返回符号名为 name 且版本落在 rng 内的插件，按版本降序。
func (r *Registry) Plugins(name string, rng version.Range) []*Plugin {
	r.mu.RLock()
	list := append([]*Plugin(nil), r.byName[name]...)
	r.mu.RUnlock()

	out := list[:0]
	for _, p := range list {
		if rng.Includes(p.Version()) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[j].Version().Less(out[i].Version())
	})
	return out
}

// ActivePlugins 返回处于 Active 或 Starting 的插件，按 id 升序。
func (r *Registry) ActivePlugins() []*Plugin {
	var out []*Plugin
	for _, p := range r.All() {
		if p.State().In(StatesRunning) {
			out = append(out, p)
		}
	}
	return out
}

// All 返回全部插件，按 id 升序。
func (r *Registry) All() []*Plugin {
	r.mu.RLock()
	out := make([]*Plugin, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// provider 返回满足 req 的最高版本已解析插件。
func (r *Registry) provider(req manifest.RequirePlugin) *Plugin {
	for _, p := range r.Plugins(req.Name, req.Range) {
		if p.State().In(StatesResolved) {
			return p
		}
	}
	return nil
}

// Load 为存储中每个生效归档重建插件。单个插件构建失败不影响其余插件：
// 其归档被关闭自启动并标记为墓碑。
func (r *Registry) Load(ctx context.Context) error {
	archives, err := r.fw.store.Archives(ctx)
	if err != nil {
		return err
	}
	for _, a := range archives {
		if r.Plugin(a.ID) != nil {
			continue
		}
		if a.LoadErr != nil {
			r.reject(ctx, a, newPluginError(KindManifest, nil, a.LoadErr, "archive %d (%s)", a.ID, a.Location))
			continue
		}
		p, err := newPlugin(r.fw, a)
		if err == nil {
			err = r.add(p)
		}
		if err != nil {
			r.reject(ctx, a, err)
			continue
		}
		r.fw.logger.Debug("plugin loaded", fields("plugin_id", a.ID, "location", a.Location)...)
	}
	return nil
}

func (r *Registry) reject(ctx context.Context, a *archive.Archive, cause error) {
	r.fw.logger.Warn("discard unloadable plugin", fields("id", a.ID, "location", a.Location, "error", cause.Error())...)
	r.fw.reportError(nil, cause)
	if err := r.fw.store.SetAutostart(ctx, a.ID, archive.AutostartStopped); err != nil {
		r.fw.logger.Warn("disable autostart failed", fields("id", a.ID, "error", err.Error())...)
	}
	if err := r.fw.store.Tombstone(ctx, a.ID); err != nil {
		r.fw.logger.Warn("tombstone failed", fields("id", a.ID, "error", err.Error())...)
	}
}

// StartPlugins 先解析全部插件，再逐个启动已解析的插件。
// 单个插件启动失败会被报告，不影响其余插件；返回合并后的错误。
func (r *Registry) StartPlugins(ctx context.Context, plugins []*Plugin, opts ...StartOption) error {
	errs := r.fw.resolve(ctx, plugins...)
	for _, p := range plugins {
		if !p.State().In(StatesResolved) {
			continue
		}
		if err := p.Start(ctx, opts...); err != nil {
			// 激活与解析失败在发生处已报告。
			if !errors.Is(err, ErrActivator) && !errors.Is(err, ErrResolve) {
				r.fw.reportError(p, err)
			}
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// reset 清空全部索引。
func (r *Registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[int64]*Plugin)
	r.byLocation = make(map[string]*Plugin)
	r.byName = make(map[string][]*Plugin)
}
