package framework

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
)

// resolveSession 是一次顶层解析的状态。inProgress 记录本次调用链上已进入的插件，
// 视为已满足以打破循环依赖；resolved 按依赖优先的顺序记录暂定结果，
// 只有顶层成功时才提交。
type resolveSession struct {
	fw         *Framework
	inProgress map[int64]bool
	tentative  map[int64]bool
	resolved   []*Plugin
	failed     map[int64]error
}

func (f *Framework) newResolveSession() *resolveSession {
	return &resolveSession{
		fw:         f,
		inProgress: make(map[int64]bool),
		tentative:  make(map[int64]bool),
		failed:     make(map[int64]error),
	}
}

// resolve 解析给定插件。同一 Framework 上同时只有一个顶层解析；
// 失败的解析不会被缓存，下次调用重新计算。
// 多个插件时返回的错误合并了所有失败。
func (f *Framework) resolve(ctx context.Context, plugins ...*Plugin) error {
	f.resolveMu.Lock()
	s := f.newResolveSession()
	var (
		errs   error
		failed []*Plugin
		causes []error
	)
	for _, p := range plugins {
		if err := ctx.Err(); err != nil {
			errs = errors.Join(errs, err)
			break
		}
		if p.State() != StateInstalled {
			continue
		}
		mark := len(s.resolved)
		if err := s.resolvePlugin(p); err != nil {
			s.truncate(mark)
			errs = errors.Join(errs, err)
			failed = append(failed, p)
			causes = append(causes, err)
		}
	}
	committed := s.commit()
	f.resolveMu.Unlock()
	f.events.drain()

	for i, p := range failed {
		f.metrics.resolveFailed()
		f.reportError(p, causes[i])
	}
	for _, p := range committed {
		f.metrics.transition(StateInstalled, StateResolved)
		f.logger.Debug("plugin resolved", fields("plugin_id", p.ID(), "symbolic_name", p.SymbolicName())...)
	}
	return errs
}

func (s *resolveSession) resolvePlugin(p *Plugin) error {
	if p.State().In(StatesResolved) || s.tentative[p.id] || s.inProgress[p.id] {
		return nil
	}
	if err, ok := s.failed[p.id]; ok {
		return err
	}
	if p.State() != StateInstalled {
		return newPluginError(KindResolve, p, nil, "plugin is %s", p.State())
	}

	mark := len(s.resolved)
	s.inProgress[p.id] = true
	defer delete(s.inProgress, p.id)

	for _, req := range p.Requires() {
		if err := s.resolveRequirement(p, req); err != nil {
			if req.IsOptional() {
				s.fw.logger.Debug("optional requirement skipped", fields("plugin_id", p.id, "requirement", req.String())...)
				continue
			}
			s.truncate(mark)
			s.failed[p.id] = err
			return err
		}
	}
	s.resolved = append(s.resolved, p)
	s.tentative[p.id] = true
	return nil
}

// resolveRequirement 按版本从高到低尝试候选插件。
func (s *resolveSession) resolveRequirement(p *Plugin, req manifest.RequirePlugin) error {
	var cause error
	for _, c := range s.fw.registry.Plugins(req.Name, req.Range) {
		if c.State() == StateUninstalled {
			continue
		}
		err := s.resolvePlugin(c)
		if err == nil {
			return nil
		}
		cause = errors.Join(cause, err)
	}
	return newPluginError(KindResolve, p, cause, "missing requirement %s", req)
}

// truncate 丢弃 mark 之后记录的暂定结果。
func (s *resolveSession) truncate(mark int) {
	for _, p := range s.resolved[mark:] {
		delete(s.tentative, p.id)
	}
	s.resolved = s.resolved[:mark]
}

// commit 按依赖优先的顺序将暂定结果提交为 Resolved，事件在释放解析锁后投递。
func (s *resolveSession) commit() []*Plugin {
	var out []*Plugin
	for _, p := range s.resolved {
		p.mu.Lock()
		if p.state == StateInstalled {
			p.state = StateResolved
			s.fw.events.postPlugin(EventResolved, p)
			out = append(out, p)
		}
		p.mu.Unlock()
	}
	return out
}
