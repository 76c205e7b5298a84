package framework

import (
	"context"

	"github.com/lk2023060901/zeus-plugin/pkg/logger"
	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
)

// Activator 是插件的激活入口。
type Activator interface {
	Start(ctx *Context) error
	Stop(ctx *Context) error
}

// ActivatorFuncs 将一对函数适配为 Activator，任一为空时视为成功。
type ActivatorFuncs struct {
	StartFunc func(*Context) error
	StopFunc  func(*Context) error
}

func (a ActivatorFuncs) Start(ctx *Context) error {
	if a.StartFunc == nil {
		return nil
	}
	return a.StartFunc(ctx)
}

func (a ActivatorFuncs) Stop(ctx *Context) error {
	if a.StopFunc == nil {
		return nil
	}
	return a.StopFunc(ctx)
}

// Context 是传给激活入口的插件上下文，在插件停止后失效。
type Context struct {
	ctx    context.Context
	plugin *Plugin
	fw     *Framework
	logger logger.Logger
}

func newContext(ctx context.Context, p *Plugin) *Context {
	return &Context{
		ctx:    context.WithoutCancel(ctx),
		plugin: p,
		fw:     p.fw,
		logger: p.fw.logger.With(fields("plugin_id", p.ID(), "symbolic_name", p.SymbolicName())...),
	}
}

// Context 返回激活时的 context，不随调用方取消。
func (c *Context) Context() context.Context { return c.ctx }

// Plugin 返回所属插件。
func (c *Context) Plugin() *Plugin { return c.plugin }

// Framework 返回宿主框架。
func (c *Context) Framework() *Framework { return c.fw }

// Logger 返回带插件字段的日志记录器。
func (c *Context) Logger() logger.Logger { return c.logger }

// Property 读取框架属性。
func (c *Context) Property(key string) string { return c.fw.Property(key) }

// Plugins 返回当前已安装的全部插件。
func (c *Context) Plugins() []*Plugin { return c.fw.registry.All() }

// LoadRequest 描述一次激活入口加载。
type LoadRequest struct {
	PluginID     int64
	SymbolicName string
	LocalPath    string
	Headers      manifest.Headers
}

// Loader 将插件制品加载为激活入口。
// 返回 (nil, nil) 表示插件没有激活入口。
type Loader interface {
	Load(ctx context.Context, req LoadRequest) (Activator, error)
}
