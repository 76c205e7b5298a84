package app

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lk2023060901/zeus-plugin/pkg/framework"
	"github.com/lk2023060901/zeus-plugin/pkg/logger"
	"github.com/lk2023060901/zeus-plugin/pkg/refresh"
)

// 宿主使用的具名日志。
const (
	LoggerApp       = "app"
	LoggerFramework = "framework"
	LoggerRefresh   = "refresh"
)

// Host 是托管插件框架的应用：框架作为模块注册，刷新服务按配置启用。
type Host struct {
	*BaseApplication

	cfg       Config
	framework *framework.Framework
	refresher *refresh.Refresher
}

// HostOption 配置 Host。
type HostOption func(*hostOptions)

type hostOptions struct {
	loader     framework.Loader
	registerer prometheus.Registerer
	fwOpts     []framework.Option
}

// WithLoader 设置激活入口加载器。
func WithLoader(l framework.Loader) HostOption {
	return func(o *hostOptions) { o.loader = l }
}

// WithRegisterer 将框架指标注册到 reg。
func WithRegisterer(reg prometheus.Registerer) HostOption {
	return func(o *hostOptions) { o.registerer = reg }
}

// WithFrameworkOptions 追加框架选项。
func WithFrameworkOptions(opts ...framework.Option) HostOption {
	return func(o *hostOptions) { o.fwOpts = append(o.fwOpts, opts...) }
}

// NewHost 按配置初始化日志并创建框架与刷新服务。
func NewHost(name string, cfg Config, opts ...HostOption) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.initLoggers(); err != nil {
		return nil, err
	}
	o := &hostOptions{}
	for _, opt := range opts {
		opt(o)
	}

	fwOpts := []framework.Option{
		framework.WithLogger(logger.Get(LoggerFramework)),
		framework.WithRegisterer(o.registerer),
	}
	if o.loader != nil {
		fwOpts = append(fwOpts, framework.WithLoader(o.loader))
	}
	fw, err := framework.New(cfg.Framework, append(fwOpts, o.fwOpts...)...)
	if err != nil {
		return nil, errors.Wrap(err, "app: create framework")
	}

	h := &Host{
		BaseApplication: NewBaseApplication(name),
		cfg:             cfg,
		framework:       fw,
	}
	if err := h.RegisterModule(fw); err != nil {
		return nil, err
	}
	if cfg.Refresh.Enabled {
		r, err := refresh.New(cfg.Refresh, fw, refresh.WithLogger(logger.Get(LoggerRefresh)))
		if err != nil {
			return nil, errors.Wrap(err, "app: create refresher")
		}
		if err := h.RegisterService(r); err != nil {
			return nil, err
		}
		h.refresher = r
	}
	return h, nil
}

// Config 返回宿主配置。
func (h *Host) Config() Config { return h.cfg }

// Framework 返回托管的插件框架。
func (h *Host) Framework() *framework.Framework { return h.framework }

// Refresher 返回刷新服务，未启用时为 nil。
func (h *Host) Refresher() *refresh.Refresher { return h.refresher }
