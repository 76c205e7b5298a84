package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/logger"
	"github.com/lk2023060901/zeus-plugin/pkg/module"
	"github.com/lk2023060901/zeus-plugin/pkg/service"
)

var (
	errNilModule        = errors.New("app: module is nil")
	errNilService       = errors.New("app: service is nil")
	errRegisterLocked   = errors.New("app: register is locked after init")
	errApplicationAlive = errors.New("app: application already initializing")
	errConfigLocked     = errors.New("app: config is locked after init")
)

// Application 是托管模块与服务的宿主。
type Application interface {
	Name() string
	RegisterModule(m module.Module) error
	RegisterService(s service.Service) error
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	// Run 启动后阻塞，直到收到退出信号、ctx 取消或 Shutdown 被调用。
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Stop(ctx context.Context) error
	Modules() []module.Module
	Services() []service.Service
}

type phase int

const (
	phaseNew phase = iota
	phaseInitializing
	phaseInitialized
	phaseStarted
)

// unit 是排序后的一个生命周期条目，kind 为 "module" 或 "service"。
type unit struct {
	kind string
	id   string
	lc   module.Lifecycle
}

// BaseApplication 是 Application 的基础实现。
// Init 后模块在前、服务在后，各自按 Requires 拓扑排序；Stop 逆序执行。
type BaseApplication struct {
	name string

	mu         sync.RWMutex
	phase      phase
	modules    []module.Module
	services   []service.Service
	units      []unit
	configPath string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownErr  error
}

// NewBaseApplication 创建宿主实例。
func NewBaseApplication(name string) *BaseApplication {
	return &BaseApplication{
		name:       name,
		shutdownCh: make(chan struct{}),
	}
}

func (a *BaseApplication) Name() string {
	return a.name
}

func (a *BaseApplication) RegisterModule(m module.Module) error {
	if m == nil {
		return errNilModule
	}
	return a.register(func() { a.modules = append(a.modules, m) })
}

func (a *BaseApplication) RegisterService(s service.Service) error {
	if s == nil {
		return errNilService
	}
	return a.register(func() { a.services = append(a.services, s) })
}

func (a *BaseApplication) register(add func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseNew {
		return errRegisterLocked
	}
	add()
	return nil
}

// SetConfigPath 设置 Init 时加载日志配置的 YAML 文件。
func (a *BaseApplication) SetConfigPath(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseNew {
		return errConfigLocked
	}
	a.configPath = path
	return nil
}

// Init 排序并依次初始化全部条目，失败时回到未初始化状态，可修正后重试。
func (a *BaseApplication) Init(ctx context.Context) error {
	a.mu.Lock()
	switch a.phase {
	case phaseInitialized, phaseStarted:
		a.mu.Unlock()
		return nil
	case phaseInitializing:
		a.mu.Unlock()
		return errApplicationAlive
	}
	a.phase = phaseInitializing
	configPath := a.configPath
	a.mu.Unlock()

	units, modules, services, err := a.init(ctx, configPath)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.phase = phaseNew
		return err
	}
	a.modules, a.services, a.units = modules, services, units
	a.phase = phaseInitialized
	return nil
}

func (a *BaseApplication) init(ctx context.Context, configPath string) ([]unit, []module.Module, []service.Service, error) {
	modules, services, err := a.ordered()
	if err != nil {
		return nil, nil, nil, err
	}
	if configPath != "" {
		cfg, err := LoadConfigFromFile(configPath)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := cfg.initLoggers(); err != nil {
			return nil, nil, nil, err
		}
	}

	units := make([]unit, 0, len(modules)+len(services))
	for _, m := range modules {
		units = append(units, unit{kind: "module", id: m.ID(), lc: m})
	}
	for _, s := range services {
		units = append(units, unit{kind: "service", id: s.ID(), lc: s})
	}
	for _, u := range units {
		if err := u.lc.Init(ctx); err != nil {
			return nil, nil, nil, errors.Wrapf(err, "init %s %s", u.kind, u.id)
		}
	}
	return units, modules, services, nil
}

// ordered 按 Requires 排序，服务可依赖模块。
func (a *BaseApplication) ordered() ([]module.Module, []service.Service, error) {
	a.mu.RLock()
	modules := append([]module.Module(nil), a.modules...)
	services := append([]service.Service(nil), a.services...)
	a.mu.RUnlock()

	modules, err := module.Order(modules)
	if err != nil {
		return nil, nil, errors.Wrap(err, "app: order modules")
	}
	ids := make([]string, 0, len(modules))
	for _, m := range modules {
		ids = append(ids, m.ID())
	}
	services, err = module.Order(services, ids...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "app: order services")
	}
	return modules, services, nil
}

// Start 按顺序启动，任一失败则逆序停止已启动的条目。
func (a *BaseApplication) Start(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}

	a.mu.RLock()
	if a.phase == phaseStarted {
		a.mu.RUnlock()
		return nil
	}
	units := append([]unit(nil), a.units...)
	a.mu.RUnlock()

	log := logger.Get(LoggerApp)
	for i, u := range units {
		if err := u.lc.Start(ctx); err != nil {
			log.Error("start failed, rolling back", logger.KV("app", a.name, u.kind, u.id, "error", err.Error())...)
			_ = stopUnits(ctx, units[:i])
			return errors.Wrapf(err, "start %s %s", u.kind, u.id)
		}
		log.Debug("started", logger.KV("app", a.name, u.kind, u.id)...)
	}

	a.mu.Lock()
	a.phase = phaseStarted
	a.mu.Unlock()
	log.Info("application started", logger.KV("app", a.name, "units", len(units))...)
	return nil
}

// Started 报告是否处于运行状态。
func (a *BaseApplication) Started() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.phase == phaseStarted
}

func (a *BaseApplication) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		_ = a.Shutdown(context.Background())
		return ctx.Err()
	case sig := <-sigCh:
		logger.Get(LoggerApp).Info("signal received, shutting down", logger.KV("app", a.name, "signal", sig.String())...)
		return a.Shutdown(context.Background())
	case <-a.shutdownCh:
		return a.shutdownError()
	}
}

// Shutdown 只执行一次 Stop，并唤醒阻塞中的 Run。
func (a *BaseApplication) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		err := a.Stop(ctx)
		a.mu.Lock()
		a.shutdownErr = err
		a.mu.Unlock()
		close(a.shutdownCh)
	})
	return a.shutdownError()
}

// Stop 逆序停止全部条目，汇总每个条目的错误，最后刷新所有 Logger。
func (a *BaseApplication) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.phase != phaseStarted {
		a.mu.Unlock()
		return nil
	}
	units := append([]unit(nil), a.units...)
	a.phase = phaseInitialized
	a.mu.Unlock()

	err := stopUnits(ctx, units)
	logger.Get(LoggerApp).Info("application stopped", logger.KV("app", a.name)...)
	_ = logger.SyncAll()
	return err
}

func stopUnits(ctx context.Context, units []unit) error {
	var errs error
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if err := u.lc.Stop(ctx); err != nil {
			errs = errors.Join(errs, errors.Wrapf(err, "stop %s %s", u.kind, u.id))
		}
	}
	return errs
}

func (a *BaseApplication) Modules() []module.Module {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]module.Module(nil), a.modules...)
}

func (a *BaseApplication) Services() []service.Service {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]service.Service(nil), a.services...)
}

func (a *BaseApplication) shutdownError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.shutdownErr
}
