package framework

import (
	"context"
	"os"
	"path/filepath"
	goplugin "plugin"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
)

var (
	errActivatorNotFound = errors.New("framework: activator not registered")
	errBadSymbol         = errors.New("framework: symbol does not implement Activator")
	errNoLibrary         = errors.New("framework: plugin library not set")
)

// DefaultActivatorSymbol 是动态库中未声明 Plugin-Activator 时查找的符号。
const DefaultActivatorSymbol = "Activator"

// ActivatorFactory 创建激活入口实例。
type ActivatorFactory func() Activator

// StaticLoader 通过名称查找编译期注册的激活入口，名称取自 Plugin-Activator 头。
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]ActivatorFactory
}

// NewStaticLoader 创建空的静态加载器。
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]ActivatorFactory)}
}

// Register 注册激活入口工厂，同名覆盖。
func (l *StaticLoader) Register(name string, factory ActivatorFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

// Names 返回已注册的名称。
func (l *StaticLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.factories))
	for name := range l.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (l *StaticLoader) Load(_ context.Context, req LoadRequest) (Activator, error) {
	name := strings.TrimSpace(req.Headers.Get(manifest.Activator))
	if name == "" {
		return nil, nil
	}
	l.mu.RLock()
	factory, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errActivatorNotFound, "%q", name)
	}
	return factory(), nil
}

// GoPluginLoader 通过标准库 plugin 打开 Plugin-Library 指向的共享库，
// 相对路径相对于制品所在目录解析。
type GoPluginLoader struct{}

func (GoPluginLoader) Load(_ context.Context, req LoadRequest) (Activator, error) {
	lib := strings.TrimSpace(req.Headers.Get(manifest.Library))
	symbol := strings.TrimSpace(req.Headers.Get(manifest.Activator))
	if lib == "" {
		if symbol == "" {
			return nil, nil
		}
		return nil, errNoLibrary
	}
	if symbol == "" {
		symbol = DefaultActivatorSymbol
	}
	if !filepath.IsAbs(lib) {
		base := req.LocalPath
		if info, err := os.Stat(base); err != nil || !info.IsDir() {
			base = filepath.Dir(base)
		}
		lib = filepath.Join(base, lib)
	}

	so, err := goplugin.Open(lib)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", lib)
	}
	sym, err := so.Lookup(symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s in %s", symbol, lib)
	}
	switch a := sym.(type) {
	case Activator:
		return a, nil
	case *Activator:
		if a == nil || *a == nil {
			return nil, errors.Wrapf(errBadSymbol, "%s is nil", symbol)
		}
		return *a, nil
	case func() Activator:
		return a(), nil
	default:
		return nil, errors.Wrapf(errBadSymbol, "%s has type %T", symbol, sym)
	}
}

// LoaderChain 依次尝试多个加载器，返回第一个非空的激活入口。
type LoaderChain []Loader

func (c LoaderChain) Load(ctx context.Context, req LoadRequest) (Activator, error) {
	var errs error
	for _, l := range c {
		a, err := l.Load(ctx, req)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if a != nil {
			return a, nil
		}
	}
	return nil, errs
}
