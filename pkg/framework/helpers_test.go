package framework

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type testEnv struct {
	t      *testing.T
	dir    string
	fw     *Framework
	loader *StaticLoader
	events *recorder
	errs   *errorRecorder
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return newTestEnvAt(t, dir, opts...)
}

func newTestEnvAt(t *testing.T, dir string, opts ...Option) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "plugins.db")
	cfg.WaitTimeout = 200 * time.Millisecond
	cfg.UninstallTimeout = time.Second

	env := &testEnv{t: t, dir: dir, loader: NewStaticLoader(), events: &recorder{}, errs: &errorRecorder{}}
	fw, err := New(cfg, append([]Option{WithLoader(env.loader)}, opts...)...)
	require.NoError(t, err)
	fw.AddListener(env.events)
	fw.AddFrameworkListener(env.errs)
	require.NoError(t, fw.Init(context.Background()))
	t.Cleanup(func() { _ = fw.Stop(context.Background()) })
	env.fw = fw
	return env
}

// artifact 在临时目录下生成一个已展开的插件制品，headers 形如 "Key: Value"。
func (e *testEnv) artifact(name, ver string, headers ...string) string {
	e.t.Helper()
	root := filepath.Join(e.dir, "artifacts", fmt.Sprintf("%s-%s-%d", name, ver, time.Now().UnixNano()))
	lines := []string{"Manifest-Version: 1.0"}
	if name != "" {
		lines = append(lines, "Plugin-SymbolicName: "+name)
	}
	if ver != "" {
		lines = append(lines, "Plugin-Version: "+ver)
	}
	lines = append(lines, headers...)
	writeFile(e.t, filepath.Join(root, "META-INF", "MANIFEST.MF"), strings.Join(lines, "\n")+"\n")
	return root
}

func (e *testEnv) install(name, ver string, headers ...string) *Plugin {
	e.t.Helper()
	p, err := e.fw.Install(context.Background(), "test:"+name+"@"+ver, e.artifact(name, ver, headers...))
	require.NoError(e.t, err)
	return p
}

// register 注册一个计数的激活入口，名称即 Plugin-Activator 头的值。
func (e *testEnv) register(name string, a *testActivator) {
	e.loader.Register(name, func() Activator { return a })
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type testActivator struct {
	starts  atomic.Int32
	stops   atomic.Int32
	onStart func(*Context) error
	onStop  func(*Context) error
}

func (a *testActivator) Start(ctx *Context) error {
	a.starts.Inc()
	if a.onStart != nil {
		return a.onStart(ctx)
	}
	return nil
}

func (a *testActivator) Stop(ctx *Context) error {
	a.stops.Inc()
	if a.onStop != nil {
		return a.onStop(ctx)
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) PluginChanged(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// types 返回与 p 相关的事件类型，按序号排列。
func (r *recorder) types(p *Plugin) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := append([]Event(nil), r.events...)
	sort.Slice(evs, func(i, j int) bool { return evs[i].Seq < evs[j].Seq })
	var out []EventType
	for _, e := range evs {
		if e.Plugin == p {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *recorder) count(p *Plugin, t EventType) int {
	n := 0
	for _, got := range r.types(p) {
		if got == t {
			n++
		}
	}
	return n
}

type errorRecorder struct {
	mu     sync.Mutex
	events []FrameworkEvent
}

func (r *errorRecorder) FrameworkEvent(e FrameworkEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *errorRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []error
	for _, e := range r.events {
		if e.Type == FrameworkError {
			out = append(out, e.Err)
		}
	}
	return out
}
