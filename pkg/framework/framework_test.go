package framework

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/zeus-plugin/pkg/archive"
	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
	"github.com/lk2023060901/zeus-plugin/pkg/module"
)

func TestFrameworkRestartRestoresAutostart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env := newTestEnvAt(t, dir)
	eager := env.install("Eager", "1.0.0", "Plugin-ActivationPolicy: lazy")
	declared := env.install("Declared", "1.0.0", "Plugin-ActivationPolicy: lazy")
	stopped := env.install("Stopped", "1.0.0")
	require.NoError(t, eager.Start(ctx, StartEager()))
	require.NoError(t, declared.Start(ctx))
	require.NoError(t, stopped.Start(ctx))
	require.NoError(t, stopped.Stop(ctx))

	ids := map[string]int64{"Eager": eager.ID(), "Declared": declared.ID(), "Stopped": stopped.ID()}
	require.NoError(t, env.fw.Stop(ctx))

	env = newTestEnvAt(t, dir)
	require.NoError(t, env.fw.Start(ctx))

	r := env.fw.Registry()
	for name, id := range ids {
		p := r.Plugin(id)
		require.NotNil(t, p, name)
		assert.Equal(t, name, p.SymbolicName())
	}
	assert.Equal(t, StateActive, r.Plugin(ids["Eager"]).State())
	assert.Equal(t, StateStarting, r.Plugin(ids["Declared"]).State())
	assert.Equal(t, StateInstalled, r.Plugin(ids["Stopped"]).State())
}

func TestFrameworkAutostartDisabled(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env := newTestEnvAt(t, dir)
	p := env.install("P", "1.0.0")
	require.NoError(t, p.Start(ctx))
	id := p.ID()
	require.NoError(t, env.fw.Stop(ctx))

	cfg := DefaultConfig()
	cfg.Autostart = false
	cfg.Storage.Path = dir + "/plugins.db"
	fw, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, fw.Start(ctx))
	defer fw.Stop(ctx)

	require.NotNil(t, fw.Plugin(id))
	assert.Equal(t, StateInstalled, fw.Plugin(id).State())
	assert.Equal(t, archive.AutostartDeclared, fw.Plugin(id).Autostart())
}

func TestFrameworkStartLevelOrdering(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var order []string
	record := func(name string) *testActivator {
		return &testActivator{
			onStart: func(*Context) error { order = append(order, "start "+name); return nil },
			onStop:  func(*Context) error { order = append(order, "stop "+name); return nil },
		}
	}

	env := newTestEnvAt(t, dir)
	first := env.install("First", "1.0.0", "Plugin-Activator: first")
	second := env.install("Second", "1.0.0", "Plugin-Activator: second")
	require.NoError(t, first.SetStartLevel(ctx, 3))
	require.NoError(t, second.SetStartLevel(ctx, 2))
	env.register("first", record("First"))
	env.register("second", record("Second"))
	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))
	require.NoError(t, env.fw.Stop(ctx))
	order = nil

	env = newTestEnvAt(t, dir)
	env.register("first", record("First"))
	env.register("second", record("Second"))
	require.NoError(t, env.fw.Start(ctx))
	require.NoError(t, env.fw.Stop(ctx))

	assert.Equal(t, []string{"start Second", "start First", "stop First", "stop Second"}, order)
}

func TestFrameworkStopKeepsAutostart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.install("P", "1.0.0")
	require.NoError(t, p.Start(ctx))

	store := env.fw.Store()
	require.NoError(t, env.fw.Stop(ctx))
	assert.Equal(t, StateResolved, p.State())
	assert.Equal(t, archive.AutostartDeclared, p.Autostart())
	assert.Empty(t, env.fw.Plugins())

	_, err := env.fw.Install(ctx, "test:late", env.artifact("Late", "1.0.0"))
	assert.True(t, errors.Is(err, errNotInitialized))
	_, err = store.Archives(ctx)
	assert.True(t, errors.Is(err, archive.ErrNotOpen))

	require.NoError(t, env.fw.Init(ctx))
	require.Len(t, env.fw.Plugins(), 1)
	assert.Equal(t, p.ID(), env.fw.Plugins()[0].ID())
}

func TestFrameworkEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.fw.Start(ctx))
	require.NoError(t, env.fw.Stop(ctx))

	env.errs.mu.Lock()
	defer env.errs.mu.Unlock()
	require.Len(t, env.errs.events, 2)
	assert.Equal(t, FrameworkStarted, env.errs.events[0].Type)
	assert.Equal(t, FrameworkStopped, env.errs.events[1].Type)
	assert.NoError(t, env.errs.events[1].Err)
}

func TestFrameworkListenerRemoval(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	l := ListenerFunc(func(Event) { calls++ })
	env.fw.AddListener(&l)
	env.install("A", "1.0.0")
	env.fw.RemoveListener(&l)
	env.install("B", "1.0.0")
	assert.Equal(t, 1, calls)
}

func TestFrameworkListenerPanicIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.fw.AddListener(ListenerFunc(func(Event) { panic("listener") }))

	p := env.install("P", "1.0.0")
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, StateActive, p.State())
	assert.Equal(t, 1, env.events.count(p, EventStarted))
}

func TestFrameworkListenerReentrantStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var startErr error
	env.fw.AddListener(ListenerFunc(func(e Event) {
		if e.Type == EventInstalled {
			startErr = e.Plugin.Start(ctx)
		}
	}))

	p := env.install("P", "1.0.0")
	require.NoError(t, startErr)
	assert.Equal(t, StateActive, p.State())
	assert.Equal(t, []EventType{EventInstalled, EventResolved, EventStarting, EventStarted}, env.events.types(p))
}

func TestFrameworkMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, WithRegisterer(reg))
	ctx := context.Background()

	p := env.install("P", "1.0.0")
	require.NoError(t, p.Start(ctx))
	_ = env.install("Q", "1.0.0", "Require-Plugin: missing").Resolve(ctx)

	m := env.fw.metrics
	assert.Equal(t, float64(2), testutil.ToFloat64(m.installs))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resolveErrors))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitions.WithLabelValues("STARTING", "ACTIVE")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.startDuration))

	_, err := New(DefaultConfig(), WithRegisterer(reg))
	assert.Error(t, err)
}

func TestFrameworkProperties(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Properties = map[string]string{"app.name": "demo"}
	f1, err := New(cfg)
	require.NoError(t, err)
	f2, err := New(cfg)
	require.NoError(t, err)

	assert.NotEmpty(t, f1.UUID())
	assert.NotEqual(t, f1.UUID(), f2.UUID())
	assert.Equal(t, f1.UUID(), f1.Property(PropertyUUID))
	assert.Equal(t, Version, f1.Property(PropertyVersion))
	assert.Equal(t, "demo", f1.Properties()["app.name"])

	var m module.Module = f1
	assert.Equal(t, ModuleID, m.ID())
	assert.Empty(t, m.Requires())
}

func TestFrameworkNotInitialized(t *testing.T) {
	f, err := New(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.Install(ctx, "x", "y")
	assert.True(t, errors.Is(err, errNotInitialized))
	assert.True(t, errors.Is(f.ResolvePlugins(ctx), errNotInitialized))
	assert.NoError(t, f.Stop(ctx))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.DefaultStartLevel = -1
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidArgument))

	cfg = DefaultConfig()
	cfg.UninstallTimeout = cfg.WaitTimeout / 2
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidArgument))

	cfg = DefaultConfig()
	cfg.Storage.Driver = "bogus"
	assert.True(t, errors.Is(cfg.Validate(), archive.ErrInvalidConfig))

	got := Config{}.withDefaults()
	assert.Equal(t, DefaultWaitTimeout, got.WaitTimeout)
	assert.Equal(t, DefaultUninstallTimeout, got.UninstallTimeout)
	assert.Equal(t, archive.DriverSQLite, got.Storage.Driver)
}

func TestFrameworkRestartKeepsMultiLineYAMLHeaders(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env := newTestEnvAt(t, dir)
	root := filepath.Join(dir, "artifacts", "org.y")
	writeFile(t, filepath.Join(root, manifest.YAMLPath),
		"Plugin-SymbolicName: org.y\nPlugin-Version: 1.0.0\nPlugin-Description: |\n  first\n  second\n\n  third\n")
	y, err := env.fw.Install(ctx, "test:org.y", root)
	require.NoError(t, err)
	other := env.install("Other", "1.0.0")
	ids := []int64{y.ID(), other.ID()}
	require.NoError(t, env.fw.Stop(ctx))

	env = newTestEnvAt(t, dir)
	require.Len(t, env.fw.Plugins(), 2)
	reloaded := env.fw.Plugin(ids[0])
	require.NotNil(t, reloaded)
	assert.Equal(t, "org.y", reloaded.SymbolicName())
	assert.Equal(t, "first\nsecond\n\nthird\n", reloaded.Headers().Get(manifest.Description))
	assert.NotNil(t, env.fw.Plugin(ids[1]))
	assert.Empty(t, env.errs.errors())
}

func TestFrameworkInitSkipsUnreadableManifest(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env := newTestEnvAt(t, dir)
	bad := env.install("Bad", "1.0.0")
	good := env.install("Good", "1.0.0")
	badID, goodID := bad.ID(), good.ID()
	require.NoError(t, env.fw.Stop(ctx))

	cfg := archive.DefaultConfig()
	cfg.Path = filepath.Join(dir, "plugins.db")
	backend := archive.NewSQLBackend(cfg, nil)
	require.NoError(t, backend.Open(ctx))
	require.NoError(t, backend.DB().Table("plugin_resources").
		Where("id = ? AND resource_path = ?", badID, manifest.ManifestPath).
		Update("blob", []byte("Plugin-SymbolicName: Bad\nnot a header\n")).Error)
	require.NoError(t, backend.Close())

	env = newTestEnvAt(t, dir)
	assert.Nil(t, env.fw.Plugin(badID))
	require.NotNil(t, env.fw.Plugin(goodID))
	assert.Equal(t, "Good", env.fw.Plugin(goodID).SymbolicName())

	errs := env.errs.errors()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrManifest))
	assert.True(t, errors.Is(errs[0], archive.ErrFileCorrupt))

	archives, err := env.fw.Store().Archives(ctx)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, goodID, archives[0].ID)
}
