package framework

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/zeus-plugin/pkg/archive"
	"github.com/lk2023060901/zeus-plugin/pkg/version"
)

func TestRegistryInstallIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	path := env.artifact("P", "1.0.0")

	p1, err := env.fw.Install(ctx, "test:p", path)
	require.NoError(t, err)
	p2, err := env.fw.Install(ctx, "test:p", path)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, env.events.count(p1, EventInstalled))
}

func TestRegistryConcurrentInstall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	path := env.artifact("P", "1.0.0")

	var wg sync.WaitGroup
	got := make([]*Plugin, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := env.fw.Install(ctx, "test:p", path)
			assert.NoError(t, err)
			got[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range got {
		assert.Same(t, got[0], p)
	}
	assert.Len(t, env.fw.Plugins(), 1)
}

func TestRegistryDuplicateNameVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.fw.Install(ctx, "test:one", env.artifact("P", "1.0.0"))
	require.NoError(t, err)
	_, err = env.fw.Install(ctx, "test:two", env.artifact("P", "1.0.0"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	archives, err := env.fw.Store().Archives(ctx)
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

func TestRegistryInstallInvalidManifest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.fw.Install(ctx, "test:bad", env.artifact("", "1.0.0"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifest))
	assert.Nil(t, env.fw.Registry().PluginByLocation("test:bad"))

	_, err = env.fw.Install(ctx, "test:missing", "/does/not/exist")
	assert.True(t, errors.Is(err, ErrRead))

	_, err = env.fw.Install(ctx, "", env.artifact("P", "1.0.0"))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestRegistryLookups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b1 := env.install("B", "1.0.0")
	b2 := env.install("B", "2.0.0")
	c := env.install("C", "1.0.0")
	r := env.fw.Registry()

	assert.Same(t, b1, r.Plugin(b1.ID()))
	assert.Same(t, b2, r.PluginByLocation(b2.Location()))
	assert.Same(t, c, r.PluginByNameVersion("C", version.MustParse("1.0.0")))
	assert.Nil(t, r.PluginByNameVersion("C", version.MustParse("2.0.0")))

	assert.Equal(t, []*Plugin{b2, b1}, r.Plugins("B", version.Unbounded()))
	assert.Equal(t, []*Plugin{b1}, r.Plugins("B", version.MustParseRange("[1.0,2.0)")))
	assert.Empty(t, r.Plugins("D", version.Unbounded()))
	assert.Equal(t, []*Plugin{b1, b2, c}, r.All())

	require.NoError(t, b2.Start(ctx))
	assert.Equal(t, []*Plugin{b2}, r.ActivePlugins())

	r.Remove(c.Location())
	assert.Nil(t, r.PluginByLocation(c.Location()))
	assert.Nil(t, r.Plugin(c.ID()))
}

func TestRegistryStartPlugins(t *testing.T) {
	env := newTestEnv(t)
	env.register("fail", &testActivator{onStart: func(*Context) error { return errors.New("boom") }})
	ctx := context.Background()

	a := env.install("A", "1.0.0")
	bad := env.install("Bad", "1.0.0", "Plugin-Activator: fail")
	unresolved := env.install("U", "1.0.0", "Require-Plugin: missing")
	c := env.install("C", "1.0.0")

	err := env.fw.StartPlugins(ctx, []*Plugin{a, bad, unresolved, c})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrActivator))
	assert.True(t, errors.Is(err, ErrResolve))

	assert.Equal(t, StateActive, a.State())
	assert.Equal(t, StateResolved, bad.State())
	assert.Equal(t, StateInstalled, unresolved.State())
	assert.Equal(t, StateActive, c.State())
	assert.Len(t, env.errs.errors(), 2)
}

func TestRegistryLoadDiscardsBadArchives(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := archive.DefaultConfig()
	cfg.Path = dir + "/plugins.db"
	store, err := archive.Open(ctx, cfg)
	require.NoError(t, err)

	env := &testEnv{t: t, dir: dir}
	good, err := store.Insert(ctx, "test:good", env.artifact("Good", "1.0.0"))
	require.NoError(t, err)
	bad, err := store.Insert(ctx, "test:bad", env.artifact("", "1.0.0"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "test:dup", env.artifact("Good", "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, store.SetAutostart(ctx, bad.ID, archive.AutostartEager))
	require.NoError(t, store.Close())

	env = newTestEnvAt(t, dir)
	plugins := env.fw.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, good.ID, plugins[0].ID())
	reported := env.errs.errors()
	require.Len(t, reported, 2)
	assert.True(t, errors.Is(reported[0], ErrManifest))
	assert.True(t, errors.Is(reported[1], ErrDuplicate))

	archives, err := env.fw.Store().Archives(ctx)
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}
