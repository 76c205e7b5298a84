package archive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/zeus-plugin/pkg/manifest"
)

func TestEtcdKeys(t *testing.T) {
	k := newEtcdKeys("zeus/plugins/")
	key := Key{ID: 7, Generation: 2}

	assert.Equal(t, "/zeus/plugins/plugins/00000000000000000007/00000000000000000002", k.plugin(key))
	assert.Equal(t, "/zeus/plugins/plugins/00000000000000000007/", k.pluginID(7))
	assert.Equal(t, "/zeus/plugins/resources/00000000000000000007/00000000000000000002/web/a.js", k.resource(key, "web/a.js"))

	got, path, ok := k.parseResourceKey(k.resource(key, "web/a.js"))
	require.True(t, ok)
	assert.Equal(t, key, got)
	assert.Equal(t, "web/a.js", path)

	_, _, ok = k.parseResourceKey("/zeus/plugins/resources/x/y/z")
	assert.False(t, ok)
	_, _, ok = k.parseResourceKey("/other/resources/1/1/z")
	assert.False(t, ok)
}

func TestEtcdRecordRoundTrip(t *testing.T) {
	a := &Archive{
		ID:           3,
		Generation:   1,
		Location:     "file:a",
		LocalPath:    "/tmp/a.zip",
		SymbolicName: "org.a",
		Version:      "1.0.0",
		LastModified: time.Unix(0, 1700000000123456789),
		Timestamp:    time.Unix(1700000100, 0),
		StartLevel:   TombstoneStartLevel,
		Autostart:    AutostartDeclared,
	}
	raw, err := encodeRecord(a)
	require.NoError(t, err)

	got, err := decodeRecord([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Location, got.Location)
	assert.True(t, a.LastModified.Equal(got.LastModified))
	assert.True(t, got.Tombstoned())
	assert.Equal(t, AutostartDeclared, got.Autostart)
}

func TestEtcdConfigValidate(t *testing.T) {
	cfg := DefaultEtcdConfig()
	require.NoError(t, cfg.Validate())

	cfg.Endpoints = nil
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg = DefaultEtcdConfig()
	cfg.Prefix = "/"
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg = DefaultEtcdConfig()
	cfg.CertFile = "cert.pem"
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg = DefaultEtcdConfig()
	cfg.Username, cfg.Password = "root", "secret"
	clientCfg, err := cfg.ToClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "root", clientCfg.Username)
	assert.Len(t, clientCfg.DialOptions, 2)
}

func TestEtcdBackendNotOpen(t *testing.T) {
	b := NewEtcdBackend(DefaultEtcdConfig(), nil)
	_, err := b.Rows(context.Background())
	assert.True(t, errors.Is(err, ErrNotOpen))
	require.NoError(t, b.Close())
}

func TestEtcdRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("connection reset")))
	assert.True(t, retryable(context.DeadlineExceeded))
	assert.True(t, retryable(rpctypes.ErrGRPCNoLeader))
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(rpctypes.ErrGRPCPermissionDenied))
	assert.False(t, retryable(rpctypes.ErrRequestTooLarge))
	assert.False(t, retryable(errors.Wrap(errConditionFailed, "put")))
}

func TestEtcdBackendPutAndRead(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	a := etcdArchive(1, 1, "org.a")
	require.NoError(t, b.Put(ctx, a, []Resource{
		{Path: "META-INF/MANIFEST.MF", Data: []byte("Plugin-SymbolicName: org.a\n")},
		{Path: "web/a.js", Data: []byte("js")},
	}))

	rows, err := b.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "org.a", rows[0].SymbolicName)
	assert.Equal(t, AutostartDeclared, rows[0].Autostart)

	data, err := b.Resource(ctx, a.Key(), "web/a.js")
	require.NoError(t, err)
	assert.Equal(t, "js", string(data))
	_, err = b.Resource(ctx, a.Key(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	paths, err := b.ResourcePaths(ctx, a.Key())
	require.NoError(t, err)
	assert.Equal(t, []string{"META-INF/MANIFEST.MF", "web/a.js"}, paths)
}

func TestEtcdBackendPutExistingRowKeepsResources(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	a := etcdArchive(1, 1, "org.a")
	require.NoError(t, b.Put(ctx, a, []Resource{{Path: "a.txt", Data: []byte("v1")}}))
	require.NoError(t, b.Put(ctx, a, []Resource{{Path: "a.txt", Data: []byte("v1")}}))

	other := etcdArchive(1, 1, "org.other")
	err := b.Put(ctx, other, []Resource{{Path: "b.txt", Data: []byte("v2")}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrite))
	assert.Equal(t, 3, m.txnCount(), "condition failure is not retried")

	rows, err := b.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "org.a", rows[0].SymbolicName)
	data, err := b.Resource(ctx, a.Key(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestEtcdBackendPutLostResponse(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	m.setFault(func(n int) (bool, error) {
		if n == 1 {
			return true, rpctypes.ErrGRPCTimeout
		}
		return false, nil
	})
	a := etcdArchive(1, 1, "org.a")
	require.NoError(t, b.Put(ctx, a, []Resource{{Path: "a.txt", Data: []byte("v1")}}))
	assert.Equal(t, 2, m.txnCount())

	data, err := b.Resource(ctx, a.Key(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestEtcdBackendPutBatchesResources(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	a := etcdArchive(1, 1, "org.a")
	require.NoError(t, b.Put(ctx, a, etcdResources(150)))
	assert.Equal(t, 2, m.txnCount())

	paths, err := b.ResourcePaths(ctx, a.Key())
	require.NoError(t, err)
	assert.Len(t, paths, 150)
}

func TestEtcdBackendPutBatchFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	m.setFault(func(n int) (bool, error) {
		if n == 2 {
			return false, rpctypes.ErrGRPCPermissionDenied
		}
		return false, nil
	})
	a := etcdArchive(1, 1, "org.a")
	err := b.Put(ctx, a, etcdResources(250))
	assert.True(t, errors.Is(err, ErrWrite))

	paths, err := b.ResourcePaths(ctx, a.Key())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEtcdBackendRowFailureLeavesResourcesForOpen(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	m.setFault(func(n int) (bool, error) {
		if n > 1 {
			return false, errors.New("connection reset")
		}
		return false, nil
	})
	a := etcdArchive(1, 1, "org.a")
	err := b.Put(ctx, a, etcdResources(120))
	assert.True(t, errors.Is(err, ErrWrite))

	paths, err := b.ResourcePaths(ctx, a.Key())
	require.NoError(t, err)
	assert.Len(t, paths, etcdMaxTxnOps)

	m.setFault(nil)
	require.NoError(t, b.Close())
	reopened := openMemEtcd(t, m)
	paths, err = reopened.ResourcePaths(ctx, a.Key())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEtcdBackendUpdateRetriesConflict(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	require.NoError(t, b.Put(ctx, etcdArchive(1, 1, "org.a"), nil))
	require.NoError(t, b.Put(ctx, etcdArchive(1, 2, "org.a"), nil))

	rowKey := b.keys.plugin(Key{ID: 1, Generation: 1})
	m.setFault(func(n int) (bool, error) {
		if n == 3 {
			m.rev++
			m.put(rowKey, string(m.data[rowKey].Value))
		}
		return false, nil
	})
	level := 7
	require.NoError(t, b.Update(ctx, 1, RowUpdate{StartLevel: &level}))
	assert.Equal(t, 4, m.txnCount())

	rows, err := b.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, 7, r.StartLevel)
	}

	err = b.Update(ctx, 9, RowUpdate{StartLevel: &level})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEtcdBackendDrop(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	g1, g2 := etcdArchive(1, 1, "org.a"), etcdArchive(1, 2, "org.a")
	require.NoError(t, b.Put(ctx, g1, etcdResources(2)))
	require.NoError(t, b.Put(ctx, g2, etcdResources(3)))
	require.NoError(t, b.Put(ctx, etcdArchive(2, 1, "org.b"), etcdResources(1)))

	require.NoError(t, b.Drop(ctx, 1, 1))
	rows, err := b.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, g2.Key(), rows[0].Key())
	paths, err := b.ResourcePaths(ctx, g1.Key())
	require.NoError(t, err)
	assert.Empty(t, paths)

	require.NoError(t, b.Drop(ctx, 1))
	rows, err = b.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].ID)
	paths, err = b.ResourcePaths(ctx, g2.Key())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestEtcdBackendRowsCorrupt(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	b := openMemEtcd(t, m)

	_, err := m.Put(ctx, b.keys.plugin(Key{ID: 1, Generation: 1}), "id: [")
	require.NoError(t, err)
	_, err = b.Rows(ctx)
	assert.True(t, errors.Is(err, ErrFileCorrupt))
}

func TestStoreOverEtcdBackend(t *testing.T) {
	ctx := context.Background()
	m := newMemKV()
	artifact := tempPath(t, "a.zip")
	writeArtifact(t, artifact, pluginFiles("org.a", "1.0.0", map[string]string{"web/a.js": "js"}))

	s := NewStore(memEtcdBackend(m))
	require.NoError(t, s.Open(ctx))
	a, err := s.Insert(ctx, "file:a", artifact)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = NewStore(memEtcdBackend(m))
	require.NoError(t, s.Open(ctx))
	defer s.Close()
	all, err := s.Archives(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "org.a", all[0].Headers.Get(manifest.SymbolicName))

	data, err := s.Resource(ctx, a.Key(), "web/a.js")
	require.NoError(t, err)
	assert.Equal(t, "js", string(data))
}

func etcdArchive(id, gen int64, name string) *Archive {
	return &Archive{
		ID:           id,
		Generation:   gen,
		Location:     "file:" + name,
		SymbolicName: name,
		Version:      "1.0.0",
		LastModified: time.Unix(1700000000, 0),
		Timestamp:    time.Unix(1700000100, 0),
		StartLevel:   1,
		Autostart:    AutostartDeclared,
	}
}

func etcdResources(n int) []Resource {
	out := make([]Resource, n)
	for i := range out {
		out[i] = Resource{Path: fmt.Sprintf("res/%04d", i), Data: []byte{byte(i)}}
	}
	return out
}

func memEtcdBackend(m *memKV) *EtcdBackend {
	cfg := DefaultEtcdConfig()
	cfg.RetryInterval = time.Millisecond
	b := NewEtcdBackend(cfg, nil)
	b.dial = func(context.Context) (io.Closer, clientv3.KV, error) { return nil, m, nil }
	return b
}

func openMemEtcd(t *testing.T, m *memKV) *EtcdBackend {
	t.Helper()
	b := memEtcdBackend(m)
	require.NoError(t, b.Open(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// memKV 是内存中的 clientv3.KV，按 etcd 语义维护修订号并执行事务比较。
// fault 在第 n 次 Commit 前调用，applied 为真时事务照常执行后再返回错误。
type memKV struct {
	mu    sync.Mutex
	rev   int64
	data  map[string]*mvccpb.KeyValue
	txns  int
	fault func(n int) (applied bool, err error)
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]*mvccpb.KeyValue)}
}

func (m *memKV) setFault(f func(n int) (bool, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault, m.txns = f, 0
}

func (m *memKV) txnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txns
}

func (m *memKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	m.put(key, val)
	return &clientv3.PutResponse{}, nil
}

func (m *memKV) Get(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := clientv3.OpGet(key, opts...)
	var kvs []*mvccpb.KeyValue
	for _, k := range m.match(op) {
		cur := m.data[k]
		item := &mvccpb.KeyValue{Key: cur.Key, CreateRevision: cur.CreateRevision, ModRevision: cur.ModRevision, Version: cur.Version}
		if !op.IsKeysOnly() {
			item.Value = cur.Value
		}
		kvs = append(kvs, item)
	}
	return &clientv3.GetResponse{Kvs: kvs, Count: int64(len(kvs))}, nil
}

func (m *memKV) Delete(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	return &clientv3.DeleteResponse{Deleted: m.del(clientv3.OpDelete(key, opts...))}, nil
}

func (m *memKV) Compact(context.Context, int64, ...clientv3.CompactOption) (*clientv3.CompactResponse, error) {
	return &clientv3.CompactResponse{}, nil
}

func (m *memKV) Do(context.Context, clientv3.Op) (clientv3.OpResponse, error) {
	return clientv3.OpResponse{}, errors.New("memKV: Do is not supported")
}

func (m *memKV) Txn(context.Context) clientv3.Txn {
	return &memTxn{kv: m}
}

func (m *memKV) put(key, val string) {
	item := &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val), CreateRevision: m.rev, ModRevision: m.rev, Version: 1}
	if old, ok := m.data[key]; ok {
		item.CreateRevision, item.Version = old.CreateRevision, old.Version+1
	}
	m.data[key] = item
}

func (m *memKV) del(op clientv3.Op) int64 {
	keys := m.match(op)
	for _, k := range keys {
		delete(m.data, k)
	}
	return int64(len(keys))
}

func (m *memKV) match(op clientv3.Op) []string {
	key, end := string(op.KeyBytes()), string(op.RangeBytes())
	var out []string
	for k := range m.data {
		if (end == "" && k == key) || (end != "" && k >= key && k < end) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *memKV) compare(c clientv3.Cmp) bool {
	cur, ok := m.data[string(c.Key)]
	var got, want int64
	switch u := c.TargetUnion.(type) {
	case *etcdserverpb.Compare_CreateRevision:
		want = u.CreateRevision
		if ok {
			got = cur.CreateRevision
		}
	case *etcdserverpb.Compare_ModRevision:
		want = u.ModRevision
		if ok {
			got = cur.ModRevision
		}
	default:
		panic("memKV: unsupported compare target")
	}
	return c.Result == etcdserverpb.Compare_EQUAL && got == want
}

type memTxn struct {
	kv      *memKV
	cmps    []clientv3.Cmp
	thenOps []clientv3.Op
	elseOps []clientv3.Op
}

func (t *memTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *memTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thenOps = append(t.thenOps, ops...)
	return t
}

func (t *memTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.elseOps = append(t.elseOps, ops...)
	return t
}

func (t *memTxn) Commit() (*clientv3.TxnResponse, error) {
	m := t.kv
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns++
	var (
		applied bool
		fault   error
	)
	if m.fault != nil {
		applied, fault = m.fault(m.txns)
	}
	if fault != nil && !applied {
		return nil, fault
	}

	succeeded := true
	for _, c := range t.cmps {
		if !m.compare(c) {
			succeeded = false
			break
		}
	}
	ops := t.thenOps
	if !succeeded {
		ops = t.elseOps
	}
	if len(ops) > 0 {
		m.rev++
	}
	for _, op := range ops {
		switch {
		case op.IsPut():
			m.put(string(op.KeyBytes()), string(op.ValueBytes()))
		case op.IsDelete():
			m.del(op)
		}
	}
	if fault != nil {
		return nil, fault
	}
	return &clientv3.TxnResponse{Succeeded: succeeded}, nil
}
