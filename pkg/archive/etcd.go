package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/yaml.v3"

	"github.com/lk2023060901/zeus-plugin/pkg/logger"
)

// etcd 单个事务的操作数上限（服务端默认 128）。
const etcdMaxTxnOps = 100

// errConditionFailed 表示事务比较未通过，重试同一事务不会改变结果。
var errConditionFailed = errors.New("archive: etcd transaction condition failed")

// etcdRecord 是归档行在 etcd 中的编码。
type etcdRecord struct {
	ID           int64  `yaml:"id"`
	Generation   int64  `yaml:"generation"`
	Location     string `yaml:"location"`
	LocalPath    string `yaml:"local_path"`
	SymbolicName string `yaml:"symbolic_name"`
	Version      string `yaml:"version"`
	LastModified int64  `yaml:"last_modified"`
	Timestamp    int64  `yaml:"timestamp"`
	StartLevel   int    `yaml:"start_level"`
	Autostart    int    `yaml:"autostart"`
}

func encodeRecord(a *Archive) (string, error) {
	row := toRow(a)
	data, err := yaml.Marshal(etcdRecord(row))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeRecord(data []byte) (*Archive, error) {
	var rec etcdRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return pluginRow(rec).archive(), nil
}

// etcdKeys 生成键：
//
//	<prefix>/plugins/<id>/<generation>
//	<prefix>/resources/<id>/<generation>/<path>
type etcdKeys struct {
	prefix string
}

func newEtcdKeys(prefix string) etcdKeys {
	return etcdKeys{prefix: "/" + strings.Trim(prefix, "/")}
}

func (k etcdKeys) plugins() string { return k.prefix + "/plugins/" }

func (k etcdKeys) pluginID(id int64) string {
	return fmt.Sprintf("%s%020d/", k.plugins(), id)
}

func (k etcdKeys) plugin(key Key) string {
	return fmt.Sprintf("%s%020d", k.pluginID(key.ID), key.Generation)
}

func (k etcdKeys) resources() string { return k.prefix + "/resources/" }

func (k etcdKeys) resourceID(id int64) string {
	return fmt.Sprintf("%s%020d/", k.resources(), id)
}

func (k etcdKeys) resourceGen(key Key) string {
	return fmt.Sprintf("%s%020d/", k.resourceID(key.ID), key.Generation)
}

func (k etcdKeys) resource(key Key, path string) string {
	return k.resourceGen(key) + path
}

// parseResourceKey 解析资源键，返回所属代。
func (k etcdKeys) parseResourceKey(raw string) (Key, string, bool) {
	rest, ok := strings.CutPrefix(raw, k.resources())
	if !ok {
		return Key{}, "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return Key{}, "", false
	}
	id, err1 := strconv.ParseInt(parts[0], 10, 64)
	gen, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return Key{}, "", false
	}
	return Key{ID: id, Generation: gen}, parts[2], true
}

// EtcdBackend 将归档保存在 etcd 中，行与资源的提交通过 Txn 保证原子性。
type EtcdBackend struct {
	cfg    EtcdConfig
	keys   etcdKeys
	logger logger.Logger
	dial   func(ctx context.Context) (io.Closer, clientv3.KV, error)

	mu     sync.RWMutex
	closer io.Closer
	kv     clientv3.KV
}

// NewEtcdBackend 创建 etcd 后端，连接在 Open 时建立。
func NewEtcdBackend(cfg EtcdConfig, l logger.Logger) *EtcdBackend {
	b := &EtcdBackend{cfg: cfg, keys: newEtcdKeys(cfg.Prefix), logger: logger.OrNop(l)}
	b.dial = b.connect
	return b
}

// Name 返回后端名称。
func (b *EtcdBackend) Name() string {
	return DriverEtcd
}

// Open 建立连接，检查健康状态并清理没有行记录的资源。
func (b *EtcdBackend) Open(ctx context.Context) error {
	if err := b.cfg.Validate(); err != nil {
		return err
	}
	closer, kv, err := b.dial(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.closer, b.kv = closer, kv
	b.mu.Unlock()

	if err := b.dropDanglingResources(ctx); err != nil {
		_ = b.Close()
		return err
	}
	return nil
}

func (b *EtcdBackend) connect(ctx context.Context) (io.Closer, clientv3.KV, error) {
	clientCfg, err := b.cfg.ToClientConfig()
	if err != nil {
		return nil, nil, storeError(ConnectionInvalid, "open", err)
	}
	cli, err := clientv3.New(*clientCfg)
	if err != nil {
		return nil, nil, storeError(ConnectionInvalid, "open", err)
	}

	hctx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	_, err = cli.Status(hctx, b.cfg.Endpoints[0])
	cancel()
	if err != nil {
		_ = cli.Close()
		return nil, nil, storeError(ConnectionInvalid, "status", err)
	}
	return cli, clientv3.NewKV(cli), nil
}

// Close 关闭连接。
func (b *EtcdBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kv == nil {
		return nil
	}
	var err error
	if b.closer != nil {
		err = b.closer.Close()
	}
	b.closer, b.kv = nil, nil
	return err
}

func (b *EtcdBackend) conn(op string) (clientv3.KV, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.kv == nil {
		return nil, storeError(NotOpen, op, nil)
	}
	return b.kv, nil
}

func (b *EtcdBackend) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.RequestTimeout)
}

// withRetry 带重试执行
func (b *EtcdBackend) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i <= b.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.cfg.RetryInterval):
			}
		}
		rctx, cancel := b.requestCtx(ctx)
		lastErr = fn(rctx)
		cancel()
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// retryable 判断 etcd 错误是否值得重试，鉴权失败、请求超限与比较失败直接返回。
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, errConditionFailed) {
		return false
	}
	switch rpctypes.Error(err) {
	case rpctypes.ErrPermissionDenied,
		rpctypes.ErrAuthFailed,
		rpctypes.ErrInvalidAuthToken,
		rpctypes.ErrUserEmpty,
		rpctypes.ErrRequestTooLarge,
		rpctypes.ErrTooManyOps,
		rpctypes.ErrDuplicateKey:
		return false
	}
	return true
}

// Rows 返回全部行。
func (b *EtcdBackend) Rows(ctx context.Context) ([]*Archive, error) {
	kv, err := b.conn("rows")
	if err != nil {
		return nil, err
	}
	var resp *clientv3.GetResponse
	err = b.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = kv.Get(ctx, b.keys.plugins(), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		return err
	})
	if err != nil {
		return nil, storeError(Statement, "rows", err)
	}
	out := make([]*Archive, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		a, err := decodeRecord(item.Value)
		if err != nil {
			return nil, storeError(FileCorrupt, "rows", errors.Wrapf(err, "decode %s", item.Key))
		}
		out = append(out, a)
	}
	return out, nil
}

// Put 先分批写入资源，最后在一个事务中写入行记录；行记录可见即视为提交。
// 行事务发出后不再删除资源，结果不明时残留的资源由下次 Open 清理。
func (b *EtcdBackend) Put(ctx context.Context, a *Archive, resources []Resource) error {
	kv, err := b.conn("put")
	if err != nil {
		return err
	}
	value, err := encodeRecord(a)
	if err != nil {
		return storeError(Write, "put", err)
	}

	ops := make([]clientv3.Op, 0, len(resources)+1)
	for _, r := range resources {
		ops = append(ops, clientv3.OpPut(b.keys.resource(a.Key(), r.Path), string(r.Data)))
	}
	for len(ops) >= etcdMaxTxnOps {
		batch := ops[:etcdMaxTxnOps]
		if err := b.commit(ctx, kv, nil, batch); err != nil {
			b.cleanupResources(ctx, kv, a.Key())
			return storeError(Write, "put resources", err)
		}
		ops = ops[etcdMaxTxnOps:]
	}

	rowKey := b.keys.plugin(a.Key())
	ops = append(ops, clientv3.OpPut(rowKey, value))
	cmp := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(rowKey), "=", 0)}
	err = b.commit(ctx, kv, cmp, ops)
	if err == nil {
		return nil
	}
	if landed, gerr := b.holds(ctx, kv, rowKey, value); gerr == nil && landed {
		b.logger.Debug("archive row already committed", fields("id", a.ID, "generation", a.Generation)...)
		return nil
	}
	if errors.Is(err, errConditionFailed) {
		err = errors.Wrapf(err, "archive %d generation %d already exists", a.ID, a.Generation)
	}
	return storeError(Write, "put", err)
}

// holds 判断 key 当前是否保存着 value。
func (b *EtcdBackend) holds(ctx context.Context, kv clientv3.KV, key, value string) (bool, error) {
	var resp *clientv3.GetResponse
	err := b.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = kv.Get(ctx, key)
		return err
	})
	if err != nil {
		return false, err
	}
	return len(resp.Kvs) == 1 && bytes.Equal(resp.Kvs[0].Value, []byte(value)), nil
}

func (b *EtcdBackend) cleanupResources(ctx context.Context, kv clientv3.KV, key Key) {
	if _, err := kv.Delete(ctx, b.keys.resourceGen(key), clientv3.WithPrefix()); err != nil {
		b.logger.Warn("cleanup partial resources failed", fields("id", key.ID, "generation", key.Generation, "error", err)...)
	}
}

func (b *EtcdBackend) commit(ctx context.Context, kv clientv3.KV, cmps []clientv3.Cmp, ops []clientv3.Op) error {
	return b.withRetry(ctx, func(ctx context.Context) error {
		resp, err := kv.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return err
		}
		if !resp.Succeeded {
			return errConditionFailed
		}
		return nil
	})
}

// Drop 在一个事务中删除行与资源。
func (b *EtcdBackend) Drop(ctx context.Context, id int64, generations ...int64) error {
	kv, err := b.conn("drop")
	if err != nil {
		return err
	}
	var ops []clientv3.Op
	if len(generations) == 0 {
		ops = append(ops,
			clientv3.OpDelete(b.keys.pluginID(id), clientv3.WithPrefix()),
			clientv3.OpDelete(b.keys.resourceID(id), clientv3.WithPrefix()),
		)
	}
	for _, gen := range generations {
		key := Key{ID: id, Generation: gen}
		ops = append(ops,
			clientv3.OpDelete(b.keys.plugin(key)),
			clientv3.OpDelete(b.keys.resourceGen(key), clientv3.WithPrefix()),
		)
	}
	if err := b.commit(ctx, kv, nil, ops); err != nil {
		return storeError(Write, "drop", err)
	}
	return nil
}

// Update 以乐观锁修改 id 所有代的可变列，并发修改导致比较失败时重新读取。
func (b *EtcdBackend) Update(ctx context.Context, id int64, u RowUpdate) error {
	kv, err := b.conn("update")
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err := b.updateOnce(ctx, kv, id, u)
		if !errors.Is(err, errConditionFailed) || attempt >= b.cfg.MaxRetries {
			return err
		}
		b.logger.Debug("archive row changed concurrently, retrying", fields("id", id, "attempt", attempt+1)...)
	}
}

func (b *EtcdBackend) updateOnce(ctx context.Context, kv clientv3.KV, id int64, u RowUpdate) error {
	var resp *clientv3.GetResponse
	err := b.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = kv.Get(ctx, b.keys.pluginID(id), clientv3.WithPrefix())
		return err
	})
	if err != nil {
		return storeError(Statement, "update", err)
	}
	if len(resp.Kvs) == 0 {
		return storeError(Write, "update", errors.Wrapf(ErrNotFound, "archive %d", id))
	}

	cmps := make([]clientv3.Cmp, 0, len(resp.Kvs))
	ops := make([]clientv3.Op, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		a, err := decodeRecord(item.Value)
		if err != nil {
			return storeError(FileCorrupt, "update", err)
		}
		u.apply(a)
		value, err := encodeRecord(a)
		if err != nil {
			return storeError(Write, "update", err)
		}
		key := string(item.Key)
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", item.ModRevision))
		ops = append(ops, clientv3.OpPut(key, value))
	}
	if err := b.commit(ctx, kv, cmps, ops); err != nil {
		return storeError(Write, "update", err)
	}
	return nil
}

// Resource 读取资源内容。
func (b *EtcdBackend) Resource(ctx context.Context, key Key, path string) ([]byte, error) {
	kv, err := b.conn("resource")
	if err != nil {
		return nil, err
	}
	var resp *clientv3.GetResponse
	err = b.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = kv.Get(ctx, b.keys.resource(key, path))
		return err
	})
	if err != nil {
		return nil, storeError(Statement, "resource", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "resource %q in archive %d", path, key.ID)
	}
	return resp.Kvs[0].Value, nil
}

// ResourcePaths 返回某代全部资源路径。
func (b *EtcdBackend) ResourcePaths(ctx context.Context, key Key) ([]string, error) {
	kv, err := b.conn("resource paths")
	if err != nil {
		return nil, err
	}
	prefix := b.keys.resourceGen(key)
	var resp *clientv3.GetResponse
	err = b.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
		return err
	})
	if err != nil {
		return nil, storeError(Statement, "resource paths", err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		out = append(out, strings.TrimPrefix(string(item.Key), prefix))
	}
	return out, nil
}

// dropDanglingResources 删除中断写入留下的、没有对应行记录的资源。
func (b *EtcdBackend) dropDanglingResources(ctx context.Context) error {
	rows, err := b.Rows(ctx)
	if err != nil {
		return err
	}
	live := make(map[Key]struct{}, len(rows))
	for _, a := range rows {
		live[a.Key()] = struct{}{}
	}

	kv, err := b.conn("open")
	if err != nil {
		return err
	}
	rctx, cancel := b.requestCtx(ctx)
	resp, err := kv.Get(rctx, b.keys.resources(), clientv3.WithPrefix(), clientv3.WithKeysOnly())
	cancel()
	if err != nil {
		return storeError(Statement, "open", err)
	}
	dangling := make(map[Key]struct{})
	for _, item := range resp.Kvs {
		key, _, ok := b.keys.parseResourceKey(string(item.Key))
		if !ok {
			continue
		}
		if _, ok := live[key]; !ok {
			dangling[key] = struct{}{}
		}
	}
	for key := range dangling {
		b.logger.Warn("dropping dangling archive resources", fields("id", key.ID, "generation", key.Generation)...)
		if _, err := kv.Delete(ctx, b.keys.resourceGen(key), clientv3.WithPrefix()); err != nil {
			return storeError(Write, "open", err)
		}
	}
	return nil
}

var _ Backend = (*EtcdBackend)(nil)
