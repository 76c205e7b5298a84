package archive

import (
	"context"
	"time"
)

// Backend 持久化归档行与资源块。每个写方法必须原子执行：
// 失败时回滚，不留下部分写入。
type Backend interface {
	// Open 校验或建立存储结构。
	Open(ctx context.Context) error
	// Close 释放连接。
	Close() error
	// Name 返回后端名称，用于日志。
	Name() string

	// Rows 返回全部归档行（含墓碑与未提交的代），不填充 Headers。
	Rows(ctx context.Context) ([]*Archive, error)
	// Put 写入一行及其全部资源。
	Put(ctx context.Context, a *Archive, resources []Resource) error
	// Drop 删除 id 的指定代及其资源；未指定代时删除全部。
	Drop(ctx context.Context, id int64, generations ...int64) error
	// Update 修改 id 所有代的可变列。
	Update(ctx context.Context, id int64, u RowUpdate) error

	// Resource 读取资源内容，不存在时返回 ErrNotFound。
	Resource(ctx context.Context, key Key, path string) ([]byte, error)
	// ResourcePaths 返回某代的全部资源路径。
	ResourcePaths(ctx context.Context, key Key) ([]string, error)
}

// RowUpdate 描述可变列的修改，nil 字段保持不变。
type RowUpdate struct {
	StartLevel   *int
	Autostart    *Autostart
	LastModified *time.Time
}

func (u RowUpdate) apply(a *Archive) {
	if u.StartLevel != nil {
		a.StartLevel = *u.StartLevel
	}
	if u.Autostart != nil {
		a.Autostart = *u.Autostart
	}
	if u.LastModified != nil {
		a.LastModified = *u.LastModified
	}
}
