package module

import "context"

// Node 是可按依赖排序的条目。
type Node interface {
	ID() string
	// Requires 返回必须先于自身初始化和启动的条目 ID。
	Requires() []string
}

// Lifecycle 是宿主依次驱动的三段生命周期：Init 按依赖顺序执行，
// Start 失败时已启动的条目按逆序 Stop。
type Lifecycle interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Module 是宿主中的基础组件，插件框架即以 Module 形式托管。
type Module interface {
	Node
	Lifecycle
	Version() string
}
