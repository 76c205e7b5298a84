package service

import "github.com/lk2023060901/zeus-plugin/pkg/module"

// Service 是依附于模块之上的后台服务，例如制品刷新。
// Requires 可以引用模块 ID 或其他服务 ID，服务总在全部模块启动之后启动。
type Service interface {
	module.Node
	module.Lifecycle
}
