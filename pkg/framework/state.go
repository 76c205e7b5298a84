package framework

import (
	"slices"
	"strings"
)

// State 表示插件生命周期状态，取值为位标志，可组合成掩码。
type State int

const (
	// StateUninstalled 插件已卸载，对象不可再使用。
	StateUninstalled State = 1 << iota
	// StateInstalled 插件已安装，依赖尚未解析。
	StateInstalled
	// StateResolved 强制依赖已满足，可以启动。
	StateResolved
	// StateStarting 正在启动，或等待延迟激活。
	StateStarting
	// StateStopping 正在停止。
	StateStopping
	// StateActive 激活入口已成功返回。
	StateActive
)

// 常用状态掩码。
const (
	// StatesResolved 是满足依赖的状态集合。
	StatesResolved = StateResolved | StateStarting | StateActive | StateStopping
	// StatesRunning 是视为已启动的状态集合。
	StatesRunning = StateStarting | StateActive
	// StatesAll 匹配任意状态。
	StatesAll = StateUninstalled | StateInstalled | StateResolved | StateStarting | StateStopping | StateActive
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "UNINSTALLED"
	case StateInstalled:
		return "INSTALLED"
	case StateResolved:
		return "RESOLVED"
	case StateStarting:
		return "STARTING"
	case StateStopping:
		return "STOPPING"
	case StateActive:
		return "ACTIVE"
	}
	var parts []string
	for _, st := range []State{StateUninstalled, StateInstalled, StateResolved, StateStarting, StateStopping, StateActive} {
		if s&st != 0 {
			parts = append(parts, st.String())
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}

// In 判断状态是否属于掩码。
func (s State) In(mask State) bool {
	return s&mask != 0
}

// validTransitions 列出每个状态允许进入的下一状态。
var validTransitions = map[State][]State{
	StateInstalled: {StateInstalled, StateResolved, StateUninstalled},
	StateResolved:  {StateInstalled, StateStarting, StateUninstalled},
	StateStarting:  {StateActive, StateStopping},
	StateActive:    {StateStopping},
	StateStopping:  {StateResolved},
}

func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Operation 表示插件上当前进行中的生命周期操作。
type Operation int

const (
	// OpIdle 没有进行中的操作。
	OpIdle Operation = iota
	// OpResolving 正在解析依赖。
	OpResolving
	// OpActivating 正在启动。
	OpActivating
	// OpDeactivating 正在停止。
	OpDeactivating
	// OpUpdating 正在更新。
	OpUpdating
	// OpUninstalling 正在卸载。
	OpUninstalling
	// OpUnresolving 正在撤销解析。
	OpUnresolving
)

func (o Operation) String() string {
	switch o {
	case OpResolving:
		return "RESOLVING"
	case OpActivating:
		return "ACTIVATING"
	case OpDeactivating:
		return "DEACTIVATING"
	case OpUpdating:
		return "UPDATING"
	case OpUninstalling:
		return "UNINSTALLING"
	case OpUnresolving:
		return "UNRESOLVING"
	default:
		return "IDLE"
	}
}
