package framework

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidArgument 参数非法，例如清单格式错误或 (名称, 版本) 重复。
	ErrInvalidArgument = errors.New("framework: invalid argument")
	// ErrIllegalState 插件状态不允许该操作，例如操作已卸载的插件。
	ErrIllegalState = errors.New("framework: illegal state")
	// ErrBusy 等待插件上进行中的操作超时。
	ErrBusy = errors.New("framework: plugin busy")

	// ErrPlugin 标记所有插件错误。
	ErrPlugin = errors.New("framework: plugin error")

	// ErrUnsupported 操作不受支持。
	ErrUnsupported = errors.New("framework: unsupported operation")
	// ErrInvalidOperation 当前条件下不允许该操作。
	ErrInvalidOperation = errors.New("framework: invalid operation")
	// ErrManifest 清单缺失、无法解析或校验失败。
	ErrManifest = errors.New("framework: manifest error")
	// ErrResolve 强制依赖无法满足。
	ErrResolve = errors.New("framework: resolve error")
	// ErrActivator 激活入口缺失、返回错误或发生 panic。
	ErrActivator = errors.New("framework: activator error")
	// ErrStateChange 状态转换与并发操作冲突。
	ErrStateChange = errors.New("framework: state change error")
	// ErrDuplicate 已存在相同 (名称, 版本) 的插件。
	ErrDuplicate = errors.New("framework: duplicate plugin")
	// ErrRead 制品或资源读取失败。
	ErrRead = errors.New("framework: read error")
	// ErrStartTransient 瞬时启动失败。
	ErrStartTransient = errors.New("framework: start transient error")

	errNotInitialized = errors.New("framework: not initialized")
)

// ErrorKind 区分插件错误类别。
type ErrorKind int

const (
	// KindUnsupported 对应 ErrUnsupported。
	KindUnsupported ErrorKind = iota + 1
	// KindInvalidOperation 对应 ErrInvalidOperation。
	KindInvalidOperation
	// KindManifest 对应 ErrManifest。
	KindManifest
	// KindResolve 对应 ErrResolve。
	KindResolve
	// KindActivator 对应 ErrActivator。
	KindActivator
	// KindStateChange 对应 ErrStateChange。
	KindStateChange
	// KindDuplicate 对应 ErrDuplicate。
	KindDuplicate
	// KindRead 对应 ErrRead。
	KindRead
	// KindStartTransient 对应 ErrStartTransient。
	KindStartTransient
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnsupported:
		return ErrUnsupported
	case KindInvalidOperation:
		return ErrInvalidOperation
	case KindManifest:
		return ErrManifest
	case KindResolve:
		return ErrResolve
	case KindActivator:
		return ErrActivator
	case KindStateChange:
		return ErrStateChange
	case KindDuplicate:
		return ErrDuplicate
	case KindRead:
		return ErrRead
	default:
		return ErrStartTransient
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupported:
		return "unsupported"
	case KindInvalidOperation:
		return "invalid operation"
	case KindManifest:
		return "manifest"
	case KindResolve:
		return "resolve"
	case KindActivator:
		return "activator"
	case KindStateChange:
		return "state change"
	case KindDuplicate:
		return "duplicate"
	case KindRead:
		return "read"
	default:
		return "start transient"
	}
}

// PluginError 描述某个插件上失败的操作。
type PluginError struct {
	Kind     ErrorKind
	PluginID int64
	Location string
	Msg      string
	Err      error
}

func (e *PluginError) Error() string {
	msg := fmt.Sprintf("plugin %d (%s): %s error", e.PluginID, e.Location, e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

func newPluginError(kind ErrorKind, p *Plugin, cause error, format string, args ...any) error {
	pe := &PluginError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
	if p != nil {
		pe.PluginID = p.ID()
		pe.Location = p.Location()
	}
	var err error = pe
	err = errors.Mark(err, kind.sentinel())
	if kind == KindManifest || kind == KindDuplicate {
		err = errors.Mark(err, ErrInvalidArgument)
	}
	return errors.Mark(err, ErrPlugin)
}

func illegalState(p *Plugin, format string, args ...any) error {
	return errors.Mark(errors.Newf("plugin %d (%s): "+format, append([]any{p.ID(), p.Location()}, args...)...), ErrIllegalState)
}

// BusyError 表示等待插件操作令牌超时。
type BusyError struct {
	PluginID  int64
	Location  string
	Operation Operation
	Waited    time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("plugin %d (%s): busy with %s after waiting %s", e.PluginID, e.Location, e.Operation, e.Waited)
}

// Is 使 errors.Is(err, ErrBusy) 成立。
func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}
