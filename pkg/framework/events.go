package framework

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/zeus-plugin/pkg/logger"
)

// EventType 插件事件类型。
type EventType int

const (
	EventInstalled EventType = iota + 1
	EventResolved
	EventLazyActivation
	EventStarting
	EventStarted
	EventStopping
	EventStopped
	EventUpdated
	EventUnresolved
	EventUninstalled
)

func (t EventType) String() string {
	switch t {
	case EventInstalled:
		return "INSTALLED"
	case EventResolved:
		return "RESOLVED"
	case EventLazyActivation:
		return "LAZY_ACTIVATION"
	case EventStarting:
		return "STARTING"
	case EventStarted:
		return "STARTED"
	case EventStopping:
		return "STOPPING"
	case EventStopped:
		return "STOPPED"
	case EventUpdated:
		return "UPDATED"
	case EventUnresolved:
		return "UNRESOLVED"
	case EventUninstalled:
		return "UNINSTALLED"
	default:
		return "UNKNOWN"
	}
}

// Event 是一次插件状态变化的通知。
type Event struct {
	Seq    uint64
	Type   EventType
	Plugin *Plugin
	Time   time.Time
}

// FrameworkEventType 框架事件类型。
type FrameworkEventType int

const (
	FrameworkStarted FrameworkEventType = iota + 1
	FrameworkStopped
	FrameworkError
	FrameworkWarning
	FrameworkInfo
)

func (t FrameworkEventType) String() string {
	switch t {
	case FrameworkStarted:
		return "STARTED"
	case FrameworkStopped:
		return "STOPPED"
	case FrameworkError:
		return "ERROR"
	case FrameworkWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

// FrameworkEvent 是框架级通知，错误报告也通过它投递。
type FrameworkEvent struct {
	Seq    uint64
	Type   FrameworkEventType
	Plugin *Plugin
	Err    error
	Time   time.Time
}

// Listener 接收插件事件。
type Listener interface {
	PluginChanged(Event)
}

// ListenerFunc 将函数适配为 Listener。
type ListenerFunc func(Event)

func (f ListenerFunc) PluginChanged(e Event) { f(e) }

// FrameworkListener 接收框架事件。
type FrameworkListener interface {
	FrameworkEvent(FrameworkEvent)
}

// FrameworkListenerFunc 将函数适配为 FrameworkListener。
type FrameworkListenerFunc func(FrameworkEvent)

func (f FrameworkListenerFunc) FrameworkEvent(e FrameworkEvent) { f(e) }

// dispatcher 按提交顺序同步投递事件。序号在入队时分配；
// 监听器内部再次触发的事件排在队尾，由正在投递的调用方继续投递，不会死锁。
type dispatcher struct {
	logger logger.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []Listener
	fwk       []FrameworkListener

	qmu      sync.Mutex
	queue    []func()
	draining bool
	seq      atomic.Uint64
}

func newDispatcher(l logger.Logger, now func() time.Time) *dispatcher {
	return &dispatcher{logger: l, now: now}
}

func (d *dispatcher) addListener(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *dispatcher) removeListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.listeners {
		if cur == l {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) addFrameworkListener(l FrameworkListener) {
	d.mu.Lock()
	d.fwk = append(d.fwk, l)
	d.mu.Unlock()
}

func (d *dispatcher) removeFrameworkListener(l FrameworkListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.fwk {
		if cur == l {
			d.fwk = append(d.fwk[:i:i], d.fwk[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) pluginChanged(t EventType, p *Plugin) {
	d.postPlugin(t, p)
	d.drain()
}

// postPlugin 只入队不投递，可在持有插件锁时调用以固定事件顺序，
// 释放锁后须调用 drain。
func (d *dispatcher) postPlugin(t EventType, p *Plugin) {
	d.post(func(seq uint64) func() {
		e := Event{Seq: seq, Type: t, Plugin: p, Time: d.now()}
		return func() {
			d.logger.Debug("plugin event", fields("seq", e.Seq, "type", t.String(), "plugin_id", p.ID(), "symbolic_name", p.SymbolicName())...)
			d.mu.RLock()
			listeners := append([]Listener(nil), d.listeners...)
			d.mu.RUnlock()
			for _, l := range listeners {
				d.safeDeliver(func() { l.PluginChanged(e) })
			}
		}
	})
}

func (d *dispatcher) frameworkEvent(t FrameworkEventType, p *Plugin, err error) {
	d.post(func(seq uint64) func() {
		e := FrameworkEvent{Seq: seq, Type: t, Plugin: p, Err: err, Time: d.now()}
		return func() {
			d.mu.RLock()
			listeners := append([]FrameworkListener(nil), d.fwk...)
			d.mu.RUnlock()
			for _, l := range listeners {
				d.safeDeliver(func() { l.FrameworkEvent(e) })
			}
		}
	})
	d.drain()
}

// post 在队列锁内分配序号并入队。
func (d *dispatcher) post(build func(seq uint64) func()) {
	d.qmu.Lock()
	d.queue = append(d.queue, build(d.seq.Inc()))
	d.qmu.Unlock()
}

// drain 依次投递队列中的事件；已有投递者时直接返回，由其继续投递。
func (d *dispatcher) drain() {
	d.qmu.Lock()
	if d.draining {
		d.qmu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.qmu.Unlock()
		next()
		d.qmu.Lock()
	}
	d.draining = false
	d.qmu.Unlock()
}

// safeDeliver 隔离监听器 panic，不影响生命周期流程。
func (d *dispatcher) safeDeliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener panicked", fields("panic", r)...)
		}
	}()
	fn()
}
