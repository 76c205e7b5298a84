package framework

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// beginOperation 获取插件的操作令牌。令牌被占用时最多等待 timeout，
// 超时返回 *BusyError。
func (p *Plugin) beginOperation(ctx context.Context, op Operation, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	start := time.Now()

	p.mu.Lock()
	for p.op != OpIdle {
		cur := p.op
		changed := p.opChanged
		p.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			p.fw.metrics.busy(cur)
			return errors.Mark(&BusyError{PluginID: p.id, Location: p.location, Operation: cur, Waited: time.Since(start)}, ErrBusy)
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
	p.op = op
	p.mu.Unlock()
	return nil
}

// endOperation 释放令牌并唤醒所有等待者。
func (p *Plugin) endOperation() {
	p.mu.Lock()
	p.op = OpIdle
	close(p.opChanged)
	p.opChanged = make(chan struct{})
	p.mu.Unlock()
}

// Operation 返回插件上进行中的操作。
func (p *Plugin) Operation() Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.op
}

type activationKey struct{}

// activationChain 记录当前调用链上正在激活的插件，打破强制依赖环。
type activationChain struct {
	parent *activationChain
	id     int64
}

func withActivation(ctx context.Context, id int64) context.Context {
	parent, _ := ctx.Value(activationKey{}).(*activationChain)
	return context.WithValue(ctx, activationKey{}, &activationChain{parent: parent, id: id})
}

func inActivation(ctx context.Context, id int64) bool {
	c, _ := ctx.Value(activationKey{}).(*activationChain)
	for ; c != nil; c = c.parent {
		if c.id == id {
			return true
		}
	}
	return false
}
