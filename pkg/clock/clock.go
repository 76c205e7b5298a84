package clock

import (
	"sync"
	"time"
)

// Clock 提供当前时间，便于在测试中替换。
type Clock interface {
	// Now 返回当前时间（含偏移）。
	Now() time.Time
	// Since 返回自 t 起经过的时间。
	Since(t time.Time) time.Duration
}

// Real 返回系统时钟。
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Manual 是可手动推进的时钟，用于测试时间戳与过期判断。
type Manual struct {
	mu     sync.RWMutex
	now    time.Time
	offset time.Duration
}

// NewManual 创建起始于 start 的手动时钟。
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now 返回当前时间（起始时间 + 偏移）。
func (c *Manual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now.Add(c.offset)
}

// Since 返回自 t 起经过的时间。
func (c *Manual) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Add 推进时钟（可为负数）。
func (c *Manual) Add(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

// Set 将时钟设为指定时间并清除偏移。
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.offset = 0
	c.mu.Unlock()
}

// Offset 返回累计偏移量。
func (c *Manual) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

var (
	_ Clock = realClock{}
	_ Clock = (*Manual)(nil)
)
