package Loop

import (
	"context"
	"sync"
	"time"
)

// Scheduler 是状态机依赖的调度接口
// 所有回调都在同一个 goroutine 上执行
type Scheduler interface {
	Now() time.Time
	// After 在 d 之后把 fn 投递到事件循环，返回取消函数
	After(d time.Duration, fn func()) (cancel func())
	// Post 把 fn 投递到事件循环 (可在任意 goroutine 调用)
	Post(fn func())
}

// Loop 单线程协作式事件循环
type Loop struct {
	queue chan func()

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New 创建事件循环，queueSize 为待执行回调的缓冲大小
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Loop{
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
}

// Now 返回带单调时钟读数的当前时间
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post 投递回调，循环停止后丢弃
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// After 定时器到期时把 fn 投递到循环；取消后保证 fn 不会执行
func (l *Loop) After(d time.Duration, fn func()) func() {
	var mu sync.Mutex
	cancelled := false
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			mu.Lock()
			c := cancelled
			mu.Unlock()
			if !c {
				fn()
			}
		})
	})
	return func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		t.Stop()
	}
}

// Run 执行回调直到 ctx 结束或 Stop 被调用
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			fn()
		}
	}
}

// Stop 停止循环
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.done)
	}
}
