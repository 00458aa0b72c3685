package Hardware

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errWorkerStopped = errors.New("worker stopped")

// Executor 执行可能阻塞的硬件调用，done 在事件循环上回调
type Executor interface {
	Submit(fn func() error, done func(error)) bool
}

// Inline 在调用方 goroutine 上同步执行，done 通过 Post 投递，用于模拟设备
type Inline struct {
	Post func(func())
}

func (in Inline) Submit(fn func() error, done func(error)) bool {
	err := fn()
	if done == nil {
		return true
	}
	if in.Post != nil {
		in.Post(func() { done(err) })
	} else {
		done(err)
	}
	return true
}

type job struct {
	fn   func() error
	done func(error)
}

// Worker 在后台 goroutine 上串行执行阻塞的硬件调用，
// 完成回调通过 post 投递回事件循环
type Worker struct {
	name string
	post func(func())
	jobs chan job

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewWorker 启动一个 worker，post 为 nil 时在 worker goroutine 上直接回调
func NewWorker(name string, post func(func())) *Worker {
	w := &Worker{
		name: name,
		post: post,
		jobs: make(chan job, 64),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer w.wg.Done()
	for j := range w.jobs {
		err := j.fn()
		if j.done == nil {
			continue
		}
		if w.post != nil {
			done := j.done
			w.post(func() { done(err) })
		} else {
			j.done(err)
		}
	}
}

// Submit 排队一个任务，worker 停止后返回 false
func (w *Worker) Submit(fn func() error, done func(error)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.jobs <- job{fn: fn, done: done}
	return true
}

// Stop 等待已排队的任务执行完后退出
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.jobs)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// AsyncLines 把阻塞的 LineWriter 包装成不阻塞事件循环的版本，
// 错误通过 OnError 报告
type AsyncLines struct {
	name    string
	target  LineWriter
	worker  Executor
	OnError func(error)
	logger  *zap.Logger
}

func NewAsyncLines(name string, target LineWriter, worker Executor, logger *zap.Logger) *AsyncLines {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncLines{name: name, target: target, worker: worker, logger: logger}
}

func (a *AsyncLines) SetLines(high, low []string) error {
	high = append([]string(nil), high...)
	low = append([]string(nil), low...)
	ok := a.worker.Submit(func() error {
		return a.target.SetLines(high, low)
	}, func(err error) {
		if err == nil {
			return
		}
		herr := &Error{Device: a.name, Op: "set lines", Err: err}
		a.logger.Error("set lines failed", zap.String("device", a.name), zap.Error(err))
		if a.OnError != nil {
			a.OnError(herr)
		}
	})
	if !ok {
		return &Error{Device: a.name, Op: "set lines", Err: errWorkerStopped}
	}
	return nil
}

// AsyncFlow 同 AsyncLines，用于 MFC
type AsyncFlow struct {
	name    string
	target  FlowController
	worker  Executor
	OnError func(error)
}

func NewAsyncFlow(name string, target FlowController, worker Executor) *AsyncFlow {
	return &AsyncFlow{name: name, target: target, worker: worker}
}

func (a *AsyncFlow) SetRate(rate float64) error {
	ok := a.worker.Submit(func() error {
		return a.target.SetRate(rate)
	}, func(err error) {
		if err != nil && a.OnError != nil {
			a.OnError(&Error{Device: a.name, Op: "set rate", Err: err})
		}
	})
	if !ok {
		return &Error{Device: a.name, Op: "set rate", Err: errWorkerStopped}
	}
	return nil
}

var (
	_ Executor       = (*Worker)(nil)
	_ Executor       = Inline{}
	_ LineWriter     = (*AsyncLines)(nil)
	_ FlowController = (*AsyncFlow)(nil)
)
