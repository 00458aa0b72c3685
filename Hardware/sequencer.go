package Hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SeqState 初始化序列所处的阶段
type SeqState int

const (
	StateIdle SeqState = iota
	StateServer
	StateChannelOpen
	StateSubDevice
	StateReady
)

func (s SeqState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateServer:
		return "SERVER"
	case StateChannelOpen:
		return "CHANNEL_OPEN"
	case StateSubDevice:
		return "SUBDEVICE"
	case StateReady:
		return "READY"
	}
	return fmt.Sprintf("SeqState(%d)", int(s))
}

// Stage 当前阶段，Index 只对 StateSubDevice 有意义 (从 1 开始)
type Stage struct {
	State SeqState
	Index int
}

func (s Stage) String() string {
	if s.State == StateSubDevice {
		return fmt.Sprintf("SUBDEVICE_%d", s.Index)
	}
	return s.State.String()
}

type step struct {
	stage  Stage
	device Device
}

// Sequencer 依次打开服务器、通道和子设备，全部完成后进入 READY。
// 所有方法和回调都应在事件循环上调用。
type Sequencer struct {
	steps  []step
	exec   Executor
	logger *zap.Logger

	OnReady func()
	OnError func(error)

	stage    Stage
	next     int
	inflight bool
	paused   bool
	down     bool

	mu     sync.Mutex
	opened []Device
}

// NewSequencer 按 server → channels → subs 的顺序建立步骤表
func NewSequencer(server Device, channels []Device, subs []Device, exec Executor, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sequencer{exec: exec, logger: logger}
	if server != nil {
		s.steps = append(s.steps, step{Stage{State: StateServer}, server})
	}
	for _, c := range channels {
		s.steps = append(s.steps, step{Stage{State: StateChannelOpen}, c})
	}
	for i, d := range subs {
		s.steps = append(s.steps, step{Stage{State: StateSubDevice, Index: i + 1}, d})
	}
	return s
}

func (s *Sequencer) State() Stage { return s.stage }

// Ready 是否所有设备都已打开
func (s *Sequencer) Ready() bool { return s.stage.State == StateReady }

// Paused 是否处于暂停
func (s *Sequencer) Paused() bool { return s.paused }

// Start 从上次完成的步骤继续
func (s *Sequencer) Start(ctx context.Context) {
	if s.down {
		return
	}
	s.paused = false
	s.advance(ctx)
}

// Pause 进行中的步骤完成后停止推进
func (s *Sequencer) Pause() {
	s.paused = true
}

// Resume 等同于 Start
func (s *Sequencer) Resume(ctx context.Context) {
	s.Start(ctx)
}

func (s *Sequencer) advance(ctx context.Context) {
	if s.inflight || s.paused || s.down {
		return
	}
	if s.next >= len(s.steps) {
		if s.stage.State != StateReady {
			s.stage = Stage{State: StateReady}
			s.logger.Info("devices ready")
			if s.OnReady != nil {
				s.OnReady()
			}
		}
		return
	}

	st := s.steps[s.next]
	s.inflight = true
	s.logger.Debug("opening device", zap.String("device", st.device.Name()), zap.Stringer("stage", st.stage))
	ok := s.exec.Submit(func() error {
		if err := st.device.Open(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		s.opened = append(s.opened, st.device)
		s.mu.Unlock()
		return nil
	}, func(err error) {
		s.stepDone(ctx, st, err)
	})
	if !ok {
		s.inflight = false
		s.fail(&Error{Device: st.device.Name(), Op: "open", Err: errWorkerStopped})
	}
}

func (s *Sequencer) stepDone(ctx context.Context, st step, err error) {
	s.inflight = false
	if s.down {
		return
	}
	if err != nil {
		s.fail(&Error{Device: st.device.Name(), Op: "open", Err: err})
		return
	}
	s.stage = st.stage
	s.next++
	if s.paused {
		s.logger.Info("init paused", zap.Stringer("stage", s.stage))
		return
	}
	s.advance(ctx)
}

func (s *Sequencer) fail(err error) {
	s.paused = true
	s.logger.Error("device init failed", zap.Error(err))
	if s.OnError != nil {
		s.OnError(err)
	}
}

// Teardown 先把所有输出置低，再按打开的逆序关闭设备。
// 单个设备的失败只记录日志，不影响其余设备；返回所有失败的汇总。
func (s *Sequencer) Teardown(ctx context.Context) error {
	s.down = true
	s.paused = true

	done := make(chan error, 1)
	ok := s.exec.Submit(func() error {
		done <- s.release()
		return nil
	}, nil)
	if !ok {
		// worker 已停止，直接在当前 goroutine 释放
		go func() { done <- s.release() }()
	}

	select {
	case err := <-done:
		s.stage = Stage{State: StateIdle}
		s.next = 0
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) release() error {
	s.mu.Lock()
	opened := s.opened
	s.opened = nil
	s.mu.Unlock()

	var errs []error
	for _, d := range opened {
		q, ok := d.(Quiescer)
		if !ok {
			continue
		}
		if err := q.Quiesce(); err != nil {
			s.logger.Warn("quiesce failed", zap.String("device", d.Name()), zap.Error(err))
			errs = append(errs, &Error{Device: d.Name(), Op: "quiesce", Err: err})
		}
	}
	for i := len(opened) - 1; i >= 0; i-- {
		d := opened[i]
		if err := d.Close(); err != nil {
			s.logger.Warn("close failed", zap.String("device", d.Name()), zap.Error(err))
			errs = append(errs, &Error{Device: d.Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}
