package Experiment

import (
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"rig/Hardware"
	"rig/Loop"
	"rig/Odors"
	"rig/TrialLog"
)

// SessionState 动物会话的状态
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionTrial
	SessionITI
	SessionPaused
	SessionDone
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionTrial:
		return "trial"
	case SessionITI:
		return "iti"
	case SessionPaused:
		return "paused"
	case SessionDone:
		return "done"
	case SessionStopped:
		return "stopped"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Stats 当前 block 的统计
type Stats struct {
	Block      int
	Pass       int
	Fail       int
	Incomplete int
	// Success 最近 filter_len 个试验的通过率 (百分比)
	Success float64
}

// Deps 动物会话的外部依赖
type Deps struct {
	Devices   Devices
	Scheduler Loop.Scheduler
	Rand      *rand.Rand
	Recorder  TrialLog.Recorder
	FilterLen int
	Logger    *zap.Logger
}

// AnimalSession 依次运行一个动物所有 block 的所有试验。
// 所有方法都应在事件循环上调用。
type AnimalSession struct {
	Animal  string
	Config  *ExperimentConfig
	Odors   *Odors.OdorList
	Plan    *Odors.Plan
	History Odors.History

	// OnTrial 每个试验记录后调用
	OnTrial func(*Trial, Stats)
	// OnDone 所有 block 完成后调用
	OnDone func()
	// OnError 硬件或日志错误
	OnError func(error)

	env       *env
	filterLen int
	state     SessionState
	block     int
	trial     int
	current   *Trial
	pausing   bool
	itiCancel func()
	stats     Stats
	outcomes  []bool
}

// NewAnimalSession 创建会话，history 为 nil 时新建
func NewAnimalSession(animal string, cfg *ExperimentConfig, odors *Odors.OdorList, plan *Odors.Plan, history Odors.History, deps Deps) *AnimalSession {
	if history == nil {
		history = Odors.History{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = TrialLog.NoOpRecorder{}
	}
	s := &AnimalSession{
		Animal:    animal,
		Config:    cfg,
		Odors:     odors,
		Plan:      plan,
		History:   history,
		filterLen: max(deps.FilterLen, 1),
	}
	s.env = &env{
		cfg:      cfg,
		odors:    odors,
		dev:      deps.Devices,
		sched:    deps.Scheduler,
		rng:      deps.Rand,
		history:  history,
		recorder: recorder,
		animal:   animal,
		logger:   logger.With(zap.String("animal", animal)),
		onError:  s.fail,
	}
	return s
}

func (s *AnimalSession) fail(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}

func (s *AnimalSession) State() SessionState { return s.state }

// Position 下一个 (或当前) 试验的位置
func (s *AnimalSession) Position() (block, trial int) { return s.block, s.trial }

// Current 正在进行的试验，没有时为 nil
func (s *AnimalSession) Current() *Trial { return s.current }

func (s *AnimalSession) Stats() Stats { return s.stats }

// Start 从第一个 block 开始
func (s *AnimalSession) Start() error {
	return s.StartAt(0, 0)
}

// StartAt 从指定位置开始，用于恢复中断的会话
func (s *AnimalSession) StartAt(block, trial int) error {
	if s.state != SessionIdle {
		return fmt.Errorf("%w: start from state %s", ErrLogic, s.state)
	}
	if block < 0 || block >= s.Config.NumBlocks || trial < 0 || trial >= s.Config.NumTrials[block] {
		return fmt.Errorf("position block %d trial %d out of range", block, trial)
	}
	s.block, s.trial = block, trial
	s.beginBlock()
	s.nextTrial()
	return nil
}

func (s *AnimalSession) beginBlock() {
	s.stats = Stats{Block: s.block}
	s.outcomes = nil
	dev := s.env.dev
	if dev.UseMFC || dev.UseMFCAir {
		if air, ok := dev.Flows[Hardware.MFCAir]; ok {
			if err := air.SetRate(s.Config.AirRate[s.block]); err != nil {
				s.fail(err)
			}
		}
	}
	s.env.logger.Info("block started", zap.Int("block", s.block), zap.Int("trials", s.Config.NumTrials[s.block]))
}

func (s *AnimalSession) nextTrial() {
	if s.state == SessionStopped {
		return
	}
	if s.pausing {
		s.pausing = false
		s.state = SessionPaused
		s.env.logger.Info("session paused", zap.Int("block", s.block), zap.Int("trial", s.trial))
		return
	}

	if Odors.Rebias(s.Plan, s.block, s.trial, s.History, s.Config.Bias(s.block), s.env.rng) {
		s.env.logger.Debug("odor rebiased", zap.Int("block", s.block), zap.Int("trial", s.trial),
			zap.Stringer("odor", s.Plan.At(s.block, s.trial)))
	}

	s.state = SessionTrial
	s.current = newTrial(s.env, s.block, s.trial, s.Plan.At(s.block, s.trial), s.trialDone)
	s.current.run()
}

func (s *AnimalSession) trialDone(t *Trial, err error) {
	if err != nil {
		s.fail(err)
	}
	switch t.Outcome {
	case TrialLog.OutcomePass:
		s.stats.Pass++
	case TrialLog.OutcomeFail:
		s.stats.Fail++
	case TrialLog.OutcomeIncomplete:
		s.stats.Incomplete++
	}
	s.outcomes = append(s.outcomes, t.Outcome == TrialLog.OutcomePass)
	recent := s.outcomes
	if len(recent) > s.filterLen {
		recent = recent[len(recent)-s.filterLen:]
	}
	passed := 0
	for _, ok := range recent {
		if ok {
			passed++
		}
	}
	s.stats.Success = float64(passed) / float64(len(recent)) * 100

	if s.OnTrial != nil {
		s.OnTrial(t, s.stats)
	}
	if s.state == SessionStopped {
		return
	}

	s.current = nil
	s.trial++
	last := false
	if s.trial >= s.Config.NumTrials[s.block] {
		s.trial = 0
		s.block++
		last = s.block >= s.Config.NumBlocks
	}

	s.state = SessionITI
	s.itiCancel = s.env.sched.After(t.ITI, func() {
		s.itiCancel = nil
		if s.state != SessionITI {
			return
		}
		if last {
			s.state = SessionDone
			s.env.logger.Info("session done")
			if s.OnDone != nil {
				s.OnDone()
			}
			return
		}
		if s.trial == 0 {
			s.beginBlock()
		}
		s.nextTrial()
	})
}

// Pause 在下一个试验开始前暂停；试验进行中时排队到试验结束之后
func (s *AnimalSession) Pause() {
	switch s.state {
	case SessionTrial, SessionITI:
		s.pausing = true
	}
}

// Resume 从暂停处继续
func (s *AnimalSession) Resume() {
	s.pausing = false
	if s.state != SessionPaused {
		return
	}
	s.nextTrial()
}

// Stop 中止当前试验和 ITI，关闭气味
func (s *AnimalSession) Stop() {
	if s.state == SessionStopped {
		return
	}
	s.state = SessionStopped
	if s.itiCancel != nil {
		s.itiCancel()
		s.itiCancel = nil
	}
	if s.current != nil {
		s.current.Abort()
		s.current = nil
	}
}
