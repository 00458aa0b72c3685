package rig

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rig/Experiment"
	"rig/Hardware"
	"rig/Loop"
	"rig/Odors"
	"rig/TrialLog"
)

// AppState 应用状态
type AppState int

const (
	StateClear AppState = iota
	StateRunning
	StatePaused
	StateException
)

func (s AppState) String() string {
	switch s {
	case StateClear:
		return "clear"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateException:
		return "exception"
	}
	return fmt.Sprintf("AppState(%d)", int(s))
}

// teardownTimeout 异常时释放设备的最长等待
const teardownTimeout = 5 * time.Second

// SystemDeps RigSystem 的外部依赖，nil 字段使用默认实现
type SystemDeps struct {
	Scheduler Loop.Scheduler
	Hardware  *Hardware.Session
	Cues      Experiment.CuePlayer
	Recorder  TrialLog.Recorder
	Rand      *rand.Rand
	Logger    *zap.Logger
}

// Status 控制台显示用的快照
type Status struct {
	State     AppState
	Exception string
	Hardware  string
	Animal    string
	Session   string
	Block     int
	Trial     int
	Stats     Experiment.Stats
}

// RigSystem 管理一台实验箱：设备初始化、动物会话、错误处理和恢复文件。
// 除 NewRigSystem 外，所有方法都必须在事件循环上调用。
type RigSystem struct {
	Config      *RigConfig
	Experiments map[string]*Experiment.ExperimentConfig
	// ID 本次运行的标识，也是恢复文件名的一部分
	ID string
	// RecoveryFile 最近一次写出的恢复文件
	RecoveryFile string

	OnStateChange func(AppState)
	OnTrial       func(*Experiment.Trial, Experiment.Stats)

	sched    Loop.Scheduler
	hw       *Hardware.Session
	cues     Experiment.CuePlayer
	recorder TrialLog.Recorder
	rng      *rand.Rand
	logger   *zap.Logger

	ctx       context.Context
	state     AppState
	exception string
	session   *Experiment.AnimalSession
	expName   string
	pending   func()
	torn      bool
	started   bool
}

func NewRigSystem(cfg *RigConfig, experiments map[string]*Experiment.ExperimentConfig, deps SystemDeps) *RigSystem {
	id := uuid.New().String()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", id))
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = TrialLog.NewCsvLogger(cfg.Log.Filename, logger)
	}
	return &RigSystem{
		Config:      cfg,
		Experiments: experiments,
		ID:          id,
		sched:       deps.Scheduler,
		hw:          deps.Hardware,
		cues:        deps.Cues,
		recorder:    recorder,
		rng:         rng,
		logger:      logger,
		ctx:         context.Background(),
	}
}

func (s *RigSystem) State() AppState { return s.state }

// ExceptionValue 最近一次导致停止的错误
func (s *RigSystem) ExceptionValue() string { return s.exception }

// Session 当前动物会话，没有时为 nil
func (s *RigSystem) Session() *Experiment.AnimalSession { return s.session }

func (s *RigSystem) setState(st AppState) {
	if s.state == st {
		return
	}
	s.logger.Info("app state", zap.Stringer("from", s.state), zap.Stringer("to", st))
	s.state = st
	if s.OnStateChange != nil {
		s.OnStateChange(st)
	}
}

// Init 开始按顺序打开设备，READY 后打开红外灯和风扇
func (s *RigSystem) Init(ctx context.Context) {
	s.ctx = ctx
	s.started = true
	s.hw.SetOnError(s.handleError)
	s.hw.Sequencer.OnReady = s.onReady
	s.hw.Sequencer.Start(ctx)
}

func (s *RigSystem) onReady() {
	if err := s.hw.Outputs.SetLines([]string{Hardware.LineIRLeds, Hardware.LineFans}, nil); err != nil {
		s.handleError(err)
		return
	}
	if p := s.pending; p != nil {
		s.pending = nil
		p()
	}
}

// StartAnimal 验证配置、生成气味计划，设备就绪后开始第一个试验
func (s *RigSystem) StartAnimal(animal, experiment string) error {
	if s.state != StateClear {
		return fmt.Errorf("%w: start animal in state %s", Experiment.ErrLogic, s.state)
	}
	cfg, odors, err := s.prepare(experiment)
	if err != nil {
		return s.configError(err)
	}
	plan, err := cfg.ComputePlan(Odors.NewGenerator(s.rng), s.Config.Valves())
	if err != nil {
		return s.configError(err)
	}
	s.launch(animal, experiment, cfg, odors, plan, nil, 0, 0)
	return nil
}

// ResumeAnimal 从恢复文件继续：沿用计划、历史和位置
func (s *RigSystem) ResumeAnimal(st *RecoveryState) error {
	if s.state != StateClear {
		return fmt.Errorf("%w: resume in state %s", Experiment.ErrLogic, s.state)
	}
	cfg, odors, err := s.prepare(st.Experiment)
	if err != nil {
		return s.configError(err)
	}
	if len(st.Plan.Trials) != cfg.NumBlocks {
		return s.configError(&Experiment.ConfigError{Field: "plan",
			Err: fmt.Errorf("%w: recovered plan has %d blocks, config %d", Experiment.ErrCountMismatch, len(st.Plan.Trials), cfg.NumBlocks)})
	}
	if st.Block < 0 || st.Block >= cfg.NumBlocks || st.Trial < 0 || st.Trial >= len(st.Plan.Trials[st.Block]) {
		return s.configError(&Experiment.ConfigError{Field: "plan",
			Err: fmt.Errorf("recovered position block %d trial %d out of range", st.Block, st.Trial)})
	}
	if st.ID != "" {
		s.ID = st.ID
	}
	s.launch(st.Animal, st.Experiment, cfg, odors, st.Plan, st.History, st.Block, st.Trial)
	return nil
}

func (s *RigSystem) prepare(experiment string) (*Experiment.ExperimentConfig, *Odors.OdorList, error) {
	cfg, ok := s.Experiments[experiment]
	if !ok {
		return nil, nil, &Experiment.ConfigError{Field: "experiment", Err: fmt.Errorf("unknown experiment %q", experiment)}
	}
	if err := cfg.Validate(s.Config.Valves()); err != nil {
		return nil, nil, err
	}
	odors, err := cfg.LoadOdorList(s.Config.Valves(), s.Config.Devices.UseMFC)
	if err != nil {
		return nil, nil, err
	}
	return cfg, odors, nil
}

func (s *RigSystem) launch(animal, experiment string, cfg *Experiment.ExperimentConfig, odors *Odors.OdorList, plan *Odors.Plan, history Odors.History, block, trial int) {
	sess := Experiment.NewAnimalSession(animal, cfg, odors, plan, history, Experiment.Deps{
		Devices: Experiment.Devices{
			Valves:    s.hw.Valves,
			Outputs:   s.hw.Outputs,
			Inputs:    s.hw.Inputs,
			Flows:     s.hw.Flows,
			Cues:      s.cues,
			UseMFC:    s.Config.Devices.UseMFC,
			UseMFCAir: s.Config.Devices.UseMFCAir,
		},
		Scheduler: s.sched,
		Rand:      s.rng,
		Recorder:  s.recorder,
		FilterLen: s.Config.Log.FilterLen,
		Logger:    s.logger,
	})
	sess.OnTrial = func(t *Experiment.Trial, st Experiment.Stats) {
		if s.OnTrial != nil {
			s.OnTrial(t, st)
		}
	}
	sess.OnDone = func() {
		s.logger.Info("animal finished", zap.String("animal", animal))
		s.setState(StateClear)
	}
	sess.OnError = s.handleError

	s.session = sess
	s.expName = experiment
	s.exception = ""
	s.setState(StateRunning)
	s.logger.Info("animal started", zap.String("animal", animal), zap.String("experiment", experiment),
		zap.Int("block", block), zap.Int("trial", trial))

	start := func() {
		if err := sess.StartAt(block, trial); err != nil {
			s.handleError(err)
		}
	}
	if s.hw.Sequencer.Ready() {
		start()
	} else {
		s.pending = start
	}
}

// Pause 暂停会话 (在当前试验结束后生效)。
// 设备尚未就绪时不论有没有动物都暂停初始化。
func (s *RigSystem) Pause() {
	if !s.hw.Sequencer.Ready() {
		s.hw.Sequencer.Pause()
	}
	if s.state != StateRunning {
		return
	}
	if s.session != nil {
		s.session.Pause()
	}
	s.setState(StatePaused)
}

func (s *RigSystem) Resume() {
	paused := s.state == StatePaused
	if paused {
		s.setState(StateRunning)
	}
	if s.started && s.hw.Sequencer.Paused() && !s.hw.Sequencer.Ready() {
		s.hw.Sequencer.Resume(s.ctx)
	}
	if paused && s.session != nil {
		s.session.Resume()
	}
}

// StopAnimal 中止当前动物，回到 clear
func (s *RigSystem) StopAnimal() {
	s.pending = nil
	if s.session != nil {
		s.session.Stop()
	}
	if s.state != StateException {
		s.setState(StateClear)
	}
}

// handleError 按错误类别处理：配置错误回到 clear，硬件和逻辑错误进入 exception，
// 其它 (例如日志写入失败) 只记录
func (s *RigSystem) handleError(err error) {
	switch {
	case errors.Is(err, Experiment.ErrConfig):
		s.configError(err)
	case errors.Is(err, Hardware.ErrHardware), errors.Is(err, Hardware.ErrLogic), errors.Is(err, Experiment.ErrLogic):
		s.fatal(err)
	default:
		s.logger.Warn("session error", zap.Error(err))
	}
}

func (s *RigSystem) configError(err error) error {
	s.logger.Error("configuration error", zap.Error(err))
	s.exception = err.Error()
	s.pending = nil
	if s.session != nil {
		s.session.Stop()
	}
	s.setState(StateClear)
	return err
}

func (s *RigSystem) fatal(err error) {
	if s.state == StateException {
		s.logger.Warn("error after exception", zap.Error(err))
		return
	}
	s.logger.Error("fatal error", zap.Error(err))
	s.exception = err.Error()
	s.pending = nil

	if s.session != nil {
		switch s.session.State() {
		case Experiment.SessionTrial, Experiment.SessionITI, Experiment.SessionPaused:
			s.dumpRecovery()
		}
		s.session.Stop()
	}
	s.setState(StateException)

	ctx, cancel := context.WithTimeout(s.ctx, teardownTimeout)
	defer cancel()
	s.teardown(ctx)
}

func (s *RigSystem) dumpRecovery() {
	block, trial := s.session.Position()
	if block >= len(s.session.Plan.Trials) {
		// 最后一个试验已完成，只剩 ITI，没有可恢复的位置
		s.logger.Info("all trials done, recovery state not saved")
		return
	}
	st := &RecoveryState{
		ID:         s.ID,
		Animal:     s.session.Animal,
		Experiment: s.expName,
		Block:      block,
		Trial:      trial,
		History:    s.session.History,
		Plan:       s.session.Plan,
		Error:      s.exception,
		SavedAt:    s.sched.Now(),
	}
	path, err := SaveRecovery(s.Config.RecoveryDir, st)
	if err != nil {
		s.logger.Error("recovery dump failed", zap.Error(err))
		return
	}
	s.RecoveryFile = path
	s.logger.Info("recovery state saved", zap.String("file", path), zap.Int("block", block), zap.Int("trial", trial))
}

func (s *RigSystem) teardown(ctx context.Context) error {
	if s.torn {
		return nil
	}
	s.torn = true
	err := s.hw.Sequencer.Teardown(ctx)
	if err != nil {
		s.logger.Warn("teardown finished with errors", zap.Error(err))
	}
	return err
}

// Shutdown 中止会话，释放设备，关闭日志
func (s *RigSystem) Shutdown(ctx context.Context) error {
	s.pending = nil
	if s.session != nil {
		s.session.Stop()
	}
	var errs []error
	if err := s.teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.hw.Stop()
	if err := s.recorder.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Status 当前状态快照
func (s *RigSystem) Status() Status {
	st := Status{
		State:     s.state,
		Exception: s.exception,
		Hardware:  s.hw.Sequencer.State().String(),
		Session:   s.ID,
	}
	if s.session != nil {
		st.Animal = s.session.Animal
		st.Block, st.Trial = s.session.Position()
		st.Stats = s.session.Stats()
	}
	return st
}
