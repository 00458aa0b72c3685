package Experiment

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"rig/Hardware"
	"rig/Loop"
	"rig/Odors"
	"rig/TrialLog"
)

// FeederPulse 每个食丸的喂食器脉冲宽度
const FeederPulse = 100 * time.Millisecond

// Phase 单个试验的阶段，只能向前推进
type Phase int

const (
	PhaseInit Phase = iota
	PhaseMixing
	PhaseAwaitNosePoke
	PhaseInNosePoke
	PhaseAwaitDecision
	PhaseDecided
	PhaseLogged
)

var phaseNames = [...]string{"INIT", "MIXING", "AWAIT_NOSE_POKE", "IN_NOSE_POKE", "AWAIT_DECISION", "DECIDED", "LOGGED"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// CuePlayer 播放左 ("l") 或右 ("r") 声音提示，不阻塞
type CuePlayer interface {
	Play(side string, d time.Duration) error
}

// Devices 试验使用的硬件，只在设备 READY 之后引用
type Devices struct {
	Valves  Hardware.LineWriter
	Outputs Hardware.LineWriter
	Inputs  Hardware.BinarySensor
	Flows   map[string]Hardware.FlowController
	Cues    CuePlayer

	UseMFC    bool
	UseMFCAir bool
}

// env 一个动物会话内所有试验共享的依赖
type env struct {
	cfg      *ExperimentConfig
	odors    *Odors.OdorList
	dev      Devices
	sched    Loop.Scheduler
	rng      *rand.Rand
	history  Odors.History
	recorder TrialLog.Recorder
	animal   string
	logger   *zap.Logger
	onError  func(error)
}

func (e *env) fail(err error) {
	e.logger.Error("trial error", zap.Error(err))
	if e.onError != nil {
		e.onError(err)
	}
}

// Decision 决策阶段的分类结果
type Decision struct {
	Passed     bool
	Reward     bool
	RewardSide string
	ITI        time.Duration
}

// Classify 强迫选择试验的分类。draw 是 [0,1) 的随机数，
// 只在气味存在且奖励侧不是 rl 时与主气味的奖励概率比较。
func Classify(c *ExperimentConfig, block int, odor Odors.Choice, side, went string, timedOut bool, draw float64) Decision {
	var d Decision
	wfnp := c.WaitForNosePoke[block]
	d.Passed = !timedOut && (!wfnp || side == Odors.SideBoth || side == went)
	d.Reward = !timedOut && (odor == nil || side == Odors.SideBoth ||
		(side == went && draw <= Odors.SelectPrimary(odor).Probability))
	if d.Reward {
		d.RewardSide = "feeder_" + went
	}
	if d.Passed {
		d.ITI = sec(c.GoodITI[block])
	} else {
		d.ITI = sec(c.BadITI[block])
	}
	return d
}

// Trial 一次试验的状态和时间戳。每个试验都重新创建。
type Trial struct {
	Block  int
	Number int
	Phase  Phase

	Odor Odors.Choice
	Side string
	Go   bool
	Cue  string

	Start        time.Time
	NosePoke     time.Time
	OdorStart    time.Time
	NosePokeExit time.Time
	RewardEntry  time.Time

	NosePokeExitTimedOut bool
	RewardEntryTimedOut  bool

	SideWent   string
	RewardSide string
	Passed     bool
	Outcome    TrialLog.Outcome
	ITI        time.Duration

	env     *env
	done    func(*Trial, error)
	waits   []func()
	pellets []func()
	aborted bool
}

func newTrial(e *env, block, number int, odor Odors.Choice, done func(*Trial, error)) *Trial {
	return &Trial{Block: block, Number: number, Odor: odor, env: e, done: done}
}

func (t *Trial) cfg() *ExperimentConfig { return t.env.cfg }

func (t *Trial) now() time.Time { return t.env.sched.Now() }

func (t *Trial) advance(p Phase) bool {
	if p <= t.Phase {
		t.env.fail(fmt.Errorf("%w: %s -> %s", ErrLogic, t.Phase, p))
		return false
	}
	t.Phase = p
	return true
}

// after 注册本阶段的定时器，阶段结束时取消
func (t *Trial) after(d time.Duration, fn func()) {
	cancel := t.env.sched.After(d, func() {
		if !t.aborted {
			fn()
		}
	})
	t.waits = append(t.waits, cancel)
}

// watch 订阅本阶段的传感器
func (t *Trial) watch(line string, fn func(bool)) {
	unsub := t.env.dev.Inputs.Subscribe(line, func(v bool) {
		if !t.aborted {
			fn(v)
		}
	})
	t.waits = append(t.waits, unsub)
}

func (t *Trial) clearWaits() {
	for _, c := range t.waits {
		c()
	}
	t.waits = nil
}

// run INIT: 确定奖励侧和声音提示，然后开始混合
func (t *Trial) run() {
	c := t.cfg()
	if t.Odor == nil {
		t.Side = Odors.SideBoth
	} else {
		t.Side = t.env.odors.Side(t.Odor)
		if c.SoundDur[t.Block] > 0 && t.Side != Odors.SideNone {
			t.Cue = Odors.SideLeft
			if strings.Contains(t.Side, Odors.SideRight) {
				t.Cue = Odors.SideRight
			}
		}
	}
	t.Go = t.Side != Odors.SideNone
	t.mix()
}

func (t *Trial) odorValves() []string {
	if t.env.dev.UseMFC {
		names := make([]string, len(t.Odor))
		for i, term := range t.Odor {
			names[i] = Odors.ValveName(term.Valve)
		}
		return names
	}
	return []string{Odors.ValveName(Odors.SelectPrimary(t.Odor).Valve)}
}

func (t *Trial) setValves(high, low []string) {
	if err := t.env.dev.Valves.SetLines(high, low); err != nil {
		t.env.fail(err)
	}
}

func (t *Trial) setFlows(off bool) {
	if !t.env.dev.UseMFC {
		return
	}
	c := t.cfg()
	for _, term := range t.Odor {
		name := t.env.odors.MFC[term.Valve]
		flow, ok := t.env.dev.Flows[name]
		if !ok {
			continue
		}
		rate := 0.0
		if !off {
			full := c.MFCARate[t.Block]
			if name == Hardware.MFCB {
				full = c.MFCBRate[t.Block]
			}
			rate = term.Flow * full
		}
		if err := flow.SetRate(rate); err != nil {
			t.env.fail(err)
		}
	}
}

// mix 打开气味阀和常开阀，气流先导向真空旁路
func (t *Trial) mix() {
	if !t.advance(PhaseMixing) {
		return
	}
	if t.Odor == nil {
		t.awaitDecision()
		return
	}
	t.setValves(append(t.odorValves(), t.cfg().NOValveName()), nil)
	t.setFlows(false)

	if d := sec(t.cfg().MixDur); d > 0 {
		t.after(d, func() {
			if t.Phase == PhaseMixing {
				t.awaitNosePoke()
			}
		})
		return
	}
	t.awaitNosePoke()
}

func (t *Trial) awaitNosePoke() {
	t.clearWaits()
	if !t.advance(PhaseAwaitNosePoke) {
		return
	}
	t.Start = t.now()
	t.watch(Hardware.LineNoseBeam, func(v bool) {
		if v && t.Phase == PhaseAwaitNosePoke {
			t.enterNosePoke()
		}
	})
	if d := sec(t.cfg().MaxNosePoke[t.Block]); d > 0 {
		t.after(d, func() {
			if t.Phase == PhaseAwaitNosePoke {
				t.nosePokeTimeout()
			}
		})
	}
}

// nosePokeTimeout 动物一直没有进入鼻触口，不释放气味直接等待决策
func (t *Trial) nosePokeTimeout() {
	t.clearWaits()
	t.NosePokeExitTimedOut = true
	t.odorOff()
	t.awaitDecision()
}

func (t *Trial) enterNosePoke() {
	t.clearWaits()
	if !t.advance(PhaseInNosePoke) {
		return
	}
	c := t.cfg()
	t.NosePoke = t.now()

	if d := sec(c.OdorDelay[t.Block]); d > 0 {
		t.after(d, t.releaseOdor)
	} else {
		t.releaseOdor()
	}

	t.watch(Hardware.LineNoseBeam, func(v bool) {
		if !v && t.Phase == PhaseInNosePoke {
			t.exitNosePoke(false)
		}
	})
	if d := sec(c.MaxNosePoke[t.Block]); d > 0 {
		t.after(d, func() {
			if t.Phase == PhaseInNosePoke {
				t.exitNosePoke(true)
			}
		})
	}
	if t.Cue != "" {
		delay := sec(c.MinNosePoke[t.Block]) + time.Duration(t.env.rng.Float64()*float64(sec(c.SoundCueDelay[t.Block])))
		t.after(delay, t.playCue)
	}
}

// releaseOdor 切换混合阀，把气味导向动物
func (t *Trial) releaseOdor() {
	if t.Phase != PhaseInNosePoke {
		return
	}
	t.setValves([]string{t.cfg().MixValveName()}, nil)
	t.OdorStart = t.now()
}

func (t *Trial) playCue() {
	if t.Phase != PhaseInNosePoke || t.env.dev.Cues == nil {
		return
	}
	if err := t.env.dev.Cues.Play(t.Cue, sec(t.cfg().SoundDur[t.Block])); err != nil {
		t.env.logger.Warn("sound cue failed", zap.String("side", t.Cue), zap.Error(err))
	}
}

func (t *Trial) odorOff() {
	if t.Odor == nil {
		return
	}
	c := t.cfg()
	t.setValves(nil, append(t.odorValves(), c.NOValveName(), c.MixValveName()))
	t.setFlows(true)
}

func (t *Trial) exitNosePoke(timedOut bool) {
	t.clearWaits()
	c := t.cfg()
	t.NosePokeExit = t.now()
	t.NosePokeExitTimedOut = timedOut
	t.odorOff()

	tinp := t.NosePokeExit.Sub(t.NosePoke)
	if minPoke := sec(c.MinNosePoke[t.Block]); !timedOut && minPoke > 0 && tinp < minPoke {
		t.Outcome = TrialLog.OutcomeIncomplete
		t.RewardSide = ""
		t.ITI = sec(c.IncompleteITI[t.Block])
		t.finish()
		return
	}
	t.awaitDecision()
}

func (t *Trial) awaitDecision() {
	if !t.advance(PhaseAwaitDecision) {
		return
	}
	if t.Start.IsZero() {
		t.Start = t.now()
	}
	t.watch(Hardware.LineRewardBeamL, func(v bool) {
		if v && t.Phase == PhaseAwaitDecision {
			t.decide(Odors.SideLeft, false)
		}
	})
	t.watch(Hardware.LineRewardBeamR, func(v bool) {
		if v && t.Phase == PhaseAwaitDecision {
			t.decide(Odors.SideRight, false)
		}
	})
	if d := sec(t.cfg().MaxDecisionDuration[t.Block]); d > 0 {
		t.after(d, func() {
			if t.Phase == PhaseAwaitDecision {
				t.decide("", true)
			}
		})
	}
}

func (t *Trial) decide(went string, timedOut bool) {
	t.clearWaits()
	if !t.advance(PhaseDecided) {
		return
	}
	c := t.cfg()
	t.RewardEntry = t.now()
	t.RewardEntryTimedOut = timedOut
	t.SideWent = went

	var d Decision
	if c.Variant == VariantGoNoGo {
		entered := !timedOut
		d.Reward, d.ITI = ClassifyGoNoGo(c, t.Block, t.Go, entered)
		d.Passed = t.Go == entered
		if d.Reward {
			d.RewardSide = "feeder_" + went
		}
	} else {
		d = Classify(c, t.Block, t.Odor, t.Side, went, timedOut, t.env.rng.Float64())
	}

	t.Passed = d.Passed
	t.RewardSide = d.RewardSide
	t.ITI = d.ITI
	t.Outcome = TrialLog.OutcomeFail
	if d.Passed {
		t.Outcome = TrialLog.OutcomePass
	}
	if t.Odor != nil {
		t.env.history.Append(Odors.SelectPrimary(t.Odor).Valve, d.Passed)
	}
	if d.Reward {
		t.dispense(went, c.NumPellets[t.Block])
	}
	t.finish()
}

// dispense 喂食器发出 n 个脉冲，在 ITI 期间进行
func (t *Trial) dispense(side string, n int) {
	feeder := "feeder_" + side
	var pulse func(i int)
	pulse = func(i int) {
		if i >= n || t.aborted {
			return
		}
		if err := t.env.dev.Outputs.SetLines([]string{feeder}, nil); err != nil {
			t.env.fail(err)
			return
		}
		t.pellets = append(t.pellets, t.env.sched.After(FeederPulse, func() {
			if err := t.env.dev.Outputs.SetLines(nil, []string{feeder}); err != nil {
				t.env.fail(err)
				return
			}
			t.pellets = append(t.pellets, t.env.sched.After(FeederPulse, func() { pulse(i + 1) }))
		}))
	}
	pulse(0)
}

func (t *Trial) finish() {
	err := t.env.recorder.Write(t.Record())
	if err != nil {
		t.env.logger.Error("writing trial log failed", zap.Error(err))
	}
	if !t.advance(PhaseLogged) {
		return
	}
	t.env.logger.Info("trial done",
		zap.Int("block", t.Block),
		zap.Int("trial", t.Number),
		zap.Stringer("outcome", t.Outcome),
		zap.String("side", t.Side),
		zap.String("went", t.SideWent),
		zap.Bool("rewarded", t.RewardSide != ""),
		zap.Duration("iti", t.ITI))
	if t.done != nil {
		t.done(t, err)
	}
}

// Abort 取消所有等待并关闭气味，用于会话中止
func (t *Trial) Abort() {
	if t.aborted {
		return
	}
	t.aborted = true
	t.clearWaits()
	for _, c := range t.pellets {
		c()
	}
	t.pellets = nil
	if t.Phase >= PhaseMixing && t.Phase <= PhaseInNosePoke {
		t.odorOff()
	}
}

func since(a, b time.Time) *time.Duration {
	if a.IsZero() || b.IsZero() {
		return nil
	}
	d := a.Sub(b)
	return &d
}

// Record 转换为日志记录
func (t *Trial) Record() TrialLog.Record {
	r := TrialLog.Record{
		Start:    t.Start,
		Animal:   t.env.animal,
		Block:    t.Block,
		Trial:    t.Number,
		Side:     t.Side,
		SideWent: t.SideWent,
		Outcome:  t.Outcome,
		Rewarded: t.RewardSide != "",
		TTNP:     since(t.NosePoke, t.Start),
		TINP:     since(t.NosePokeExit, t.NosePoke),
		ITI:      t.ITI,
	}
	if !t.RewardEntry.IsZero() {
		from := t.Start
		if !t.NosePokeExit.IsZero() {
			from = t.NosePokeExit
		}
		r.TTRP = since(t.RewardEntry, from)
	}
	if t.Odor != nil {
		v := Odors.SelectPrimary(t.Odor).Valve
		r.OdorName = t.env.odors.Names[v]
		r.OdorIndex = Odors.ValveName(v)
	}
	return r
}
