package Experiment

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rig/Hardware"
	"rig/Loop"
	"rig/Odors"
	"rig/TrialLog"
)

const testValves = 8

type memRecorder struct {
	records []TrialLog.Record
}

func (m *memRecorder) Write(r TrialLog.Record) error {
	m.records = append(m.records, r)
	return nil
}

func (m *memRecorder) Close() error { return nil }

type cueCall struct {
	side string
	dur  time.Duration
}

type fakeCues struct {
	calls []cueCall
}

func (f *fakeCues) Play(side string, d time.Duration) error {
	f.calls = append(f.calls, cueCall{side, d})
	return nil
}

type harness struct {
	t       *testing.T
	clock   *Loop.Manual
	rig     *Hardware.SimRig
	rec     *memRecorder
	cues    *fakeCues
	session *AnimalSession
	errs    []error
	done    bool
}

func testConfig() *ExperimentConfig {
	c := DefaultConfig()
	c.NumBlocks = 1
	c.NumTrials = []int{2}
	c.WaitForNosePoke = []bool{true}
	c.OdorMethod = []string{"constant"}
	c.OdorSelection = [][]string{{"p1"}}
	c.OdorEqualizer = []int{0}
	c.MixDur = 1
	c.MaxNosePoke = []float64{10}
	c.MinNosePoke = []float64{0.5}
	c.MaxDecisionDuration = []float64{5}
	c.GoodITI = []float64{3}
	c.BadITI = []float64{4}
	c.IncompleteITI = []float64{6}
	c.NumPellets = []int{2}
	return c
}

func valveLines() []string {
	lines := make([]string, testValves)
	for i := range lines {
		lines[i] = Odors.ValveName(i)
	}
	return lines
}

func newHarness(t *testing.T, c *ExperimentConfig, sides map[int]string) *harness {
	t.Helper()
	require.NoError(t, c.Validate(testValves))
	odors := Odors.NewOdorList(testValves)
	for v, s := range sides {
		odors.Sides[v] = s
	}
	plan, err := c.ComputePlan(Odors.NewGenerator(rand.New(rand.NewSource(3))), testValves)
	require.NoError(t, err)

	h := &harness{t: t, clock: Loop.NewManual(time.Unix(1000, 0)), rec: &memRecorder{}, cues: &fakeCues{}}
	sess, rig := Hardware.NewSimSession(valveLines(), h.clock.Post, nil)
	sess.Sequencer.Start(context.Background())
	h.clock.Drain()
	require.True(t, sess.Sequencer.Ready())
	h.rig = rig

	h.session = NewAnimalSession("rat7", c, odors, plan, nil, Deps{
		Devices: Devices{
			Valves:  sess.Valves,
			Outputs: sess.Outputs,
			Inputs:  sess.Inputs,
			Flows:   sess.Flows,
			Cues:    h.cues,
		},
		Scheduler: h.clock,
		Rand:      rand.New(rand.NewSource(4)),
		Recorder:  h.rec,
		FilterLen: 2,
	})
	h.session.OnError = func(err error) { h.errs = append(h.errs, err) }
	h.session.OnDone = func() { h.done = true }
	return h
}

func (h *harness) sensor(line string, v bool) {
	h.rig.Inputs.Set(line, v)
	h.clock.Drain()
}

func (h *harness) phase() Phase {
	cur := h.session.Current()
	require.NotNil(h.t, cur)
	return cur.Phase
}

func TestTrial_PassFlow(t *testing.T) {
	h := newHarness(t, testConfig(), map[int]string{1: "r"})
	require.NoError(t, h.session.Start())

	assert.Equal(t, PhaseMixing, h.phase())
	assert.Equal(t, []string{"p0", "p1"}, h.rig.Valves.High())

	h.clock.Advance(time.Second)
	assert.Equal(t, PhaseAwaitNosePoke, h.phase())

	h.clock.Advance(2 * time.Second)
	h.sensor(Hardware.LineNoseBeam, true)
	assert.Equal(t, PhaseInNosePoke, h.phase())
	assert.Equal(t, []string{"p0", "p1", "p7"}, h.rig.Valves.High())

	h.clock.Advance(time.Second)
	h.sensor(Hardware.LineNoseBeam, false)
	assert.Equal(t, PhaseAwaitDecision, h.phase())
	assert.Empty(t, h.rig.Valves.High())

	h.clock.Advance(1500 * time.Millisecond)
	h.sensor(Hardware.LineRewardBeamR, true)
	require.Len(t, h.rec.records, 1)
	r := h.rec.records[0]
	assert.Equal(t, TrialLog.OutcomePass, r.Outcome)
	assert.True(t, r.Rewarded)
	assert.Equal(t, "r", r.Side)
	assert.Equal(t, "r", r.SideWent)
	assert.Equal(t, "p1", r.OdorIndex)
	assert.Equal(t, "rat7", r.Animal)
	require.NotNil(t, r.TTNP)
	assert.Equal(t, 2*time.Second, *r.TTNP)
	require.NotNil(t, r.TINP)
	assert.Equal(t, time.Second, *r.TINP)
	require.NotNil(t, r.TTRP)
	assert.Equal(t, 1500*time.Millisecond, *r.TTRP)
	assert.Equal(t, 3*time.Second, r.ITI)

	assert.Equal(t, []bool{true}, h.session.History[1])
	assert.Equal(t, SessionITI, h.session.State())
	assert.Equal(t, []string{Hardware.LineFeederR}, h.rig.Outputs.High())

	// 两个食丸脉冲
	h.clock.Advance(time.Second)
	pulses := 0
	for _, c := range h.rig.Outputs.Calls() {
		if len(c.High) == 1 && c.High[0] == Hardware.LineFeederR {
			pulses++
		}
	}
	assert.Equal(t, 2, pulses)
	assert.Empty(t, h.rig.Outputs.High())
	assert.Empty(t, h.errs)
}

func TestTrial_IncompleteSkipsDecision(t *testing.T) {
	h := newHarness(t, testConfig(), map[int]string{1: "r"})
	require.NoError(t, h.session.Start())
	h.clock.Advance(time.Second)

	h.sensor(Hardware.LineNoseBeam, true)
	h.clock.Advance(200 * time.Millisecond)
	h.sensor(Hardware.LineNoseBeam, false)

	require.Len(t, h.rec.records, 1)
	r := h.rec.records[0]
	assert.Equal(t, TrialLog.OutcomeIncomplete, r.Outcome)
	assert.False(t, r.Rewarded)
	assert.Nil(t, r.TTRP)
	assert.Equal(t, "", r.SideWent)
	assert.Equal(t, 6*time.Second, r.ITI)
	assert.Empty(t, h.session.History[1])
	assert.Equal(t, 1, h.session.Stats().Incomplete)

	// 决策阶段不会再响应
	h.sensor(Hardware.LineRewardBeamR, true)
	assert.Len(t, h.rec.records, 1)
}

func TestTrial_NosePokeTimeoutNoRelease(t *testing.T) {
	h := newHarness(t, testConfig(), map[int]string{1: "r"})
	require.NoError(t, h.session.Start())
	h.clock.Advance(time.Second)
	h.clock.Advance(10 * time.Second)

	cur := h.session.Current()
	require.NotNil(t, cur)
	assert.Equal(t, PhaseAwaitDecision, cur.Phase)
	assert.True(t, cur.NosePokeExitTimedOut)
	assert.True(t, cur.OdorStart.IsZero())
	for _, c := range h.rig.Valves.Calls() {
		assert.NotContains(t, c.High, "p7")
	}
	assert.Empty(t, h.rig.Valves.High())

	h.clock.Advance(5 * time.Second)
	require.Len(t, h.rec.records, 1)
	r := h.rec.records[0]
	assert.Equal(t, TrialLog.OutcomeFail, r.Outcome)
	assert.Nil(t, r.TTNP)
	assert.Equal(t, 4*time.Second, r.ITI)
	assert.Equal(t, []bool{false}, h.session.History[1])
}

func TestTrial_WrongSideFails(t *testing.T) {
	h := newHarness(t, testConfig(), map[int]string{1: "l"})
	require.NoError(t, h.session.Start())
	h.clock.Advance(time.Second)
	h.sensor(Hardware.LineNoseBeam, true)
	h.clock.Advance(time.Second)
	h.sensor(Hardware.LineNoseBeam, false)
	h.sensor(Hardware.LineRewardBeamR, true)

	require.Len(t, h.rec.records, 1)
	assert.Equal(t, TrialLog.OutcomeFail, h.rec.records[0].Outcome)
	assert.False(t, h.rec.records[0].Rewarded)
	assert.Empty(t, h.rig.Outputs.High())
}

func TestTrial_OdorDelayAndCue(t *testing.T) {
	c := testConfig()
	c.OdorDelay = []float64{0.3}
	c.SoundDur = []float64{0.2}
	c.SoundCueDelay = []float64{0}
	h := newHarness(t, c, map[int]string{1: "rl"})
	require.NoError(t, h.session.Start())
	h.clock.Advance(time.Second)

	h.sensor(Hardware.LineNoseBeam, true)
	assert.NotContains(t, h.rig.Valves.High(), "p7")
	h.clock.Advance(300 * time.Millisecond)
	assert.Contains(t, h.rig.Valves.High(), "p7")
	assert.Empty(t, h.cues.calls)

	h.clock.Advance(200 * time.Millisecond)
	require.Len(t, h.cues.calls, 1)
	assert.Equal(t, cueCall{"r", 200 * time.Millisecond}, h.cues.calls[0])
}

func TestTrial_NoOdorBlock(t *testing.T) {
	c := testConfig()
	c.WaitForNosePoke = []bool{false}
	h := newHarness(t, c, nil)
	require.NoError(t, h.session.Start())

	assert.Equal(t, PhaseAwaitDecision, h.phase())
	assert.Empty(t, h.rig.Valves.Calls())

	h.sensor(Hardware.LineRewardBeamL, true)
	require.Len(t, h.rec.records, 1)
	r := h.rec.records[0]
	assert.Equal(t, TrialLog.OutcomePass, r.Outcome)
	assert.True(t, r.Rewarded)
	assert.Equal(t, "rl", r.Side)
	assert.Equal(t, "", r.OdorIndex)
	assert.Empty(t, h.session.History)
}

func TestTrial_GoNoGo(t *testing.T) {
	c := testConfig()
	c.Variant = VariantGoNoGo
	c.BaseITI = []float64{1}
	c.NoGoITI = []float64{2}
	h := newHarness(t, c, map[int]string{1: "-"})
	require.NoError(t, h.session.Start())
	h.clock.Advance(time.Second)
	h.sensor(Hardware.LineNoseBeam, true)
	h.clock.Advance(time.Second)
	h.sensor(Hardware.LineNoseBeam, false)

	// 动物没有去奖励口
	h.clock.Advance(5 * time.Second)
	require.Len(t, h.rec.records, 1)
	r := h.rec.records[0]
	assert.Equal(t, TrialLog.OutcomePass, r.Outcome)
	assert.False(t, r.Rewarded)
	assert.Equal(t, 3*time.Second, r.ITI)
}

func TestClassify(t *testing.T) {
	c := testConfig()
	require.NoError(t, c.Validate(testValves))
	odor := Odors.Choice{{Valve: 1, Probability: 1.0, Flow: 1.0}}

	d := Classify(c, 0, odor, "r", "r", false, 0.999)
	assert.True(t, d.Passed)
	assert.True(t, d.Reward)
	assert.Equal(t, "feeder_r", d.RewardSide)
	assert.Equal(t, 3*time.Second, d.ITI)

	for _, went := range []string{"l", "r"} {
		d = Classify(c, 0, odor, "rl", went, false, 0.999)
		assert.True(t, d.Passed)
		assert.True(t, d.Reward)
	}

	half := Odors.Choice{{Valve: 1, Probability: 0.5, Flow: 0.7}, {Valve: 2, Probability: 1.0, Flow: 0.3}}
	d = Classify(c, 0, half, "r", "r", false, 0.7)
	assert.True(t, d.Passed)
	assert.False(t, d.Reward)
	assert.Equal(t, "", d.RewardSide)

	d = Classify(c, 0, odor, "r", "", true, 0)
	assert.False(t, d.Passed)
	assert.False(t, d.Reward)
	assert.Equal(t, 4*time.Second, d.ITI)
}

func TestClassifyGoNoGo(t *testing.T) {
	c := testConfig()
	c.BaseITI = []float64{1}
	c.GoITI = []float64{2}
	c.NoGoITI = []float64{3}
	c.FalseGoITI = []float64{4}
	c.FalseNoGoITI = []float64{5}
	require.NoError(t, c.Validate(testValves))

	cases := []struct {
		goTrial, went, reward bool
		iti                   time.Duration
	}{
		{true, true, true, 3 * time.Second},
		{true, false, false, 6 * time.Second},
		{false, true, false, 5 * time.Second},
		{false, false, false, 4 * time.Second},
	}
	for _, tc := range cases {
		reward, iti := ClassifyGoNoGo(c, 0, tc.goTrial, tc.went)
		assert.Equal(t, tc.reward, reward)
		assert.Equal(t, tc.iti, iti)
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "AWAIT_NOSE_POKE", PhaseAwaitNosePoke.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
