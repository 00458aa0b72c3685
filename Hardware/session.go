package Hardware

import (
	"time"

	"go.uber.org/zap"
)

// Session 试验使用的全部设备句柄。设备由 Sequencer 打开和释放，
// 试验状态机只在 READY 之后通过这里的接口操作硬件。
type Session struct {
	Valves    LineWriter
	Outputs   LineWriter
	Inputs    BinarySensor
	Flows     map[string]FlowController
	Sequencer *Sequencer

	async   []interface{ setOnError(func(error)) }
	workers []*Worker
}

// SetOnError 设置异步硬件调用失败时的回调 (在事件循环上执行)
func (s *Session) SetOnError(fn func(error)) {
	s.Sequencer.OnError = fn
	for _, a := range s.async {
		a.setOnError(fn)
	}
}

// Stop 停止所有后台 worker，应在 Teardown 之后调用
func (s *Session) Stop() {
	for _, w := range s.workers {
		w.Stop()
	}
}

func (a *AsyncLines) setOnError(fn func(error)) { a.OnError = fn }
func (a *AsyncFlow) setOnError(fn func(error))  { a.OnError = fn }

// SimRig 模拟会话中的设备，供模拟模式和测试直接操作
type SimRig struct {
	Server  *SimDevice
	Channel *SimDevice
	Valves  *SimLines
	Outputs *SimLines
	Inputs  *SimLines
	Flows   map[string]*SimFlow
}

// NewSimSession 创建模拟硬件会话，post 把传感器回调和完成回调投递到事件循环
func NewSimSession(valveLines []string, post func(func()), logger *zap.Logger) (*Session, *SimRig) {
	rig := &SimRig{
		Server:  NewSimDevice("server"),
		Channel: NewSimDevice("channel"),
		Valves:  NewSimLines("valves", valveLines),
		Outputs: NewSimLines("outputs", OutputLines),
		Inputs:  NewSimLines("inputs", InputLines),
		Flows: map[string]*SimFlow{
			MFCAir: NewSimFlow(MFCAir),
			MFCA:   NewSimFlow(MFCA),
			MFCB:   NewSimFlow(MFCB),
		},
	}
	rig.Inputs.Post = post

	exec := Inline{Post: post}
	subs := []Device{rig.Valves, rig.Outputs, rig.Inputs, rig.Flows[MFCAir], rig.Flows[MFCA], rig.Flows[MFCB]}
	seq := NewSequencer(rig.Server, []Device{rig.Channel}, subs, exec, logger)

	valves := NewAsyncLines("valves", rig.Valves, exec, logger)
	outputs := NewAsyncLines("outputs", rig.Outputs, exec, logger)
	flows := map[string]FlowController{}
	s := &Session{
		Valves:    valves,
		Outputs:   outputs,
		Inputs:    rig.Inputs,
		Flows:     flows,
		Sequencer: seq,
		async:     []interface{ setOnError(func(error)) }{valves, outputs},
	}
	for name, f := range rig.Flows {
		af := NewAsyncFlow(name, f, exec)
		flows[name] = af
		s.async = append(s.async, af)
	}
	return s, rig
}

// SerialConfig 串口硬件服务器的通道分配
type SerialConfig struct {
	Port         string
	Baud         int
	Channel      byte
	ValvePort    byte
	OutputPort   byte
	InputPort    byte
	MFCChannels  map[string]byte
	PollInterval time.Duration
	ReadTimeout  time.Duration
}

// NewSerialSession 通过串口桥连接真实硬件，每个设备组件一个后台 worker
func NewSerialSession(cfg SerialConfig, valveLines []string, post func(func()), logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	bridge := NewSerialBridge(cfg.Port, cfg.Baud, logger)
	if cfg.ReadTimeout > 0 {
		bridge.ReadTimeout = cfg.ReadTimeout
	}

	valves := NewBridgePort("valves", bridge, cfg.ValvePort, pinMap(valveLines), false, logger)
	outputs := NewBridgePort("outputs", bridge, cfg.OutputPort, pinMap(OutputLines), false, logger)
	inputs := NewBridgePort("inputs", bridge, cfg.InputPort, pinMap(InputLines), true, logger)
	inputs.Post = post
	if cfg.PollInterval > 0 {
		inputs.PollInterval = cfg.PollInterval
	}

	subs := []Device{valves, outputs, inputs}
	mfcs := map[string]*BridgeMFC{}
	for _, name := range []string{MFCAir, MFCA, MFCB} {
		ch, ok := cfg.MFCChannels[name]
		if !ok {
			continue
		}
		m := NewBridgeMFC(name, bridge, ch)
		mfcs[name] = m
		subs = append(subs, m)
	}

	seqWorker := NewWorker("sequencer", post)
	valveWorker := NewWorker("valves", post)
	outputWorker := NewWorker("outputs", post)
	flowWorker := NewWorker("mfc", post)

	channel := NewBridgeChannel("channel", bridge, cfg.Channel)
	seq := NewSequencer(bridge, []Device{channel}, subs, seqWorker, logger)

	av := NewAsyncLines("valves", valves, valveWorker, logger)
	ao := NewAsyncLines("outputs", outputs, outputWorker, logger)
	s := &Session{
		Valves:    av,
		Outputs:   ao,
		Inputs:    inputs,
		Flows:     map[string]FlowController{},
		Sequencer: seq,
		async:     []interface{ setOnError(func(error)) }{av, ao},
		workers:   []*Worker{seqWorker, valveWorker, outputWorker, flowWorker},
	}
	for name, m := range mfcs {
		af := NewAsyncFlow(name, m, flowWorker)
		s.Flows[name] = af
		s.async = append(s.async, af)
	}
	return s
}

func pinMap(lines []string) map[string]uint {
	pins := make(map[string]uint, len(lines))
	for i, l := range lines {
		pins[l] = uint(i)
	}
	return pins
}
