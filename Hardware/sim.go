package Hardware

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LineCall 记录一次 SetLines 调用
type LineCall struct {
	High []string
	Low  []string
}

// SimLines 是模拟的数字端口，可同时作为输出和输入使用
type SimLines struct {
	name string

	// Post 用于把订阅回调投递到事件循环，nil 时直接调用
	Post func(func())
	// FailOn 非空时对应操作返回错误 (open, close, set, quiesce)
	FailOn map[string]error

	mu      sync.Mutex
	state   map[string]bool
	subs    map[string]map[int]func(bool)
	nextSub int
	calls   []LineCall
	open    bool
}

// NewSimLines 创建带指定线名的模拟端口
func NewSimLines(name string, lines []string) *SimLines {
	s := &SimLines{
		name:  name,
		state: make(map[string]bool, len(lines)),
		subs:  make(map[string]map[int]func(bool)),
	}
	for _, l := range lines {
		s.state[l] = false
	}
	return s
}

func (s *SimLines) Name() string { return s.name }

func (s *SimLines) Open(ctx context.Context) error {
	if err := s.FailOn["open"]; err != nil {
		return err
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

func (s *SimLines) Close() error {
	if err := s.FailOn["close"]; err != nil {
		return err
	}
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

// IsOpen 是否已打开
func (s *SimLines) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *SimLines) SetLines(high, low []string) error {
	if err := s.FailOn["set"]; err != nil {
		return err
	}
	for _, l := range append(append([]string{}, high...), low...) {
		if _, ok := s.lineExists(l); !ok {
			return fmt.Errorf("%s: unknown line %q", s.name, l)
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, LineCall{High: append([]string(nil), high...), Low: append([]string(nil), low...)})
	s.mu.Unlock()

	for _, l := range high {
		s.Set(l, true)
	}
	for _, l := range low {
		s.Set(l, false)
	}
	return nil
}

func (s *SimLines) lineExists(name string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[name]
	return v, ok
}

func (s *SimLines) ReadLine(name string) (bool, error) {
	v, ok := s.lineExists(name)
	if !ok {
		return false, fmt.Errorf("%s: unknown line %q", s.name, name)
	}
	return v, nil
}

func (s *SimLines) Subscribe(name string, fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[name] == nil {
		s.subs[name] = make(map[int]func(bool))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[name][id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs[name], id)
		s.mu.Unlock()
	}
}

// Set 模拟线的电平变化，变化时通知订阅者
func (s *SimLines) Set(name string, v bool) {
	s.mu.Lock()
	old, ok := s.state[name]
	if !ok || old == v {
		s.mu.Unlock()
		return
	}
	s.state[name] = v
	ids := make([]int, 0, len(s.subs[name]))
	for id := range s.subs[name] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[name][id])
	}
	post := s.Post
	s.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		if post != nil {
			post(func() { fn(v) })
		} else {
			fn(v)
		}
	}
}

// Quiesce 所有线置低
func (s *SimLines) Quiesce() error {
	if err := s.FailOn["quiesce"]; err != nil {
		return err
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.state))
	for l := range s.state {
		names = append(names, l)
	}
	s.mu.Unlock()
	sort.Strings(names)
	for _, l := range names {
		s.Set(l, false)
	}
	return nil
}

// High 返回当前为高电平的线 (排序后)
func (s *SimLines) High() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for l, v := range s.state {
		if v {
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

// Calls 返回所有 SetLines 调用记录
func (s *SimLines) Calls() []LineCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LineCall(nil), s.calls...)
}

// SimDevice 模拟服务器或通道，只有打开/关闭
type SimDevice struct {
	name   string
	FailOn map[string]error

	mu     sync.Mutex
	open   bool
	events []string
}

func NewSimDevice(name string) *SimDevice { return &SimDevice{name: name} }

func (d *SimDevice) Name() string { return d.name }

func (d *SimDevice) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "open")
	if err := d.FailOn["open"]; err != nil {
		return err
	}
	d.open = true
	return nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, "close")
	if err := d.FailOn["close"]; err != nil {
		return err
	}
	d.open = false
	return nil
}

func (d *SimDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Events 返回 open/close 调用顺序
func (d *SimDevice) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}

// SimFlow 模拟 MFC
type SimFlow struct {
	name string
	mu   sync.Mutex
	rate float64
}

func NewSimFlow(name string) *SimFlow { return &SimFlow{name: name} }

func (f *SimFlow) Name() string                   { return f.name }
func (f *SimFlow) Open(ctx context.Context) error { return nil }
func (f *SimFlow) Close() error                   { return nil }

func (f *SimFlow) SetRate(rate float64) error {
	f.mu.Lock()
	f.rate = rate
	f.mu.Unlock()
	return nil
}

func (f *SimFlow) Quiesce() error { return f.SetRate(0) }

// Rate 当前流量
func (f *SimFlow) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

var (
	_ LineWriter     = (*SimLines)(nil)
	_ BinarySensor   = (*SimLines)(nil)
	_ Device         = (*SimLines)(nil)
	_ Quiescer       = (*SimLines)(nil)
	_ FlowController = (*SimFlow)(nil)
	_ Device         = (*SimFlow)(nil)
	_ Device         = (*SimDevice)(nil)
)
