package Loop

import (
	"sort"
	"sync"
	"time"
)

// Manual 是手动推进时间的 Scheduler，用于回放和测试
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
	queue  []func()
}

type manualTimer struct {
	at        time.Time
	seq       int
	fn        func()
	cancelled bool
}

// NewManual 从给定时间开始
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() {
		m.mu.Lock()
		t.cancelled = true
		m.mu.Unlock()
	}
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// Drain 执行所有已投递的回调 (包括执行过程中新投递的)
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance 推进时间，按到期顺序触发定时器
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	m.Drain()
	for {
		m.mu.Lock()
		sort.Slice(m.timers, func(i, j int) bool {
			if m.timers[i].at.Equal(m.timers[j].at) {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].at.Before(m.timers[j].at)
		})
		var next *manualTimer
		for len(m.timers) > 0 {
			t := m.timers[0]
			if t.cancelled {
				m.timers = m.timers[1:]
				continue
			}
			if !t.at.After(target) {
				next = t
				m.timers = m.timers[1:]
			}
			break
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			m.Drain()
			return
		}
		m.now = next.at
		m.mu.Unlock()

		next.fn()
		m.Drain()
	}
}

// Pending 返回未触发且未取消的定时器数量
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

var (
	_ Scheduler = (*Loop)(nil)
	_ Scheduler = (*Manual)(nil)
)
