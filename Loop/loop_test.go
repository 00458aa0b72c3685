package Loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_PostAndAfter(t *testing.T) {
	l := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var order []string
	l.Post(func() { order = append(order, "post") })
	l.After(20*time.Millisecond, func() {
		order = append(order, "timer")
		l.Stop()
	})
	cancelled := l.After(5*time.Millisecond, func() { order = append(order, "cancelled") })
	cancelled()

	require.NoError(t, l.Run(ctx))
	assert.Equal(t, []string{"post", "timer"}, order)
}

func TestLoop_RunContextDone(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)

	// 停止后的投递被丢弃，不会阻塞
	l.Post(func() {})
	l.Post(func() {})
}

func TestManual_Advance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var fired []int
	m.After(3*time.Second, func() { fired = append(fired, 3) })
	m.After(1*time.Second, func() {
		fired = append(fired, 1)
		m.After(1*time.Second, func() { fired = append(fired, 2) })
	})
	cancel := m.After(2*time.Second, func() { fired = append(fired, 99) })
	cancel()

	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, []int{1}, fired)
	assert.Equal(t, time.Unix(0, 0).Add(1500*time.Millisecond), m.Now())

	m.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, fired)
	assert.Equal(t, 0, m.Pending())
}
