package system

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLayer() (*Layer, *clock.Mock) {
	clk := clock.NewMock()
	return NewLayer(LayerConfig{Clock: clk}), clk
}

func TestLayer_TimersFireInDeadlineOrder(t *testing.T) {
	l, clk := newTestLayer()

	var order []string
	l.StartTimer(3*time.Second, func() { order = append(order, "c") })
	l.StartTimer(1*time.Second, func() { order = append(order, "a") })
	l.StartTimer(2*time.Second, func() { order = append(order, "b") })

	assert.Equal(t, 0, l.ServiceEvents())

	clk.Add(2 * time.Second)
	assert.Equal(t, 2, l.ServiceEvents())
	assert.Equal(t, []string{"a", "b"}, order)

	clk.Add(time.Second)
	assert.Equal(t, 1, l.ServiceEvents())
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, l.PendingTasks())
}

func TestLayer_CancelTimer(t *testing.T) {
	l, clk := newTestLayer()

	fired := false
	id := l.StartTimer(time.Second, func() { fired = true })
	require.True(t, l.IsTimerPending(id))

	assert.True(t, l.CancelTimer(id))
	assert.False(t, l.CancelTimer(id), "second cancel must report not pending")

	clk.Add(2 * time.Second)
	l.ServiceEvents()
	assert.False(t, fired)
}

func TestLayer_RearmReplacesSchedule(t *testing.T) {
	l, clk := newTestLayer()

	id := l.NewTaskID()
	count := 0
	l.StartTimerWithID(id, time.Second, func() { count++ })
	l.StartTimerWithID(id, 5*time.Second, func() { count += 10 })

	clk.Add(2 * time.Second)
	l.ServiceEvents()
	assert.Equal(t, 0, count)

	clk.Add(3 * time.Second)
	l.ServiceEvents()
	assert.Equal(t, 10, count)
}

func TestLayer_ScheduleWorkRunsInOrder(t *testing.T) {
	l, _ := newTestLayer()

	var order []int
	l.ScheduleWork(func() {
		order = append(order, 1)
		l.ScheduleWork(func() { order = append(order, 3) })
	})
	l.ScheduleWork(func() { order = append(order, 2) })

	assert.Equal(t, 3, l.ServiceEvents())
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestLayer_RunExecutesWork(t *testing.T) {
	l := NewLayer(LayerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	done := make(chan struct{})
	l.StartTimer(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	l.Stop()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLayerStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
