package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ordernotify/internal/channel"
	"ordernotify/internal/compose"
	"ordernotify/internal/dispatch"
	"ordernotify/internal/order"
	"ordernotify/internal/orderstore"
	"ordernotify/internal/poller"
	"ordernotify/internal/recovery"
	"ordernotify/internal/storage"
	logx "ordernotify/pkg/logx"
)

func mkOrder(id, number string, created time.Time) order.Order {
	return order.Order{
		ID:            id,
		Number:        number,
		CustomerPhone: "+33 6 12 34 56 78",
		Total:         decimal.RequireFromString("21.00"),
		Type:          order.TypeDelivery,
		Status:        order.StatusPending,
		CreatedAt:     created,
		Items:         []order.Item{{Quantity: 1, Name: "Burger", Price: decimal.RequireFromString("21.00")}},
	}
}

type recordingNotifier struct {
	ready    atomic.Int32
	watchdog atomic.Int32
}

func (n *recordingNotifier) Ready()        { n.ready.Add(1) }
func (n *recordingNotifier) Watchdog()     { n.watchdog.Add(1) }
func (n *recordingNotifier) Status(string) {}

func texts(d *channel.DryRun) []string {
	var out []string
	for _, m := range d.Messages() {
		out = append(out, m.Text)
	}
	return out
}

func TestLoopSweepsThenPollsInOrder(t *testing.T) {
	now := time.Now()
	src := orderstore.NewMemory(mkOrder("x", "100", now.Add(-time.Hour)))
	store := storage.NewMemory()
	drv := channel.NewDryRun(logx.Nop())
	sess, err := channel.Open(context.Background(), drv)
	require.NoError(t, err)
	defer sess.Close(context.Background())

	d := dispatch.New(dispatch.Config{}, sess, compose.New(compose.Config{}), store, src, nil, logx.Nop())
	sw := recovery.New(recovery.Config{Pacing: time.Millisecond}, src, store, d, nil, logx.Nop())
	p := poller.New(src, poller.Config{WindowSize: 5}, logx.Nop())
	r := poller.NewReadyScanner(src, store, poller.ReadyConfig{}, logx.Nop())
	n := &recordingNotifier{}
	loop := New(Config{PollInterval: 5 * time.Millisecond, HeartbeatEvery: 2}, p, r, d, sw, n, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// The start-up sweep delivers the order that predates the process.
	require.Eventually(t, func() bool { return len(drv.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Snapshot().Primed }, 2*time.Second, 5*time.Millisecond)

	src.Put(mkOrder("a", "101", now.Add(time.Second)))
	src.Put(mkOrder("b", "102", now.Add(2*time.Second)))
	require.Eventually(t, func() bool { return len(drv.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)

	got := texts(drv)
	require.Contains(t, got[0], "100")
	require.Contains(t, got[1], "101")
	require.Contains(t, got[2], "102")

	src.SetStatus("a", order.StatusReady)
	require.Eventually(t, func() bool { return len(drv.Messages()) == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, texts(drv)[3], "PRETE")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	st := loop.Snapshot()
	require.EqualValues(t, 2, st.Sent)
	require.EqualValues(t, 1, st.ReadySent)
	require.EqualValues(t, 1, st.SweepCount)
	require.Equal(t, 1, st.LastSweep.Recovered)
	require.False(t, st.Running)
	require.EqualValues(t, 1, n.ready.Load())
	require.Positive(t, n.watchdog.Load())

	// Nothing was delivered twice.
	for _, id := range []string{"x", "a", "b"} {
		s, ok, _ := store.Get(context.Background(), id)
		require.True(t, ok)
		require.Equal(t, 1, s.Attempts, id)
	}
}

type countingSweeper struct{ n atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context) recovery.Report {
	c.n.Add(1)
	return recovery.Report{}
}

type idlePoller struct{}

func (idlePoller) Prime(context.Context, time.Time) bool { return true }
func (idlePoller) Poll(context.Context) []order.Order    { return nil }
func (idlePoller) Snapshot() poller.Stats                { return poller.Stats{} }

func TestRequestSweepWakesTheLoop(t *testing.T) {
	sw := &countingSweeper{}
	loop := New(Config{PollInterval: time.Hour}, idlePoller{}, nil, nil, sw, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return loop.Snapshot().Polls == 1 }, time.Second, time.Millisecond)
	loop.RequestSweep()
	require.Eventually(t, func() bool { return sw.n.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSetIntervalIgnoresNonPositive(t *testing.T) {
	loop := New(Config{PollInterval: time.Second}, idlePoller{}, nil, nil, nil, nil, logx.Nop())
	loop.SetInterval(0)
	require.Equal(t, time.Second, loop.Snapshot().Interval)
	loop.SetInterval(3 * time.Second)
	require.Equal(t, 3*time.Second, loop.Snapshot().Interval)
}

func TestValidateSchedule(t *testing.T) {
	require.NoError(t, ValidateSchedule(""))
	require.NoError(t, ValidateSchedule("0 */30 * * * *"))
	require.NoError(t, ValidateSchedule("@every 1h"))
	require.Error(t, ValidateSchedule("every now and then"))
}

// lateSweeper runs the real sweep, then simulates an order placed while it
// was running.
type lateSweeper struct {
	inner *recovery.Sweeper
	src   *orderstore.Memory
	late  order.Order
	once  atomic.Bool
}

func (l *lateSweeper) Sweep(ctx context.Context) recovery.Report {
	rep := l.inner.Sweep(ctx)
	if l.once.CompareAndSwap(false, true) {
		l.src.Put(l.late)
	}
	return rep
}

func TestLoopSendsOrdersPlacedDuringStartupSweep(t *testing.T) {
	now := time.Now()
	src := orderstore.NewMemory(mkOrder("old", "200", now.Add(-time.Hour)))
	store := storage.NewMemory()
	drv := channel.NewDryRun(logx.Nop())
	sess, err := channel.Open(context.Background(), drv)
	require.NoError(t, err)
	defer sess.Close(context.Background())

	d := dispatch.New(dispatch.Config{}, sess, compose.New(compose.Config{}), store, src, nil, logx.Nop())
	sw := &lateSweeper{
		inner: recovery.New(recovery.Config{Pacing: time.Millisecond}, src, store, d, nil, logx.Nop()),
		src:   src,
		late:  mkOrder("late", "201", now),
	}
	p := poller.New(src, poller.Config{WindowSize: 5}, logx.Nop())
	loop := New(Config{PollInterval: 5 * time.Millisecond}, p, nil, d, sw, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return len(drv.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := texts(drv)
	require.Contains(t, got[0], "200")
	require.Contains(t, got[1], "201")
	st, ok, _ := store.Get(context.Background(), "late")
	require.True(t, ok)
	require.True(t, st.Sent)
}

// overflowPoller reports one overflowed poll.
type overflowPoller struct {
	idlePoller
	polls atomic.Int32
}

func (o *overflowPoller) Poll(context.Context) []order.Order {
	o.polls.Add(1)
	return nil
}

func (o *overflowPoller) Snapshot() poller.Stats {
	if o.polls.Load() > 0 {
		return poller.Stats{Overflows: 1}
	}
	return poller.Stats{}
}

func TestOverflowRequestsSweep(t *testing.T) {
	sw := &countingSweeper{}
	loop := New(Config{PollInterval: time.Hour}, &overflowPoller{}, nil, nil, sw, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Start-up sweep plus the one triggered by the overflowed first poll.
	require.Eventually(t, func() bool { return sw.n.Load() == 2 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return sw.n.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
