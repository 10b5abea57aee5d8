package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ordernotify/internal/channel"
	"ordernotify/internal/compose"
	"ordernotify/internal/delivery"
	"ordernotify/internal/eventbus"
	"ordernotify/internal/order"
	"ordernotify/internal/orderstore"
	"ordernotify/internal/storage"
	logx "ordernotify/pkg/logx"
)

type call struct {
	to, text, image string
}

// scriptedDriver fails the first failN sends and records the rest.
type scriptedDriver struct {
	mu      sync.Mutex
	failN   int
	panicOn string
	calls   []call
}

func (s *scriptedDriver) Name() string               { return "scripted" }
func (s *scriptedDriver) Open(context.Context) error { return nil }
func (s *scriptedDriver) Close() error               { return nil }

func (s *scriptedDriver) Send(_ context.Context, to, text string) error {
	return s.record(call{to: to, text: text})
}

func (s *scriptedDriver) SendImage(_ context.Context, to, path, caption string) error {
	return s.record(call{to: to, text: caption, image: path})
}

func (s *scriptedDriver) record(c call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOn != "" && s.panicOn == c.to {
		panic("driver exploded")
	}
	if s.failN > 0 {
		s.failN--
		return errors.New("element not found")
	}
	s.calls = append(s.calls, c)
	return nil
}

func (s *scriptedDriver) sent() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

type fixture struct {
	drv    *scriptedDriver
	store  *storage.MemoryStore
	orders *orderstore.Memory
	bus    eventbus.Bus
	d      *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	drv := &scriptedDriver{}
	sess, err := channel.Open(context.Background(), drv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })

	f := &fixture{
		drv:    drv,
		store:  storage.NewMemory(),
		orders: orderstore.NewMemory(),
		bus:    eventbus.New(),
	}
	comp := compose.New(compose.Config{PortalURL: "https://twinpizza.fr/ticket"})
	f.d = New(cfg, sess, comp, f.store, f.orders, f.bus, logx.Nop())
	f.d.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func pizzaOrder(id, number string) order.Order {
	return order.Order{
		ID:            id,
		Number:        number,
		CustomerPhone: "06 12 34 56 78",
		Total:         decimal.RequireFromString("12.50"),
		Type:          order.TypePickup,
		Status:        order.StatusPending,
		CreatedAt:     time.Now(),
		Items:         []order.Item{{Quantity: 2, Name: "Margherita", Category: "pizza", Price: decimal.RequireFromString("12.50")}},
	}
}

func TestDispatchNewOrder(t *testing.T) {
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	out := f.d.Dispatch(context.Background(), pizzaOrder("o1", "101"), Options{Origin: "poll"})
	require.Equal(t, ResultSent, out.Result)
	require.NoError(t, out.Err)

	calls := f.drv.sent()
	require.Len(t, calls, 1)
	require.Equal(t, "33612345678", calls[0].to)
	require.Contains(t, calls[0].text, "101")
	require.Contains(t, calls[0].text, "12.50")
	require.Contains(t, calls[0].text, "2x Margherita")

	st, ok, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, st.Sent)
	require.Equal(t, 1, st.Attempts)

	ev := <-events
	require.Equal(t, eventbus.TypeDeliverySent, ev.Type)
}

func TestDispatchRepeatedFailures(t *testing.T) {
	f := newFixture(t, Config{})
	f.drv.failN = 3
	o := pizzaOrder("o2", "102")

	for i := 0; i < 3; i++ {
		out := f.d.Dispatch(context.Background(), o, Options{Origin: "recovery"})
		require.Equal(t, ResultFailed, out.Result)
		require.Equal(t, delivery.KindTransient, delivery.KindOf(out.Err))
	}
	st, ok, _ := f.store.Get(context.Background(), "o2")
	require.True(t, ok)
	require.False(t, st.Sent)
	require.Equal(t, 3, st.Attempts)
	require.Contains(t, st.LastError, "element not found")
	require.Empty(t, f.drv.sent())
}

func TestDispatchWithoutPhoneLeavesNoRecord(t *testing.T) {
	f := newFixture(t, Config{FollowUp: true})
	o := pizzaOrder("o3", "103")
	o.CustomerPhone = "  "

	out := f.d.Dispatch(context.Background(), o, Options{})
	require.Equal(t, ResultSkipped, out.Result)
	require.ErrorIs(t, out.Err, delivery.ErrNoRecipient)
	require.Empty(t, f.drv.sent())
	_, ok, _ := f.store.Get(context.Background(), "o3")
	require.False(t, ok)
}

func TestDispatchMalformedOrder(t *testing.T) {
	f := newFixture(t, Config{})
	o := pizzaOrder("o4", "")

	out := f.d.Dispatch(context.Background(), o, Options{})
	require.Equal(t, ResultMalformed, out.Result)
	require.Equal(t, delivery.KindMalformedOrder, delivery.KindOf(out.Err))
	require.Empty(t, f.drv.sent())
}

func TestDispatchFollowUpUsesRefetchedLoyaltyCard(t *testing.T) {
	f := newFixture(t, Config{FollowUp: true, SettleDelay: time.Second})
	o := pizzaOrder("o5", "105")
	withCard := o
	withCard.LoyaltyCardImageURL = "https://cdn.test/cards/o5.png"
	f.orders.Put(withCard)

	out := f.d.Dispatch(context.Background(), o, Options{})
	require.Equal(t, ResultSent, out.Result)
	require.True(t, out.FollowUp)

	calls := f.drv.sent()
	require.Len(t, calls, 2)
	require.Equal(t, "https://cdn.test/cards/o5.png", calls[1].image)

	st, _, _ := f.store.Get(context.Background(), "o5")
	require.True(t, st.FollowUpSent)
	require.Equal(t, 1, st.Attempts)
}

func TestDispatchFollowUpFallsBackToLink(t *testing.T) {
	f := newFixture(t, Config{FollowUp: true})
	out := f.d.Dispatch(context.Background(), pizzaOrder("o6", "106"), Options{})
	require.True(t, out.FollowUp)
	calls := f.drv.sent()
	require.Len(t, calls, 2)
	require.Contains(t, calls[1].text, "https://twinpizza.fr/ticket?phone=33612345678")

	out = f.d.Dispatch(context.Background(), pizzaOrder("o7", "107"), Options{SkipFollowUp: true})
	require.False(t, out.FollowUp)
	require.Len(t, f.drv.sent(), 3)
}

func TestDispatchContainsPanics(t *testing.T) {
	f := newFixture(t, Config{})
	f.drv.panicOn = "33612345678"

	out := f.d.Dispatch(context.Background(), pizzaOrder("o8", "108"), Options{})
	require.Equal(t, ResultFailed, out.Result)
	require.ErrorContains(t, out.Err, "panic")

	// The lease was released: the next order still gets the session.
	f.drv.panicOn = ""
	out = f.d.Dispatch(context.Background(), pizzaOrder("o9", "109"), Options{})
	require.Equal(t, ResultSent, out.Result)
}

func TestDispatchAbortsBeforeSendOnStop(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.d.Dispatch(ctx, pizzaOrder("o10", "110"), Options{})
	require.Equal(t, ResultAborted, out.Result)
	require.Empty(t, f.drv.sent())
	_, ok, _ := f.store.Get(context.Background(), "o10")
	require.False(t, ok)
}

func TestDispatchReady(t *testing.T) {
	f := newFixture(t, Config{})
	o := pizzaOrder("o11", "111")
	o.Status = order.StatusReady
	o.Type = order.TypeDelivery

	f.drv.failN = 1
	out := f.d.DispatchReady(context.Background(), o, Options{})
	require.Equal(t, ResultFailed, out.Result)
	st, _, _ := f.store.Get(context.Background(), "o11")
	require.True(t, st.NeedsReadyRedrive())
	require.False(t, st.Sent)

	out = f.d.DispatchReady(context.Background(), o, Options{})
	require.Equal(t, ResultSent, out.Result)
	calls := f.drv.sent()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].text, "PRETE")
	require.Contains(t, calls[0].text, "livreur")

	st, _, _ = f.store.Get(context.Background(), "o11")
	require.True(t, st.ReadySent)
	require.Equal(t, 2, st.ReadyAttempts)
}

// blockingDriver holds every Send until release is closed.
type blockingDriver struct {
	scriptedDriver
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingDriver) Send(ctx context.Context, to, text string) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.record(call{to: to, text: text})
}

func TestDispatchFinishesInFlightSendOnStop(t *testing.T) {
	drv := &blockingDriver{started: make(chan struct{}), release: make(chan struct{})}
	sess, err := channel.Open(context.Background(), drv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	store := storage.NewMemory()
	d := New(Config{SendTimeout: 5 * time.Second}, sess, compose.New(compose.Config{}), store, orderstore.NewMemory(), nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- d.Dispatch(ctx, pizzaOrder("o12", "112"), Options{Origin: "poll"}) }()

	<-drv.started
	cancel()
	select {
	case out := <-done:
		t.Fatalf("dispatch returned while the send was in flight: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
	close(drv.release)

	out := <-done
	require.Equal(t, ResultSent, out.Result)
	require.NoError(t, out.Err)
	require.Len(t, drv.sent(), 1)

	st, ok, err := store.Get(context.Background(), "o12")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, st.Sent)
	require.Equal(t, 1, st.Attempts)
}

func TestDispatchRendersLoyaltyCard(t *testing.T) {
	f := newFixture(t, Config{LoyaltyCard: true})
	f.orders.PutLoyalty(order.Loyalty{CustomerPhone: "33612345678", SouffletCount: 4, PizzaCount: 11, TotalPurchases: 15})

	out := f.d.Dispatch(context.Background(), pizzaOrder("o13", "113"), Options{})
	require.Equal(t, ResultSent, out.Result)
	calls := f.drv.sent()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].text, "CARTE DE FIDELITE")
	require.Contains(t, calls[0].text, "(4/10 - Prochain gratuit dans 6)")
	require.Contains(t, calls[0].text, "(1/10 - Prochaine gratuite dans 9)")
	require.Contains(t, calls[0].text, "Total commandes: 15")

	// A failing lookup never blocks the confirmation.
	f.orders.FailWith(errors.New("loyalty_points unavailable"))
	out = f.d.Dispatch(context.Background(), pizzaOrder("o14", "114"), Options{})
	require.Equal(t, ResultSent, out.Result)
	require.NotContains(t, f.drv.sent()[1].text, "CARTE DE FIDELITE")
}

func TestDispatchFollowUpNeedsCardOrLink(t *testing.T) {
	f := newFixture(t, Config{FollowUp: true})
	f.d.composer = compose.New(compose.Config{})

	out := f.d.Dispatch(context.Background(), pizzaOrder("o15", "115"), Options{})
	require.Equal(t, ResultSent, out.Result)
	require.False(t, out.FollowUp)
	require.Len(t, f.drv.sent(), 1)
	st, _, _ := f.store.Get(context.Background(), "o15")
	require.False(t, st.FollowUpSent)
}
