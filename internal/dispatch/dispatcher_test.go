package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tpmgate/internal/message"
	"tpmgate/internal/metrics"
	"tpmgate/internal/roles"
)

type recordingRenderer struct {
	mu    sync.Mutex
	shown []Notification
	err   error
}

func (r *recordingRenderer) Name() string { return "recording" }

func (r *recordingRenderer) Render(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.shown = append(r.shown, n)
	return nil
}

func (r *recordingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shown)
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []message.Outbound
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, _ roles.Role, msg message.Outbound) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	table    *roles.Table
	hub      *Hub
	renderer *recordingRenderer
	clock    *fakeClock
	disp     *Dispatcher
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		table:    roles.DefaultTable("/nasjpour"),
		hub:      NewHub(8, log, nil),
		renderer: &recordingRenderer{},
		clock:    newFakeClock(),
		metrics:  metrics.New(),
	}
	record := NewDeliveryRecord(5*time.Second, 100)
	record.now = f.clock.Now
	opts = append([]Option{
		WithDeliveryRecord(record),
		WithClock(f.clock.Now),
		WithMetrics(f.metrics),
	}, opts...)
	f.disp = New(f.table, NewCenter(log, f.renderer), f.hub, log, opts...)
	return f
}

func (f *fixture) register(t *testing.T, url string) *Client {
	t.Helper()
	c, err := f.hub.Register(url)
	require.NoError(t, err)
	return c
}

func drain(c *Client) []message.Outbound {
	var out []message.Outbound
	for {
		select {
		case m := <-c.Messages():
			out = append(out, m)
		default:
			return out
		}
	}
}

func managerEvent(id string) message.Event {
	return message.Event{
		Role:    roles.Manager,
		Payload: message.Payload{ID: id, MachineName: "Press-3"},
	}
}

func TestDispatcher_DuplicateWithinCooldown(t *testing.T) {
	f := newFixture(t)
	reports := f.register(t, "https://tpm.example/nasjpour/pages/manager/reports.html")

	res, err := f.disp.Handle(context.Background(), managerEvent("r1"))
	require.NoError(t, err)
	assert.True(t, res.Rendered)
	assert.False(t, res.Suppressed)
	assert.Equal(t, 1, res.Delivered)

	f.clock.Advance(time.Second)
	res, err = f.disp.Handle(context.Background(), managerEvent("r1"))
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.False(t, res.Rendered)
	assert.Equal(t, 0, res.Delivered)

	require.Equal(t, 1, f.renderer.count())
	assert.Equal(t, "manager-r1", f.renderer.shown[0].Tag)

	msgs := drain(reports)
	require.Len(t, msgs, 1)
	assert.Equal(t, "MANAGER_NOTIFICATION", msgs[0].Type)
	assert.Equal(t, message.SourceServiceWorker, msgs[0].Source)
	require.NotNil(t, msgs[0].Data)
	assert.Equal(t, "r1", msgs[0].Data.ID)
	assert.Equal(t, "Press-3", msgs[0].Data.MachineName)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Notifications.WithLabelValues("manager", "suppressed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Notifications.WithLabelValues("manager", "rendered")))
}

func TestDispatcher_OutsideCooldownDeliversAgain(t *testing.T) {
	f := newFixture(t)
	reports := f.register(t, "/nasjpour/pages/manager/reports.html")

	_, err := f.disp.Handle(context.Background(), managerEvent("r1"))
	require.NoError(t, err)
	f.clock.Advance(6 * time.Second)
	res, err := f.disp.Handle(context.Background(), managerEvent("r1"))
	require.NoError(t, err)
	assert.True(t, res.Rendered)

	assert.Equal(t, 2, f.renderer.count())
	assert.Len(t, drain(reports), 2)
}

func TestDispatcher_BroadcastOnlyToRoleNamespace(t *testing.T) {
	f := newFixture(t)
	mgr := f.register(t, "/nasjpour/pages/manager/dashboard.html")
	sup := f.register(t, "/nasjpour/pages/supervisor/RequestsScreen.html")
	home := f.register(t, "/nasjpour/index.html")

	res, err := f.disp.Handle(context.Background(), message.Event{
		Role:    roles.Supervisor,
		Payload: message.Payload{ID: "q1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	assert.Empty(t, drain(mgr))
	assert.Empty(t, drain(home))
	msgs := drain(sup)
	require.Len(t, msgs, 1)
	assert.Equal(t, "SUPERVISOR_NOTIFICATION", msgs[0].Type)
	assert.Equal(t, roles.Supervisor, msgs[0].Data.Role)

	n := f.renderer.shown[0]
	assert.Equal(t, "درخواست سرپرستی جدید", n.Body)
	assert.Equal(t, "/nasjpour/pages/supervisor/RequestsScreen.html", n.URL)
	assert.True(t, n.RequireInteraction)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, ActionView, n.Actions[0].Action)
	assert.Equal(t, ActionClose, n.Actions[1].Action)
}

func TestDispatcher_RenderFailureStillBroadcasts(t *testing.T) {
	f := newFixture(t)
	f.renderer.err = errors.New("notification API unavailable")
	reports := f.register(t, "/nasjpour/pages/manager/reports.html")

	res, err := f.disp.Handle(context.Background(), managerEvent("r9"))
	require.NoError(t, err)
	assert.False(t, res.Rendered)
	require.Error(t, res.RenderErr)
	assert.Contains(t, res.RenderErr.Error(), "notification API unavailable")
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, drain(reports), 1)

	_, shown := f.disp.center.Get("manager-r9")
	assert.False(t, shown)
}

func TestDispatcher_StateOrder(t *testing.T) {
	var states []State
	f := newFixture(t, WithObserver(func(_ string, s State) { states = append(states, s) }))

	_, err := f.disp.Handle(context.Background(), managerEvent("r1"))
	require.NoError(t, err)
	assert.Equal(t, []State{StateDeduplicating, StateRendering, StateBroadcasting, StateIdle}, states)

	states = nil
	_, err = f.disp.Handle(context.Background(), managerEvent("r1"))
	require.NoError(t, err)
	assert.Equal(t, []State{StateDeduplicating, StateSuppressed, StateIdle}, states)
}

func TestDispatcher_InvalidEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.disp.Handle(context.Background(), message.Event{Role: roles.Manager})
	assert.ErrorIs(t, err, message.ErrInvalid)

	_, err = f.disp.Handle(context.Background(), message.Event{Role: "janitor", Payload: message.Payload{ID: "x"}})
	assert.ErrorIs(t, err, message.ErrInvalid)
	assert.Equal(t, 0, f.renderer.count())
}

func TestDispatcher_SinkReceivesBroadcast(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, WithSink(sink))

	_, err := f.disp.Handle(context.Background(), message.Event{
		Role:    roles.Warehouse,
		Payload: message.Payload{ID: "p1", MachineName: "Bearing 6204"},
	})
	require.NoError(t, err)
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "ANBAR_NOTIFICATION", sink.msgs[0].Type)
}

func TestDispatcher_ClickViewFocusesOpenTarget(t *testing.T) {
	f := newFixture(t)
	_ = f.register(t, "/nasjpour/pages/manager/dashboard.html")
	reports := f.register(t, "https://tpm.example/nasjpour/pages/manager/reports.html")

	_, err := f.disp.Handle(context.Background(), managerEvent("r1"))
	require.NoError(t, err)
	drain(reports)

	res, err := f.disp.Click(context.Background(), "manager-r1", ActionView)
	require.NoError(t, err)
	assert.Equal(t, reports.ID, res.Focused)
	assert.Empty(t, res.Open)

	msgs := drain(reports)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.TypeFocus, msgs[0].Type)

	_, stillShown := f.disp.center.Get("manager-r1")
	assert.False(t, stillShown)
}

func TestDispatcher_ClickBodyOpensWhenNoTargetPage(t *testing.T) {
	f := newFixture(t)
	_ = f.register(t, "/nasjpour/index.html")

	_, err := f.disp.Handle(context.Background(), managerEvent("r2"))
	require.NoError(t, err)

	res, err := f.disp.Click(context.Background(), "manager-r2", "")
	require.NoError(t, err)
	assert.Empty(t, res.Focused)
	assert.Equal(t, "/nasjpour/pages/manager/reports.html", res.Open)
}

func TestDispatcher_ClickClose(t *testing.T) {
	f := newFixture(t)
	reports := f.register(t, "/nasjpour/pages/manager/reports.html")
	_, err := f.disp.Handle(context.Background(), managerEvent("r3"))
	require.NoError(t, err)
	drain(reports)

	res, err := f.disp.Click(context.Background(), "manager-r3", ActionClose)
	require.NoError(t, err)
	assert.Empty(t, res.Focused)
	assert.Empty(t, res.Open)
	assert.Empty(t, drain(reports))
	assert.Empty(t, f.disp.Shown())
}

func TestDispatcher_ClickUnknownActionKeepsNotification(t *testing.T) {
	f := newFixture(t)
	_, err := f.disp.Handle(context.Background(), managerEvent("r4"))
	require.NoError(t, err)

	_, err = f.disp.Click(context.Background(), "manager-r4", "archive")
	assert.ErrorIs(t, err, ErrUnknownAction)
	_, shown := f.disp.center.Get("manager-r4")
	assert.True(t, shown)
	require.Len(t, f.disp.Shown(), 1)
}

func TestDispatcher_ClickAfterRestartUsesTagRole(t *testing.T) {
	f := newFixture(t)
	res, err := f.disp.Click(context.Background(), "supervisor-q7", ActionView)
	require.NoError(t, err)
	assert.Equal(t, "/nasjpour/pages/supervisor/RequestsScreen.html", res.Open)

	_, err = f.disp.Click(context.Background(), "janitor-1", ActionView)
	assert.ErrorIs(t, err, ErrUnknownNotification)

	_, err = f.disp.Click(context.Background(), "manager-1", "archive")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestDispatcher_Dismiss(t *testing.T) {
	f := newFixture(t)
	_, err := f.disp.Handle(context.Background(), managerEvent("r4"))
	require.NoError(t, err)
	require.Len(t, f.disp.Shown(), 1)

	assert.True(t, f.disp.Dismiss("manager-r4"))
	assert.False(t, f.disp.Dismiss("manager-r4"))
	assert.Empty(t, f.disp.Shown())
}

func TestCenter_SameTagReplaces(t *testing.T) {
	c := NewCenter(zaptest.NewLogger(t))
	now := time.Now()
	require.NoError(t, c.Show(context.Background(), Notification{Tag: "manager-r1", Body: "a", ShownAt: now}))
	require.NoError(t, c.Show(context.Background(), Notification{Tag: "manager-r1", Body: "b", ShownAt: now.Add(time.Second)}))

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Body)
}

func TestCenter_PartialRenderFailure(t *testing.T) {
	ok := &recordingRenderer{}
	bad := &recordingRenderer{err: errors.New("push down")}
	c := NewCenter(zaptest.NewLogger(t), ok, bad)

	err := c.Show(context.Background(), Notification{Tag: "operator-1"})
	require.Error(t, err)
	var re *RenderError
	assert.ErrorAs(t, err, &re)

	_, shown := c.Get("operator-1")
	assert.True(t, shown)
}
