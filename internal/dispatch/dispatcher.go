// Package dispatch is the background side of the notification path: it
// deduplicates role events, renders OS notifications and rebroadcasts the
// events to the open pages of the same role.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tpmgate/internal/message"
	"tpmgate/internal/metrics"
	"tpmgate/internal/roles"
)

var (
	ErrUnknownNotification = errors.New("unknown notification")
	ErrUnknownAction       = errors.New("unknown notification action")
)

type State int

const (
	StateIdle State = iota
	StateDeduplicating
	StateSuppressed
	StateRendering
	StateBroadcasting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDeduplicating:
		return "deduplicating"
	case StateSuppressed:
		return "suppressed"
	case StateRendering:
		return "rendering"
	case StateBroadcasting:
		return "broadcasting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink receives every role broadcast in addition to the open pages.
type Sink interface {
	Name() string
	Publish(ctx context.Context, role roles.Role, msg message.Outbound) error
}

// Result describes how one event was handled.
type Result struct {
	Key        string `json:"key"`
	Suppressed bool   `json:"suppressed"`
	Rendered   bool   `json:"rendered"`
	RenderErr  error  `json:"-"`
	Delivered  int    `json:"delivered"`
}

type Dispatcher struct {
	table   *roles.Table
	record  *DeliveryRecord
	center  *Center
	pages   Pages
	sinks   []Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	observe func(key string, s State)
}

type Option func(*Dispatcher)

func WithDeliveryRecord(r *DeliveryRecord) Option {
	return func(d *Dispatcher) { d.record = r }
}

func WithSink(s Sink) Option {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, s) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithObserver registers a hook called on every state transition.
func WithObserver(fn func(key string, s State)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

func New(table *roles.Table, center *Center, pages Pages, log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		table:  table,
		center: center,
		pages:  pages,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.record == nil {
		d.record = NewDeliveryRecord(DefaultCooldown, DefaultCapacity)
		d.record.now = d.now
	}
	return d
}

func (d *Dispatcher) transition(key string, s State) {
	if d.observe != nil {
		d.observe(key, s)
	}
}

// Handle runs one event through dedupe, render and broadcast. The dedupe
// decision is recorded before rendering starts, and the broadcast runs
// whether or not rendering succeeded. An error is returned only for events
// that fail validation.
func (d *Dispatcher) Handle(ctx context.Context, ev message.Event) (Result, error) {
	if err := message.Notify(ev).Validate(d.table); err != nil {
		return Result{}, err
	}
	profile, _ := d.table.Lookup(ev.Role)
	if ev.Timestamp == 0 {
		ev.Timestamp = d.now().UnixMilli()
	}

	key := ev.DedupeKey()
	res := Result{Key: key}

	d.transition(key, StateDeduplicating)
	if !d.record.Admit(key) {
		d.transition(key, StateSuppressed)
		d.metrics.Notification(string(ev.Role), "suppressed")
		d.log.Debug("duplicate notification suppressed",
			zap.String("key", key),
			zap.Duration("cooldown", d.record.Cooldown()))
		d.transition(key, StateIdle)
		res.Suppressed = true
		return res, nil
	}

	d.transition(key, StateRendering)
	if err := d.center.Show(ctx, d.compose(profile, ev)); err != nil {
		res.RenderErr = err
		d.metrics.Notification(string(ev.Role), "render_failed")
		d.log.Error("show notification failed", zap.String("tag", key), zap.Error(err))
	} else {
		res.Rendered = true
		d.metrics.Notification(string(ev.Role), "rendered")
	}

	d.transition(key, StateBroadcasting)
	res.Delivered = d.broadcast(ctx, profile, ev.Payload)
	d.transition(key, StateIdle)

	d.log.Info("notification dispatched",
		zap.String("key", key),
		zap.Bool("rendered", res.Rendered),
		zap.Int("pages", res.Delivered))
	return res, nil
}

func (d *Dispatcher) compose(p roles.Profile, ev message.Event) Notification {
	data := ev.Payload
	data.Role = ev.Role
	return Notification{
		Tag:   ev.DedupeKey(),
		Role:  ev.Role,
		Title: p.Title,
		Body:  p.Body(ev.MachineName),
		Icon:  p.Icon,
		Badge: p.Badge,
		URL:   p.Target,
		Actions: []Action{
			{Action: ActionView, Title: p.ViewLabel},
			{Action: ActionClose, Title: p.CloseLabel},
		},
		RequireInteraction: true,
		Vibrate:            []int{200, 100, 200},
		Data:               data,
		ShownAt:            d.now(),
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, p roles.Profile, data message.Payload) int {
	msg := message.Broadcast(p, data, d.now())

	n := 0
	for _, pc := range d.pages.MatchAll() {
		if !p.Matches(pc.URL) {
			continue
		}
		if err := d.pages.Post(pc.ID, msg); err != nil {
			d.log.Warn("broadcast to page failed",
				zap.String("page", pc.ID),
				zap.String("url", pc.URL),
				zap.Error(err))
			continue
		}
		n++
	}
	d.metrics.Broadcast(msg.Type, n)

	for _, s := range d.sinks {
		if err := s.Publish(ctx, p.Role, msg); err != nil {
			d.metrics.SinkFailure(s.Name())
			d.log.Warn("broadcast sink failed", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
	return n
}

// ClickResult tells the caller what a notification click led to: either an
// already open page was focused, or Open names the URL to open.
type ClickResult struct {
	Tag     string `json:"tag"`
	Focused string `json:"focused,omitempty"`
	Open    string `json:"open,omitempty"`
}

// Click handles a click on a notification. action is "view", "close" or
// empty for a click on the body.
func (d *Dispatcher) Click(ctx context.Context, tag, action string) (ClickResult, error) {
	res := ClickResult{Tag: tag}
	switch action {
	case ActionClose, ActionView, "":
	default:
		return res, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	n, known := d.center.Close(tag)
	role := n.Role
	if !known {
		r, ok := d.roleFromTag(tag)
		if !ok {
			return res, fmt.Errorf("%w: %q", ErrUnknownNotification, tag)
		}
		role = r
	}

	if action == ActionClose {
		d.log.Debug("notification closed from action", zap.String("tag", tag))
		return res, nil
	}

	profile, _ := d.table.Lookup(role)
	target := profile.Target
	for _, pc := range d.pages.MatchAll() {
		if !strings.Contains(pc.URL, target) {
			continue
		}
		if err := d.pages.Post(pc.ID, message.Focus(target, d.now())); err != nil {
			d.log.Warn("focus page failed", zap.String("page", pc.ID), zap.Error(err))
			continue
		}
		res.Focused = pc.ID
		return res, nil
	}
	res.Open = target
	return res, nil
}

// Dismiss records that the user closed a notification without acting on it.
func (d *Dispatcher) Dismiss(tag string) bool {
	_, ok := d.center.Close(tag)
	d.log.Info("notification dismissed", zap.String("tag", tag), zap.Bool("known", ok))
	return ok
}

// Shown lists the notifications currently displayed.
func (d *Dispatcher) Shown() []Notification {
	return d.center.List()
}

func (d *Dispatcher) roleFromTag(tag string) (roles.Role, bool) {
	for _, r := range roles.All() {
		if _, ok := d.table.Lookup(r); ok && strings.HasPrefix(tag, string(r)+"-") {
			return r, true
		}
	}
	return "", false
}
