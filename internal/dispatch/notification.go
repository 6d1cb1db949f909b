package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tpmgate/internal/message"
	"tpmgate/internal/roles"
)

const (
	ActionView  = "view"
	ActionClose = "close"
)

const maxShown = 200

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is an OS-level notification as handed to a renderer.
type Notification struct {
	Tag                string          `json:"tag"`
	Role               roles.Role      `json:"role"`
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Icon               string          `json:"icon,omitempty"`
	Badge              string          `json:"badge,omitempty"`
	URL                string          `json:"url"`
	Actions            []Action        `json:"actions,omitempty"`
	RequireInteraction bool            `json:"requireInteraction"`
	Vibrate            []int           `json:"vibrate,omitempty"`
	Data               message.Payload `json:"data"`
	ShownAt            time.Time       `json:"shownAt"`
}

// Renderer displays a notification on some platform.
type Renderer interface {
	Name() string
	Render(ctx context.Context, n Notification) error
}

// Center keeps the currently shown notifications by tag. Showing a
// notification whose tag is already shown replaces it.
type Center struct {
	mu        sync.Mutex
	shown     map[string]Notification
	renderers []Renderer
	log       *zap.Logger
}

func NewCenter(log *zap.Logger, renderers ...Renderer) *Center {
	if log == nil {
		log = zap.NewNop()
	}
	return &Center{
		shown:     map[string]Notification{},
		renderers: renderers,
		log:       log,
	}
}

// Show renders n on every renderer. The notification counts as shown when at
// least one renderer accepted it (or there are none); failures are returned
// joined.
func (c *Center) Show(ctx context.Context, n Notification) error {
	var errs []error
	for _, r := range c.renderers {
		if err := r.Render(ctx, n); err != nil {
			errs = append(errs, &RenderError{Renderer: r.Name(), Err: err})
		}
	}
	if len(c.renderers) > 0 && len(errs) == len(c.renderers) {
		return errors.Join(errs...)
	}

	c.mu.Lock()
	if _, replaced := c.shown[n.Tag]; replaced {
		c.log.Debug("notification replaced", zap.String("tag", n.Tag))
	}
	c.shown[n.Tag] = n
	c.trimLocked()
	c.mu.Unlock()

	return errors.Join(errs...)
}

func (c *Center) trimLocked() {
	for len(c.shown) > maxShown {
		var (
			oldestTag string
			oldest    time.Time
		)
		for tag, n := range c.shown {
			if oldestTag == "" || n.ShownAt.Before(oldest) {
				oldestTag, oldest = tag, n.ShownAt
			}
		}
		delete(c.shown, oldestTag)
	}
}

func (c *Center) Get(tag string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.shown[tag]
	return n, ok
}

// Close removes the notification and returns it.
func (c *Center) Close(tag string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.shown[tag]
	if ok {
		delete(c.shown, tag)
	}
	return n, ok
}

// List returns the shown notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	out := make([]Notification, 0, len(c.shown))
	for _, n := range c.shown {
		out = append(out, n)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].Tag < out[j].Tag
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}

type RenderError struct {
	Renderer string
	Err      error
}

func (e *RenderError) Error() string { return e.Renderer + ": " + e.Err.Error() }

func (e *RenderError) Unwrap() error { return e.Err }

// LogRenderer writes notifications to the log. It is always available, so a
// gateway without push targets still has a platform to render on.
type LogRenderer struct {
	log *zap.Logger
}

func NewLogRenderer(log *zap.Logger) *LogRenderer {
	return &LogRenderer{log: log}
}

func (r *LogRenderer) Name() string { return "log" }

func (r *LogRenderer) Render(_ context.Context, n Notification) error {
	r.log.Info("notification",
		zap.String("tag", n.Tag),
		zap.String("role", string(n.Role)),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.String("url", n.URL))
	return nil
}
