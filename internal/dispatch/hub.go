package dispatch

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tpmgate/internal/message"
	"tpmgate/internal/metrics"
)

var (
	ErrHubClosed   = errors.New("page hub closed")
	ErrUnknownPage = errors.New("unknown page context")
	ErrPageBusy    = errors.New("page context is not keeping up")
)

const defaultPageBuffer = 16

// PageContext is one open page, as seen by the gateway.
type PageContext struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Connected time.Time `json:"connected"`
}

// Pages is the set of open page contexts the dispatcher talks to.
type Pages interface {
	MatchAll() []PageContext
	Post(id string, msg message.Outbound) error
}

// Client is the gateway end of a connected page context.
type Client struct {
	PageContext
	ch chan message.Outbound
}

// Messages yields the messages posted to the page. The channel is closed when
// the client is unregistered or the hub shuts down.
func (c *Client) Messages() <-chan message.Outbound { return c.ch }

// Hub tracks connected page contexts. Delivery is non-blocking: a page whose
// buffer is full misses the message instead of stalling the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	buf     int
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewHub(buf int, log *zap.Logger, m *metrics.Metrics) *Hub {
	if buf <= 0 {
		buf = defaultPageBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: map[string]*Client{},
		buf:     buf,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Register adds a page context open at pageURL.
func (h *Hub) Register(pageURL string) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	c := &Client{
		PageContext: PageContext{
			ID:        uuid.NewString(),
			URL:       pageURL,
			Connected: h.now(),
		},
		ch: make(chan message.Outbound, h.buf),
	}
	h.clients[c.ID] = c
	h.metrics.SetPageContexts(len(h.clients))
	h.log.Debug("page context registered", zap.String("id", c.ID), zap.String("url", pageURL))
	return c, nil
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	close(c.ch)
	h.metrics.SetPageContexts(len(h.clients))
	h.log.Debug("page context unregistered", zap.String("id", c.ID))
}

// MatchAll returns a snapshot of the open page contexts, oldest first.
func (h *Hub) MatchAll() []PageContext {
	h.mu.RLock()
	out := make([]PageContext, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.PageContext)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Connected.Equal(out[j].Connected) {
			return out[i].ID < out[j].ID
		}
		return out[i].Connected.Before(out[j].Connected)
	})
	return out
}

func (h *Hub) Post(id string, msg message.Outbound) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return ErrUnknownPage
	}
	select {
	case c.ch <- msg:
		return nil
	default:
		return ErrPageBusy
	}
}

// PostAll posts msg to every open page context and returns how many took it.
func (h *Hub) PostAll(msg message.Outbound) int {
	n := 0
	for _, pc := range h.MatchAll() {
		if err := h.Post(pc.ID, msg); err != nil {
			h.log.Warn("post to page context failed",
				zap.String("id", pc.ID),
				zap.String("type", msg.Type),
				zap.Error(err))
			continue
		}
		n++
	}
	h.metrics.Broadcast(msg.Type, n)
	return n
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every page context and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		close(c.ch)
		delete(h.clients, id)
	}
	h.metrics.SetPageContexts(0)
}
