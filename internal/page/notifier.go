package page

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"tpmgate/internal/message"
	"tpmgate/internal/roles"
)

// BannerDuration is how long a banner stays up before it dismisses itself.
const BannerDuration = 5 * time.Second

type Banner struct {
	Role    roles.Role
	Title   string
	Body    string
	Time    time.Time
	Target  string
	Timeout time.Duration
}

// BannerRenderer draws in-page banners. A new banner replaces the one on
// screen.
type BannerRenderer interface {
	ShowBanner(b Banner)
}

// NavigateFunc moves the page to url.
type NavigateFunc func(url string)

// Notifier is the in-page notifier of a role page. It listens to gateway
// broadcasts for its own role, shows a banner for each and keeps the unread
// count in Storage.
type Notifier struct {
	mu       sync.Mutex
	table    *roles.Table
	profile  roles.Profile
	banners  BannerRenderer
	store    Storage
	navigate NavigateFunc
	log      *zap.Logger
	now      func() time.Time
}

func NewNotifier(table *roles.Table, role roles.Role, banners BannerRenderer, store Storage, navigate NavigateFunc, log *zap.Logger) (*Notifier, error) {
	p, ok := table.Lookup(role)
	if !ok {
		return nil, fmt.Errorf("page: unknown role %q", role)
	}
	if store == nil {
		store = NewMemStorage()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		table:    table,
		profile:  p,
		banners:  banners,
		store:    store,
		navigate: navigate,
		log:      log.With(zap.String("role", string(role))),
		now:      time.Now,
	}, nil
}

func (n *Notifier) Role() roles.Role { return n.profile.Role }

// Handle processes one gateway message and reports whether it produced a
// banner. Broadcasts for other roles and update messages are ignored.
func (n *Notifier) Handle(msg message.Outbound) bool {
	if msg.Type != n.profile.BroadcastType() || msg.Data == nil {
		return false
	}
	if msg.Data.Role != "" && msg.Data.Role != n.profile.Role {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.show(n.profile, *msg.Data)
	count, err := n.unreadLocked()
	if err != nil {
		n.log.Warn("read unread counter", zap.Error(err))
	}
	if err := n.store.Set(n.profile.UnreadKey, strconv.Itoa(count+1)); err != nil {
		n.log.Warn("store unread counter", zap.Error(err))
	}
	return true
}

// Fallback shows a banner for an event the page could not hand to the
// gateway. It does not touch the unread counter. Use it as a FallbackFunc.
func (n *Notifier) Fallback(role roles.Role, p message.Payload) {
	prof, ok := n.table.Lookup(role)
	if !ok {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.show(prof, p)
}

func (n *Notifier) show(prof roles.Profile, p message.Payload) {
	at := n.now()
	if p.Timestamp > 0 {
		at = time.UnixMilli(p.Timestamp)
	}
	if n.banners == nil {
		return
	}
	n.banners.ShowBanner(Banner{
		Role:    prof.Role,
		Title:   prof.BannerTitle,
		Body:    prof.Body(p.MachineName),
		Time:    at,
		Target:  prof.Target,
		Timeout: BannerDuration,
	})
}

// Unread returns the stored unread count.
func (n *Notifier) Unread() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unreadLocked()
}

func (n *Notifier) unreadLocked() (int, error) {
	v, ok, err := n.store.Get(n.profile.UnreadKey)
	if err != nil || !ok {
		return 0, err
	}
	c, err := strconv.Atoi(v)
	if err != nil || c < 0 {
		return 0, nil
	}
	return c, nil
}

// ClickThrough resets the unread count and navigates to the role target.
func (n *Notifier) ClickThrough() error {
	n.mu.Lock()
	err := n.store.Set(n.profile.UnreadKey, "0")
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if n.navigate != nil {
		n.navigate(n.profile.Target)
	}
	return nil
}
