package dispatch

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultCooldown = 5 * time.Second
	DefaultCapacity = 100
)

// DeliveryRecord remembers when each dedupe key was last delivered. It is an
// in-memory optimization only: a restarted gateway starts with an empty
// record.
type DeliveryRecord struct {
	mu       sync.Mutex
	seen     *cache.Cache
	cooldown time.Duration
	capacity int
	now      func() time.Time
}

func NewDeliveryRecord(cooldown time.Duration, capacity int) *DeliveryRecord {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	retention := 2 * cooldown
	if retention < time.Minute {
		retention = time.Minute
	}
	return &DeliveryRecord{
		seen:     cache.New(retention, retention),
		cooldown: cooldown,
		capacity: capacity,
		now:      time.Now,
	}
}

// Admit reports whether key may be delivered now and, if so, records it.
// A key seen within the cooldown window is refused and its timestamp is left
// unchanged.
func (r *DeliveryRecord) Admit(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if v, ok := r.seen.Get(key); ok {
		if last, ok := v.(time.Time); ok && now.Sub(last) <= r.cooldown {
			return false
		}
	}
	r.seen.Set(key, now, cache.DefaultExpiration)
	r.evictOldestLocked()
	return true
}

func (r *DeliveryRecord) evictOldestLocked() {
	// ItemCount includes expired items the janitor has not swept yet, while
	// Items skips them
	r.seen.DeleteExpired()
	for r.seen.ItemCount() > r.capacity {
		var (
			oldestKey string
			oldest    time.Time
		)
		for k, it := range r.seen.Items() {
			t, _ := it.Object.(time.Time)
			if oldestKey == "" || t.Before(oldest) {
				oldestKey, oldest = k, t
			}
		}
		if oldestKey == "" {
			return
		}
		r.seen.Delete(oldestKey)
	}
}

// Len returns the number of remembered keys.
func (r *DeliveryRecord) Len() int {
	return r.seen.ItemCount()
}

func (r *DeliveryRecord) Cooldown() time.Duration { return r.cooldown }
