package notifier

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/store"
)

// suppressionKey identifies one transition class per connection. A structured
// tuple rather than string concatenation so ids containing separator
// characters cannot collide.
type suppressionKey struct {
	connectionID string
	newStatus    store.Status
}

// RateLimited suppresses repeated identical transitions within a TTL window.
// A connection flapping between states still reports every distinct change;
// only exact repeats inside the window are dropped.
type RateLimited struct {
	next   Notifier
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[suppressionKey]time.Time
}

// NewRateLimited wraps next with a per-transition TTL window.
func NewRateLimited(next Notifier, ttl time.Duration, logger zerolog.Logger) *RateLimited {
	return &RateLimited{
		next:   next,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		seen:   make(map[suppressionKey]time.Time),
	}
}

// OnStatusChange forwards the event unless the same transition fired within
// the TTL window.
func (r *RateLimited) OnStatusChange(event StatusTransitionEvent) {
	if r.ttl <= 0 {
		r.next.OnStatusChange(event)
		return
	}

	key := suppressionKey{connectionID: event.ConnectionID, newStatus: event.NewStatus}
	now := r.now()

	r.mu.Lock()
	last, ok := r.seen[key]
	suppressed := ok && now.Sub(last) < r.ttl
	if !suppressed {
		r.seen[key] = now
	}
	r.expireLocked(now)
	r.mu.Unlock()

	if suppressed {
		r.logger.Debug().
			Str("connection_id", event.ConnectionID).
			Str("new_status", string(event.NewStatus)).
			Msg("notifier: transition suppressed by rate limit")
		return
	}
	r.next.OnStatusChange(event)
}

// expireLocked drops entries past the TTL so the map stays bounded by the set
// of recently active connections.
func (r *RateLimited) expireLocked(now time.Time) {
	for key, last := range r.seen {
		if now.Sub(last) >= r.ttl {
			delete(r.seen, key)
		}
	}
}
