package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/substack-intel/internal/model"
)

// subscriberBuffer is how many events a subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 16

// ProgressStore persists the latest progress event per user.
type ProgressStore interface {
	GetProgress(ctx context.Context, userID string) (*model.Progress, error)
	SetProgress(ctx context.Context, p model.Progress) error
	ClearProgress(ctx context.Context, userID string) error
}

// Broadcaster persists progress events and fans them out to in-process
// subscribers. Delivery to subscribers is best-effort.
type Broadcaster struct {
	store ProgressStore

	mu   sync.Mutex
	subs map[string]map[chan model.Progress]struct{}
}

// NewBroadcaster creates a Broadcaster over st.
func NewBroadcaster(st ProgressStore) *Broadcaster {
	return &Broadcaster{
		store: st,
		subs:  make(map[string]map[chan model.Progress]struct{}),
	}
}

// Get returns the latest event for userID, or an idle event when none has
// been recorded.
func (b *Broadcaster) Get(ctx context.Context, userID string) (model.Progress, error) {
	p, err := b.store.GetProgress(ctx, userID)
	if err != nil {
		return model.Progress{}, eris.Wrapf(err, "progress: get %s", userID)
	}
	if p == nil {
		return model.IdleProgress(userID), nil
	}
	return *p, nil
}

// Set persists p and publishes it to subscribers of p.UserID. Subscribers
// are notified even when persisting fails.
func (b *Broadcaster) Set(ctx context.Context, p model.Progress) error {
	err := b.store.SetProgress(ctx, p)
	b.publish(p)
	return eris.Wrapf(err, "progress: set %s", p.UserID)
}

// Clear removes the stored event for userID and publishes an idle event.
func (b *Broadcaster) Clear(ctx context.Context, userID string) error {
	err := b.store.ClearProgress(ctx, userID)
	b.publish(model.IdleProgress(userID))
	return eris.Wrapf(err, "progress: clear %s", userID)
}

// Subscribe returns a channel of events for userID and a function that
// unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(userID string) (<-chan model.Progress, func()) {
	ch := make(chan model.Progress, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[userID]
	if !ok {
		set = make(map[chan model.Progress]struct{})
		b.subs[userID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[userID], ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			close(ch)
		})
	}
}

func (b *Broadcaster) publish(p model.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[p.UserID] {
		select {
		case ch <- p:
		default:
		}
	}
}
