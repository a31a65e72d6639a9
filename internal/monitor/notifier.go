package monitor

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Notifier fans close signals out to session monitors keyed by dispenser
// id. Signals are best-effort wakeups; the poll loop remains the source
// of truth, so a missed signal only costs one poll interval of latency.
type Notifier struct {
	mu   sync.Mutex
	subs map[snowflake.ID][]chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		subs: make(map[snowflake.ID][]chan struct{}),
	}
}

// Subscribe registers interest in close signals for a dispenser. The
// returned cancel func must be called when the monitor exits.
func (n *Notifier) Subscribe(id snowflake.ID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	n.subs[id] = append(n.subs[id], ch)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		channels := n.subs[id]
		for i, sub := range channels {
			if sub == ch {
				n.subs[id] = append(channels[:i], channels[i+1:]...)
				break
			}
		}
		if len(n.subs[id]) == 0 {
			delete(n.subs, id)
		}
	}
	return ch, cancel
}

// NotifyClosed wakes every monitor waiting on the dispenser. Non-blocking:
// a subscriber that already has a pending signal is skipped.
func (n *Notifier) NotifyClosed(id snowflake.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
