package monitor

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
)

func TestNotifierDeliversToAllSubscribers(t *testing.T) {
	n := NewNotifier()
	id := snowflake.ID(42)

	first, cancelFirst := n.Subscribe(id)
	defer cancelFirst()
	second, cancelSecond := n.Subscribe(id)
	defer cancelSecond()

	n.NotifyClosed(id)

	for i, ch := range []<-chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never signaled", i)
		}
	}
}

func TestNotifierIsNonBlocking(t *testing.T) {
	n := NewNotifier()
	id := snowflake.ID(7)

	ch, cancel := n.Subscribe(id)
	defer cancel()

	// Nobody is draining; repeated notifies must not block.
	for i := 0; i < 3; i++ {
		n.NotifyClosed(id)
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected a buffered close signal")
	}
}

func TestNotifierScopesByDispenser(t *testing.T) {
	n := NewNotifier()

	ch, cancel := n.Subscribe(snowflake.ID(1))
	defer cancel()

	n.NotifyClosed(snowflake.ID(2))

	select {
	case <-ch:
		t.Fatal("signal leaked across dispensers")
	default:
	}
}

func TestNotifierUnsubscribe(t *testing.T) {
	n := NewNotifier()
	id := snowflake.ID(9)

	ch, cancel := n.Subscribe(id)
	cancel()

	n.NotifyClosed(id)

	select {
	case <-ch:
		t.Fatal("cancelled subscriber still receives signals")
	default:
	}
}
