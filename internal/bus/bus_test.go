package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// drain returns every event already buffered on sub.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Ch():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublish_DeliversSessionEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionCreated, SessionEvent{SessionID: "s-1", Name: "t1", NewStatus: "Pending"})

	ev := recv(t, sub)
	if ev.Topic != TopicSessionCreated {
		t.Fatalf("topic = %q", ev.Topic)
	}
	payload, ok := ev.Payload.(SessionEvent)
	if !ok || payload.SessionID != "s-1" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
	if ev.At.IsZero() {
		t.Fatal("event time not stamped")
	}
}

func TestSubscribe_PrefixFilters(t *testing.T) {
	b := New()
	sessions := b.Subscribe("session.")
	registry := b.Subscribe("registry.")
	all := b.Subscribe("")
	defer b.Unsubscribe(sessions)
	defer b.Unsubscribe(registry)
	defer b.Unsubscribe(all)

	b.Publish(TopicSessionCreated, SessionEvent{SessionID: "s-1"})
	b.Publish(TopicAgentRegistered, AgentEvent{Name: "sec-agent"})
	b.Publish(TopicSessionDeleted, SessionEvent{SessionID: "s-1"})

	if got := recv(t, registry).Topic; got != TopicAgentRegistered {
		t.Fatalf("registry subscriber got %q", got)
	}
	first, second := recv(t, sessions), recv(t, sessions)
	if first.Topic != TopicSessionCreated || second.Topic != TopicSessionDeleted {
		t.Fatalf("session subscriber order = %q, %q", first.Topic, second.Topic)
	}
	time.Sleep(20 * time.Millisecond)
	if extra := drain(sessions); len(extra) != 0 {
		t.Fatalf("session subscriber received foreign events: %v", extra)
	}
	if n := len(drain(all)); n != 3 {
		t.Fatalf("catch-all subscriber received %d events, want 3", n)
	}
}

func TestPublish_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	slow := b.Subscribe("session.")
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicSessionStatusChanged, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := len(drain(slow)); got != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", got, defaultBufferSize)
	}
	if b.Dropped() != 10 {
		t.Fatalf("dropped = %d, want 10", b.Dropped())
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("registry.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Publishing after the last subscriber left is a no-op.
	b.Publish(TopicAgentUnregistered, AgentEvent{Name: "sec-agent"})
}

func TestPublish_ConcurrentWriters(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const writers, each = 8, 6
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicSessionStatusChanged, w*100+i)
			}
		}(w)
	}
	wg.Wait()

	if got := len(drain(sub)); got != writers*each {
		t.Fatalf("received %d events, want %d", got, writers*each)
	}
}
