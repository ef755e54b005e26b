package events

import (
	"sync"
	"testing"
)

func TestBusSubscribeAndPublish(t *testing.T) {
	bus := NewBus()

	var got []Record
	bus.Subscribe(KindAgentStarted, func(rec Record) {
		got = append(got, rec)
	})

	bus.Publish(New("j", KindAgentStarted, &AgentStarted{JobID: "j", ItemID: "i1"}))
	bus.Publish(New("j", KindAgentCompleted, &AgentCompleted{JobID: "j", ItemID: "i1"}))

	if len(got) != 1 {
		t.Fatalf("handler called %d times, want 1", len(got))
	}
	if got[0].Kind() != KindAgentStarted {
		t.Errorf("kind = %s, want AgentStarted", got[0].Kind())
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.SubscribeAll(func(Record) { count++ })

	bus.Publish(New("j", KindJobStarted, &JobStarted{JobID: "j"}))
	bus.Publish(New("j", KindMetricsSnapshot, &MetricsSnapshot{JobID: "j"}))

	if count != 2 {
		t.Errorf("wildcard handler called %d times, want 2", count)
	}
}

func TestBusSpecificBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(Record) { order = append(order, "wildcard") })
	bus.Subscribe(KindJobStarted, func(Record) { order = append(order, "specific") })

	bus.Publish(New("j", KindJobStarted, &JobStarted{JobID: "j"}))

	if len(order) != 2 || order[0] != "specific" || order[1] != "wildcard" {
		t.Errorf("dispatch order = %v, want [specific wildcard]", order)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	id := bus.Subscribe(KindJobStarted, func(Record) { count++ })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}

	bus.Publish(New("j", KindJobStarted, &JobStarted{JobID: "j"}))
	if count != 0 {
		t.Errorf("handler called %d times after unsubscribe, want 0", count)
	}
}

func TestBusHandlerPanicDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(KindJobStarted, func(Record) { panic("boom") })
	bus.Subscribe(KindJobStarted, func(Record) { called = true })

	bus.Publish(New("j", KindJobStarted, &JobStarted{JobID: "j"}))

	if !called {
		t.Error("second handler should run despite first handler panicking")
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Record) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(New("j", KindAgentProgress, &AgentProgress{JobID: "j"}))
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("handler called %d times, want 1000", count)
	}
}

func TestBusClear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(KindJobStarted, func(Record) {})
	bus.SubscribeAll(func(Record) {})

	if bus.SubscriptionCount() != 2 {
		t.Fatalf("SubscriptionCount = %d, want 2", bus.SubscriptionCount())
	}
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount after Clear = %d, want 0", bus.SubscriptionCount())
	}
}
