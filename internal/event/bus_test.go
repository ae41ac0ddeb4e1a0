package event

import (
	"sync"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe(KindLockAcquired, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var receivedEvent Event
	bus.Subscribe(KindLockAcquired, func(e Event) {
		receivedEvent = e
	})

	bus.Publish(NewLockAcquiredEvent("file:/a.py", "file", "s1", "proj-1", 30*time.Second))

	if receivedEvent == nil {
		t.Fatal("Handler should have received the event")
	}
	if receivedEvent.EventType() != KindLockAcquired {
		t.Errorf("Expected event type %q, got %q", KindLockAcquired, receivedEvent.EventType())
	}

	acquired, ok := receivedEvent.(LockAcquiredEvent)
	if !ok {
		t.Fatalf("Expected LockAcquiredEvent, got %T", receivedEvent)
	}
	if acquired.ResourceID != "file:/a.py" || acquired.SessionID != "s1" {
		t.Errorf("unexpected event fields: %+v", acquired)
	}
}

func TestBus_PublishMultipleHandlers(t *testing.T) {
	bus := NewBus()

	callCount := 0
	bus.Subscribe(KindSessionConnected, func(e Event) {
		callCount++
	})
	bus.Subscribe(KindSessionConnected, func(e Event) {
		callCount++
	})

	bus.Publish(NewSessionConnectedEvent("s1", "proj-1", "primary"))

	if callCount != 2 {
		t.Errorf("Expected both handlers to be called, got %d calls", callCount)
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var kinds []string
	bus.SubscribeAll(func(e Event) {
		kinds = append(kinds, e.EventType())
	})

	bus.Publish(NewSessionConnectedEvent("s1", "proj-1", "primary"))
	bus.Publish(NewLockAcquiredEvent("r1", "file", "s1", "proj-1", time.Minute))

	if len(kinds) != 2 {
		t.Fatalf("wildcard handler should see all events, got %d", len(kinds))
	}
	if kinds[0] != KindSessionConnected || kinds[1] != KindLockAcquired {
		t.Errorf("unexpected kinds: %v", kinds)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe(KindLockReleased, func(e Event) {
		called = true
	})

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}

	bus.Publish(NewLockReleasedEvent("r1", "file", "s1", "proj-1", false))
	if called {
		t.Error("handler should not be called after Unsubscribe")
	}
}

func TestBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	called := false
	bus.Subscribe(KindConflictDetected, func(e Event) {
		panic("handler bug")
	})
	bus.Subscribe(KindConflictDetected, func(e Event) {
		called = true
	})

	bus.Publish(NewConflictDetectedEvent("c1", "file_edit", "a.py", []string{"s1", "s2"}))

	if !called {
		t.Error("second handler should run despite first handler panicking")
	}
}

func TestBus_TopicSubscription(t *testing.T) {
	bus := NewBus()

	sub := bus.SubscribeTopic(ProjectTopic("proj-1"), 4)
	defer sub.Cancel()

	bus.Publish(NewLockAcquiredEvent("r1", "file", "s1", "proj-1", time.Minute))
	bus.Publish(NewLockAcquiredEvent("r2", "file", "s1", "proj-2", time.Minute)) // other project
	bus.Publish(NewSessionConnectedEvent("s9", "proj-1", "secondary"))           // session topic

	select {
	case e := <-sub.C:
		acquired, ok := e.(LockAcquiredEvent)
		if !ok {
			t.Fatalf("expected LockAcquiredEvent, got %T", e)
		}
		if acquired.ResourceID != "r1" {
			t.Errorf("ResourceID = %q, want r1", acquired.ResourceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for topic event")
	}

	select {
	case e := <-sub.C:
		t.Errorf("unexpected second event on proj-1 topic: %v", e)
	default:
	}
}

func TestBus_TopicSubscriptionDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()

	sub := bus.SubscribeTopic(TopicSession, 2)
	defer sub.Cancel()

	bus.Publish(NewSessionConnectedEvent("s1", "p", "primary"))
	bus.Publish(NewSessionConnectedEvent("s2", "p", "secondary"))
	bus.Publish(NewSessionConnectedEvent("s3", "p", "secondary"))

	first := <-sub.C
	if first.(SessionConnectedEvent).SessionID != "s2" {
		t.Errorf("oldest event should have been dropped; got %v first", first)
	}
	second := <-sub.C
	if second.(SessionConnectedEvent).SessionID != "s3" {
		t.Errorf("expected s3 second, got %v", second)
	}
}

func TestBus_TopicSubscriptionCancel(t *testing.T) {
	bus := NewBus()

	sub := bus.SubscribeTopic(TopicConflicts, 1)
	if bus.TopicSubscriberCount(TopicConflicts) != 1 {
		t.Fatal("expected one topic subscriber")
	}

	sub.Cancel()
	sub.Cancel() // idempotent

	if bus.TopicSubscriberCount(TopicConflicts) != 0 {
		t.Error("subscriber should be removed after Cancel")
	}
	if _, open := <-sub.C; open {
		t.Error("channel should be closed after Cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(NewConflictDetectedEvent("c1", "file_edit", "a.py", []string{"s1", "s2"}))
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewLockReleasedEvent("r", "file", "s", "p", false))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(KindLockReleased, func(e Event) {})
			sub := bus.SubscribeTopic(ProjectTopic("p"), 8)
			bus.Unsubscribe(id)
			sub.Cancel()
		}()
	}
	wg.Wait()
}

func TestValidTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{TopicSession, true},
		{TopicConflicts, true},
		{ProjectTopic("x"), true},
		{"bogus", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidTopic(tt.topic); got != tt.want {
			t.Errorf("ValidTopic(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}
