package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesTopicEvents(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicTask, 8)

	bus.Publish(TopicTask, TaskStartedEvent{Build: "b1", TaskID: "t1", SandboxID: "sb-0"})
	bus.Publish(TopicMerge, MergeQueuedEvent{Build: "b1", ItemID: "m1"})

	select {
	case e := <-sub:
		if e.EventType() != EventTypeTaskStarted {
			t.Errorf("got %q, want taskStarted", e.EventType())
		}
	case <-time.After(time.Second):
		t.Fatal("no event received on task topic")
	}

	// The merge event went to a different topic.
	select {
	case e := <-sub:
		t.Fatalf("unexpected cross-topic event %q", e.EventType())
	default:
	}
}

func TestSubscribeAllReceivesEveryTopic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(8)

	bus.Publish(TopicBuild, StartedEvent{Build: "b1"})
	bus.Publish(TopicSandbox, SandboxCreatedEvent{Build: "b1", SandboxID: "b1-main", Role: "main"})
	bus.Publish(TopicMerge, MergeApprovedEvent{Build: "b1", ItemID: "m1", Score: 91})

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case e := <-all:
			got[e.EventType()] = true
		case <-time.After(time.Second):
			t.Fatalf("received %d/3 events", i)
		}
	}

	for _, want := range []string{EventTypeStarted, EventTypeSandboxCreated, EventTypeMergeApproved} {
		if !got[want] {
			t.Errorf("missing event %q", want)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicTask, 1)

	// Second publish must not block even though nobody drains.
	done := make(chan struct{})
	go func() {
		bus.Publish(TopicTask, TaskStartedEvent{Build: "b1", TaskID: "t1"})
		bus.Publish(TopicTask, TaskStartedEvent{Build: "b1", TaskID: "t2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}

	e := <-sub
	if e.(TaskStartedEvent).TaskID != "t1" {
		t.Errorf("kept event = %v, want the first", e)
	}
}

func TestCloseIsIdempotentAndEndsSubscribers(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(TopicBuild, 4)

	bus.Close()
	bus.Close()

	if _, ok := <-sub; ok {
		t.Error("subscriber channel still open after Close")
	}

	// Publishing and subscribing after Close are safe no-ops.
	bus.Publish(TopicBuild, StartedEvent{Build: "b1"})
	late := bus.Subscribe(TopicBuild, 4)
	if _, ok := <-late; ok {
		t.Error("late subscription returned an open channel")
	}
}
