package bus

import (
	"testing"
	"time"
)

func TestBus_PublishDeliversToMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{
		TaskID:    "<a@x>",
		OldStatus: "pending",
		NewStatus: "processing",
		Attempt:   1,
	})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskStateChanged {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
		payload, ok := ev.Payload.(TaskStateChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.NewStatus != "processing" || payload.Attempt != 1 {
			t.Fatalf("unexpected payload %#v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event delivery")
	}
}

func TestBus_PrefixFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.completed")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskRetrying, TaskRetryingEvent{TaskID: "<a@x>", Attempt: 1})
	b.Publish(TopicTaskCompleted, TaskCompletedEvent{TaskID: "<a@x>", ReplyID: "<r@x>"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskCompleted {
			t.Fatalf("expected completed event, got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected completed event")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected extra event %q", ev.Topic)
	default:
	}
}

func TestBus_SlowConsumerDoesNotBlockPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "<a@x>"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on slow consumer")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers, got %d", b.SubscriberCount())
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
