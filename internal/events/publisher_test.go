package events

import (
	"testing"
	"time"
)

func TestPublishToTaskSubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("task-1")
	p.Publish(NewEvent(EventTaskStatus, "task-1", StatusChange{From: "pending", To: "in_progress", Actor: "runner-1"}))

	select {
	case ev := <-ch:
		if ev.Type != EventTaskStatus {
			t.Errorf("type = %s, want task_status", ev.Type)
		}
		sc, ok := ev.Data.(StatusChange)
		if !ok || sc.To != "in_progress" {
			t.Errorf("data = %+v", ev.Data)
		}
		if ev.Time.IsZero() {
			t.Error("event not timestamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWildcardSubscriberSeesAllTasks(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	all := p.Subscribe(AllTasks)
	p.Publish(NewEvent(EventActivity, "task-1", ActivityData{Role: "coder", Kind: "text"}))
	p.Publish(NewEvent(EventActivity, "task-2", ActivityData{Role: "reviewer", Kind: "tool_use"}))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			got = append(got, ev.TaskID)
		case <-time.After(time.Second):
			t.Fatalf("only %d of 2 events delivered", len(got))
		}
	}
	if got[0] != "task-1" || got[1] != "task-2" {
		t.Errorf("task IDs = %v", got)
	}
}

func TestOtherTaskSubscriberDoesNotReceive(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	other := p.Subscribe("task-2")
	p.Publish(NewEvent(EventError, "task-1", ErrorData{Message: "boom"}))

	select {
	case ev := <-other:
		t.Errorf("unexpected delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	ch := p.Subscribe("task-1")
	// Second publish must not block even though nothing drains ch.
	p.Publish(NewEvent(EventActivity, "task-1", nil))
	p.Publish(NewEvent(EventActivity, "task-1", nil))

	if n := len(ch); n != 1 {
		t.Errorf("buffered events = %d, want 1", n)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("task-1")
	p.Unsubscribe("task-1", ch)

	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	if n := p.SubscriberCount("task-1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe("task-1")

	p.Close()
	p.Close()
	p.Publish(NewEvent(EventRunner, "task-1", RunnerData{RunnerID: "r1", Status: "stopped"}))

	if _, open := <-ch; open {
		t.Error("channel still open after Close")
	}
	// Subscribing after close yields a closed channel.
	if _, open := <-p.Subscribe("task-2"); open {
		t.Error("Subscribe after Close returned an open channel")
	}
}

func TestNopPublisher(t *testing.T) {
	p := NewNopPublisher()
	p.Publish(NewEvent(EventCredit, "task-1", CreditData{Provider: "claude"}))
	if _, open := <-p.Subscribe("task-1"); open {
		t.Error("NopPublisher.Subscribe returned an open channel")
	}
	p.Close()
}
