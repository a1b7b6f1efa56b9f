package events

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStartedEvent{
		ID:          "task-1",
		Type:        "build",
		ExecutionID: "exec-1",
		Attempt:     1,
		Timestamp:   time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskCompletedEvent{
		ID:        "task-2",
		Result:    map[string]any{"ok": true},
		Duration:  100 * time.Millisecond,
		Timestamp: time.Now(),
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

func TestNonBlockingSendCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskProgressEvent{
				ID:        fmt.Sprintf("task-%d", i),
				Progress:  i * 10,
				Timestamp: time.Now(),
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}

	select {
	case received := <-ch:
		if received.TaskID() != "task-0" {
			t.Errorf("expected first event to be buffered, got %s", received.TaskID())
		}
	default:
		t.Error("expected one event in buffer")
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for _, c := range []<-chan Event{ch, all} {
		received := 0
		for range c {
			received++
		}
		if received != 0 {
			t.Errorf("expected 0 events after close, got %d", received)
		}
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	ch := bus.Subscribe(TopicWorkflow, 1)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()

	bus.Publish(TopicTask, TaskCancelledEvent{ID: "task-1", Reason: "test", Timestamp: time.Now()})

	if _, ok := <-ch; ok {
		t.Error("received event after bus was closed")
	}
}

func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	wfCh := bus.Subscribe(TopicWorkflow, 10)

	bus.Publish(TopicTask, TaskFailedEvent{ID: "task-1", Err: errors.New("boom"), Timestamp: time.Now()})
	bus.Publish(TopicWorkflow, WorkflowProgressEvent{WorkflowID: "wf-1", Total: 10, Completed: 5, Timestamp: time.Now()})

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskFailed {
			t.Errorf("task channel: expected task.failed, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-wfCh:
		if received.EventType() != EventTypeWorkflowProgress {
			t.Errorf("workflow channel: expected workflow.progress, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("workflow channel: timeout waiting for event")
	}

	select {
	case <-taskCh:
		t.Error("task channel received unexpected event")
	case <-wfCh:
		t.Error("workflow channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskRetryingEvent{ID: "task-1", Attempt: 1, Delay: time.Second, Timestamp: time.Now()})
	bus.Publish(TopicWorkflow, WorkflowProgressEvent{WorkflowID: "wf-1", Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskRetrying] {
		t.Error("SubscribeAll did not receive task event")
	}
	if !receivedTypes[EventTypeWorkflowProgress] {
		t.Error("SubscribeAll did not receive workflow event")
	}
}

func TestTopicOf(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{TaskCreatedEvent{ID: "a"}, TopicTask},
		{TaskCheckpointEvent{ID: "a"}, TopicTask},
		{TaskOutputEvent{ID: "a"}, TopicTask},
		{WorkflowProgressEvent{WorkflowID: "w"}, TopicWorkflow},
	}
	for _, tt := range tests {
		if got := TopicOf(tt.event); got != tt.want {
			t.Errorf("TopicOf(%s) = %q, want %q", tt.event.EventType(), got, tt.want)
		}
	}
}
