package bus

import (
	"testing"
	"time"

	"github.com/basket/tally/internal/model"
)

func TestTaskTopic_MatchesPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskPrefix)
	defer b.Unsubscribe(sub)

	ev := model.MutationEvent{UserID: "u1", TaskID: "t1", Kind: model.MutationCompleted}
	b.Publish(TaskTopic(ev.Kind), ev)
	b.Publish(TopicRollupWritten, RollupWritten{UserID: "u1", Date: "2026-03-02"})

	select {
	case got := <-sub.Ch():
		if got.Topic != "task.completed" {
			t.Fatalf("topic = %q, want task.completed", got.Topic)
		}
		if p, ok := got.Payload.(model.MutationEvent); !ok || p.TaskID != "t1" {
			t.Fatalf("payload = %#v", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mutation event")
	}

	select {
	case got := <-sub.Ch():
		t.Fatalf("rollup event leaked into task subscription: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
