package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSystemStats)
	defer b.Unsubscribe(sub)

	b.Publish(TopicSystemStats, "snapshot")

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicSystemStats {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSystemStats)
		}
		if event.Payload != "snapshot" {
			t.Fatalf("payload = %v, want %q", event.Payload, "snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCreated, "new task")
	b.Publish(TopicSystemStats, "stats")

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskCreated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	// taskSub must not see the stats event.
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must never block the producer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicDataUpdate, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	// Drained events never exceed the buffer size.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count > defaultBufferSize {
				t.Fatalf("received %d events, buffer is %d", count, defaultBufferSize)
			}
			return
		}
	}
}

func TestBus_OnDropCountsOverflow(t *testing.T) {
	b := New()
	drops := 0
	var droppedTopic string
	b.OnDrop(func(topic string) {
		drops++
		droppedTopic = topic
	})
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Nobody drains; everything past the buffer is dropped.
	for i := 0; i < defaultBufferSize+5; i++ {
		b.Publish(TopicSystemStats, i)
	}

	if drops != 5 {
		t.Errorf("drops = %d, want 5", drops)
	}
	if droppedTopic != TopicSystemStats {
		t.Errorf("dropped topic = %q", droppedTopic)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)

	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish(TopicTaskUpdated, j)
			}
		}()
	}
	wg.Wait()
}
