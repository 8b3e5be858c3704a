package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBus_TopicRouting(t *testing.T) {
	bus := NewBus()
	issueSub := bus.Subscribe("42")
	otherSub := bus.Subscribe("43")
	allSub := bus.Subscribe(AllTopic)

	bus.Broadcast("42", StatusChanged("42", "in_progress", ""))

	assert.Equal(t, "in_progress", receive(t, issueSub).Status)
	assert.Equal(t, "42", receive(t, allSub).IssueID)
	assertEmpty(t, otherSub)

	t.Run("all topic is delivered once", func(t *testing.T) {
		bus.Broadcast(AllTopic, Connected(""))
		assert.Equal(t, TypeConnected, receive(t, allSub).Type)
		assertEmpty(t, allSub)
		assertEmpty(t, issueSub)
	})
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("1")
	require.Equal(t, 1, bus.SubscriberCount("1"))

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount("1"))

	_, ok := <-sub.C
	assert.False(t, ok)

	bus.Broadcast("1", Log("1", "system", "after unsubscribe", time.Time{}))
}

func TestBus_ClosesLaggingSubscriber(t *testing.T) {
	bus := NewBus(WithBufferSize(2))
	sub := bus.Subscribe("7")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			bus.Broadcast("7", Log("7", "agent", "line", time.Time{}))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}

	// The third line overflowed the buffer: the subscription is closed
	// behind the lines it already holds.
	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, 0, bus.SubscriberCount("7"))
	receive(t, sub)
	receive(t, sub)
	_, ok := <-sub.C
	assert.False(t, ok)

	// A fresh subscription gets later events.
	next := bus.Subscribe("7")
	bus.Broadcast("7", Log("7", "agent", "after reconnect", time.Time{}))
	assert.Equal(t, "after reconnect", receive(t, next).Message)
	assertEmpty(t, next)

	bus.Unsubscribe(sub)
}

func TestBus_ConcurrentBroadcastAndUnsubscribe(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		sub := bus.Subscribe(AllTopic)
		go func() {
			defer wg.Done()
			bus.Broadcast("9", StatusChanged("9", "failed", ""))
		}()
		go func() {
			defer wg.Done()
			bus.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.SubscriberCount(AllTopic))
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("1")
	bus.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	late := bus.Subscribe("1")
	_, ok = <-late.C
	assert.False(t, ok)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (p *recordingPublisher) Publish(topic string, _ Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return p.err
}

func TestBus_Publisher(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("relay down")}
	bus := NewBus(WithPublisher(pub))
	sub := bus.Subscribe("5")

	bus.Broadcast("5", StatusChanged("5", "pr_open", "https://example.com/pr/1"))

	ev := receive(t, sub)
	assert.Equal(t, "https://example.com/pr/1", ev.PRURL)
	assert.Equal(t, []string{"5"}, pub.topics)
}

func TestEvent_JSON(t *testing.T) {
	data, err := json.Marshal(HistoryEnd("3", 0))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "history_end", out["type"])
	assert.Equal(t, "3", out["issueId"])
	assert.Equal(t, float64(0), out["count"])
	assert.NotContains(t, out, "prUrl")

	data, err = json.Marshal(StatusChanged("3", "pr_open", "https://example.com/pr/2"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "https://example.com/pr/2", out["prUrl"])
}
