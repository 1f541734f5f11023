// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxipc/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects delivered messages.
type recorder struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (r *recorder) sink(m *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Text())
	}
	return out
}

func publish(t *testing.T, m *Manager, topic, text string) int {
	t.Helper()
	n, err := m.Publish(topic, message.New(message.TypePublish, topic, message.WithString(text)))
	require.NoError(t, err)
	return n
}

func TestPublish_FanOut(t *testing.T) {
	m := NewManager(0)
	_, err := m.CreateTopic("news")
	require.NoError(t, err)
	_, err = m.CreateTopic("sports")
	require.NoError(t, err)

	var a, b, c recorder
	subA := NewSubscription("a", a.sink, SubscriptionConfig{})
	subB := NewSubscription("b", b.sink, SubscriptionConfig{})
	subC := NewSubscription("c", c.sink, SubscriptionConfig{})
	defer subA.Close()
	defer subB.Close()
	defer subC.Close()

	require.NoError(t, m.Subscribe(subA, "news"))
	require.NoError(t, m.Subscribe(subB, "news", "sports"))
	require.NoError(t, m.Subscribe(subC, "sports"))

	assert.Equal(t, 2, publish(t, m, "news", "hello"))

	assert.Eventually(t, func() bool {
		return len(a.texts()) == 1 && len(b.texts()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, a.texts())
	assert.Equal(t, []string{"hello"}, b.texts())
	assert.Empty(t, c.texts())
	assert.Equal(t, message.TopicStatus{Name: "news", Exists: true, Subscribers: 2}, m.Status("news"))
}

func TestPublish_PreservesOrderPerSubscriber(t *testing.T) {
	m := NewManager(0)
	_, err := m.CreateTopic("seq")
	require.NoError(t, err)

	var r recorder
	sub := NewSubscription("r", r.sink, SubscriptionConfig{Policy: PolicyBlock})
	defer sub.Close()
	require.NoError(t, m.Subscribe(sub, "seq"))

	want := []string{"1", "2", "3", "4", "5"}
	for _, s := range want {
		publish(t, m, "seq", s)
	}
	assert.Eventually(t, func() bool { return len(r.texts()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, r.texts())
}

func TestSubscribe_UnknownTopicSubscribesNothing(t *testing.T) {
	m := NewManager(0)
	_, err := m.CreateTopic("known")
	require.NoError(t, err)

	sub := NewSubscription("s", func(*message.Message) error { return nil }, SubscriptionConfig{})
	defer sub.Close()

	err = m.Subscribe(sub, "known", "unknown")
	assert.ErrorIs(t, err, ErrTopicNotFound)
	assert.Empty(t, sub.Topics())
	assert.Equal(t, 0, m.Status("known").Subscribers)

	_, err = m.Publish("unknown", message.New(message.TypePublish, "unknown"))
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	m := NewManager(0)
	_, err := m.CreateTopic("t")
	require.NoError(t, err)

	var r recorder
	sub := NewSubscription("s", r.sink, SubscriptionConfig{})
	defer sub.Close()

	require.NoError(t, m.Subscribe(sub, "t"))
	m.Unsubscribe(sub, "t")
	m.Unsubscribe(sub, "t")
	m.Unsubscribe(sub, "never-existed")

	assert.Equal(t, 0, publish(t, m, "t", "x"))
	assert.Empty(t, sub.Topics())
}

func TestUnsubscribeAllAndRemoveTopic(t *testing.T) {
	m := NewManager(0)
	for _, name := range []string{"a", "b", "c"} {
		_, err := m.CreateTopic(name)
		require.NoError(t, err)
	}

	sub := NewSubscription("s", func(*message.Message) error { return nil }, SubscriptionConfig{})
	defer sub.Close()
	require.NoError(t, m.Subscribe(sub, "a", "b", "c"))
	assert.Equal(t, []string{"a", "b", "c"}, sub.Topics())

	require.NoError(t, m.RemoveTopic("b"))
	assert.Equal(t, []string{"a", "c"}, sub.Topics())
	assert.ErrorIs(t, m.RemoveTopic("b"), ErrTopicNotFound)

	m.UnsubscribeAll(sub)
	assert.Empty(t, sub.Topics())
	assert.Equal(t, 0, m.Status("a").Subscribers)
	assert.Equal(t, 0, m.Status("c").Subscribers)
}

func TestSubscription_DropPolicy(t *testing.T) {
	m := NewManager(0)
	_, err := m.CreateTopic("flood")
	require.NoError(t, err)

	release := make(chan struct{})
	var r recorder
	sink := func(msg *message.Message) error {
		<-release
		return r.sink(msg)
	}
	sub := NewSubscription("slow", sink, SubscriptionConfig{Depth: 2})
	defer sub.Close()
	require.NoError(t, m.Subscribe(sub, "flood"))

	// One message is held by the sink, two fit in the queue.
	assert.Equal(t, 1, publish(t, m, "flood", "1"))
	assert.Eventually(t, func() bool { return sub.Stats().Pending == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, publish(t, m, "flood", "2"))
	assert.Equal(t, 1, publish(t, m, "flood", "3"))
	assert.Equal(t, 0, publish(t, m, "flood", "4"))
	assert.Equal(t, uint64(1), sub.Stats().Dropped)

	close(release)
	assert.Eventually(t, func() bool { return len(r.texts()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, r.texts())
}

func TestSubscription_BlockPolicyTimesOut(t *testing.T) {
	release := make(chan struct{})
	sub := NewSubscription("slow", func(*message.Message) error {
		<-release
		return nil
	}, SubscriptionConfig{Depth: 1, Policy: PolicyBlock, BlockTimeout: 20 * time.Millisecond})
	defer sub.Close()
	defer close(release)

	m := message.New(message.TypePublish, "t")
	assert.True(t, sub.enqueue(m))
	assert.Eventually(t, func() bool { return sub.Stats().Pending == 0 }, time.Second, time.Millisecond)
	assert.True(t, sub.enqueue(m))

	start := time.Now()
	assert.False(t, sub.enqueue(m))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(1), sub.Stats().Dropped)
}

func TestSubscription_SinkErrorsAreCounted(t *testing.T) {
	sub := NewSubscription("broken", func(*message.Message) error {
		return errors.New("broken pipe")
	}, SubscriptionConfig{})

	require.True(t, sub.enqueue(message.New(message.TypePublish, "t")))
	assert.Eventually(t, func() bool { return sub.Stats().Failed == 1 }, time.Second, time.Millisecond)

	sub.Close()
	sub.Close()
	assert.False(t, sub.enqueue(message.New(message.TypePublish, "t")))

	m := NewManager(0)
	_, err := m.CreateTopic("t")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Subscribe(sub, "t"), ErrSubscriptionClosed)
}

func TestCreateTopic_Limits(t *testing.T) {
	m := NewManager(1)

	_, err := m.CreateTopic("bad topic")
	assert.ErrorIs(t, err, message.ErrInvalidName)

	created, err := m.CreateTopic("one")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.CreateTopic("one")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = m.CreateTopic("two")
	assert.ErrorIs(t, err, ErrMaxTopics)

	require.NoError(t, m.RemoveTopic("one"))
	_, err = m.CreateTopic("two")
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, m.Names())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrop, p)

	p, err = ParsePolicy("BLOCK")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)

	_, err = ParsePolicy("spill")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
