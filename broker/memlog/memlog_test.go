package memlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-sim/agora/broker"
)

func publish(t *testing.T, l *Log, topic broker.Topic, key, value string) {
	t.Helper()
	require.NoError(t, l.Publish(context.Background(), broker.Message{
		Topic: topic,
		Key:   key,
		Value: []byte(value),
	}))
}

func TestPerKeyOrdering(t *testing.T) {
	l := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		publish(t, l, broker.TopicValidationRequests, "vote-1:verifier-a", fmt.Sprintf("v%d", i))
	}

	c := l.NewConsumer("workers", broker.TopicValidationRequests)
	for i := 0; i < 5; i++ {
		msg, err := c.Fetch(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%d", i), string(msg.Value))
		require.NoError(t, c.Commit(ctx, msg))
	}
}

func TestLag(t *testing.T) {
	l := New()
	ctx := context.Background()
	c := l.NewConsumer("aggregator", broker.TopicValidationResults)

	lag, err := c.Lag(ctx)
	require.NoError(t, err)
	require.Zero(t, lag)

	for i := 0; i < 3; i++ {
		publish(t, l, broker.TopicValidationResults, fmt.Sprintf("vote-%d", i), "r")
	}
	lag, err = c.Lag(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), lag)

	// Fetching alone leaves the lag untouched; only commits drain it.
	msg, err := c.Fetch(ctx)
	require.NoError(t, err)
	lag, err = c.Lag(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), lag)

	require.NoError(t, c.Commit(ctx, msg))
	lag, err = c.Lag(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), lag)

	for i := 0; i < 2; i++ {
		msg, err = c.Fetch(ctx)
		require.NoError(t, err)
		require.NoError(t, c.Commit(ctx, msg))
	}
	lag, err = c.Lag(ctx)
	require.NoError(t, err)
	require.Zero(t, lag)
}

func TestReplayFromEarliestOffset(t *testing.T) {
	l := New()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		publish(t, l, broker.TopicValidationResults, fmt.Sprintf("vote-%d", i), "r")
	}

	// A brand-new group starts at the earliest retained offset, so the
	// whole log is replayed. This is the disaster-recovery path.
	c := l.NewConsumer("fresh-group", broker.TopicValidationResults)
	for i := 0; i < 4; i++ {
		_, err := c.Fetch(ctx)
		require.NoError(t, err)
	}

	// With nothing committed, a second consumer in the same group sees the
	// same four messages again.
	c2 := l.NewConsumer("fresh-group", broker.TopicValidationResults)
	for i := 0; i < 4; i++ {
		_, err := c2.Fetch(ctx)
		require.NoError(t, err)
	}
}

func TestCommittedOffsetsSurviveConsumerRestart(t *testing.T) {
	l := New()
	ctx := context.Background()

	publish(t, l, broker.TopicValidated, "vote-1", "first")
	publish(t, l, broker.TopicValidated, "vote-1", "second")

	c := l.NewConsumer("aggregator", broker.TopicValidated)
	msg, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", string(msg.Value))
	require.NoError(t, c.Commit(ctx, msg))
	require.NoError(t, c.Close())

	// A replacement consumer resumes past the committed message.
	c2 := l.NewConsumer("aggregator", broker.TopicValidated)
	msg, err = c2.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", string(msg.Value))
}

func TestFetchBlocksUntilPublish(t *testing.T) {
	l := New()
	c := l.NewConsumer("group", broker.TopicWitnessEvents)

	done := make(chan broker.Message, 1)
	go func() {
		msg, err := c.Fetch(context.Background())
		if err == nil {
			done <- msg
		}
	}()

	select {
	case <-done:
		t.Fatal("fetch returned before a message was published")
	case <-time.After(50 * time.Millisecond):
	}

	publish(t, l, broker.TopicWitnessEvents, "vote-1", "verdict")
	select {
	case msg := <-done:
		require.Equal(t, "verdict", string(msg.Value))
	case <-time.After(time.Second):
		t.Fatal("fetch did not observe the publish")
	}
}

func TestFetchHonorsContext(t *testing.T) {
	l := New()
	c := l.NewConsumer("group", broker.TopicWitnessEvents)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedLog(t *testing.T) {
	l := New()
	c := l.NewConsumer("group", broker.TopicValidated)
	require.NoError(t, l.Close())

	err := l.Publish(context.Background(), broker.Message{Topic: broker.TopicValidated})
	require.ErrorIs(t, err, broker.ErrClosed)
	_, err = c.Fetch(context.Background())
	require.ErrorIs(t, err, broker.ErrClosed)
	require.Error(t, l.Healthy(context.Background()))
}
