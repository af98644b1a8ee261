package websocket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueue_FIFO(t *testing.T) {
	q := newMessageQueue(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.push([]byte(fmt.Sprintf("m%d", i))))
	}
	assert.Equal(t, 100, q.len())

	for i := 0; i < 100; i++ {
		msg, err := q.pop(context.Background(), nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(msg))
	}
	assert.Equal(t, 0, q.len())
}

func TestMessageQueue_BoundedRejects(t *testing.T) {
	q := newMessageQueue(2)
	require.NoError(t, q.push([]byte("a")))
	require.NoError(t, q.push([]byte("b")))
	assert.ErrorIs(t, q.push([]byte("c")), ErrQueueFull)

	msg, ok := q.tryPop()
	require.True(t, ok)
	assert.Equal(t, "a", string(msg))
	assert.NoError(t, q.push([]byte("c")))
}

func TestMessageQueue_PopTimeout(t *testing.T) {
	q := newMessageQueue(0)
	start := time.Now()
	_, err := q.pop(context.Background(), nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoMessage)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMessageQueue_PopContextCancelled(t *testing.T) {
	q := newMessageQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := q.pop(ctx, nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMessageQueue_StopDrainsFirst(t *testing.T) {
	q := newMessageQueue(0)
	require.NoError(t, q.push([]byte("last")))
	stop := make(chan struct{})
	close(stop)

	msg, err := q.pop(context.Background(), stop, 0)
	require.NoError(t, err)
	assert.Equal(t, "last", string(msg))

	_, err = q.pop(context.Background(), stop, 0)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestMessageQueue_WakesWaitingConsumer(t *testing.T) {
	q := newMessageQueue(0)
	got := make(chan string, 1)
	go func() {
		msg, err := q.pop(context.Background(), nil, 2*time.Second)
		if err == nil {
			got <- string(msg)
		}
		close(got)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.push([]byte("hello")))
	assert.Equal(t, "hello", <-got)
}

func TestMessageQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	q := newMessageQueue(0)
	const producers, perProducer = 4, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.push([]byte(fmt.Sprintf("%d:%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	next := make([]int, producers)
	for n := 0; n < producers*perProducer; n++ {
		msg, ok := q.tryPop()
		require.True(t, ok)
		var p, i int
		_, err := fmt.Sscanf(string(msg), "%d:%d", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, next[p], i, "producer %d out of order", p)
		next[p] = i + 1
	}
}
