package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceConsumer replays frames, then reports the session closed.
type sliceConsumer struct {
	frames [][]byte
}

func (c *sliceConsumer) Consume(ctx context.Context) ([]byte, error) {
	if len(c.frames) == 0 {
		return nil, ErrSessionClosed
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

func TestMessageHandler_Dispatch(t *testing.T) {
	h := NewMessageHandler(nil)

	var equities []string
	h.Handle(ServiceLevelOneEquities, func(d Data) {
		for _, item := range d.Content {
			equities = append(equities, item.Get("key").String())
		}
	})
	var responses []Response
	h.OnResponse(func(r Response) { responses = append(responses, r) })
	var beats []time.Time
	h.OnHeartbeat(func(at time.Time) { beats = append(beats, at) })

	require.NoError(t, h.Dispatch([]byte(loginOK)))
	require.NoError(t, h.Dispatch([]byte(`{"data":[{"service":"LEVELONE_EQUITIES","content":[{"key":"AAPL"},{"key":"MSFT"}]},{"service":"NYSE_BOOK","content":[{"key":"IBM"}]}]}`)))
	require.NoError(t, h.Dispatch([]byte(`{"notify":[{"heartbeat":"1731682801000"}]}`)))

	assert.Equal(t, []string{"AAPL", "MSFT"}, equities)
	require.Len(t, responses, 1)
	assert.Equal(t, CommandLogin, responses[0].Command)
	require.Len(t, beats, 1)
}

func TestMessageHandler_RunSkipsBadFramesAndStopsOnClose(t *testing.T) {
	h := NewMessageHandler(nil)
	var seen int
	h.Handle(ServiceLevelOneEquities, func(d Data) { seen += len(d.Content) })

	c := &sliceConsumer{frames: [][]byte{
		[]byte(`garbage`),
		[]byte(`{"data":[{"service":"LEVELONE_EQUITIES","content":[{"key":"AAPL"}]}]}`),
		[]byte(`{"data":[{"service":"LEVELONE_EQUITIES","content":[{"key":"MSFT"}]}]}`),
	}}

	assert.NoError(t, h.Run(context.Background(), c))
	assert.Equal(t, 2, seen)
}

func TestMessageHandler_RunReturnsContextError(t *testing.T) {
	session := NewDuplexSession(nil)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := NewMessageHandler(nil).Run(ctx, session)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
