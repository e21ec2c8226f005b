package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ws-rpc/message"
)

func TestCallSettlesOnce(t *testing.T) {
	call := newCall("Echo", "Ping")
	require.True(t, call.settle(message.Result{Message: "Pong"}, nil))
	require.False(t, call.settle(message.Result{}, closedError()))
	result, err := call.Result()
	require.NoError(t, err)
	require.Equal(t, "Pong", result.Message)
}

func TestCallWaitHonoursContext(t *testing.T) {
	call := newCall("Echo", "Ping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := call.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// Abandoning the wait leaves the call open
	require.True(t, call.settle(message.Result{}, nil))
}

func TestRemoteErrorKinds(t *testing.T) {
	err := remoteError(&message.Response{Message: message.MethodNotFound("A", "B")})
	require.ErrorIs(t, err, ErrMethodNotFound)
	require.Equal(t, "method not found: Method not found! A#B", err.Error())

	err = remoteError(&message.Response{Message: message.FormatErrorMessage})
	require.ErrorIs(t, err, ErrFormat)

	err = remoteError(&message.Response{Message: "Boom", Value: json.RawMessage(`[1]`)})
	require.ErrorIs(t, err, ErrRemote)
	require.Equal(t, json.RawMessage(`[1]`), err.Value)

	require.Equal(t, "call timed out", (&CallError{Kind: ErrTimeout}).Error())
}

func TestListenerSetKeepsOrder(t *testing.T) {
	s := newListenerSet()
	var order []int
	first := s.add(Observer{OnOpen: func() { order = append(order, 1) }})
	s.add(Observer{OnOpen: func() { order = append(order, 2) }})
	s.add(Observer{OnOpen: func() { order = append(order, 3) }})
	require.True(t, s.remove(first))
	for _, o := range s.snapshot() {
		o.OnOpen()
	}
	require.Equal(t, []int{2, 3}, order)
}

func TestNotifierRunsInOrder(t *testing.T) {
	n := newNotifier()
	results := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		n.post(func() { results <- i })
	}
	n.close()
	n.post(func() { results <- 99 })
	for i := 1; i <= 3; i++ {
		require.Equal(t, i, <-results)
	}
	select {
	case v := <-results:
		require.FailNow(t, "function posted after close ran", "%d", v)
	case <-time.After(20 * time.Millisecond):
	}
}
