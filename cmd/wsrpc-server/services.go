package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"ws-rpc/server"
)

const tickMessage = "Tick"

// EchoService answers with what it is sent.
type EchoService struct{}

func (*EchoService) OnPing(_ context.Context, text string) (string, error) {
	return text, nil
}

func (*EchoService) OnSum(_ context.Context, values []float64) (float64, error) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum, nil
}

func (*EchoService) OnFail(_ context.Context, reason string) error {
	if reason == "" {
		reason = "failed on request"
	}
	return errors.New(reason)
}

// ClockService reports the server time. Tick pushes go to every connection.
type ClockService struct {
	started time.Time
}

func newClockService() *ClockService {
	return &ClockService{started: time.Now()}
}

func (c *ClockService) OnNow(context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (c *ClockService) OnUptime(context.Context) (string, error) {
	return time.Since(c.started).Round(time.Second).String(), nil
}

// OnTick pushes one Tick to the calling connection only.
func (c *ClockService) OnTick(ctx context.Context) error {
	conn, ok := server.ContextFrom(ctx)
	if !ok {
		return errors.New("no connection")
	}
	return conn.Push(tickMessage, time.Now().UnixMilli())
}
