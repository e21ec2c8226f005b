package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ws-rpc/loadbalance"
	"ws-rpc/message"
	"ws-rpc/registry"
	"ws-rpc/server"
	"ws-rpc/transport"
)

// discoveredServer is one instance of service "echo" registered in a shared registry.
func discoveredServer(t *testing.T, network *transport.LocalNetwork, reg registry.Registry, address string) *server.Server {
	router := server.NewRouter()
	require.NoError(t, router.RegisterTarget("Echo"))
	require.NoError(t, router.RegisterHandler("Echo", "Where", func(context.Context, *message.Call) *message.Reply {
		return message.Success("Here", address)
	}))
	srv := server.NewServer(router.Build(), server.WithRegistry(reg, "echo", "", 10))
	require.NoError(t, srv.Start(network.NewServer(address, srv.NewConnection)))
	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown(waitTime))
	})
	return srv
}

// where asks the connected server for its address, "" if the call fails.
func where(c *Client) string {
	ctx, cancel := context.WithTimeout(context.Background(), waitTime)
	defer cancel()
	result, err := c.Send("Echo", "Where").Wait(ctx)
	if err != nil {
		return ""
	}
	var address string
	if err := result.Decode(&address); err != nil {
		return ""
	}
	return address
}

func TestClientFollowsRegistry(t *testing.T) {
	network := transport.NewLocalNetwork()
	reg := registry.NewMemoryRegistry()
	servers := map[string]*server.Server{
		"a": discoveredServer(t, network, reg, "a"),
		"b": discoveredServer(t, network, reg, "b"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resolver, err := loadbalance.NewResolver(ctx, reg, "echo", &loadbalance.RoundRobinBalancer{})
	require.NoError(t, err)
	c := New(resolver, network, testOptions())
	t.Cleanup(func() {
		_ = c.Stop()
	})
	startConnected(t, c)

	first := where(c)
	require.NotEmpty(t, first)
	require.Equal(t, 1, servers[first].Connections().Len())

	// Round robin moves the next connection to the other instance
	require.True(t, c.Disconnect())
	require.Eventually(t, func() bool {
		address := where(c)
		return address != "" && address != first
	}, waitTime, 5*time.Millisecond)
	second := where(c)
	require.Contains(t, servers, second)

	// Once the instance leaves the registry the client settles on the remaining one
	require.NoError(t, servers[second].Shutdown(waitTime))
	require.Eventually(t, func() bool {
		return where(c) == first
	}, waitTime, 5*time.Millisecond)
}
