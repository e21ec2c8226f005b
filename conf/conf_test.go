package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerConfigDefaultsValid(t *testing.T) {
	cfg := NewServerConfig()
	require.NoError(t, cfg.Validate())
}

func TestServerConfigInvalid(t *testing.T) {
	cases := map[string]func(c *ServerConfig){
		"no listen address":  func(c *ServerConfig) { c.ListenAddress = "" },
		"bad transport":      func(c *ServerConfig) { c.Transport = "udp" },
		"relative path":      func(c *ServerConfig) { c.Path = "ws" },
		"negative timeout":   func(c *ServerConfig) { c.HandlerTimeout = -time.Second },
		"negative rate":      func(c *ServerConfig) { c.RateLimit = -1 },
		"rate without burst": func(c *ServerConfig) { c.RateLimit = 10; c.RateBurst = 0 },
		"zero shutdown":      func(c *ServerConfig) { c.ShutdownTimeout = 0 },
		"tcp no heartbeat": func(c *ServerConfig) {
			c.Transport = TransportTCP
			c.HeartbeatInterval = 0
		},
		"etcd without service": func(c *ServerConfig) {
			c.EtcdEndpoints = []string{"127.0.0.1:2379"}
			c.ServiceName = ""
		},
		"etcd zero ttl": func(c *ServerConfig) {
			c.EtcdEndpoints = []string{"127.0.0.1:2379"}
			c.RegistryTTL = 0
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewServerConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), "invalid configuration")
		})
	}
}

func TestClientConfigDefaults(t *testing.T) {
	cfg := NewClientConfig("ws://127.0.0.1:7780/ws")
	require.NoError(t, cfg.Validate())
	require.Equal(t, 16*time.Second, cfg.CallTimeout)
	require.Equal(t, time.Second, cfg.TickInterval)
	require.Equal(t, 1500*time.Millisecond, cfg.ReconnectStep)
	require.Equal(t, 8*time.Second, cfg.ReconnectMax)
}

func TestClientConfigInvalid(t *testing.T) {
	cases := map[string]func(c *ClientConfig){
		"no address":    func(c *ClientConfig) { c.Address = "" },
		"bad transport": func(c *ClientConfig) { c.Transport = "quic" },
		"zero timeout":  func(c *ClientConfig) { c.CallTimeout = 0 },
		"zero tick":     func(c *ClientConfig) { c.TickInterval = 0 },
		"negative step": func(c *ClientConfig) { c.ReconnectStep = -time.Millisecond },
		"hash without key": func(c *ClientConfig) {
			c.EtcdEndpoints = []string{"127.0.0.1:2379"}
			c.Balancer = "consistent-hash"
		},
		"unknown balancer": func(c *ClientConfig) {
			c.EtcdEndpoints = []string{"127.0.0.1:2379"}
			c.Balancer = "random"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewClientConfig("ws://127.0.0.1:7780/ws")
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestClientConfigDiscoveryWithoutAddress(t *testing.T) {
	cfg := NewClientConfig("")
	cfg.EtcdEndpoints = []string{"127.0.0.1:2379"}
	require.NoError(t, cfg.Validate())
}
