// Package conf holds the configuration of ws-rpc servers and clients. The structs carry kong tags
// so binaries can expose them as flags or load them from HCL files.
package conf

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultListenAddress   = "127.0.0.1:7780"
	DefaultPath            = "/ws"
	DefaultServiceName     = "ws-rpc"
	DefaultRegistryTTL     = 10 // seconds
	DefaultShutdownTimeout = 5 * time.Second
	DefaultHandlerTimeout  = 30 * time.Second

	DefaultCallTimeout       = 16 * time.Second
	DefaultTickInterval      = 1 * time.Second
	DefaultReconnectStep     = 1500 * time.Millisecond
	DefaultReconnectMax      = 8000 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second

	TransportWebSocket = "ws"
	TransportTCP       = "tcp"
)

type ServerConfig struct {
	ListenAddress     string        `help:"Address the server listens on" default:"127.0.0.1:7780"`
	Path              string        `help:"HTTP path the WebSocket endpoint is served on" default:"/ws"`
	Transport         string        `help:"Transport to serve" enum:"ws,tcp" default:"ws"`
	HeartbeatInterval time.Duration `help:"Heartbeat interval for the tcp transport" default:"30s"`
	HandlerTimeout    time.Duration `help:"Maximum time a handler may run, 0 disables" default:"30s"`
	RateLimit         float64       `help:"Requests per second accepted across all connections, 0 disables" default:"0"`
	RateBurst         int           `help:"Burst size for the rate limiter" default:"100"`
	ShutdownTimeout   time.Duration `help:"Time to wait for in-flight handlers on shutdown" default:"5s"`
	PushInterval      time.Duration `help:"Interval of the demo Clock#Tick broadcast, 0 disables" default:"0s"`
	EtcdEndpoints     []string      `help:"etcd endpoints to register the server with"`
	ServiceName       string        `help:"Service name used for registration" default:"ws-rpc"`
	AdvertiseAddress  string        `help:"Address registered in etcd, defaults to the dial address of the listener"`
	RegistryTTL       int64         `help:"TTL in seconds of the registry lease" default:"10"`
}

// NewServerConfig returns a ServerConfig populated with defaults.
func NewServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:     DefaultListenAddress,
		Path:              DefaultPath,
		Transport:         TransportWebSocket,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HandlerTimeout:    DefaultHandlerTimeout,
		RateBurst:         100,
		ShutdownTimeout:   DefaultShutdownTimeout,
		ServiceName:       DefaultServiceName,
		RegistryTTL:       DefaultRegistryTTL,
	}
}

func (c *ServerConfig) Validate() error {
	if c.ListenAddress == "" {
		return invalid("listen-address must be specified")
	}
	if err := validateTransport(c.Transport); err != nil {
		return err
	}
	if c.Transport == TransportWebSocket && !strings.HasPrefix(c.Path, "/") {
		return invalid("path must start with '/'")
	}
	if c.Transport == TransportTCP && c.HeartbeatInterval <= 0 {
		return invalid("heartbeat-interval must be > 0")
	}
	if c.HandlerTimeout < 0 {
		return invalid("handler-timeout must be >= 0")
	}
	if c.RateLimit < 0 {
		return invalid("rate-limit must be >= 0")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return invalid("rate-burst must be >= 1 when rate-limit is set")
	}
	if c.ShutdownTimeout <= 0 {
		return invalid("shutdown-timeout must be > 0")
	}
	if c.PushInterval < 0 {
		return invalid("push-interval must be >= 0")
	}
	if len(c.EtcdEndpoints) > 0 {
		if c.ServiceName == "" {
			return invalid("service-name must be specified when etcd-endpoints are set")
		}
		if c.RegistryTTL < 1 {
			return invalid("registry-ttl must be >= 1")
		}
	}
	return nil
}

type ClientConfig struct {
	Address           string        `help:"Server address, a ws:// URL or host:port for tcp"`
	Transport         string        `help:"Transport to dial" enum:"ws,tcp" default:"ws"`
	Origin            string        `help:"Origin header sent on the WebSocket handshake" default:"http://localhost/"`
	CallTimeout       time.Duration `help:"Time a call waits for its reply" default:"16s"`
	TickInterval      time.Duration `help:"Interval of the timeout sweep and reconnect check" default:"1s"`
	ReconnectStep     time.Duration `help:"Step added to the reconnect interval" default:"1500ms"`
	ReconnectMax      time.Duration `help:"Upper bound of the reconnect interval" default:"8s"`
	HeartbeatInterval time.Duration `help:"Heartbeat interval for the tcp transport" default:"30s"`
	Debug             bool          `help:"Report every frame sent and received"`
	EtcdEndpoints     []string      `help:"etcd endpoints used to discover servers instead of --address"`
	ServiceName       string        `help:"Service name to discover" default:"ws-rpc"`
	Balancer          string        `help:"Balancer used to pick a discovered server" enum:"round-robin,weighted-random,consistent-hash" default:"round-robin"`
	HashKey           string        `help:"Key for the consistent-hash balancer"`
}

// NewClientConfig returns a ClientConfig populated with defaults.
func NewClientConfig(address string) ClientConfig {
	return ClientConfig{
		Address:           address,
		Transport:         TransportWebSocket,
		Origin:            "http://localhost/",
		CallTimeout:       DefaultCallTimeout,
		TickInterval:      DefaultTickInterval,
		ReconnectStep:     DefaultReconnectStep,
		ReconnectMax:      DefaultReconnectMax,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ServiceName:       DefaultServiceName,
		Balancer:          "round-robin",
	}
}

func (c *ClientConfig) Validate() error {
	if c.Address == "" && len(c.EtcdEndpoints) == 0 {
		return invalid("one of address or etcd-endpoints must be specified")
	}
	if err := validateTransport(c.Transport); err != nil {
		return err
	}
	if c.CallTimeout <= 0 {
		return invalid("call-timeout must be > 0")
	}
	if c.TickInterval <= 0 {
		return invalid("tick-interval must be > 0")
	}
	if c.ReconnectStep < 0 || c.ReconnectMax < 0 {
		return invalid("reconnect-step and reconnect-max must be >= 0")
	}
	if len(c.EtcdEndpoints) > 0 {
		if c.ServiceName == "" {
			return invalid("service-name must be specified when etcd-endpoints are set")
		}
		switch c.Balancer {
		case "round-robin", "weighted-random":
		case "consistent-hash":
			if c.HashKey == "" {
				return invalid("hash-key must be specified for the consistent-hash balancer")
			}
		default:
			return invalid("unknown balancer " + c.Balancer)
		}
	}
	return nil
}

func validateTransport(transport string) error {
	switch transport {
	case TransportWebSocket, TransportTCP:
		return nil
	}
	return invalid("transport must be one of 'ws' or 'tcp'")
}

func invalid(msg string) error {
	return errors.Errorf("invalid configuration: %s", msg)
}
