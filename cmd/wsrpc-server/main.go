package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"ws-rpc/conf"
	log "ws-rpc/logger"
	"ws-rpc/middleware"
	"ws-rpc/registry"
	"ws-rpc/server"
	"ws-rpc/transport"
)

type arguments struct {
	Config kong.ConfigFlag  `help:"Path to an HCL config file" type:"existingfile"`
	Server conf.ServerConfig `help:"Server configuration" embed:"" prefix:""`
	Log    log.Config        `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("%+v", err)
	}
}

func loadConfig(args []string) (*arguments, error) {
	cfg := &arguments{}
	parser, err := kong.New(cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, err
	}
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildTable registers the demo services behind the middlewares cfg enables.
func buildTable(cfg *conf.ServerConfig) (*server.DispatchTable, error) {
	router := server.NewRouter()
	router.Use(middleware.LoggingMiddleware())
	if cfg.RateLimit > 0 {
		router.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerTimeout > 0 {
		router.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	router.Use(middleware.RecoveryMiddleware())
	if err := router.Register("Echo", &EchoService{}); err != nil {
		return nil, err
	}
	if err := router.Register("Clock", newClockService()); err != nil {
		return nil, err
	}
	return router.Build(), nil
}

func newTransport(cfg *conf.ServerConfig, factory transport.ConnectionFactory) transport.Server {
	if cfg.Transport == conf.TransportTCP {
		return transport.NewTCPServer(cfg.ListenAddress, cfg.HeartbeatInterval, factory)
	}
	return transport.NewWebSocketServer(cfg.ListenAddress, cfg.Path, factory)
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	table, err := buildTable(&cfg.Server)
	if err != nil {
		return err
	}
	log.Infof("serving %v", table.Keys())

	var opts []server.Option
	if len(cfg.Server.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Server.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer func() {
			if err := reg.Close(); err != nil {
				log.Warnf("failed to close registry: %v", err)
			}
		}()
		opts = append(opts, server.WithRegistry(reg, cfg.Server.ServiceName, cfg.Server.AdvertiseAddress, cfg.Server.RegistryTTL))
	}

	srv := server.NewServer(table, opts...)
	if err := srv.Start(newTransport(&cfg.Server, srv.NewConnection)); err != nil {
		return err
	}
	log.Infof("ws-rpc server %s started", srv.InstanceID())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Server.PushInterval > 0 {
		g.Go(func() error {
			pushTicks(ctx, srv, cfg.Server.PushInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Warn("signal received, ws-rpc server will be stopped")
		return srv.Shutdown(cfg.Server.ShutdownTimeout)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("ws-rpc server stopped")
	return nil
}

// pushTicks broadcasts Clock#Tick with the current unix millis until ctx is done.
func pushTicks(ctx context.Context, srv *server.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if err := srv.Broadcast(tickMessage, now.UnixMilli()); err != nil {
				log.Debugf("tick broadcast incomplete: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
