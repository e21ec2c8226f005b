package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/pkg/errors"

	"ws-rpc/client"
	"ws-rpc/conf"
	"ws-rpc/loadbalance"
	log "ws-rpc/logger"
	"ws-rpc/registry"
)

type arguments struct {
	Config  kong.ConfigFlag   `help:"Path to an HCL config file" type:"existingfile"`
	Client  conf.ClientConfig `help:"Client configuration" embed:"" prefix:""`
	Log     log.Config        `help:"Configuration for the logger" embed:"" prefix:"log-"`
	Command string            `help:"Single call to execute, non interactively, e.g. 'Echo Ping [\"hi\"]'"`
	VI      bool              `help:"Enable VI mode."`
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
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newResolver discovers servers through etcd when endpoints are configured. A nil resolver makes
// the client dial the configured address.
func newResolver(ctx context.Context, cfg *conf.ClientConfig) (client.Resolver, func(), error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return nil, func() {}, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
	if err != nil {
		return nil, nil, err
	}
	closeRegistry := func() {
		if err := reg.Close(); err != nil {
			log.Warnf("failed to close registry: %v", err)
		}
	}
	balancer, err := loadbalance.NewBalancer(cfg.Balancer, cfg.HashKey)
	if err != nil {
		closeRegistry()
		return nil, nil, err
	}
	resolver, err := loadbalance.NewResolver(ctx, reg, cfg.ServiceName, balancer)
	if err != nil {
		closeRegistry()
		return nil, nil, err
	}
	return resolver, closeRegistry, nil
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resolver, closeResolver, err := newResolver(ctx, &cfg.Client)
	if err != nil {
		return err
	}
	defer closeResolver()

	cl, err := client.NewFromConfig(cfg.Client, resolver)
	if err != nil {
		return err
	}
	out := os.Stdout
	cl.AddListener(client.Observer{
		OnOpen: func() {
			fmt.Fprintln(out, "* connected")
		},
		OnClose: func() {
			fmt.Fprintln(out, "* disconnected")
		},
		OnServerMessage: func(msg string, value json.RawMessage) {
			fmt.Fprintf(out, "* push %s %s\n", msg, value)
		},
	})
	if err := cl.Start(); err != nil {
		return err
	}
	defer func() {
		if err := cl.Stop(); err != nil {
			log.Errorf("failed to stop client: %v", err)
		}
	}()

	sh := newShell(cl, out, cfg.Client.CallTimeout)
	if cfg.Command != "" {
		return sh.execute(cfg.Command)
	}
	return sh.run(cfg.VI)
}
