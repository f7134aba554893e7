package commands

import (
	"context"
	"io"

	"dfs-rpc/client"
	"dfs-rpc/internal/cli"
	"dfs-rpc/internal/demo"
	"dfs-rpc/registry"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// clientFlags are shared by the subcommands that talk to a cluster.
type clientFlags struct {
	cluster   string
	endpoints []string
}

func (f *clientFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.cluster, "cluster", "default", "cluster name, resolved through clusters: or etcd:")
	fs.StringSliceVar(&f.endpoints, "endpoints", nil, "host:port list; bypasses cluster resolution")
}

// dial builds an engine for the demo protocol and waits until it is connected.
// The returned closer closes the engine and the resolver.
func (f *clientFlags) dial(ctx context.Context, s *cli.Subcommand) (*client.Engine, io.Closer, error) {
	c := s.Config()
	log := s.Logger()

	var (
		resolver registry.Resolver
		closers  multiCloser
	)
	switch {
	case len(f.endpoints) > 0:
	case c.Etcd != nil:
		reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints:   c.Etcd.Endpoints,
			Prefix:      c.Etcd.Prefix,
			DialTimeout: c.Etcd.DialTimeout,
			Logger:      log,
		})
		if err != nil {
			return nil, nil, err
		}
		resolver = reg
		closers = append(closers, reg)
	default:
		static, err := c.StaticResolver()
		if err != nil {
			return nil, nil, err
		}
		resolver = static
	}

	options := []client.Option{
		client.WithLogger(log),
		client.WithMethods(demo.Methods()),
	}
	if resolver != nil {
		options = append(options, client.WithResolver(resolver))
	}
	e, err := client.New(client.OptionsFromConfig(c.RPC), options...)
	if err != nil {
		closers.Close()
		return nil, nil, err
	}
	closers = append([]io.Closer{e}, closers...)

	done := make(chan error, 1)
	if len(f.endpoints) > 0 {
		eps, err := registry.ParseEndpoints(f.endpoints)
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		e.Connect(f.cluster, eps, func(err error) { done <- err })
	} else {
		e.ConnectCluster(ctx, f.cluster, func(err error) { done <- err })
	}
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		closers.Close()
		return nil, nil, errors.Wrapf(err, "connect to cluster %q", f.cluster)
	}
	log.Debug("connected", zap.String("cluster", f.cluster))
	return e, closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
