package commands

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dfs-rpc/internal/cli"
	"dfs-rpc/internal/demo"
	"dfs-rpc/middleware"
	"dfs-rpc/registry"
	"dfs-rpc/server"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var serveArgs struct {
	listen    string
	advertise string
}

var ServeCmd = &cli.Subcommand{
	Use:   "serve",
	Short: "run the reference metadata server with the demo protocol",
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&serveArgs.listen, "listen", "", "override server.listen")
		f.StringVar(&serveArgs.advertise, "advertise", "", "override server.advertise (host:port registered in etcd)")
	},
	Run: runServe,
}

func runServe(s *cli.Subcommand, args []string) error {
	c := s.Config()
	sc := c.Server
	log := s.Logger().Named("server")
	if serveArgs.listen != "" {
		sc.Listen = serveArgs.listen
	}
	if serveArgs.advertise != "" {
		sc.Advertise = serveArgs.advertise
	}

	srv := server.NewServer(log)
	srv.SetMaxFrameLength(c.RPC.MaxFrameLength)
	srv.Use(middleware.RecoveryMiddleware(log))
	srv.Use(middleware.LoggingMiddleware(log))
	if sc.RateLimit > 0 {
		burst := sc.RateBurst
		if burst <= 0 {
			burst = int(sc.RateLimit) + 1
		}
		srv.Use(middleware.RateLimitMiddleware(sc.RateLimit, burst))
	}
	if sc.HandlerTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(sc.HandlerTimeout))
	}
	demo.Install(srv)

	l, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	if c.Etcd != nil {
		adv := sc.Advertise
		if adv == "" {
			adv = l.Addr().String()
		}
		ep, err := registry.ParseEndpoint(adv)
		if err != nil {
			l.Close()
			return errors.Wrap(err, "advertise address")
		}
		reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{
			Endpoints:   c.Etcd.Endpoints,
			Prefix:      c.Etcd.Prefix,
			DialTimeout: c.Etcd.DialTimeout,
			Logger:      log,
		})
		if err != nil {
			l.Close()
			return err
		}
		defer reg.Close()
		srv.Advertise(reg, sc.Cluster, ep, sc.RegisterTTL)
	}

	if sc.MetricsAddr != "" {
		if err := server.PrometheusRegister(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(sc.MetricsAddr, mux); err != nil {
				log.Error("metrics listener", zap.Error(err))
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("shutting down", zap.Stringer("signal", sig))
		ctx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	return srv.ServeListener(l)
}
