package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaovie/goco"
	"github.com/shaovie/goco/netfd"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "goco-echo:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfgPath       string
		listen        string
		metricsListen string
		idleTimeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:           "goco-echo",
		Short:         "goco-echo is a line echo server running on the goco task runtime",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # 4 shards, 64KiB read buffer, metrics on :9100
  goco-echo --listen :8080 --thread-count 4 --read-buffer-size 64KiB --metrics-listen :9100

  # same through the environment
  GOCO_THREAD_COUNT=4 GOCO_READ_BUFFER_SIZE=64KiB goco-echo`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := goco.NewConfigViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := goco.LoadConfig(v, cfgPath)
			if err != nil {
				return err
			}
			return run(cfg, listen, metricsListen, idleTimeout)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfgPath, "config", "", "config file (yaml, json, toml)")
	flags.StringVar(&listen, "listen", ":8080", "echo listen address")
	flags.StringVar(&metricsListen, "metrics-listen", "", "prometheus /metrics address (empty: disabled), TLS when a key pair is configured")
	flags.DurationVar(&idleTimeout, "idle-timeout", 60*time.Second, "close connections idle for this long (0: never)")
	goco.ConfigFlags(flags)
	return cmd
}

func run(cfg goco.Config, listen, metricsListen string, idleTimeout time.Duration) error {
	log, err := cfg.NewLog()
	if err != nil {
		return err
	}
	defer log.Close()

	registry := prometheus.NewRegistry()
	opts := append(cfg.Options(), goco.WithLog(log), goco.MetricsRegisterer(registry))
	rt, err := goco.New(opts...)
	if err != nil {
		return err
	}
	log.Info("config: %s", cfg.String())

	if _, err = rt.Serve(listen, echoHandler(rt, idleTimeout)); err != nil {
		return errors.New("serve " + listen + ": " + err.Error())
	}

	var srv *http.Server
	if metricsListen != "" {
		if srv, err = startMetrics(cfg, log, registry, metricsListen); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal %s, stopping", sig.String())
		rt.StopAll()
	}()

	err = rt.Run()
	if srv != nil {
		srv.Close()
	}
	return err
}

func echoHandler(rt *goco.Runtime, idleTimeout time.Duration) goco.HandlerFactory {
	return func(c *goco.Conn) goco.TaskFunc {
		netfd.SetNoDelay(c.Fd(), 1)
		return func(t *goco.Task) {
			defer c.Close()
			if idleTimeout > 0 {
				g, err := goco.NewIdleGuard(rt, idleTimeout, func() { t.Scheduler().Destroy(t) })
				if err != nil {
					rt.Log().Error("idle guard: %s", err.Error())
					return
				}
				t.Defer(g.Stop)
				serve(t, rt.NewSession(c), g)
				return
			}
			serve(t, rt.NewSession(c), nil)
		}
	}
}

func serve(t *goco.Task, s *goco.Session, g *goco.IdleGuard) {
	var line goco.LineCodec
	line.MaxLen = 64 << 10
	for {
		if err := s.ReadMessage(t, &line); err != nil {
			if !errors.Is(err, goco.ErrConnClosed) {
				t.Runtime().Log().Debug("conn %s read: %s", s.Conn().RemoteAddr(), err.Error())
			}
			return
		}
		if g != nil {
			g.Touch()
		}
		if err := s.WriteMessage(t, &line); err != nil {
			return
		}
	}
}

func startMetrics(cfg goco.Config, log *goco.Log, registry *prometheus.Registry, addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if !cfg.TLSEnabled() {
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener: %s", err.Error())
			}
		}()
		return srv, nil
	}
	reloader, err := goco.NewCertReloader(cfg.TLSCertPath, cfg.TLSKeyPath, log)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := goco.LoadTLSConfig(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSMinVersion, cfg.TLSMaxVersion, reloader)
	if err != nil {
		reloader.Close()
		return nil, err
	}
	srv.TLSConfig = tlsCfg
	srv.RegisterOnShutdown(func() { reloader.Close() })
	go func() {
		defer reloader.Close()
		if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener: %s", err.Error())
		}
	}()
	return srv, nil
}
