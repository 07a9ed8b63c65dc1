package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"

	"quicbridge/internal/backend"
	"quicbridge/internal/bridge"
	"quicbridge/internal/config"
	"quicbridge/internal/healthz"
	"quicbridge/internal/logx"
	"quicbridge/internal/metrics"
	"quicbridge/internal/netutil"
)

const (
	exitOK     = 0
	exitServe  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file (optional, environment overrides it)")
	printConfig := fs.Bool("print-config", false, "Print the effective configuration and exit")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	if *printConfig {
		out, err := yamlv3.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return exitConfig
		}
		os.Stdout.Write(out)
		return exitOK
	}

	log, err := logx.New(logx.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		SyslogAddr: cfg.Logging.SyslogAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return exitConfig
	}
	if err := cfg.TargetWarning(); err != nil {
		log.WithError(err).Warn("target is malformed, every stream will fail until it is fixed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, log)

	listeners, err := buildListeners(cfg)
	if err != nil {
		log.WithError(err).Error("startup failed")
		return exitServe
	}

	dialer, err := newDialer(cfg)
	if err != nil {
		closeAll(listeners)
		log.WithError(err).Error("startup failed")
		return exitServe
	}
	srv, err := bridge.New(bridge.Options{
		Dialer:               dialer,
		Logger:               log,
		Transport:            cfg.Transport.Type,
		MaxStreamsPerSession: cfg.Limits.MaxStreamsPerSession,
		MaxStreamsTotal:      cfg.Limits.MaxStreamsTotal,
		ShutdownGrace:        cfg.ShutdownGraceDuration(),
	})
	if err != nil {
		closeAll(listeners)
		log.WithError(err).Error("startup failed")
		return exitServe
	}

	var ready http.Handler
	if hc, ok := cfg.HealthConfig(); ok {
		probe := healthz.NewProbe(func(ctx context.Context) error {
			conn, err := srv.Dialer().Dial(ctx)
			if err != nil {
				return err
			}
			return conn.Close()
		}, hc, log.WithField("component", "health"))
		probe.OnChange(func(_, next healthz.State) { metrics.SetBackendUp(next == healthz.StateUp) })
		go probe.Run(ctx)
		ready = probe.Handler()
	}

	metricsSrv, err := metrics.Start(cfg.Metrics.Listen, cfg.Metrics.AuthToken, cfg.Metrics.Pprof, ready, log)
	if err != nil {
		closeAll(listeners)
		log.WithError(err).Error("metrics endpoint failed")
		return exitServe
	}
	if metricsSrv != nil {
		defer metricsSrv.Close()
	}

	if *configPath != "" {
		reloader, err := config.NewReloadable(*configPath, cfg, log)
		if err != nil {
			log.WithError(err).Warn("config hot reload disabled")
		} else {
			defer reloader.Close()
			reloader.Watch(func(old, next *config.Config) {
				if err := next.TargetWarning(); err != nil {
					log.WithError(err).Warn("reloaded target is malformed")
				}
				d, err := newDialer(next)
				if err != nil {
					log.WithError(err).Warn("keeping previous backend dialer")
					return
				}
				srv.SetDialer(d)
				if err := logx.SetLevel(log, next.Logging.Level); err != nil {
					log.WithError(err).Warn("keeping previous log level")
				}
				log.WithFields(logrus.Fields{
					"target":          next.Target,
					"connect_timeout": next.ConnectTimeout(),
				}).Info("backend settings updated")
			})
		}
	}

	log.WithFields(logrus.Fields{
		"listen":    cfg.Listen,
		"transport": cfg.Transport.Type,
		"target":    cfg.Target,
	}).Info("bridge started")

	if err := srv.Serve(ctx, listeners...); err != nil {
		log.WithError(err).Error("bridge stopped")
		return exitServe
	}
	log.Info("bridge stopped")
	return exitOK
}

func newDialer(cfg *config.Config) (*backend.Dialer, error) {
	dial, err := netutil.ProxyDialer(cfg.Backend.Proxy)
	if err != nil {
		return nil, err
	}
	tcp := cfg.Backend.TCP
	return backend.NewDialer(cfg.Target, cfg.ConnectTimeout(),
		backend.WithDialFunc(dial),
		backend.WithTCPOptions(netutil.TCPOptions{
			NoDelay:         tcp.NoDelay == nil || *tcp.NoDelay,
			KeepAlivePeriod: cfg.BackendKeepAlive(),
			ReadBufferSize:  tcp.ReadBuffer,
			WriteBufferSize: tcp.WriteBuffer,
		}),
	), nil
}

func handleSignals(cancel context.CancelFunc, log logrus.FieldLogger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutting down")
	cancel()
}
