// Package main provides the diglett CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/muhamadazmy/diglett/internal/agent"
	"github.com/muhamadazmy/diglett/internal/auth"
	"github.com/muhamadazmy/diglett/internal/config"
	"github.com/muhamadazmy/diglett/internal/logging"
	"github.com/muhamadazmy/diglett/internal/metrics"
	"github.com/muhamadazmy/diglett/internal/server"
	"github.com/muhamadazmy/diglett/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "diglett",
		Short: "diglett - expose a private TCP service through a public gateway",
		Long: `Diglett tunnels a service running behind NAT out to a public
gateway. The agent dials the gateway once, registers a subdomain, and
from then on the gateway forwards public TCP connections back through
that single link to the private backend.`,
		Version: Version,
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(setupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file when given, or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func serverCmd() *cobra.Command {
	var (
		configPath  string
		listen      string
		publicBind  string
		metricsAddr string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the public gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// Flags override the config file.
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if publicBind != "" {
				cfg.Server.PublicBind = publicBind
			}
			if metricsAddr != "" {
				cfg.Server.Metrics = metricsAddr
			}
			if debug {
				cfg.Log.Level = "debug"
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.Default()

			var authenticator auth.Authenticator = auth.AllowAll{}
			if len(cfg.Server.Tokens) > 0 {
				authenticator = auth.NewTokenAuthenticator(cfg.Server.Tokens)
			}

			srv := server.New(server.Config{
				Listen:           cfg.Server.Listen,
				PublicBind:       cfg.Server.PublicBind,
				HandshakeTimeout: cfg.Server.HandshakeTimeout,
				ControlTimeout:   cfg.Server.ControlTimeout,
				MaxAgents:        cfg.Server.MaxAgents,
				AcceptRate:       cfg.Server.AcceptRate,
				Auth:             authenticator,
				Logger:           logger,
				Metrics:          m,
			})

			if err := srv.Start(); err != nil {
				return err
			}

			if cfg.Server.Metrics != "" {
				go serveMetrics(cfg.Server.Metrics, logger)
			}

			<-signalContext().Done()
			logger.Info("shutting down")
			srv.Stop()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "agent listen address (default :20000)")
	cmd.Flags().StringVarP(&publicBind, "bind", "b", "", "public bind address (default 127.0.0.1)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus metrics address")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	return cmd
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", logging.KeyError, err)
	}
}

func agentCmd() *cobra.Command {
	var (
		configPath string
		gateway    string
		name       string
		backend    string
		token      string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent next to the private service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			if gateway != "" {
				cfg.Agent.Gateway = gateway
			}
			if name != "" {
				cfg.Agent.Name = name
			}
			if backend != "" {
				cfg.Agent.Backend = backend
			}
			if token != "" {
				cfg.Agent.Token = token
			}
			if debug {
				cfg.Log.Level = "debug"
			}

			if err := cfg.ValidateAgent(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			a, err := agent.New(agent.Config{
				Gateway:     cfg.Agent.Gateway,
				Name:        cfg.Agent.Name,
				Backend:     cfg.Agent.Backend,
				Token:       cfg.Agent.Token,
				DialTimeout: cfg.Agent.DialTimeout,
				Logger:      logger,
				Metrics:     metrics.Default(),
			})
			if err != nil {
				return err
			}

			err = a.Run(signalContext())
			if err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&gateway, "gateway", "g", "", "gateway address (host:port)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "subdomain name to register")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "backend address (host:port)")
	cmd.Flags().StringVarP(&token, "token", "t", "", "login token")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.Run()
			return err
		},
	}
}
