package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/gemini-relay/internal/config"
	"github.com/comigor/gemini-relay/internal/history"
	"github.com/comigor/gemini-relay/internal/identity"
	"github.com/comigor/gemini-relay/internal/llm"
	"github.com/comigor/gemini-relay/internal/logger"
	"github.com/comigor/gemini-relay/internal/mcptool"
	"github.com/comigor/gemini-relay/internal/media"
	"github.com/comigor/gemini-relay/internal/relay"
	"github.com/comigor/gemini-relay/internal/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.L.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gemini-relay",
		Short:         "HTTP relay between clients and a vision chat model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := os.Setenv("CONFIG_PATH", configPath); err != nil {
					return err
				}
			}
			cfg, err := config.LoadViper(v)
			if err != nil {
				return errors.Wrap(err, "load configuration")
			}
			logger.SetLevel(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (overrides CONFIG_PATH)")
	bindFlags(v, cmd)
	return cmd
}

// bindFlags declares the listener and logging flags and binds them to their config keys.
func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("host", "", "listen host")
	flags.String("port", "", "listen port")
	flags.String("log-level", "", "debug, info, warn or error")
	for key, flag := range map[string]string{
		"server.host": "host",
		"server.port": "port",
		"log_level":   "log-level",
	} {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

// build assembles the component graph. The returned cleanup releases the history backend.
func build(ctx context.Context, cfg *config.Config) (*server.Server, func(), error) {
	cleanup := func() {}

	var store *history.Store
	if cfg.History.Enabled {
		backend, err := history.NewBackend(ctx, cfg.History)
		if err != nil {
			return nil, cleanup, errors.Wrap(err, "open history backend")
		}
		store, err = history.Open(ctx, backend)
		if err != nil {
			_ = backend.Close()
			return nil, cleanup, err
		}
		cleanup = func() {
			if err := store.Close(); err != nil {
				logger.L.Warn("history close error", "error", err)
			}
		}
	}

	var existing []string
	if store != nil {
		existing = store.Users()
	}
	ids, err := identity.New(cfg.Identity.Policy, existing)
	if err != nil {
		return nil, cleanup, err
	}

	model, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return nil, cleanup, err
	}

	r := relay.New(store, ids, media.New(model, cfg.Media), model)

	var opts []server.Option
	if cfg.MCP.Enabled {
		opts = append(opts, server.WithMCP(cfg.MCP.Path, mcptool.HTTPHandler(mcptool.NewServer(r, version))))
	}

	logger.L.Info("relay configured",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"history", cfg.History.Enabled,
		"backend", cfg.History.Backend,
		"identity", cfg.Identity.Policy,
	)
	return server.New(cfg.Server.Addr(), r, opts...), cleanup, nil
}

// serve runs the relay until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	srv, cleanup, err := build(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(srv.ListenAndServe)
	eg.Go(func() error {
		<-egCtx.Done()
		logger.L.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
