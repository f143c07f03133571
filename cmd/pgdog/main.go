package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pgdogdev/pgdog/pkg/app"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "pgdog run --config `path-to-config`",
	Short: "pgdog",
	Long:  "PostgreSQL proxy with sharding, load balancing and connection pooling",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "pgdog.toml", "path to config file")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		_ = doglog.UpdateZeroLogLevel(cfg.General.LogLevel)
		metrics.Init(cfg.General.OpenmetricsNamespace)

		proxy, err := app.New(cfgPath, cfg)
		if err != nil {
			return errors.Wrap(err, "failed to initialize")
		}

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			for s := range sigs {
				switch s {
				case syscall.SIGHUP:
					doglog.Zero.Info().Msg("got SIGHUP, reloading configuration")
					if err := proxy.Reload(); err != nil {
						doglog.Zero.Error().Err(err).Msg("config reload failed")
					}
				case syscall.SIGINT, syscall.SIGTERM:
					doglog.Zero.Info().Str("signal", s.String()).Msg("shutting down")
					cancelCtx()
					return
				}
			}
		}()

		metrics.StartServer(cfg.General.OpenmetricsPort)

		return proxy.Run(ctx)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		doglog.Zero.Fatal().Err(err).Msg("pgdog failed")
	}
}
