package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/servicebus"
	"github.com/hupe1980/servicebus/config"
	"github.com/hupe1980/servicebus/internal/httpapi"
	"github.com/hupe1980/servicebus/orchestration"
)

func runCmd() *cobra.Command {
	var configPath string

	c := &cobra.Command{
		Use:   "run",
		Short: "Start the kernel and serve until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, os.LookupEnv)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, os.Stderr)
		},
	}

	c.Flags().StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml or .yml); defaults plus environment if omitted")
	return c
}

// loadConfig reads path, or falls back to the defaults overlaid with the
// environment when no path is given.
func loadConfig(path string, lookup func(string) (string, bool)) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// serve runs the kernel until ctx is done and then shuts it down gracefully.
func serve(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	logger := cfg.Logger(logOut, "servicebusd")

	kernel, err := servicebus.New(func(o *servicebus.Options) {
		o.Bus = cfg.BusConfig()
		o.Orchestration = []func(o *orchestration.Options){cfg.OrchestrationOptions()}
		o.Logger = logger
	})
	if err != nil {
		return err
	}

	if err := kernel.Start(cfg.ServiceProperties()); err != nil {
		kernel.Shutdown(false)
		return err
	}

	apiErr := make(chan error, 1)
	if cfg.HTTP.Listen != "" {
		api := httpapi.New(kernel, kernel.Metrics(), func(o *httpapi.Options) {
			o.CORSOrigins = cfg.HTTP.CORSOrigins
			o.Logger = logger
		})
		go func() { apiErr <- api.ListenAndServe(ctx, cfg.HTTP.Listen) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-apiErr:
		if err != nil {
			logger.Error("admin api failed", "error", err)
			err = fmt.Errorf("admin api: %w", err)
		}
	}

	if !kernel.Shutdown(true) {
		err = errors.Join(err, errors.New("kernel did not stop cleanly"))
	}
	return err
}
