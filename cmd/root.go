package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/vpp/app"
	"github.com/kilianp07/vpp/config"
	"github.com/kilianp07/vpp/core/fixtures"
	"github.com/kilianp07/vpp/infra/logger"
)

var (
	cfgPath  string
	seedPath string
)

var rootCmd = &cobra.Command{
	Use:          "vpp",
	Short:        "Virtual power plant program orchestration",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json); built-in defaults when empty")
	rootCmd.Flags().StringVar(&seedPath, "seed", "", `fixture file to load at startup, or "demo"`)
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Configure(cfg.Log); err != nil {
		return err
	}
	log := logger.New("main")

	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Errorf("service close: %v", err)
		}
	}()

	if seedPath != "" {
		fx, err := fixtures.Load(seedPath)
		if err != nil {
			return fmt.Errorf("load fixture: %w", err)
		}
		if _, err := svc.Seed(ctx, fx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return svc.Run(ctx)
}
