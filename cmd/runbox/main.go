package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/logger"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed code execution for learners",
	Long: `runbox runs untrusted Java, Python and Go submissions against declarative
test suites inside disposable Docker containers.

It serves the submission API, runs local solutions against suite files and
inspects stored submissions and execution logs.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./runbox.yaml or ~/.runbox/runbox.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger every subcommand uses.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, log, nil
}
