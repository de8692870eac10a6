// Package cli implements the aie command line: the API server plus local
// commands for running plans, resolving mentions and managing pending
// entities against the configured store.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/app"
	"github.com/ImCalebP/ai-employee/internal/config"
	"github.com/ImCalebP/ai-employee/internal/logging"
)

var (
	configPath string
	logLevel   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "aie",
	Short:         "Entity resolution and action orchestration for an AI employee",
	Long:          "Resolves people, documents and tasks mentioned in conversation and executes the action plans built from them.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $AIE_CONFIG)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("AIE_CONFIG")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openApp loads the configuration and wires every component. Only serve
// owns the websocket feed; other commands spool their notifications for it.
func openApp(cmd *cobra.Command, serve bool) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a, err := app.New(cmd.Context(), cfg, logger, app.Options{Serve: serve})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// closeApp releases a and flushes its logger.
func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn("shutdown error", zap.Error(err))
	}
	_ = a.Logger.Sync()
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
