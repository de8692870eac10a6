package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ImCalebP/ai-employee/internal/server"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the clarification feed",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cmd, true)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := a.Start(ctx); err != nil {
		return err
	}
	addr, err := server.Start(ctx, a.Config, a.ServerDeps())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "aie API running at http://%s\n", addr)

	<-ctx.Done()
	a.Logger.Info("shutting down gracefully")
	return nil
}
